// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wire

import (
	"encoding/binary"
	"testing"
)

func TestDecodeSocketRequest(t *testing.T) {
	b := make([]byte, socketRequestSize)
	nativeEndian.PutUint32(b[0:4], 7)
	nativeEndian.PutUint32(b[4:8], 2)
	nativeEndian.PutUint32(b[8:12], 1)
	nativeEndian.PutUint32(b[12:16], 0)

	req, err := DecodeSocketRequest(b)
	if err != nil {
		t.Fatal(err)
	}
	if req.Tid != 7 || req.Domain != 2 || req.Type != 1 || req.Protocol != 0 {
		t.Fatalf("unexpected decode: %+v", req)
	}
}

func TestDecodeSocketRequestShort(t *testing.T) {
	if _, err := DecodeSocketRequest(make([]byte, 3)); err != ErrShort {
		t.Fatalf("want ErrShort, got %v", err)
	}
}

func TestDecodeBindRequestNetworkOrderAddr(t *testing.T) {
	b := make([]byte, bindRequestSize)
	nativeEndian.PutUint32(b[0:4], 7)   // tid
	nativeEndian.PutUint32(b[4:8], 42)  // sockfd
	nativeEndian.PutUint16(b[8:10], 2)  // sa_family AF_INET
	binary.BigEndian.PutUint16(b[10:12], 8080)
	copy(b[12:16], []byte{0, 0, 0, 0})

	req, err := DecodeBindRequest(b)
	if err != nil {
		t.Fatal(err)
	}
	if req.Sockfd != 42 {
		t.Fatalf("sockfd = %d, want 42", req.Sockfd)
	}
	if req.Addr.Port != 8080 {
		t.Fatalf("port = %d, want 8080 (network order decoded)", req.Addr.Port)
	}
}

func TestEncodeRetval(t *testing.T) {
	b := EncodeRetval(-3)
	if len(b) != 5 {
		t.Fatalf("len = %d, want 5", len(b))
	}
	if Opcode(b[0]) != RETVAL {
		t.Fatalf("opcode = %v, want RETVAL", Opcode(b[0]))
	}
	got := int32(nativeEndian.Uint32(b[1:]))
	if got != -3 {
		t.Fatalf("code = %d, want -3", got)
	}
}

func TestDecodeFDMapCompletion(t *testing.T) {
	b := make([]byte, 4)
	nativeEndian.PutUint32(b, 57)
	fd, err := DecodeFDMapCompletion(b)
	if err != nil {
		t.Fatal(err)
	}
	if fd != 57 {
		t.Fatalf("fd = %d, want 57", fd)
	}
}

func TestOpcodeString(t *testing.T) {
	cases := map[Opcode]string{
		SOCKET:            "SOCKET",
		BIND:               "BIND",
		LISTEN:            "LISTEN",
		CONNECT:           "CONNECT",
		KILL_INTERCEPT:    "KILL_INTERCEPT",
		FD_MAP_COMPLETION: "FD_MAP_COMPLETION",
		RETVAL:            "RETVAL",
		Opcode(99):        "UNKNOWN",
	}
	for op, want := range cases {
		if got := op.String(); got != want {
			t.Errorf("Opcode(%d).String() = %q, want %q", op, got, want)
		}
	}
}
