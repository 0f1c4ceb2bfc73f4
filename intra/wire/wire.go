// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package wire is the framing boundary between the RPC dispatcher and the
// bytes arriving on a rendezvous endpoint: opcode/struct decoding, RETVAL
// encoding, and the sideband descriptor transfer.
package wire

import (
	"encoding/binary"
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// Opcode identifies the shape of the struct following it on the wire.
type Opcode byte

const (
	SOCKET            Opcode = 0
	LISTEN            Opcode = 2
	BIND              Opcode = 3
	CONNECT           Opcode = 4
	KILL_INTERCEPT    Opcode = 11
	FD_MAP_COMPLETION Opcode = 12
	RETVAL            Opcode = 16
)

func (o Opcode) String() string {
	switch o {
	case SOCKET:
		return "SOCKET"
	case LISTEN:
		return "LISTEN"
	case BIND:
		return "BIND"
	case CONNECT:
		return "CONNECT"
	case KILL_INTERCEPT:
		return "KILL_INTERCEPT"
	case FD_MAP_COMPLETION:
		return "FD_MAP_COMPLETION"
	case RETVAL:
		return "RETVAL"
	default:
		return "UNKNOWN"
	}
}

// ErrShort means a message was too short for the struct its opcode implies.
var ErrShort = errors.New("wire: short message")

// SockaddrIn is the wire layout of a BSD sockaddr_in: port and addr are
// network byte order, matching BSD sockaddr convention (§4.1, §6).
type SockaddrIn struct {
	Family uint16
	Port   uint16
	Addr   [4]byte
	Zero   [8]byte
}

const sockaddrInSize = 2 + 2 + 4 + 8

// SocketRequest is the SOCKET opcode's payload.
type SocketRequest struct {
	Tid      int32
	Domain   int32
	Type     int32
	Protocol int32
}

const socketRequestSize = 4 * 4

// DecodeSocketRequest parses a SOCKET request body (opcode byte excluded).
func DecodeSocketRequest(b []byte) (SocketRequest, error) {
	if len(b) < socketRequestSize {
		return SocketRequest{}, ErrShort
	}
	return SocketRequest{
		Tid:      int32(nativeEndian.Uint32(b[0:4])),
		Domain:   int32(nativeEndian.Uint32(b[4:8])),
		Type:     int32(nativeEndian.Uint32(b[8:12])),
		Protocol: int32(nativeEndian.Uint32(b[12:16])),
	}, nil
}

// BindRequest is the BIND opcode's payload.
type BindRequest struct {
	Tid     int32
	Sockfd  int32
	Addr    SockaddrIn
	AddrLen int32
}

const bindRequestSize = 4 + 4 + sockaddrInSize + 4

// DecodeBindRequest parses a BIND request body (opcode byte excluded).
func DecodeBindRequest(b []byte) (BindRequest, error) {
	if len(b) < bindRequestSize {
		return BindRequest{}, ErrShort
	}
	sa, err := decodeSockaddrIn(b[8 : 8+sockaddrInSize])
	if err != nil {
		return BindRequest{}, err
	}
	return BindRequest{
		Tid:     int32(nativeEndian.Uint32(b[0:4])),
		Sockfd:  int32(nativeEndian.Uint32(b[4:8])),
		Addr:    sa,
		AddrLen: int32(nativeEndian.Uint32(b[8+sockaddrInSize : 12+sockaddrInSize])),
	}, nil
}

// ListenRequest is the LISTEN opcode's payload.
type ListenRequest struct {
	Tid     int32
	Sockfd  int32
	Backlog int32
}

const listenRequestSize = 4 * 3

// DecodeListenRequest parses a LISTEN request body (opcode byte excluded).
func DecodeListenRequest(b []byte) (ListenRequest, error) {
	if len(b) < listenRequestSize {
		return ListenRequest{}, ErrShort
	}
	return ListenRequest{
		Tid:     int32(nativeEndian.Uint32(b[0:4])),
		Sockfd:  int32(nativeEndian.Uint32(b[4:8])),
		Backlog: int32(nativeEndian.Uint32(b[8:12])),
	}, nil
}

// ConnectRequest is the CONNECT opcode's payload.
type ConnectRequest struct {
	Tid     int32
	Fd      int32
	Addr    SockaddrIn
	AddrLen int32
}

const connectRequestSize = 4 + 4 + sockaddrInSize + 4

// DecodeConnectRequest parses a CONNECT request body (opcode byte excluded).
func DecodeConnectRequest(b []byte) (ConnectRequest, error) {
	if len(b) < connectRequestSize {
		return ConnectRequest{}, ErrShort
	}
	sa, err := decodeSockaddrIn(b[8 : 8+sockaddrInSize])
	if err != nil {
		return ConnectRequest{}, err
	}
	return ConnectRequest{
		Tid:     int32(nativeEndian.Uint32(b[0:4])),
		Fd:      int32(nativeEndian.Uint32(b[4:8])),
		Addr:    sa,
		AddrLen: int32(nativeEndian.Uint32(b[8+sockaddrInSize : 12+sockaddrInSize])),
	}, nil
}

// DecodeFDMapCompletion parses an FD_MAP_COMPLETION request body: a single
// their_fd int32.
func DecodeFDMapCompletion(b []byte) (int32, error) {
	if len(b) < 4 {
		return 0, ErrShort
	}
	return int32(nativeEndian.Uint32(b[0:4])), nil
}

func decodeSockaddrIn(b []byte) (SockaddrIn, error) {
	if len(b) < sockaddrInSize {
		return SockaddrIn{}, ErrShort
	}
	var sa SockaddrIn
	sa.Family = nativeEndian.Uint16(b[0:2])
	sa.Port = binary.BigEndian.Uint16(b[2:4])
	copy(sa.Addr[:], b[4:8])
	copy(sa.Zero[:], b[8:16])
	return sa, nil
}

// EncodeRetval encodes the RETVAL reply: opcode byte + host-order i32.
func EncodeRetval(code int32) []byte {
	buf := make([]byte, 1+4)
	buf[0] = byte(RETVAL)
	nativeEndian.PutUint32(buf[1:], uint32(code))
	return buf
}

// SendFD passes fd over rpcConn's underlying socket as SCM_RIGHTS ancillary
// data, then writes the single-byte 'z' signal to local — the shim's kept
// end of the new buffer pair, not the RPC channel — so the interceptor
// reads 'z' off the far end it was just handed (§4.1/§6; matches the
// original's nc_send/write-then-sendmsg split rather than folding the
// signal byte into the SCM_RIGHTS payload itself).
func SendFD(rpcConn *net.UnixConn, fd int, local *net.UnixConn) error {
	raw, err := rpcConn.SyscallConn()
	if err != nil {
		return err
	}
	oob := unix.UnixRights(fd)
	var sendErr error
	ctrlErr := raw.Control(func(rawfd uintptr) {
		sendErr = unix.Sendmsg(int(rawfd), nil, oob, nil, 0)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if sendErr != nil {
		return sendErr
	}
	_, err = local.Write([]byte{'z'})
	return err
}

// RecvFD reads one SCM_RIGHTS-bearing message off rpcConn and returns the
// transferred descriptor. SendFD carries no regular payload on this
// channel (the 'z' signal byte goes to the buffer pair instead, §6). A read
// that returns no ancillary data is reported as an error; a closed peer and
// an unexpected message are not told apart.
func RecvFD(rpcConn *net.UnixConn) (int, error) {
	raw, err := rpcConn.SyscallConn()
	if err != nil {
		return -1, err
	}
	p := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	var oobn int
	var recvErr error
	ctrlErr := raw.Control(func(rawfd uintptr) {
		_, oobn, _, _, recvErr = unix.Recvmsg(int(rawfd), p, oob, 0)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if recvErr != nil {
		return -1, recvErr
	}
	if oobn == 0 {
		return -1, errors.New("wire: peer closed during fd transfer")
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, err
	}
	if len(msgs) == 0 {
		return -1, errors.New("wire: no control message in fd transfer")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, err
	}
	if len(fds) == 0 {
		return -1, errors.New("wire: no descriptor in control message")
	}
	return fds[0], nil
}
