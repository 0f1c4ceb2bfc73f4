// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tap

import (
	"net/netip"
	"testing"
	"time"
)

func TestRendezvousPath(t *testing.T) {
	got := RendezvousPath(0x1d)
	want := "/tmp/.ztnc_000000000000001d"
	if got != want {
		t.Fatalf("RendezvousPath(0x1d) = %q, want %q", got, want)
	}
}

func TestRendezvousPathIsZeroPaddedTo16Hex(t *testing.T) {
	got := RendezvousPath(0)
	want := "/tmp/.ztnc_0000000000000000"
	if got != want {
		t.Fatalf("RendezvousPath(0) = %q, want %q", got, want)
	}
}

func TestFirstIP(t *testing.T) {
	if got := firstIP(nil); got != (netip.Addr{}) {
		t.Fatalf("firstIP(nil) = %v, want zero Addr", got)
	}
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	if got := firstIP([]netip.Addr{a, b}); got != a {
		t.Fatalf("firstIP = %v, want %v", got, a)
	}
}

func TestLogIdleClientsSkipsClientsWithConnections(t *testing.T) {
	tap := &Tap{}
	cl := &Client{Created: time.Now().Add(-2 * time.Minute)}
	cl.conns = []*Connection{{}}
	tap.clients = []*Client{cl}

	// Must not panic and must not touch cl.conns; a Client with an active
	// connection is never "idle" regardless of age.
	tap.logIdleClients()
	if len(cl.conns) != 1 {
		t.Fatalf("conns = %v, want unchanged", cl.conns)
	}
}
