// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netstack

import (
	"net/netip"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

func newBoundStack(t *testing.T, addr netip.Addr) *stack.Stack {
	t.Helper()
	s := New()
	link := NewLink(1500, tcpip.LinkAddress([]byte{1, 2, 3, 4, 5, 6}))
	if err := s.CreateNIC(1, link.Endpoint()); err != nil {
		t.Fatalf("CreateNIC: %v", err)
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: header.IPv4ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.Address(addr.AsSlice()),
			PrefixLen: 32,
		},
	}
	if err := s.AddProtocolAddress(1, protoAddr, stack.AddressProperties{}); err != nil {
		t.Fatalf("AddProtocolAddress: %v", err)
	}
	if err := s.EnableNIC(1); err != nil {
		t.Fatalf("EnableNIC: %v", err)
	}
	return s
}

func TestNewPCBBindListen(t *testing.T) {
	s := newBoundStack(t, netip.MustParseAddr("10.0.0.1"))

	pcb, err := NewPCB(s)
	if err != nil {
		t.Fatalf("NewPCB: %v", err)
	}
	defer pcb.Close()

	if err := pcb.Bind(netip.MustParseAddr("10.0.0.1"), 8080); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := pcb.Listen(16); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	// Backlog is empty; Accept must report (nil, nil), not an error (§4.2).
	npcb, err := pcb.Accept()
	if err != nil {
		t.Fatalf("Accept on empty backlog: %v", err)
	}
	if npcb != nil {
		t.Fatal("Accept on empty backlog returned a non-nil PCB")
	}
}

func TestPCBBindListenStateTransitions(t *testing.T) {
	s := newBoundStack(t, netip.MustParseAddr("10.0.0.1"))

	pcb, err := NewPCB(s)
	if err != nil {
		t.Fatalf("NewPCB: %v", err)
	}
	defer pcb.Close()

	if !pcb.IsClosed() {
		t.Fatal("freshly allocated PCB must report IsClosed before Bind")
	}
	if pcb.IsListening() {
		t.Fatal("freshly allocated PCB must not report IsListening")
	}

	if err := pcb.Bind(netip.MustParseAddr("10.0.0.1"), 8081); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if pcb.IsClosed() {
		t.Fatal("IsClosed must be false after a successful Bind")
	}

	if err := pcb.Listen(16); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if !pcb.IsListening() {
		t.Fatal("IsListening must be true after a successful Listen")
	}
}

func TestSendWindowStartsAtZero(t *testing.T) {
	s := newBoundStack(t, netip.MustParseAddr("10.0.0.1"))
	pcb, err := NewPCB(s)
	if err != nil {
		t.Fatalf("NewPCB: %v", err)
	}
	defer pcb.Close()

	queued, capacity := pcb.SendWindow()
	if queued != 0 {
		t.Fatalf("queued = %d, want 0 before any Write", queued)
	}
	if capacity <= 0 {
		t.Fatalf("capacity = %d, want > 0", capacity)
	}
}

func TestDrainedSendWindowResetsQueued(t *testing.T) {
	s := newBoundStack(t, netip.MustParseAddr("10.0.0.1"))
	pcb, err := NewPCB(s)
	if err != nil {
		t.Fatalf("NewPCB: %v", err)
	}
	defer pcb.Close()

	pcb.queued.Store(4096)
	pcb.DrainedSendWindow()

	queued, _ := pcb.SendWindow()
	if queued != 0 {
		t.Fatalf("queued = %d, want 0 after DrainedSendWindow", queued)
	}
}
