// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package overlay defines the boundary between the tap bridge and whatever
// delivers and accepts Ethernet frames on its behalf (the network fabric
// the tap is bridging into). This module ships only the in-memory
// reference implementation used by tests; a real deployment supplies its
// own Handler.
package overlay

import "net/netip"

// Handler is the tap's view of its underlying network fabric: it receives
// frames the tap's embedded stack produced, and is asked about multicast
// membership and MTU.
type Handler interface {
	// Send delivers one outbound Ethernet frame. Errors are logged by the
	// caller and otherwise ignored — there is no reliable-delivery
	// contract at this layer.
	Send(frame []byte) error

	// MTU reports the link MTU the tap should configure its stack with.
	MTU() int

	// MulticastGroups reports the multicast addresses currently of
	// interest on the fabric, for the tap's periodic scan.
	MulticastGroups() []netip.Addr
}

// Loopback is a trivial Handler that discards every frame; useful as a
// placeholder or in tests that only exercise the tap's own state machine.
type Loopback struct {
	mtu    int
	groups []netip.Addr
}

// NewLoopback creates a Loopback handler with the given mtu.
func NewLoopback(mtu int) *Loopback {
	return &Loopback{mtu: mtu}
}

func (l *Loopback) Send(frame []byte) error { return nil }
func (l *Loopback) MTU() int                { return l.mtu }
func (l *Loopback) MulticastGroups() []netip.Addr {
	return l.groups
}

// SetMulticastGroups is a test hook to simulate fabric-side group changes.
func (l *Loopback) SetMulticastGroups(groups []netip.Addr) {
	l.groups = groups
}
