// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package arp

import (
	"net/netip"
	"testing"
	"time"
)

func TestLearnLookup(t *testing.T) {
	c := New(0)
	ip := netip.MustParseAddr("10.0.0.5")
	mac := [6]byte{1, 2, 3, 4, 5, 6}

	if _, ok := c.Lookup(ip); ok {
		t.Fatal("expected miss before Learn")
	}
	c.Learn(ip, mac)
	got, ok := c.Lookup(ip)
	if !ok || got != mac {
		t.Fatalf("Lookup = %v, %v; want %v, true", got, ok, mac)
	}
}

// TestForgetClearsEntry covers testable property 4: after Forget(x) returns,
// no entry for x remains.
func TestForgetClearsEntry(t *testing.T) {
	c := New(0)
	ip := netip.MustParseAddr("10.0.0.5")
	c.Learn(ip, [6]byte{1, 2, 3, 4, 5, 6})

	c.Forget(ip)

	if _, ok := c.Lookup(ip); ok {
		t.Fatal("expected entry gone after Forget")
	}
	if n := c.Len(); n != 0 {
		t.Fatalf("Len() = %d, want 0", n)
	}
}

func TestAgeEvictsExpiredOnly(t *testing.T) {
	c := New(10 * time.Millisecond)
	stale := netip.MustParseAddr("10.0.0.1")
	fresh := netip.MustParseAddr("10.0.0.2")

	c.Learn(stale, [6]byte{1})
	time.Sleep(20 * time.Millisecond)
	c.Learn(fresh, [6]byte{2})

	evicted := c.Age()
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if _, ok := c.Lookup(stale); ok {
		t.Fatal("stale entry should have been evicted")
	}
	if _, ok := c.Lookup(fresh); !ok {
		t.Fatal("fresh entry should survive Age")
	}
}
