// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package iplist

import (
	"net/netip"
	"testing"
)

func TestAddSortsAndDedups(t *testing.T) {
	l := New()
	a := netip.MustParseAddr("10.0.0.3")
	b := netip.MustParseAddr("10.0.0.1")
	c := netip.MustParseAddr("10.0.0.2")

	if !l.Add(a) || !l.Add(b) || !l.Add(c) {
		t.Fatal("expected all three adds to report added=true")
	}
	if l.Add(b) {
		t.Fatal("expected duplicate Add to report added=false")
	}

	got := l.Snapshot()
	want := []netip.Addr{b, c, a}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot()[%d] = %v, want %v (list not sorted)", i, got[i], want[i])
		}
	}
}

func TestRemove(t *testing.T) {
	l := New()
	ip := netip.MustParseAddr("10.0.0.1")
	l.Add(ip)

	if !l.Remove(ip) {
		t.Fatal("expected Remove to report removed=true")
	}
	if l.Remove(ip) {
		t.Fatal("expected second Remove to report removed=false")
	}
	if l.Has(ip) {
		t.Fatal("expected ip gone after Remove")
	}
}
