// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mcast

import (
	"net/netip"
	"testing"
)

// TestScanIdempotent covers testable property 5: a second Scan with no IP
// changes in between returns empty added/removed lists.
func TestScanIdempotent(t *testing.T) {
	s := NewSetScanner()
	groups := []netip.Addr{
		netip.MustParseAddr("224.0.0.1"),
		netip.MustParseAddr("239.1.1.1"),
	}

	added, removed := s.Scan(groups)
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("first scan: added=%v removed=%v", added, removed)
	}

	added, removed = s.Scan(groups)
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("idempotent scan: added=%v removed=%v, want empty", added, removed)
	}
}

func TestScanDiffsAddedAndRemoved(t *testing.T) {
	s := NewSetScanner()
	g1 := netip.MustParseAddr("224.0.0.1")
	g2 := netip.MustParseAddr("224.0.0.2")

	s.Scan([]netip.Addr{g1})
	added, removed := s.Scan([]netip.Addr{g2})

	if len(added) != 1 || added[0] != g2 {
		t.Fatalf("added = %v, want [%v]", added, g2)
	}
	if len(removed) != 1 || removed[0] != g1 {
		t.Fatalf("removed = %v, want [%v]", removed, g1)
	}
}
