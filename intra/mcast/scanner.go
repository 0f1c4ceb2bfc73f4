// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mcast tracks the multicast groups a tap's clients have joined,
// diffing each scan against the previous one so the tap can emit exactly
// the join/leave notifications its overlay handler needs.
package mcast

import "net/netip"

// Scanner diffs a newly observed set of multicast group addresses against
// whatever it last saw, reporting only the groups that changed.
type Scanner interface {
	// Scan reports which addresses in current are new (added) and which
	// previously-tracked addresses are no longer in current (removed).
	Scan(current []netip.Addr) (added, removed []netip.Addr)
}

type setScanner struct {
	prev map[netip.Addr]struct{}
}

// NewSetScanner creates a Scanner that keeps no history beyond its last
// Scan call.
func NewSetScanner() Scanner {
	return &setScanner{prev: make(map[netip.Addr]struct{})}
}

func (s *setScanner) Scan(current []netip.Addr) (added, removed []netip.Addr) {
	curSet := make(map[netip.Addr]struct{}, len(current))
	for _, ip := range current {
		curSet[ip] = struct{}{}
		if _, ok := s.prev[ip]; !ok {
			added = append(added, ip)
		}
	}
	for ip := range s.prev {
		if _, ok := curSet[ip]; !ok {
			removed = append(removed, ip)
		}
	}
	s.prev = curSet
	return added, removed
}
