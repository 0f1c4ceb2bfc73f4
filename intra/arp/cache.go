// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package arp is a minimal IPv4-to-hardware-address cache for the tap
// bridge: entries are learned when the tap assigns itself an address and
// aged out on a timer, independent of whatever ARP handling the embedded
// stack does internally.
package arp

import (
	"net/netip"
	"sync"
	"time"
)

type entry struct {
	mac  [6]byte
	seen time.Time
}

// Cache maps IPv4 addresses to Ethernet hardware addresses.
type Cache struct {
	sync.RWMutex
	m   map[netip.Addr]entry
	ttl time.Duration
}

// New creates a Cache whose entries age out after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		m:   make(map[netip.Addr]entry),
		ttl: ttl,
	}
}

// Learn records or refreshes ip's hardware address.
func (c *Cache) Learn(ip netip.Addr, mac [6]byte) {
	c.Lock()
	defer c.Unlock()

	c.m[ip] = entry{mac: mac, seen: time.Now()}
}

// Lookup returns ip's known hardware address, if any and not yet expired.
func (c *Cache) Lookup(ip netip.Addr) (mac [6]byte, ok bool) {
	c.RLock()
	defer c.RUnlock()

	e, found := c.m[ip]
	if !found {
		return mac, false
	}
	if c.ttl > 0 && time.Since(e.seen) > c.ttl {
		return mac, false
	}
	return e.mac, true
}

// Forget removes ip's entry, if any.
func (c *Cache) Forget(ip netip.Addr) {
	c.Lock()
	defer c.Unlock()

	delete(c.m, ip)
}

// Age evicts every entry older than the cache's ttl. Called periodically by
// the tap event loop (settings.ARPTmrInterval).
func (c *Cache) Age() (evicted int) {
	if c.ttl <= 0 {
		return 0
	}

	c.Lock()
	defer c.Unlock()

	now := time.Now()
	for ip, e := range c.m {
		if now.Sub(e.seen) > c.ttl {
			delete(c.m, ip)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of entries, including expired ones that Age has
// not yet evicted.
func (c *Cache) Len() int {
	c.RLock()
	defer c.RUnlock()

	return len(c.m)
}
