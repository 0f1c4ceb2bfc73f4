// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tap

import "sync"

// Larg is the callback user-argument record passed to every stack callback
// installed on a PCB, so the callback can relocate the owning Connection
// without a table scan (§3, §9). This backend's callbacks are closures
// (§9 explicitly sanctions this for languages with captured closures), so
// Larg itself carries the Connection directly rather than an opaque key;
// it still exists as a distinct value, rather than capturing *Connection
// bare, so that closeConn can invalidate it in one place ahead of PCB
// close (§5's cancellation-before-close ordering).
type Larg struct {
	mu   sync.Mutex
	tap  *Tap
	conn *Connection
}

func newLarg(t *Tap, c *Connection) *Larg {
	return &Larg{tap: t, conn: c}
}

// Get returns the Larg's Connection, or nil if it has been invalidated.
func (l *Larg) Get() (*Tap, *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tap, l.conn
}

// Invalidate clears the Larg's Connection. Called by closeConn before the
// PCB is closed, so callbacks racing the close observe a nil Connection
// instead of a freed one (§5).
func (l *Larg) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = nil
}
