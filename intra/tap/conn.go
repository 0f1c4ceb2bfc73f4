// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tap

import (
	"net"

	"github.com/celzero/tapshim/intra/log"
	"github.com/celzero/tapshim/intra/netstack"
	"github.com/celzero/tapshim/intra/settings"
)

// ConnKind tags what a Connection's local stream-pair carries.
type ConnKind int

const (
	// RPCKind is the Client's control channel: opcode messages and the
	// out-of-band descriptor transfer.
	RPCKind ConnKind = iota
	// BufferKind carries application bytes between the interceptor and
	// the embedded stack.
	BufferKind
)

// Connection represents one socket-equivalent: a PCB paired with the local
// stream-pair whose far end was handed to the interceptor.
type Connection struct {
	kind ConnKind

	local   *net.UnixConn // shim-side end of the local stream-pair
	theirFD int32         // descriptor value as known to the interceptor

	pcb      *netstack.PCB
	pcbAlive bool // guards against double-close / close-after-invalidate (§9 open question a)

	buf []byte // staging buffer, client -> stack
	idx int    // bytes currently staged

	reading bool // a client-socket read is currently in flight (§4.6)

	larg *Larg

	client *Client

	cancelWatch func() // unregisters the PCB's waiter.Queue entry, if any
}

func newConnection(kind ConnKind, local *net.UnixConn, cl *Client) *Connection {
	return &Connection{
		kind:   kind,
		local:  local,
		buf:    make([]byte, settings.BufSize),
		client: cl,
	}
}

// attachPCB binds pcb to this Connection and creates its Larg.
func (c *Connection) attachPCB(t *Tap, pcb *netstack.PCB) {
	c.pcb = pcb
	c.pcbAlive = true
	c.larg = newLarg(t, c)
}

// swapPCB replaces the Connection's PCB handle in place, preserving the
// invariant that Connections hold a handle rather than an embedded PCB
// (§9): listen may hand back a different PCB than the one passed in.
func (c *Connection) swapPCB(newPCB *netstack.PCB) {
	c.pcb = newPCB
	c.pcbAlive = true
}

// stagingFree reports how many bytes of staging buffer remain available.
func (c *Connection) stagingFree() int {
	return len(c.buf) - c.idx
}

// stageWrite appends data to the staging buffer, bounded by stagingFree.
func (c *Connection) stageWrite(data []byte) int {
	n := copy(c.buf[c.idx:], data)
	c.idx += n
	return n
}

// compact removes the first n staged bytes, shifting the remainder down.
func (c *Connection) compact(n int) {
	if n <= 0 {
		return
	}
	copy(c.buf, c.buf[n:c.idx])
	c.idx -= n
}

// closeConn tears down one Connection: it invalidates the Larg before
// touching the PCB, so any callback racing the close observes a nil
// Connection rather than reaching into freed state (§5, §9).
func closeConn(c *Connection) {
	if c.larg != nil {
		c.larg.Invalidate()
	}
	if c.cancelWatch != nil {
		c.cancelWatch()
		c.cancelWatch = nil
	}
	if c.pcbAlive && c.pcb != nil {
		c.pcb.Close()
	}
	c.pcbAlive = false
	if c.local != nil {
		if err := c.local.Close(); err != nil {
			log.D("tap: conn: close local: %v", err)
		}
	}
}
