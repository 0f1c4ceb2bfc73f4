// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tap

import (
	"net"
	"time"

	"github.com/celzero/tapshim/intra/log"
)

// Client is one connected interceptor process.
type Client struct {
	rpc *net.UnixConn

	conns []*Connection

	// unmapped holds Connections awaiting FD_MAP_COMPLETION, oldest first.
	// A listening PCB's backlog can hand back more than one ready accept
	// per readiness wakeup, so this is a FIFO queue rather than a single
	// slot: handleFDMapCompletion always maps the oldest pending
	// Connection, since the interceptor answers FD_MAP_COMPLETION in the
	// same order it received each descriptor (§3, §4.5).
	unmapped []*Connection

	waitingForRetval bool
	tid              int32 // last RPC request's thread id

	// Created is when the interceptor connected; used by the ARP tick's
	// idle sweep to flag Clients that never complete a SOCKET request.
	Created time.Time

	tap *Tap
}

func newClient(t *Tap, rpc *net.UnixConn) *Client {
	return &Client{
		rpc:     rpc,
		Created: time.Now(),
		tap:     t,
	}
}

// addConn appends a ready Connection (post FD_MAP_COMPLETION) to the
// Client's table.
func (cl *Client) addConn(c *Connection) {
	cl.conns = append(cl.conns, c)
}

// removeConn drops c from the Client's table, e.g. on one-connection
// teardown (remote close, local read/write error) that does not take the
// whole Client down.
func (cl *Client) removeConn(c *Connection) {
	for i, x := range cl.conns {
		if x == c {
			cl.conns = append(cl.conns[:i], cl.conns[i+1:]...)
			return
		}
	}
	cl.removeUnmapped(c)
}

// pushUnmapped enqueues c as the newest Connection awaiting
// FD_MAP_COMPLETION.
func (cl *Client) pushUnmapped(c *Connection) {
	cl.unmapped = append(cl.unmapped, c)
}

// popUnmapped dequeues and returns the oldest Connection awaiting
// FD_MAP_COMPLETION, or nil if none are pending.
func (cl *Client) popUnmapped() *Connection {
	if len(cl.unmapped) == 0 {
		return nil
	}
	c := cl.unmapped[0]
	cl.unmapped = append(cl.unmapped[:0], cl.unmapped[1:]...)
	return c
}

// removeUnmapped drops c from the unmapped queue, if present.
func (cl *Client) removeUnmapped(c *Connection) {
	for i, x := range cl.unmapped {
		if x == c {
			cl.unmapped = append(cl.unmapped[:i], cl.unmapped[i+1:]...)
			return
		}
	}
}

// findByTheirFD returns the Connection whose interceptor-side descriptor
// value matches fd, within this Client only (§4.3).
func (cl *Client) findByTheirFD(fd int32) *Connection {
	for _, c := range cl.conns {
		if c.theirFD == fd {
			return c
		}
	}
	return nil
}

// findByLocal returns the Connection whose local-side descriptor is local,
// within this Client only (§4.3).
func (cl *Client) findByLocal(local *net.UnixConn) *Connection {
	for _, c := range cl.conns {
		if c.local == local {
			return c
		}
	}
	for _, c := range cl.unmapped {
		if c.local == local {
			return c
		}
	}
	return nil
}

// sendRetval writes a RETVAL reply on the RPC channel and clears
// waiting_for_retval. Per §4.5/§7, this is the only path that answers a
// request that armed waiting_for_retval.
func (cl *Client) sendRetval(code int32) {
	cl.waitingForRetval = false
	if err := writeAll(cl.rpc, retvalBytes(code)); err != nil {
		log.W("tap: client: send retval: %v", err)
	}
}

// close tears down every Connection the Client owns, frees any PCBs they
// still hold, and closes the RPC channel (§3, §4.5 KILL_INTERCEPT, §8
// teardown scenario).
func (cl *Client) close() {
	for _, c := range cl.conns {
		closeConn(c)
		if cl.tap != nil {
			cl.tap.Stats.Connections.Add(-1)
		}
	}
	cl.conns = nil
	for _, c := range cl.unmapped {
		closeConn(c)
		if cl.tap != nil {
			cl.tap.Stats.Connections.Add(-1)
		}
	}
	cl.unmapped = nil
	if err := cl.rpc.Close(); err != nil {
		log.D("tap: client: close rpc: %v", err)
	}
}
