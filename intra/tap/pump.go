// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tap

import (
	"github.com/celzero/tapshim/intra/core"
	"github.com/celzero/tapshim/intra/log"
	"github.com/celzero/tapshim/intra/settings"
)

// maybeStartRead kicks off at most one in-flight read of conn's local
// stream-pair, sized to exactly how much staging-buffer room is currently
// free. Only the event-loop goroutine calls this (Connection.reading is
// unsynchronized, per §5's single-owner invariant), and its completion is
// delivered back onto the event loop via pcbReady, so the staging buffer
// and idx are only ever touched by that one goroutine even though the
// actual blocking read runs elsewhere (§4.6 client->stack).
func (t *Tap) maybeStartRead(conn *Connection) {
	if conn.reading || !conn.pcbAlive || conn.kind != BufferKind {
		return
	}
	free := conn.stagingFree()
	if free <= 0 {
		return
	}
	conn.reading = true
	scratch := core.AllocRegion(free)
	local := conn.local
	core.Go("tap.conn.read", func() {
		n, err := local.Read(scratch[:free])
		t.pcbReady <- pcbReadyEvent{tap: t, conn: conn, fn: func(tp *Tap, c *Connection) {
			data := append([]byte(nil), scratch[:n]...)
			core.Recycle(scratch)
			tp.onClientRead(c, data, err)
		}}
		t.wake()
	})
}

// onClientRead stages bytes the interceptor wrote to its BUFFER fd, then
// opportunistically drains them into the stack. A read error or EOF tears
// the Connection down (§4.6, §8 property 3: a closed Connection must never
// be touched by a later callback).
func (t *Tap) onClientRead(conn *Connection, data []byte, rerr error) {
	conn.reading = false
	if !conn.pcbAlive {
		return
	}
	if rerr != nil || len(data) == 0 {
		t.teardownConn(conn)
		return
	}
	conn.stageWrite(data)
	t.handleWrite(conn)
	t.maybeStartRead(conn)
}

// handleWrite is the client->stack half of the data pump (§4.6). It computes
// the load factor 1-(avail/capacity) == queued/capacity; at or above
// settings.BackpressureLoadFactor it returns without submitting anything
// (soft backpressure, retried on the next poll tick). Otherwise it submits
// min(avail, idx) bytes and compacts the staging buffer by however much the
// stack actually accepted.
func (t *Tap) handleWrite(conn *Connection) {
	if !conn.pcbAlive || conn.idx == 0 {
		return
	}

	queued, capacity := conn.pcb.SendWindow()
	loadFactor := float64(queued) / float64(capacity)
	if loadFactor >= settings.BackpressureLoadFactor {
		return
	}

	avail := capacity - queued
	if avail <= 0 {
		return
	}
	n := conn.idx
	if avail < n {
		n = avail
	}

	written, err := conn.pcb.Write(conn.buf[:n])
	if err != nil {
		// §9 open question c, resolved per §4.6's own text: retried on the
		// next poll tick, not immediately.
		log.W("tap: pump: handle_write: %v", err)
		return
	}
	if written > 0 {
		conn.compact(written)
		t.maybeStartRead(conn)
	}
}

// pollHandleWrite is the poll callback of §4.6: invoked on the embedded
// stack's periodic sweep to opportunistically drain a Connection's pending
// client bytes once congestion has cleared, independent of any readiness
// wakeup.
func (t *Tap) pollHandleWrite(conn *Connection) {
	if !conn.pcbAlive {
		return
	}
	conn.pcb.DrainedSendWindow()
	t.handleWrite(conn)
}

// pumpStackToClient is the stack->client half of the data pump (§4.6): it
// drains whatever the PCB currently has buffered and writes each chunk to
// the Connection's local socket. gVisor's Read already advances the TCP
// receive window as bytes are copied out (PCB.InformBytesConsumed is a
// documented no-op for this reason), so there is no separate "inform bytes
// consumed" call here. A read error signals remote close or failure and
// tears the Connection down.
func (t *Tap) pumpStackToClient(conn *Connection) {
	if !conn.pcbAlive {
		return
	}
	buf := core.Alloc()
	defer core.Recycle(buf)
	for {
		n, err := conn.pcb.Read(buf)
		if err != nil {
			log.D("tap: pump: stack read: %v", err)
			t.teardownConn(conn)
			return
		}
		if n == 0 {
			return
		}
		wn, werr := conn.local.Write(buf[:n])
		if werr != nil {
			log.W("tap: pump: client write: %v", werr)
			return
		}
		if wn < n {
			// Partial writes to the local socket are logged and dropped, a
			// known limitation preserved from §4.6/§9: a correct
			// implementation would arm a writable notification and resume
			// from the unacknowledged offset.
			log.W("tap: pump: short write to client: wrote %d of %d bytes", wn, n)
		}
	}
}

// teardownConn removes conn from its owning Client's table (if any) and
// tears it down. Used by both halves of the data pump on error/EOF; the
// RPC dispatcher's send-fd failure paths call closeConn directly instead.
func (t *Tap) teardownConn(conn *Connection) {
	if conn.client != nil {
		conn.client.removeConn(conn)
	}
	closeConn(conn)
	t.Stats.Connections.Add(-1)
}
