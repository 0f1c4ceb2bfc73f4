// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tap

import (
	"net/netip"

	"github.com/celzero/tapshim/intra/core"
	"github.com/celzero/tapshim/intra/log"
	"github.com/celzero/tapshim/intra/netstack"
	"github.com/celzero/tapshim/intra/wire"
	"gvisor.dev/gvisor/pkg/waiter"
)

// dispatch handles one decoded RPC message for cl. It is stateless per
// message; all state lives on Client/Connection (§4.5).
func (t *Tap) dispatch(cl *Client, op wire.Opcode, body []byte) {
	switch op {
	case wire.SOCKET:
		t.handleSocket(cl, body)
	case wire.BIND:
		t.handleBind(cl, body)
	case wire.LISTEN:
		t.handleListen(cl, body)
	case wire.CONNECT:
		t.handleConnect(cl, body)
	case wire.KILL_INTERCEPT:
		t.handleKill(cl)
	case wire.FD_MAP_COMPLETION:
		t.handleFDMapCompletion(cl, body)
	default:
		log.W("tap: rpc: unknown opcode %v", op)
	}
}

// handleSocket allocates a new PCB and, on success, a BUFFER Connection
// bound to a new local stream-pair whose far descriptor is transferred to
// the interceptor. On allocation failure the RPC is silently dropped: the
// caller observes failure via its blocking read timing out (§4.5).
func (t *Tap) handleSocket(cl *Client, body []byte) {
	req, err := wire.DecodeSocketRequest(body)
	if err != nil {
		log.W("tap: socket: %v", err)
		return
	}
	cl.tid = req.Tid

	pcb, perr := netstack.NewPCB(t.stk)
	if perr != nil {
		log.E("tap: socket: alloc pcb: %v", perr)
		return
	}

	local, far, err := newLocalStreamPair()
	if err != nil {
		log.E("tap: socket: stream pair: %v", err)
		pcb.Close()
		return
	}

	conn := newConnection(BufferKind, local, cl)
	conn.attachPCB(t, pcb)
	cl.pushUnmapped(conn)
	t.Stats.Connections.Add(1)

	defer far.Close()
	if err := wire.SendFD(cl.rpc, fdOf(far), local); err != nil {
		log.E("tap: socket: send fd: %v", err)
		closeConn(conn)
		cl.removeUnmapped(conn)
		return
	}
}

// handleBind locates the Connection by their_fd, requires the PCB be
// CLOSED (unbound), rewrites the bind address to the tap's primary IPv4
// (§9 open question b: caller-supplied address is always overridden, by
// design — the caller cannot know the virtual interface's address), and
// binds. Errors are logged, not returned (§4.5).
func (t *Tap) handleBind(cl *Client, body []byte) {
	req, err := wire.DecodeBindRequest(body)
	if err != nil {
		log.W("tap: bind: %v", err)
		return
	}
	cl.tid = req.Tid

	conn := cl.findByTheirFD(req.Sockfd)
	if conn == nil {
		log.W("tap: bind: no connection for fd %d", req.Sockfd)
		return
	}
	if !conn.pcbAlive {
		log.W("tap: bind: pcb not alive for fd %d", req.Sockfd)
		return
	}
	if !conn.pcb.IsClosed() {
		log.W("tap: bind: pcb for fd %d is not in closed state", req.Sockfd)
		return
	}

	ips := t.IPs()
	if len(ips) == 0 {
		log.W("tap: bind: no primary address assigned yet")
		return
	}
	port := req.Addr.Port // already network-order-decoded to host uint16 by wire

	if err := conn.pcb.Bind(ips[0], port); err != nil {
		log.E("tap: bind: %v", err)
	}
}

// handleListen puts the Connection's PCB into the listening state. If
// already listening this is a no-op. Otherwise it registers an accept watch
// carrying the Connection's Larg and sets waiting_for_retval. acceptOne
// sends no RETVAL, so the flag stays set until a later reply on this
// Client clears it (§4.5).
func (t *Tap) handleListen(cl *Client, body []byte) {
	req, err := wire.DecodeListenRequest(body)
	if err != nil {
		log.W("tap: listen: %v", err)
		return
	}
	cl.tid = req.Tid

	conn := cl.findByTheirFD(req.Sockfd)
	if conn == nil {
		log.W("tap: listen: no connection for fd %d", req.Sockfd)
		return
	}
	if !conn.pcbAlive {
		cl.waitingForRetval = true
		cl.sendRetval(-1)
		return
	}
	if conn.pcb.IsListening() {
		return
	}

	backlog := int(req.Backlog)
	if backlog <= 0 {
		backlog = 16
	}
	if err := conn.pcb.Listen(backlog); err != nil {
		log.E("tap: listen: %v", err)
		cl.waitingForRetval = true
		cl.sendRetval(-1)
		return
	}

	// Per §4.2/§9, listen may hand back a new PCB; conn.swapPCB keeps the
	// handle-indirection invariant even though this backend's Listen does
	// not actually replace the endpoint.
	conn.swapPCB(conn.pcb)

	cl.waitingForRetval = true
	t.armAcceptWatch(cl, conn)
}

// handleConnect registers a readiness watch carrying the Connection's Larg
// and initiates an active open. A synchronous failure is reported
// immediately; success arms waiting_for_retval and the real RETVAL is
// sent once connection establishment completes or fails (§4.5).
func (t *Tap) handleConnect(cl *Client, body []byte) {
	req, err := wire.DecodeConnectRequest(body)
	if err != nil {
		log.W("tap: connect: %v", err)
		return
	}
	cl.tid = req.Tid

	conn := cl.findByTheirFD(req.Fd)
	if conn == nil {
		log.W("tap: connect: no connection for fd %d", req.Fd)
		return
	}
	if !conn.pcbAlive {
		cl.sendRetval(-1)
		return
	}

	dst, ok := netip.AddrFromSlice(req.Addr.Addr[:])
	if !ok {
		cl.sendRetval(-1)
		return
	}

	t.armConnectWatch(cl, conn)
	cl.waitingForRetval = true

	if err := conn.pcb.Connect(dst, req.Addr.Port); err != nil {
		cl.sendRetval(-1)
		return
	}
	// Connect returned without a synchronous error: completion arrives
	// asynchronously via the armed watch (EventOut success / EventErr
	// failure), which sends the real RETVAL.
}

// handleKill closes and frees the Client (§4.5).
func (t *Tap) handleKill(cl *Client) {
	t.removeClient(cl)
}

// handleFDMapCompletion records the interceptor-side descriptor on the
// oldest Connection still awaiting FD_MAP_COMPLETION and appends it to the
// Client's connection table (§4.5). The interceptor answers in the same
// order it received each descriptor, so the queue's head is always the
// right match even when several accepts landed before any completion did.
func (t *Tap) handleFDMapCompletion(cl *Client, body []byte) {
	theirFD, err := wire.DecodeFDMapCompletion(body)
	if err != nil {
		log.W("tap: fd_map_completion: %v", err)
		return
	}
	conn := cl.popUnmapped()
	if conn == nil {
		log.W("tap: fd_map_completion: no pending connection")
		return
	}
	conn.theirFD = theirFD
	cl.addConn(conn)
}

// armAcceptWatch registers interest in inbound connections on a listening
// PCB. On a ready accept, the shim allocates a new BUFFER Connection and
// stream-pair, transfers the far fd, and waits for FD_MAP_COMPLETION (§8
// "incoming connect" scenario).
func (t *Tap) armAcceptWatch(cl *Client, conn *Connection) {
	ch, cancel := conn.pcb.Watch(waiter.EventIn | waiter.EventErr | waiter.EventHUp)
	conn.cancelWatch = cancel
	t.watchLoop(conn.larg, ch, func(tp *Tap, c *Connection) {
		tp.acceptOne(cl, c)
	})
}

// acceptOne drains every connection currently sitting in listenConn's
// backlog, one at a time, enqueueing each as a separate unmapped Connection
// rather than occupying a single shared slot: with the backlog's readiness
// notification coalescing an arbitrary number of completed handshakes into
// one wakeup, a single-slot handoff would let an earlier accept get
// overwritten — and its FD_MAP_COMPLETION reply mis-mapped onto the wrong
// Connection — before the interceptor ever answers for it (§3's "optional
// unmapped Connection" becomes a FIFO queue here for exactly that reason;
// handleFDMapCompletion always maps the oldest entry).
func (t *Tap) acceptOne(cl *Client, listenConn *Connection) {
	for {
		npcb, err := listenConn.pcb.Accept()
		if err != nil {
			log.E("tap: accept: %v", err)
			return
		}
		if npcb == nil {
			return // backlog empty, retry on next readiness
		}

		local, far, err := newLocalStreamPair()
		if err != nil {
			log.E("tap: accept: stream pair: %v", err)
			npcb.Close()
			return
		}

		nconn := newConnection(BufferKind, local, cl)
		nconn.attachPCB(t, npcb)
		cl.pushUnmapped(nconn)
		t.Stats.Connections.Add(1)
		t.armDataWatch(nconn)

		if err := wire.SendFD(cl.rpc, fdOf(far), local); err != nil {
			log.E("tap: accept: send fd: %v", err)
			closeConn(nconn)
			cl.removeUnmapped(nconn)
		}
		far.Close()
	}
}

// armConnectWatch registers interest in connect completion/failure.
func (t *Tap) armConnectWatch(cl *Client, conn *Connection) {
	ch, cancel := conn.pcb.Watch(waiter.EventOut | waiter.EventErr | waiter.EventHUp | waiter.EventIn)
	conn.cancelWatch = cancel
	t.watchLoop(conn.larg, ch, func(tp *Tap, c *Connection) {
		tp.onConnectReady(cl, c)
	})
}

func (t *Tap) onConnectReady(cl *Client, conn *Connection) {
	if !conn.pcbAlive {
		return
	}
	_, _, err := conn.pcb.RemoteAddr()
	if err != nil {
		if cl.waitingForRetval {
			cl.sendRetval(-1)
		}
		return
	}
	if cl.waitingForRetval {
		cl.sendRetval(0)
	}
	t.armDataWatch(conn)
}

// armDataWatch registers the steady-state recv/sent/poll-equivalent
// readiness used by the data pump once a connection is established.
func (t *Tap) armDataWatch(conn *Connection) {
	if conn.cancelWatch != nil {
		conn.cancelWatch()
	}
	ch, cancel := conn.pcb.Watch(waiter.EventIn | waiter.EventOut | waiter.EventErr | waiter.EventHUp)
	conn.cancelWatch = cancel
	t.watchLoop(conn.larg, ch, func(tp *Tap, c *Connection) {
		tp.pumpStackToClient(c)
		tp.handleWrite(c)
	})
	t.maybeStartRead(conn)
}

// watchLoop runs on its own goroutine per PCB watch: it drains ch and
// forwards each wakeup, with the Larg's current Connection, onto the
// event loop via t.pcbReady — the single channel the event-loop goroutine
// actually reads from (§5 single-threaded ownership of connection state).
func (t *Tap) watchLoop(larg *Larg, ch <-chan struct{}, fn func(*Tap, *Connection)) {
	core.Go("tap.watch", func() {
		for range ch {
			tp, c := larg.Get()
			if c == nil {
				return // invalidated by closeConn; this watch is dead
			}
			t.pcbReady <- pcbReadyEvent{tap: tp, conn: c, fn: fn}
			t.wake()
		}
	})
}
