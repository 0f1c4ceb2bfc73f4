// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tap

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/celzero/tapshim/intra/core"
	"github.com/celzero/tapshim/intra/log"
	"github.com/celzero/tapshim/intra/settings"
	"github.com/celzero/tapshim/intra/wire"
	"golang.org/x/sys/unix"
)

// pcbReadyEvent carries one PCB readiness wakeup from a watchLoop goroutine
// to the event-loop goroutine, which is the only goroutine allowed to touch
// Connection/Client state once Run is underway (§5).
type pcbReadyEvent struct {
	tap  *Tap
	conn *Connection
	fn   func(*Tap, *Connection)
}

// Run opens the rendezvous endpoint and drives the single-threaded event
// loop until ctx is cancelled or Close is called (§4.7). It must be called
// at most once per Tap.
func (t *Tap) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return e("Run", BadState, nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	_ = os.Remove(t.rdvPath)
	ln, err := net.Listen("unix", t.rdvPath)
	if err != nil {
		t.running.Store(false)
		return e("Run", IoError, err)
	}
	t.listener = ln.(*net.UnixListener)

	r, w, err := os.Pipe()
	if err != nil {
		t.listener.Close()
		t.running.Store(false)
		return e("Run", AllocFailure, err)
	}
	// Non-blocking so drainWake's read-to-empty loop can tell "pipe
	// currently empty" apart from "fewer than cap(buf) bytes were
	// available", rather than risking a read that blocks on an exact
	// multiple of len(buf) queued wake bytes.
	if rc, err := r.SyscallConn(); err == nil {
		rc.Control(func(fd uintptr) {
			unix.SetNonblock(int(fd), true)
		})
	}
	t.wakeR, t.wakeW = r, w

	core.Go("tap.accept", func() {
		t.acceptLoop(ctx)
	})
	core.Go("tap.egress", func() {
		t.runEgress(ctx)
	})

	t.eventLoop(ctx)
	return nil
}

func (t *Tap) wake() {
	_, _ = t.wakeW.Write([]byte{0})
}

// acceptLoop accepts interceptor connections on the rendezvous endpoint and
// hands each off to the event loop via newClients (§4.1, §6).
func (t *Tap) acceptLoop(ctx context.Context) {
	for {
		c, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.W("tap: accept: %v", err)
				return
			}
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			c.Close()
			continue
		}
		cl := newClient(t, uc)
		select {
		case t.newClients <- cl:
			t.wake()
		case <-ctx.Done():
			uc.Close()
			return
		}
	}
}

// eventLoop implements §4.7's four-step iteration: a monotonic clock read,
// a TCP timer tick, an ARP-cache aging tick, and a bounded wait (pollOnce)
// on the newClients/pcbReady channels; client and connection fds are read
// on their own goroutines, not polled here.
func (t *Tap) eventLoop(ctx context.Context) {
	defer t.teardown()

	nextTCP := time.Now().Add(settings.TCPTmrInterval)
	nextARP := time.Now().Add(settings.ARPTmrInterval)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		untilTCP := nextTCP.Sub(now)
		untilARP := nextARP.Sub(now)
		wait := untilTCP
		if untilARP < wait {
			wait = untilARP
		}
		if wait < 0 {
			wait = 0
		}

		t.pollOnce(wait)

		now = time.Now()
		if !now.Before(nextTCP) {
			t.tickTCP()
			// +1ms avoids a busy spin when the timer interval divides
			// evenly into the scheduler's wakeup granularity.
			nextTCP = now.Add(settings.TCPTmrInterval + time.Millisecond)
		}
		if !now.Before(nextARP) {
			t.tickARP()
			nextARP = now.Add(settings.ARPTmrInterval)
		}
	}
}

// pollOnce blocks for up to wait, draining whichever of newClients/pcbReady/
// the wake pipe is ready; the embedded stack's own link dispatch runs on its
// own goroutine (runEgress) and its PCB callbacks run on watchLoop
// goroutines, so pollOnce's job is purely to drain those handoff channels
// and let the ambient select/time.After stand in for unix.Poll's timeout.
func (t *Tap) pollOnce(wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	// drainWake empties the wake pipe. wakeR is set non-blocking (Run), so
	// a short read or EAGAIN both mean "no more bytes right now" — unlike
	// a blocking fd, where n == len(buf) on an exact-multiple-of-cap
	// backlog would otherwise loop into another blocking Read and stall
	// this goroutine until the next wake().
	drainWake := func() {
		buf := make([]byte, 64)
		for {
			n, err := t.wakeR.Read(buf)
			if n == 0 || err != nil {
				return
			}
		}
	}

	select {
	case cl := <-t.newClients:
		t.addClient(cl)
		drainWake()
	case ev := <-t.pcbReady:
		drainWake()
		ev.fn(ev.tap, ev.conn)
	case <-timer.C:
	}

	// Best-effort: service a burst of already-queued events before
	// returning to the timer loop, bounded so a pathological producer
	// cannot starve the TCP/ARP ticks.
	for i := 0; i < 64; i++ {
		select {
		case cl := <-t.newClients:
			t.addClient(cl)
		case ev := <-t.pcbReady:
			ev.fn(ev.tap, ev.conn)
		default:
			return
		}
	}
}

func (t *Tap) addClient(cl *Client) {
	t.clients = append(t.clients, cl)
	t.Stats.Clients.Add(1)
	core.Go("tap.client.read", func() {
		t.readClient(cl)
	})
}

// readClient is the RPC read-side: each interceptor connection is read on
// its own goroutine (blocking recvmsg/Read), with each RPC message
// forwarded to the event loop via pcbReady so that
// Connection/Client state is still only ever touched by the event-loop
// goroutine (§5).
func (t *Tap) readClient(cl *Client) {
	hdr := make([]byte, 1+32)
	for {
		n, err := cl.rpc.Read(hdr)
		if err != nil || n == 0 {
			t.pcbReady <- pcbReadyEvent{tap: t, conn: nil, fn: func(tp *Tap, _ *Connection) {
				tp.removeClient(cl)
			}}
			t.wake()
			return
		}
		op := wire.Opcode(hdr[0])
		body := append([]byte(nil), hdr[1:n]...)
		t.pcbReady <- pcbReadyEvent{tap: t, conn: nil, fn: func(tp *Tap, _ *Connection) {
			tp.dispatch(cl, op, body)
		}}
		t.wake()
	}
}

// removeClient tears the Client down and drops it from the Tap's table.
// Must run on the event-loop goroutine.
func (t *Tap) removeClient(cl *Client) {
	cl.close()
	for i, c := range t.clients {
		if c == cl {
			t.clients = append(t.clients[:i], t.clients[i+1:]...)
			t.Stats.Clients.Add(-1)
			break
		}
	}
}

// tickTCP drives the poll-callback sweep of §4.6: the embedded stack runs
// its own retransmission timers internally, so this tick's job is to give
// every Connection with nonempty staging buffers another chance to drain
// now that congestion may have cleared (SPEC_FULL §4.2).
func (t *Tap) tickTCP() {
	for _, cl := range t.clients {
		for _, c := range cl.conns {
			if c.kind == BufferKind && c.idx > 0 {
				t.pollHandleWrite(c)
			}
		}
	}
}

func (t *Tap) tickARP() {
	if t.arpCache != nil {
		t.arpCache.Age()
	}
	t.logIdleClients()
}

// logIdleClients flags interceptor connections that have sat with zero
// Connections for longer than settings.IdleClientLogThreshold — a leaked or
// stalled interceptor that never issues a SOCKET request, surfaced as a
// diagnostic rather than torn down (KILL_INTERCEPT is the interceptor's own
// decision to make, §4.5).
func (t *Tap) logIdleClients() {
	now := time.Now()
	for _, cl := range t.clients {
		if len(cl.conns) == 0 && len(cl.unmapped) == 0 && now.Sub(cl.Created) > settings.IdleClientLogThreshold {
			log.D("tap: client idle since %s with no connections", cl.Created.Format(time.RFC3339))
		}
	}
}

func (t *Tap) teardown() {
	for _, cl := range t.clients {
		cl.close()
	}
	t.clients = nil
	if t.wakeW != nil {
		t.wakeW.Close()
	}
	if t.wakeR != nil {
		t.wakeR.Close()
	}
}

// newLocalStreamPair creates a connected pair of Unix stream sockets: local
// stays with the shim, far is handed to the interceptor via SendFD (§4.3).
func newLocalStreamPair() (local, far *net.UnixConn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	lf := os.NewFile(uintptr(fds[0]), "tap-local")
	ff := os.NewFile(uintptr(fds[1]), "tap-far")
	lc, err := net.FileConn(lf)
	lf.Close()
	if err != nil {
		ff.Close()
		return nil, nil, err
	}
	fc, err := net.FileConn(ff)
	ff.Close()
	if err != nil {
		lc.Close()
		return nil, nil, err
	}
	return lc.(*net.UnixConn), fc.(*net.UnixConn), nil
}

// fdOf extracts the raw descriptor number backing conn, for SendFD.
func fdOf(conn *net.UnixConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	raw.Control(func(rawfd uintptr) {
		fd = int(rawfd)
	})
	return fd
}
