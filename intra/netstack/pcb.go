// Copyright (c) 2022 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netstack

import (
	"bytes"
	"net/netip"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// PCB wraps a tcpip.Endpoint behind a level of indirection: Listen on the
// embedded stack mutates its receiver in place, but callers still address a
// connection by its PCB handle rather than by the raw endpoint, so a future
// backend whose Listen does replace the underlying endpoint needs no change
// at call sites.
type PCB struct {
	s  *stack.Stack
	ep tcpip.Endpoint
	wq *waiter.Queue

	// queued approximates bytes handed to Write that the stack has not
	// yet signaled room for via an EventOut wakeup. gVisor's
	// tcpip.Endpoint exposes a send-buffer capacity knob
	// (SendBufferSizeOption) but no live "bytes still queued/unacked"
	// counter, so this adapter tracks it itself: incremented by Write,
	// zeroed by DrainedSendWindow (called on every TCP-tick poll sweep). It
	// is the one figure the data pump's load-factor backpressure check
	// needs (spec §4.6).
	queued atomic.Int64

	// bound and listening mirror the endpoint's bind/listen transitions.
	// Tracked here rather than queried from the endpoint so handleBind and
	// handleListen can guard against a misordered request without relying
	// on a specific tcpip.Endpoint.State() encoding (§4.5).
	bound     atomic.Bool
	listening atomic.Bool
}

// NewPCB creates a TCP/IPv4 endpoint on s. Every PCB in this module speaks
// TCP over IPv4; there is no ICMP or UDP equivalent (non-goals).
func NewPCB(s *stack.Stack) (*PCB, error) {
	wq := new(waiter.Queue)
	ep, err := s.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, wq)
	if err != nil {
		return nil, e(err)
	}
	return &PCB{s: s, ep: ep, wq: wq}, nil
}

// Bind binds the PCB to a local address. A zero addr binds to any local
// address; a zero port lets the stack pick an ephemeral one.
func (p *PCB) Bind(addr netip.Addr, port uint16) error {
	a4 := addr.As4()
	if err := p.ep.Bind(tcpip.FullAddress{
		NIC:  nicFrom(p.s),
		Addr: tcpip.Address(a4[:]),
		Port: port,
	}); err != nil {
		return e(err)
	}
	p.bound.Store(true)
	return nil
}

// IsClosed reports whether the PCB has not yet been bound, the only state
// bind is valid from (§4.5 handleBind guard; mirrors the original's
// `c->pcb->state == CLOSED` check).
func (p *PCB) IsClosed() bool {
	return !p.bound.Load()
}

// Listen puts the PCB into the listening state with the given backlog.
// Per the handle-indirection invariant above, callers should treat p as
// still addressing the same logical connection even though, on this
// backend, listen does not actually swap p.ep for a new endpoint.
func (p *PCB) Listen(backlog int) error {
	if err := e(p.ep.Listen(backlog)); err != nil {
		return err
	}
	p.listening.Store(true)
	return nil
}

// IsListening reports whether the PCB is already in the listening state
// (§4.5 handleListen no-ops rather than re-arming on a repeat LISTEN).
func (p *PCB) IsListening() bool {
	return p.listening.Load()
}

// Accept pulls one pending connection off a listening PCB's backlog.
// Returns nil, nil when the backlog is currently empty (caller should retry
// on the next readiness notification, not treat this as an error).
func (p *PCB) Accept() (*PCB, error) {
	nep, nwq, err := p.ep.Accept(nil)
	if err != nil {
		if _, wouldBlock := err.(*tcpip.ErrWouldBlock); wouldBlock {
			return nil, nil
		}
		return nil, e(err)
	}
	return &PCB{s: p.s, ep: nep, wq: nwq}, nil
}

// Connect starts an active open to addr:port. Per TCP semantics this
// returns ErrConnectStarted immediately; completion is signaled by an
// EventOut (or EventErr, on failure) readiness notification.
func (p *PCB) Connect(addr netip.Addr, port uint16) error {
	a4 := addr.As4()
	err := p.ep.Connect(tcpip.FullAddress{
		NIC:  nicFrom(p.s),
		Addr: tcpip.Address(a4[:]),
		Port: port,
	})
	if err == nil {
		return nil
	}
	if _, started := err.(*tcpip.ErrConnectStarted); started {
		return nil
	}
	return e(err)
}

// Write submits data to the PCB's send queue. Per spec §4.6, a short/zero
// write paired with ErrWouldBlock means the caller retries the remainder on
// the next EventOut notification; it is not a failure.
func (p *PCB) Write(data []byte) (int, error) {
	n, err := p.ep.Write(bytes.NewReader(data), tcpip.WriteOptions{})
	if n > 0 {
		p.queued.Add(n)
	}
	if err != nil {
		if _, wouldBlock := err.(*tcpip.ErrWouldBlock); wouldBlock {
			return int(n), nil
		}
		return int(n), e(err)
	}
	return int(n), nil
}

// SendWindow reports the data pump's backpressure inputs: queued is this
// adapter's running estimate of unflushed bytes (see the PCB.queued field
// doc), capacity is the configured send-buffer size. A load factor of
// 1-(avail/capacity) >= settings.BackpressureLoadFactor means handleWrite
// should defer (spec §4.6).
func (p *PCB) SendWindow() (queued, capacity int) {
	capacity = int(p.ep.SocketOptions().GetSendBufferSize())
	if capacity <= 0 {
		capacity = 1
	}
	return int(p.queued.Load()), capacity
}

// DrainedSendWindow resets the queued-bytes estimate; the tap's TCP-tick
// poll sweep calls it before each retry of a Connection's staged bytes.
func (p *PCB) DrainedSendWindow() {
	p.queued.Store(0)
}

// Read drains up to len(into) bytes from the PCB's receive queue. Returns
// (0, nil) when nothing is currently available — gVisor's Read already
// advances the receive window on every successful read, so there is no
// separate "inform bytes consumed" step for this backend (§4.2).
func (p *PCB) Read(into []byte) (int, error) {
	w := tcpip.SliceWriter(into)
	res, err := p.ep.Read(&w, tcpip.ReadOptions{})
	if err != nil {
		if _, wouldBlock := err.(*tcpip.ErrWouldBlock); wouldBlock {
			return 0, nil
		}
		return 0, e(err)
	}
	return res.Count, nil
}

// InformBytesConsumed is a documented no-op on this backend; see Read.
func (p *PCB) InformBytesConsumed(int) {}

// LocalAddr and RemoteAddr report the PCB's bound/connected 4-tuple halves.
func (p *PCB) LocalAddr() (netip.Addr, uint16, error) {
	fa, err := p.ep.GetLocalAddress()
	if err != nil {
		return netip.Addr{}, 0, e(err)
	}
	return addrFrom(fa), fa.Port, nil
}

func (p *PCB) RemoteAddr() (netip.Addr, uint16, error) {
	fa, err := p.ep.GetRemoteAddress()
	if err != nil {
		return netip.Addr{}, 0, e(err)
	}
	return addrFrom(fa), fa.Port, nil
}

// Shutdown half-closes the PCB: wr requests a FIN on the write side, rd
// stops accepting further reads.
func (p *PCB) Shutdown(rd, wr bool) error {
	var f tcpip.ShutdownFlags
	if rd {
		f |= tcpip.ShutdownRead
	}
	if wr {
		f |= tcpip.ShutdownWrite
	}
	if f == 0 {
		return nil
	}
	return e(p.ep.Shutdown(f))
}

// Close releases the PCB. Idempotent, per tcpip.Endpoint's own contract.
func (p *PCB) Close() {
	p.ep.Close()
}

// Watch registers for mask and returns a channel that fires on any matching
// readiness event, plus a cancel func that must be called exactly once to
// unregister. The tap event loop's self-pipe bridge drains this channel on
// its own goroutine and forwards wakeups into the poll loop (§5).
func (p *PCB) Watch(mask waiter.EventMask) (<-chan struct{}, func()) {
	entry, ch := waiter.NewChannelEntry(mask)
	p.wq.EventRegister(&entry)
	return ch, func() { p.wq.EventUnregister(&entry) }
}

func nicFrom(s *stack.Stack) tcpip.NICID {
	for id := range s.NICInfo() {
		return id
	}
	return 0
}

func addrFrom(fa tcpip.FullAddress) netip.Addr {
	if a, ok := netip.AddrFromSlice([]byte(fa.Addr)); ok {
		return a
	}
	return netip.Addr{}
}
