// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tap implements the shim's central event loop and its three
// coupled state machines: the tap bridge, the RPC dispatcher, and the
// connection manager.
package tap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"github.com/celzero/tapshim/intra/arp"
	"github.com/celzero/tapshim/intra/core"
	"github.com/celzero/tapshim/intra/iplist"
	"github.com/celzero/tapshim/intra/log"
	"github.com/celzero/tapshim/intra/mcast"
	"github.com/celzero/tapshim/intra/netstack"
	"github.com/celzero/tapshim/intra/overlay"
	"github.com/celzero/tapshim/intra/settings"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// Stats are plain atomic counters, read directly by callers that want
// observability without a metrics dependency (§3, SPEC_FULL §3).
type Stats struct {
	FramesIn, FramesOut atomic.Uint64
	BytesIn, BytesOut   atomic.Uint64
	Clients             atomic.Int64
	Connections         atomic.Int64
}

// Tap is the process-wide bridge for one overlay network id.
type Tap struct {
	ID  uint64
	mac [6]byte
	mtu uint32

	ips  *iplist.List
	ipMu sync.Mutex // serializes addIp's netif reconfigure section (§5)

	stk  *stack.Stack
	link *netstack.Link

	overlay overlay.Handler

	arpCache *arp.Cache

	mcastScanner mcast.Scanner
	mcastMu      sync.Mutex
	joinedGroups []netip.Addr

	listener *net.UnixListener
	rdvPath  string

	// clients/conns are touched exclusively by the event-loop goroutine
	// once Run starts (§5); newClients bridges accept()'d Clients across
	// that boundary.
	clients     []*Client
	newClients  chan *Client
	pcbReady    chan pcbReadyEvent
	wakeR       *os.File
	wakeW       *os.File

	running atomic.Bool
	cancel  context.CancelFunc

	Stats Stats
}

// Config bundles New's inputs.
type Config struct {
	ID      uint64
	MAC     [6]byte
	MTU     uint32
	Overlay overlay.Handler
	IPs     *iplist.List
	ARP     *arp.Cache
	Mcast   mcast.Scanner
}

// New creates a Tap attached to a fresh embedded stack, but does not start
// its event loop or open its rendezvous endpoint; call Run for that.
func New(cfg Config) (*Tap, error) {
	if cfg.MTU == 0 {
		cfg.MTU = settings.DefaultMTU
	}
	if cfg.IPs == nil {
		cfg.IPs = iplist.New()
	}
	mac := tcpip.LinkAddress(cfg.MAC[:])
	link := netstack.NewLink(cfg.MTU, mac)
	stk := netstack.New()

	nicID := tcpip.NICID(settings.NICID)
	if err := stk.CreateNIC(nicID, link.Endpoint()); err != nil {
		return nil, e("New", StackError, fmt.Errorf("%v", err))
	}

	t := &Tap{
		ID:           cfg.ID,
		mac:          cfg.MAC,
		mtu:          cfg.MTU,
		ips:          cfg.IPs,
		stk:          stk,
		link:         link,
		overlay:      cfg.Overlay,
		arpCache:     cfg.ARP,
		mcastScanner: cfg.Mcast,
		rdvPath:      RendezvousPath(cfg.ID),
		newClients:   make(chan *Client, 8),
		pcbReady:     make(chan pcbReadyEvent, 64),
	}
	return t, nil
}

// RendezvousPath derives the per-network rendezvous endpoint path from a
// network id (§6): RendezvousDir/RendezvousPrefix<16-hex-nwid>.
func RendezvousPath(nwid uint64) string {
	return fmt.Sprintf("%s/%s%016x", settings.RendezvousDir, settings.RendezvousPrefix, nwid)
}

// addIp programs the netif whenever the sorted IP list's first element
// changes — its invariant position per §3 — and records every other
// addition as an ARP-cache-only addition (§4.4). Safe to call from any
// goroutine (§5).
func (t *Tap) addIp(addr netip.Addr) error {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	before := firstIP(t.ips.Snapshot())
	if !t.ips.Add(addr) {
		return nil // already present
	}
	after := firstIP(t.ips.Snapshot())

	if after != before {
		if err := t.programNetif(after); err != nil {
			t.ips.Remove(addr)
			return err
		}
	} else if t.arpCache != nil {
		t.arpCache.Learn(addr, t.mac)
	}
	return nil
}

// firstIP returns ips[0], or the zero Addr when ips is empty.
func firstIP(ips []netip.Addr) netip.Addr {
	if len(ips) == 0 {
		return netip.Addr{}
	}
	return ips[0]
}

func (t *Tap) programNetif(addr netip.Addr) error {
	a4 := addr.As4()
	protoAddr := tcpip.ProtocolAddress{
		Protocol: header.IPv4ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.Address(a4[:]),
			PrefixLen: 32,
		},
	}
	if err := t.stk.AddProtocolAddress(tcpip.NICID(settings.NICID), protoAddr, stack.AddressProperties{}); err != nil {
		return e("addIp", StackError, fmt.Errorf("%v", err))
	}
	if err := t.stk.EnableNIC(tcpip.NICID(settings.NICID)); err != nil {
		return e("addIp", StackError, fmt.Errorf("%v", err))
	}
	if t.arpCache != nil {
		t.arpCache.Learn(addr, t.mac)
	}
	return nil
}

// removeIp retires addr's ARP entry. The netif keeps its primary address
// even when that is addr — a known limitation, preserved per §4.4.
func (t *Tap) removeIp(addr netip.Addr) {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	t.ips.Remove(addr)
	if t.arpCache != nil {
		t.arpCache.Forget(addr)
	}
}

// IPs returns the Tap's currently assigned IPv4 addresses.
func (t *Tap) IPs() []netip.Addr {
	return t.ips.Snapshot()
}

// scanMulticastGroups diffs the overlay handler's currently-interesting
// multicast groups against the Tap's last observation (§4.9, testable
// property 5: idempotent when nothing changed).
func (t *Tap) scanMulticastGroups() (added, removed []netip.Addr) {
	t.mcastMu.Lock()
	defer t.mcastMu.Unlock()

	current := t.overlay.MulticastGroups()
	added, removed = t.mcastScanner.Scan(current)
	t.joinedGroups = current
	return added, removed
}

// Put is the tap bridge's ingress path (§4.4): it submits payload to the
// embedded stack's netif as a network-layer packet of the given ethertype.
// No Ethernet header is built on ingress; srcMAC and dstMAC are not used.
// Disabled taps (not running) drop frames
// without allocation; allocation failure (none possible on this backend —
// gVisor is GC'd) would drop silently too.
func (t *Tap) Put(srcMAC, dstMAC [6]byte, ethertype uint16, payload []byte) {
	if !t.running.Load() {
		return
	}
	t.Stats.FramesIn.Add(1)
	t.Stats.BytesIn.Add(uint64(len(payload)))
	t.link.Put(ethertype, payload)
}

// runEgress drains the link's outbound payloads and hands each, reframed
// with a synthesized Ethernet header, to the overlay handler (§4.4). Byte-
// exact preservation of payload is required; only the header is synthetic.
func (t *Tap) runEgress(ctx context.Context) {
	t.link.Up(ctx, func(ethertype uint16, payload []byte) {
		dst, ok := t.resolveDst(ethertype, payload)
		if !ok {
			dst = broadcastMAC
		}
		frame := make([]byte, header.EthernetMinimumSize+len(payload))
		eth := header.Ethernet(frame)
		eth.Encode(&header.EthernetFields{
			SrcAddr: tcpip.LinkAddress(t.mac[:]),
			DstAddr: tcpip.LinkAddress(dst[:]),
			Type:    tcpip.NetworkProtocolNumber(ethertype),
		})
		copy(frame[header.EthernetMinimumSize:], payload)

		t.Stats.FramesOut.Add(1)
		t.Stats.BytesOut.Add(uint64(len(payload)))
		if err := t.overlay.Send(frame); err != nil {
			log.D("tap: egress: overlay send: %v", err)
		}
	})
}

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// resolveDst looks up the destination hardware address for an outbound
// IPv4 payload via the ARP cache collaborator, falling back to broadcast
// when unknown — this module does not itself speak ARP on the wire; that
// is out of scope (§1).
func (t *Tap) resolveDst(ethertype uint16, payload []byte) (mac [6]byte, ok bool) {
	if t.arpCache == nil || ethertype != uint16(header.IPv4ProtocolNumber) || len(payload) < header.IPv4MinimumSize {
		return mac, false
	}
	dstIP, ok := netip.AddrFromSlice([]byte(header.IPv4(payload).DestinationAddress()))
	if !ok {
		return mac, false
	}
	return t.arpCache.Lookup(dstIP)
}

// Close disables the tap, stops the event loop, and releases stack
// resources (§3 lifecycle).
func (t *Tap) Close() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	core.Close(t.listener)
	core.Go("tap.close.stack", func() {
		t.stk.Close()
	})
}
