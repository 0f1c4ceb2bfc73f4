// Copyright (c) 2022 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netstack

import (
	"context"

	"github.com/celzero/tapshim/intra/settings"
	buffer "gvisor.dev/gvisor/pkg/bufferv2"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// outboundQueueDepth bounds how many frames the link endpoint buffers before
// Up's egress loop drains them; gVisor drops new writes past this depth.
const outboundQueueDepth = 256

// Link wraps gvisor's channel.Endpoint, the netif the tap's stack routes
// through. channel.Endpoint is a bare network-layer link: it carries IP
// packets only and never parses or synthesizes Ethernet headers itself, so
// Put/Up exchange raw network-layer payloads keyed by ethertype. Framing
// those payloads into Ethernet frames — and resolving destination hardware
// addresses for them — is the tap bridge's job, not this adapter's.
type Link struct {
	ep  *channel.Endpoint
	mtu uint32
	mac tcpip.LinkAddress
}

// PayloadHandler receives one outbound network-layer payload together with
// the ethertype the stack produced it under.
type PayloadHandler func(ethertype uint16, payload []byte)

// NewLink creates a Link with the given mtu and source hardware address.
// mac has no framing effect here — channel.Endpoint never emits or expects
// link-layer addressing — but it is retained so callers can report it back
// for ARP replies and Ethernet-header synthesis at the tap layer.
func NewLink(mtu uint32, mac tcpip.LinkAddress) *Link {
	if mtu == 0 {
		mtu = settings.DefaultMTU
	}
	return &Link{
		ep:  channel.New(outboundQueueDepth, mtu, mac),
		mtu: mtu,
		mac: mac,
	}
}

// Endpoint returns the underlying stack.LinkEndpoint for CreateNIC.
func (l *Link) Endpoint() stack.LinkEndpoint {
	return l.ep
}

// MAC returns the link's configured hardware address.
func (l *Link) MAC() tcpip.LinkAddress { return l.mac }

// Put injects one network-layer payload into the stack (ingress).
// InjectInbound hands the packet straight to the NIC's dispatcher; the
// bounded queue (outboundQueueDepth) applies to egress only.
func (l *Link) Put(ethertype uint16, payload []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(payload),
	})
	defer pkt.DecRef()
	l.ep.InjectInbound(tcpip.NetworkProtocolNumber(ethertype), pkt)
}

// Up starts the egress loop: it blocks on ctx, draining outbound payloads
// produced by the stack and handing each, flattened, to h. Returns when ctx
// is done — callers run this in its own goroutine.
func (l *Link) Up(ctx context.Context, h PayloadHandler) {
	for {
		pkt := l.ep.ReadContext(ctx)
		if pkt.IsNil() {
			return // ctx done
		}
		l.dispatch(pkt, h)
		pkt.DecRef()
	}
}

func (l *Link) dispatch(pkt stack.PacketBufferPtr, h PayloadHandler) {
	views := pkt.AsSlices()
	total := 0
	for _, v := range views {
		total += len(v)
	}
	buf := make([]byte, total)
	off := 0
	for _, v := range views {
		off += copy(buf[off:], v)
	}
	h(uint16(pkt.NetworkProtocolNumber), buf)
}

// MTU returns the link's configured MTU.
func (l *Link) MTU() uint32 { return l.mtu }
