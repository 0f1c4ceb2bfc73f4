// Copyright (c) 2022 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netstack is the stack adapter: a thin, typed wrapper over the
// embedded TCP/IP stack's surface (gVisor's pkg/tcpip), trimmed to exactly
// the operations the tap bridge and RPC dispatcher need. Everything below
// this package is a trust boundary — callers never reach into gVisor types
// directly.
package netstack

import (
	"errors"

	"github.com/celzero/tapshim/intra/log"
	"github.com/celzero/tapshim/intra/settings"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

// e adapts a tcpip.Error, gVisor's non-stdlib error type, to a normal error.
// ref: github.com/google/gvisor/blob/91f58d2cc/pkg/tcpip/sample/tun_tcp_echo/main.go
func e(err tcpip.Error) error {
	if err != nil {
		return errors.New(err.String())
	}
	return nil
}

// New creates an IPv4-only, TCP-only stack: this module has no use for
// ICMP or UDP (spec non-goals), so neither protocol is registered.
func New() *stack.Stack {
	o := stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
		},
	}
	s := stack.New(o)

	s.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			NIC:         settings.NICID,
		},
	})
	s.SetNICForwarding(settings.NICID, ipv4.ProtocolNumber, false)

	sack := tcpip.TCPSACKEnabled(true)
	_ = s.SetTransportProtocolOption(tcp.ProtocolNumber, &sack)

	// ref: github.com/google/gvisor/issues/1666
	bufauto := tcpip.TCPModerateReceiveBufferOption(true)
	_ = s.SetTransportProtocolOption(tcp.ProtocolNumber, &bufauto)

	ttl := tcpip.DefaultTTLOption(64)
	_ = s.SetNetworkProtocolOption(ipv4.ProtocolNumber, &ttl)

	log.I("netstack: new ipv4/tcp-only stack")
	return s
}
