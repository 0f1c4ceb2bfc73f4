// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package settings

import "time"

// NICID is the single fake NIC every Tap attaches its link endpoint to.
// Each Tap owns its own *stack.Stack, so there is never a collision between
// two overlay networks over this id.
const NICID = 0x01

// DefaultMTU is used when the overlay handler does not specify one.
const DefaultMTU = 2800

// BufSize is the size of a Connection's staging buffer: bytes read from the
// interceptor that have not yet been accepted by the embedded stack.
const BufSize = 4096

// TCPSndBuf mirrors lwIP's historical TCP_SND_BUF default. The data pump's
// backpressure load factor does not use it: it divides by the endpoint's
// own send-buffer size (netstack.PCB.SendWindow).
const TCPSndBuf = 65535

// BackpressureLoadFactor is the send-window load factor at or above which
// handleWrite defers submitting bytes to the stack until a later poll tick.
const BackpressureLoadFactor = 0.9

// TCPTmrInterval is how often the event loop drives the embedded stack's
// TCP timer sweep (and, by extension, the per-connection poll callback).
const TCPTmrInterval = 250 * time.Millisecond

// ARPTmrInterval is how often the event loop ages the ARP cache collaborator.
const ARPTmrInterval = 5 * time.Second

// IdleClientLogThreshold is how long a Client may hold zero Connections
// before the ARP tick's idle sweep logs it, as a diagnostic breadcrumb for
// interceptor processes that connect but never open a socket.
const IdleClientLogThreshold = 60 * time.Second

// RendezvousDir is where per-network rendezvous endpoints are created.
const RendezvousDir = "/tmp"

// RendezvousPrefix, plus a 16-hex-digit network id, names the per-network
// rendezvous endpoint: RendezvousDir/RendezvousPrefix<nwid>.
const RendezvousPrefix = ".ztnc_"

// IP4 is the only network-layer family this module supports.
const IP4 = "4"
