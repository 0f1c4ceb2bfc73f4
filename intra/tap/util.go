// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tap

import (
	"net"

	"github.com/celzero/tapshim/intra/wire"
)

func retvalBytes(code int32) []byte {
	return wire.EncodeRetval(code)
}

// writeAll writes b to conn in full, treating a nonblocking short write as
// an error the caller should log rather than retry here — the RPC channel
// carries only small fixed-size replies, so a short write means trouble.
func writeAll(conn *net.UnixConn, b []byte) error {
	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
