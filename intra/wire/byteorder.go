// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wire

import "encoding/binary"

// nativeEndian is the byte order request struct fields use, except the
// sockaddr_in port/addr fields which are always network (big-endian) order
// per BSD sockaddr convention. Every architecture this module targets
// (amd64, arm64) is little-endian, so this is fixed rather than detected
// at runtime.
var nativeEndian = binary.LittleEndian
