// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tap

import "testing"

func TestStageWriteBoundedByFreeSpace(t *testing.T) {
	c := &Connection{buf: make([]byte, 8)}

	n := c.stageWrite([]byte("0123456789"))
	if n != 8 {
		t.Fatalf("stageWrite returned %d, want 8 (bounded by buffer size)", n)
	}
	if c.idx != 8 {
		t.Fatalf("idx = %d, want 8", c.idx)
	}
	if c.stagingFree() != 0 {
		t.Fatalf("stagingFree() = %d, want 0", c.stagingFree())
	}
}

func TestCompactShiftsRemainderDown(t *testing.T) {
	c := &Connection{buf: make([]byte, 8)}
	c.stageWrite([]byte("abcdef"))

	c.compact(4) // as if the stack accepted the first 4 bytes

	if c.idx != 2 {
		t.Fatalf("idx = %d, want 2", c.idx)
	}
	if got := string(c.buf[:c.idx]); got != "ef" {
		t.Fatalf("remaining staged bytes = %q, want %q", got, "ef")
	}
	if free := c.stagingFree(); free != 6 {
		t.Fatalf("stagingFree() = %d, want 6", free)
	}
}

func TestCompactNoopOnNonPositive(t *testing.T) {
	c := &Connection{buf: make([]byte, 8)}
	c.stageWrite([]byte("ab"))

	c.compact(0)
	if c.idx != 2 {
		t.Fatalf("idx = %d, want unchanged 2", c.idx)
	}
	c.compact(-1)
	if c.idx != 2 {
		t.Fatalf("idx = %d, want unchanged 2", c.idx)
	}
}
