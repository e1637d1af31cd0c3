// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slab

import (
	"testing"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
)

func TestUnusedAllocateAligned(t *testing.T) {
	u := NewUnusedSlabMemory()
	u.Donate(0x1008, 0x100)

	addr, ok := u.Allocate(0x20, 0x40)
	if !ok {
		t.Fatalf("Allocate failed")
	}
	if addr != 0x1040 {
		t.Errorf("Allocate = %v, want 0x1040", addr)
	}
	// The head padding and the tail stay free.
	if got := u.NumExtents(); got != 2 {
		t.Errorf("NumExtents = %d, want 2", got)
	}
	if got, want := u.FreeSize(), uint64(0x100-0x20); got != want {
		t.Errorf("FreeSize = %#x, want %#x", got, want)
	}

	u.Free(addr, 0x20)
	if got := u.NumExtents(); got != 1 {
		t.Errorf("NumExtents after Free = %d, want 1", got)
	}
	if got := u.FreeSize(); got != 0x100 {
		t.Errorf("FreeSize after Free = %#x, want 0x100", got)
	}
	if got := u.TotalSize(); got != 0x100 {
		t.Errorf("TotalSize = %#x, want 0x100", got)
	}
}

func TestUnusedFirstFit(t *testing.T) {
	u := NewUnusedSlabMemory()
	u.Donate(0x3000, 0x100)
	u.Donate(0x1000, 0x10)
	u.Donate(0x2000, 0x80)

	for _, tc := range []struct {
		size uint64
		want hostarch.Addr
	}{
		{0x10, 0x1000},
		{0x40, 0x2000},
		{0x80, 0x3000},
		{0x40, 0x2040},
	} {
		got, ok := u.Allocate(tc.size, 8)
		if !ok || got != tc.want {
			t.Errorf("Allocate(%#x) = %v, %t, want %v", tc.size, got, ok, tc.want)
		}
	}
	if _, ok := u.Allocate(0x100, 8); ok {
		t.Errorf("Allocate larger than any extent succeeded")
	}
}

func TestUnusedCoalesce(t *testing.T) {
	u := NewUnusedSlabMemory()
	u.Donate(0x1000, 0x300)
	a, _ := u.Allocate(0x100, 8)
	b, _ := u.Allocate(0x100, 8)
	c, _ := u.Allocate(0x100, 8)
	if u.NumExtents() != 0 {
		t.Fatalf("NumExtents = %d, want 0", u.NumExtents())
	}

	u.Free(a, 0x100)
	u.Free(c, 0x100)
	if got := u.NumExtents(); got != 2 {
		t.Errorf("NumExtents = %d, want 2", got)
	}
	u.Free(b, 0x100)
	if got := u.NumExtents(); got != 1 {
		t.Errorf("NumExtents = %d, want 1", got)
	}
	if addr, ok := u.Allocate(0x300, 8); !ok || addr != 0x1000 {
		t.Errorf("Allocate(whole) = %v, %t", addr, ok)
	}
}

func TestUnusedDoubleFreePanics(t *testing.T) {
	u := NewUnusedSlabMemory()
	u.Donate(0x1000, 0x100)
	defer func() {
		if recover() == nil {
			t.Errorf("overlapping Free did not panic")
		}
	}()
	u.Free(0x1080, 0x10)
}
