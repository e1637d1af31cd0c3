// Copyright 2024 The gVisor Authors.
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

package pageheap

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/test/testutil"
)

const (
	testBase = hostarch.PhysAddr(0x80000000)
	testSize = 16 << 20
)

var smallShifts = []uint{12, 15, 21}

// newHeap returns a heap over [testBase, testBase+size) with every page
// free.
func newHeap(t *testing.T, size uint64, shifts []uint, rng *rand.BitGenerator) *PageHeap {
	t.Helper()
	metadata := make([]uint64, CalculateManagementOverheadSize(size, shifts)/8)
	var h PageHeap
	h.Initialize(testBase, size, metadata, shifts, rng)
	if got := h.GetFreeSize(); got != 0 {
		t.Fatalf("fresh heap has %#x bytes free, want 0", got)
	}
	h.Free(testBase, size/hostarch.PageSize)
	if got := h.GetFreeSize(); got != size {
		t.Fatalf("GetFreeSize after freeing everything = %#x, want %#x", got, size)
	}
	return &h
}

func seededRNG(t *testing.T) *rand.BitGenerator {
	seed := testutil.Seed()
	t.Logf("seed %d", seed)
	return rand.NewBitGeneratorFromSeed(seed, ^seed)
}

func freeBlocks(h *PageHeap) []uint64 {
	n := make([]uint64, h.NumBlockShifts())
	for i := range n {
		n[i] = h.GetNumFreeBlocks(i)
	}
	return n
}

func TestBlockIndex(t *testing.T) {
	for _, tc := range []struct {
		pages, align uint64
		aligned      int
		index        int
	}{
		{1, 1, 0, 0},
		{8, 1, 1, 1},
		{9, 1, 2, 1},
		{10, 1, 2, 1},
		{1, 8, 1, 0},
		{512, 1, 2, 2},
		{513, 1, -1, 2},
	} {
		if got := GetAlignedBlockIndex(smallShifts, tc.pages, tc.align); got != tc.aligned {
			t.Errorf("GetAlignedBlockIndex(%d, %d) = %d, want %d", tc.pages, tc.align, got, tc.aligned)
		}
		if got := GetBlockIndex(smallShifts, tc.pages); got != tc.index {
			t.Errorf("GetBlockIndex(%d) = %d, want %d", tc.pages, got, tc.index)
		}
	}
	if got := GetBlockIndex(smallShifts, 0); got != -1 {
		t.Errorf("GetBlockIndex(0) = %d, want -1", got)
	}
}

func TestCoalesceOnFree(t *testing.T) {
	h := newHeap(t, testSize, smallShifts, nil)
	if diff := cmp.Diff([]uint64{0, 0, 8}, freeBlocks(h)); diff != "" {
		t.Fatalf("free blocks after init (-want +got):\n%s", diff)
	}

	index := h.GetAlignedBlockIndex(10, 1)
	if index != 2 {
		t.Fatalf("GetAlignedBlockIndex(10, 1) = %d, want 2", index)
	}
	addr, ok := h.AllocateBlock(index, false)
	if !ok {
		t.Fatalf("AllocateBlock failed")
	}
	if addr != testBase {
		t.Errorf("linear allocation at %v, want %v", addr, testBase)
	}

	// Keep ten pages and give the rest of the 2MiB block back: 62 blocks of
	// 32KiB plus six 4KiB pages.
	h.Free(addr+10*hostarch.PageSize, 512-10)
	if diff := cmp.Diff([]uint64{6, 62, 7}, freeBlocks(h)); diff != "" {
		t.Errorf("free blocks after trimming (-want +got):\n%s", diff)
	}
	if got, want := h.GetFreeSize(), uint64(testSize-10*hostarch.PageSize); got != want {
		t.Errorf("GetFreeSize = %#x, want %#x", got, want)
	}

	h.Free(addr, 10)
	if diff := cmp.Diff([]uint64{0, 0, 8}, freeBlocks(h)); diff != "" {
		t.Errorf("free blocks after freeing everything (-want +got):\n%s", diff)
	}
	if got := h.GetFreeSize(); got != testSize {
		t.Errorf("GetFreeSize = %#x, want %#x", got, testSize)
	}
}

func TestLinearSplitsLargerBlock(t *testing.T) {
	h := newHeap(t, testSize, smallShifts, nil)
	var got []hostarch.PhysAddr
	for i := 0; i < 3; i++ {
		addr, ok := h.AllocateBlock(0, false)
		if !ok {
			t.Fatalf("AllocateBlock(0) #%d failed", i)
		}
		got = append(got, addr)
	}
	want := []hostarch.PhysAddr{testBase, testBase + hostarch.PageSize, testBase + 2*hostarch.PageSize}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("linear allocations (-want +got):\n%s", diff)
	}
	for _, a := range got {
		h.Free(a, 1)
	}
	if diff := cmp.Diff([]uint64{0, 0, 8}, freeBlocks(h)); diff != "" {
		t.Errorf("free blocks (-want +got):\n%s", diff)
	}
}

func TestExhaustion(t *testing.T) {
	h := newHeap(t, 4<<20, smallShifts, nil)
	for i := 0; i < 2; i++ {
		if _, ok := h.AllocateBlock(2, false); !ok {
			t.Fatalf("AllocateBlock(2) #%d failed", i)
		}
	}
	if _, ok := h.AllocateBlock(0, false); ok {
		t.Errorf("allocation from an exhausted heap succeeded")
	}
	if _, ok := h.AllocateBlock(0, true); ok {
		t.Errorf("random allocation from an exhausted heap succeeded")
	}
}

type span struct {
	addr  hostarch.PhysAddr
	pages uint64
}

func TestRandomAllocation(t *testing.T) {
	h := newHeap(t, testSize, DefaultBlockShifts[:3], seededRNG(t))

	var spans []span
	for _, tc := range []struct{ pages, align uint64 }{
		{1, 1}, {3, 1}, {16, 16}, {2, 16}, {1, 1}, {20, 4}, {512, 512}, {7, 1},
	} {
		index := h.GetAlignedBlockIndex(tc.pages, tc.align)
		addr, ok := h.AllocateAligned(index, tc.pages, tc.align)
		if !ok {
			t.Fatalf("AllocateAligned(%d, %d, %d) failed", index, tc.pages, tc.align)
		}
		if !hostarch.IsAligned(uint64(addr), tc.align*hostarch.PageSize) {
			t.Errorf("allocation %v of %d pages is not aligned to %d pages", addr, tc.pages, tc.align)
		}
		if addr < h.GetAddress() || addr+hostarch.PhysAddr(tc.pages*hostarch.PageSize) > h.GetEndAddress() {
			t.Errorf("allocation %v+%d pages outside heap", addr, tc.pages)
		}
		spans = append(spans, span{addr, tc.pages})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].addr < spans[j].addr })
	var used uint64
	for i, s := range spans {
		used += s.pages
		if i > 0 {
			prev := spans[i-1]
			if prev.addr+hostarch.PhysAddr(prev.pages*hostarch.PageSize) > s.addr {
				t.Errorf("allocations %v and %v overlap", prev, s)
			}
		}
	}
	if got, want := h.GetFreeSize(), testSize-used*hostarch.PageSize; got != want {
		t.Errorf("GetFreeSize = %#x, want %#x", got, want)
	}

	for _, s := range spans {
		h.Free(s.addr, s.pages)
	}
	if got := h.GetFreeSize(); got != testSize {
		t.Errorf("GetFreeSize after free = %#x, want %#x", got, testSize)
	}
	if got := h.GetNumFreeBlocks(2); got != testSize>>21 {
		t.Errorf("2MiB blocks after free = %d, want %d", got, testSize>>21)
	}
}

// TestConservation allocates and frees random sizes and checks that free
// plus allocated pages always equals the heap size.
func TestConservation(t *testing.T) {
	rng := seededRNG(t)
	h := newHeap(t, testSize, DefaultBlockShifts, rng)

	var live []span
	var used uint64
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Bit() == 0 {
			j := int(rng.Uint64N(uint64(len(live))))
			s := live[j]
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			h.Free(s.addr, s.pages)
			used -= s.pages
		} else {
			pages := 1 + rng.Uint64N(64)
			index := h.GetAlignedBlockIndex(pages, 1)
			random := rng.Bit() != 0
			var addr hostarch.PhysAddr
			var ok bool
			if random {
				addr, ok = h.AllocateAligned(index, pages, 1)
			} else if addr, ok = h.AllocateBlock(index, false); ok {
				blockPages := h.GetBlockNumPages(index)
				h.Free(addr+hostarch.PhysAddr(pages*hostarch.PageSize), blockPages-pages)
			}
			if ok {
				live = append(live, span{addr, pages})
				used += pages
			}
		}
		if got, want := h.GetNumFreePages()+used, uint64(testSize/hostarch.PageSize); got != want {
			t.Fatalf("iteration %d: free+used = %d pages, want %d", i, got, want)
		}
	}

	for _, s := range live {
		h.Free(s.addr, s.pages)
	}
	if got := h.GetFreeSize(); got != testSize {
		t.Errorf("GetFreeSize after freeing all = %#x, want %#x", got, testSize)
	}
}

func TestUsedSize(t *testing.T) {
	h := newHeap(t, testSize, smallShifts, nil)
	if _, ok := h.AllocateBlock(1, false); !ok {
		t.Fatalf("AllocateBlock failed")
	}
	h.UpdateUsedSize()
	if got, want := h.GetInitialUsedSize(), uint64(1<<15); got != want {
		t.Errorf("GetInitialUsedSize = %#x, want %#x", got, want)
	}
	h.SetInitialUsedSize(1 << 12)
	if got, want := h.GetInitialUsedSize(), uint64(1<<15-1<<12); got != want {
		t.Errorf("GetInitialUsedSize = %#x, want %#x", got, want)
	}
	h.DumpFreeList()
}

func TestManagementOverhead(t *testing.T) {
	got := CalculateManagementOverheadSize(testSize, smallShifts)
	if got == 0 || !hostarch.IsAligned(got, hostarch.PageSize) {
		t.Errorf("CalculateManagementOverheadSize = %#x, want a non-zero page multiple", got)
	}
}
