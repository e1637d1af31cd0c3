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

package pgalloc

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/physmem"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/test/testutil"
)

const (
	page     = hostarch.PageSize
	dramBase = hostarch.PhysAddr(0x80000000)
	mib      = 1 << 20
)

var testShifts = []uint{12, 16, 21}

var (
	appRegion     = Region{Address: dramBase + 4*mib, Size: 16 * mib, Pool: PoolApplication}
	systemRegion0 = Region{Address: dramBase + 20*mib, Size: 8 * mib, Pool: PoolSystem}
	systemRegion1 = Region{Address: dramBase + 28*mib, Size: 8 * mib, Pool: PoolSystem}
)

func newTestManager(t *testing.T, random bool) *MemoryManager {
	t.Helper()
	mem, err := physmem.New(dramBase, 36*mib)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Release() })

	seed := testutil.Seed()
	regions := []Region{systemRegion1, appRegion, systemRegion0}
	mm, err := New(physmem.Set{mem}, dramBase, 4*mib, regions, Config{
		BlockShifts:      testShifts,
		RandomAllocation: random,
		NewRNG: func() *rand.BitGenerator {
			seed++
			return rand.NewBitGeneratorFromSeed(seed, seed*7)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mm
}

func TestOption(t *testing.T) {
	for _, tc := range []struct {
		pool Pool
		dir  Direction
		want uint32
	}{
		{PoolApplication, FromFront, 0x00},
		{PoolApplet, FromBack, 0x11},
		{PoolSystem, FromFront, 0x20},
		{PoolSystemNonSecure, FromBack, 0x31},
	} {
		opt := EncodeOption(tc.pool, tc.dir)
		if opt != tc.want {
			t.Errorf("EncodeOption(%v, %v) = %#x, want %#x", tc.pool, tc.dir, opt, tc.want)
		}
		if p, d := DecodeOption(opt); p != tc.pool || d != tc.dir {
			t.Errorf("DecodeOption(%#x) = %v, %v, want %v, %v", opt, p, d, tc.pool, tc.dir)
		}
	}
	if p, err := ParsePool("systemnonsecure"); err != nil || p != PoolSystemNonSecure {
		t.Errorf("ParsePool = %v, %v", p, err)
	}
}

func TestNewRejectsOverlap(t *testing.T) {
	mem, err := physmem.New(dramBase, 36*mib)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer mem.Release()

	bad := Region{Address: appRegion.Address + mib, Size: mib, Pool: PoolSystem}
	if _, err := New(physmem.Set{mem}, dramBase, 4*mib, []Region{appRegion, bad}, Config{BlockShifts: testShifts}); err == nil {
		t.Errorf("New accepted overlapping regions")
	}
	if _, err := New(physmem.Set{mem}, dramBase, 4*mib, []Region{{Address: dramBase, Size: mib}}, Config{BlockShifts: testShifts}); err == nil {
		t.Errorf("New accepted a region overlapping the management range")
	}
}

func TestSizes(t *testing.T) {
	mm := newTestManager(t, false)
	for _, tc := range []struct {
		pool Pool
		size uint64
	}{
		{PoolApplication, 16 * mib},
		{PoolApplet, 0},
		{PoolSystem, 16 * mib},
		{PoolSystemNonSecure, 0},
	} {
		if got := mm.GetSize(tc.pool); got != tc.size {
			t.Errorf("GetSize(%v) = %#x, want %#x", tc.pool, got, tc.size)
		}
		if got := mm.GetFreeSize(tc.pool); got != tc.size {
			t.Errorf("GetFreeSize(%v) = %#x, want %#x", tc.pool, got, tc.size)
		}
		if got := mm.GetUsedSize(tc.pool); got != 0 {
			t.Errorf("GetUsedSize(%v) = %#x, want 0", tc.pool, got)
		}
	}
	if got := mm.GetTotalSize(); got != 32*mib {
		t.Errorf("GetTotalSize = %#x", got)
	}
}

func TestDirection(t *testing.T) {
	mm := newTestManager(t, false)

	front, ok := mm.AllocateAndOpenContinuous(4, 1, EncodeOption(PoolSystem, FromFront))
	if !ok {
		t.Fatalf("FromFront allocation failed")
	}
	if front != systemRegion0.Address {
		t.Errorf("FromFront allocation at %v, want %v", front, systemRegion0.Address)
	}
	back, ok := mm.AllocateAndOpenContinuous(4, 1, EncodeOption(PoolSystem, FromBack))
	if !ok {
		t.Fatalf("FromBack allocation failed")
	}
	if back != systemRegion1.Address {
		t.Errorf("FromBack allocation at %v, want %v", back, systemRegion1.Address)
	}

	mm.Close(front, 4)
	mm.Close(back, 4)
	if got := mm.GetFreeSize(PoolSystem); got != 16*mib {
		t.Errorf("GetFreeSize after close = %#x, want %#x", got, 16*mib)
	}

	if _, ok := mm.AllocateContinuous(0, 1, EncodeOption(PoolSystem, FromFront)); ok {
		t.Errorf("zero page continuous allocation succeeded")
	}
	if _, ok := mm.AllocateContinuous(1, 1, EncodeOption(PoolApplet, FromFront)); ok {
		t.Errorf("allocation from an empty pool succeeded")
	}
}

func TestAllocateAndClose(t *testing.T) {
	for _, random := range []bool{false, true} {
		mm := newTestManager(t, random)
		opt := EncodeOption(PoolApplication, FromFront)

		pg := mm.NewPageGroup(0)
		if err := mm.AllocateAndOpen(pg, 1000, opt); err != nil {
			t.Fatalf("AllocateAndOpen(random=%v): %v", random, err)
		}
		if got := pg.GetNumPages(); got != 1000 {
			t.Errorf("group has %d pages, want 1000", got)
		}
		if got, want := mm.GetFreeSize(PoolApplication), uint64(16*mib-1000*page); got != want {
			t.Errorf("GetFreeSize = %#x, want %#x", got, want)
		}
		for _, b := range pg.Blocks() {
			if got := mm.RefCount(b.Address); got != 1 {
				t.Errorf("refcount of %v = %d, want 1", b.Address, got)
			}
		}

		pg.Close()
		if got := mm.GetFreeSize(PoolApplication); got != 16*mib {
			t.Errorf("GetFreeSize after close = %#x, want %#x", got, 16*mib)
		}
	}
}

func TestAllocateThenOpen(t *testing.T) {
	mm := newTestManager(t, false)
	pg := mm.NewPageGroup(0)
	if err := mm.Allocate(pg, 3, EncodeOption(PoolApplication, FromBack)); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	want := []PageBlock{{Address: appRegion.Address, NumPages: 3}}
	if diff := cmp.Diff(want, pg.Blocks()); diff != "" {
		t.Errorf("blocks (-want +got):\n%s", diff)
	}
	pg.Open()
	pg.Open()
	pg.Close()
	if got := mm.RefCount(appRegion.Address); got != 1 {
		t.Errorf("refcount = %d, want 1", got)
	}
	pg.Close()
	if got := mm.GetFreeSize(PoolApplication); got != 16*mib {
		t.Errorf("GetFreeSize = %#x, want %#x", got, 16*mib)
	}
}

// TestOpenCloseAcrossManagers opens and closes a range straddling the
// boundary between two managers of one pool.
func TestOpenCloseAcrossManagers(t *testing.T) {
	mm := newTestManager(t, false)
	pg := mm.NewPageGroup(0)
	if err := mm.AllocateAndOpen(pg, 16*mib/page, EncodeOption(PoolSystem, FromFront)); err != nil {
		t.Fatalf("AllocateAndOpen: %v", err)
	}
	if got := mm.GetFreeSize(PoolSystem); got != 0 {
		t.Fatalf("GetFreeSize = %#x, want 0", got)
	}

	boundary := systemRegion1.Address
	start := boundary - 2*page
	before := []uint16{}
	for i := uint64(0); i < 4; i++ {
		before = append(before, mm.RefCount(start+hostarch.PhysAddr(i*page)))
	}

	mm.Open(start, 4)
	for i := uint64(0); i < 4; i++ {
		if got := mm.RefCount(start + hostarch.PhysAddr(i*page)); got != 2 {
			t.Errorf("refcount of page %d = %d, want 2", i, got)
		}
	}
	mm.Close(start, 4)

	after := []uint16{}
	for i := uint64(0); i < 4; i++ {
		after = append(after, mm.RefCount(start+hostarch.PhysAddr(i*page)))
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("refcounts changed across Open/Close (-before +after):\n%s", diff)
	}
	if got := mm.GetFreeSize(PoolSystem); got != 0 {
		t.Errorf("Open/Close freed pages still referenced: %#x free", got)
	}

	// Drop the last reference on a run that crosses the boundary.
	mm.Close(start, 4)
	if got := mm.GetFreeSize(PoolSystem); got != 4*page {
		t.Errorf("GetFreeSize = %#x, want %#x", got, 4*page)
	}
}

func TestOutOfMemory(t *testing.T) {
	mm := newTestManager(t, true)
	pg := mm.NewPageGroup(0)
	err := mm.AllocateAndOpen(pg, 16*mib/page+1, EncodeOption(PoolApplication, FromFront))
	if err != kernerr.ErrOutOfMemory {
		t.Fatalf("AllocateAndOpen = %v, want %v", err, kernerr.ErrOutOfMemory)
	}
	if pg.NumBlocks() != 0 {
		t.Errorf("failed allocation left %d blocks in the group", pg.NumBlocks())
	}
	if got := mm.GetFreeSize(PoolApplication); got != 16*mib {
		t.Errorf("failed allocation leaked: %#x free, want %#x", got, 16*mib)
	}
}

func TestBlockLimit(t *testing.T) {
	mm := newTestManager(t, true)
	pg := mm.NewPageGroup(1)
	// Random 4KiB placements are essentially never adjacent.
	err := mm.AllocateAndOpen(pg, 7, EncodeOption(PoolApplication, FromFront))
	if err == nil {
		if pg.NumBlocks() != 1 {
			t.Fatalf("group holds %d blocks despite a limit of 1", pg.NumBlocks())
		}
		pg.Close()
	} else if err != kernerr.ErrOutOfResource {
		t.Fatalf("AllocateAndOpen = %v, want %v", err, kernerr.ErrOutOfResource)
	}
	if got := mm.GetFreeSize(PoolApplication); got != 16*mib {
		t.Errorf("GetFreeSize = %#x, want %#x", got, 16*mib)
	}
}

func TestOptimizedMemory(t *testing.T) {
	mm := newTestManager(t, false)
	opt := EncodeOption(PoolApplication, FromFront)
	const pid, other = 1, 2

	if err := mm.InitializeOptimizedMemory(pid, PoolApplication); err != nil {
		t.Fatalf("InitializeOptimizedMemory: %v", err)
	}
	if err := mm.InitializeOptimizedMemory(other, PoolApplication); err != kernerr.ErrBusy {
		t.Errorf("second InitializeOptimizedMemory = %v, want %v", err, kernerr.ErrBusy)
	}

	mem := mm.Memory()[0]
	pg := mm.NewPageGroup(0)
	if err := mm.AllocateAndOpenForProcess(pg, 2, opt, pid, 0xaa); err != nil {
		t.Fatalf("AllocateAndOpenForProcess: %v", err)
	}
	addr := pg.Blocks()[0].Address
	if b := mem.Slice(addr, page); b[0] != 0xaa || b[page-1] != 0xaa {
		t.Errorf("new pages not filled: %#x %#x", b[0], b[page-1])
	}
	pg.Close()

	// The same pages come back; the optimized process has seen them so they
	// are not filled again.
	pg = mm.NewPageGroup(0)
	if err := mm.AllocateAndOpenForProcess(pg, 2, opt, pid, 0xbb); err != nil {
		t.Fatalf("AllocateAndOpenForProcess: %v", err)
	}
	if got := pg.Blocks()[0].Address; got != addr {
		t.Fatalf("reallocation at %v, want %v", got, addr)
	}
	if b := mem.Slice(addr, 1); b[0] != 0xaa {
		t.Errorf("previously tracked page refilled: %#x", b[0])
	}
	pg.Close()

	// Another process always gets filled pages.
	pg = mm.NewPageGroup(0)
	if err := mm.AllocateAndOpenForProcess(pg, 2, opt, other, 0xcc); err != nil {
		t.Fatalf("AllocateAndOpenForProcess: %v", err)
	}
	if b := mem.Slice(addr, 1); b[0] != 0xcc {
		t.Errorf("page for another process not filled: %#x", b[0])
	}
	pg.Close()

	mm.FinalizeOptimizedMemory(pid, PoolApplication)
	if err := mm.InitializeOptimizedMemory(other, PoolApplication); err != nil {
		t.Errorf("InitializeOptimizedMemory after finalize: %v", err)
	}
}

// TestConcurrentPools hammers two pools at once; each pool's accounting must
// come out exact.
func TestConcurrentPools(t *testing.T) {
	mm := newTestManager(t, true)
	var g errgroup.Group
	for _, pool := range []Pool{PoolApplication, PoolSystem, PoolApplication, PoolSystem} {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				pg := mm.NewPageGroup(0)
				if err := mm.AllocateAndOpen(pg, uint64(1+i%37), EncodeOption(pool, Direction(i%2))); err != nil {
					return err
				}
				pg.Open()
				pg.Close()
				pg.Close()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	for _, pool := range []Pool{PoolApplication, PoolSystem} {
		if got := mm.GetFreeSize(pool); got != 16*mib {
			t.Errorf("GetFreeSize(%v) = %#x, want %#x", pool, got, 16*mib)
		}
	}
}

func TestCloseUnderflowPanics(t *testing.T) {
	mm := newTestManager(t, false)
	defer func() {
		if recover() == nil {
			t.Errorf("closing a free page did not panic")
		}
	}()
	mm.Close(appRegion.Address, 1)
}

func TestPageGroup(t *testing.T) {
	a := &PageGroup{}
	a.AddBlock(dramBase, 2)
	a.AddBlock(dramBase+2*page, 3)
	a.AddBlock(dramBase+8*page, 1)
	want := []PageBlock{{dramBase, 5}, {dramBase + 8*page, 1}}
	if diff := cmp.Diff(want, a.Blocks()); diff != "" {
		t.Errorf("blocks (-want +got):\n%s", diff)
	}
	if got := a.GetNumPages(); got != 6 {
		t.Errorf("GetNumPages = %d, want 6", got)
	}

	b := &PageGroup{blocks: []PageBlock{{dramBase, 1}, {dramBase + page, 4}, {dramBase + 8*page, 1}}}
	if !a.IsEquivalentTo(b) || !b.IsEquivalentTo(a) {
		t.Errorf("groups over the same pages are not equivalent")
	}
	c := &PageGroup{blocks: []PageBlock{{dramBase, 5}}}
	if a.IsEquivalentTo(c) || c.IsEquivalentTo(a) {
		t.Errorf("groups over different pages are equivalent")
	}

	limited := &PageGroup{maxBlocks: 1}
	limited.AddBlock(dramBase, 1)
	if err := limited.AddBlock(dramBase+4*page, 1); err != kernerr.ErrOutOfResource {
		t.Errorf("AddBlock past the limit = %v, want %v", err, kernerr.ErrOutOfResource)
	}
}

func TestContext(t *testing.T) {
	mm := &MemoryManager{}
	ctx := WithMemoryManager(context.Background(), mm)
	if got := MemoryManagerFromContext(ctx); got != mm {
		t.Errorf("MemoryManagerFromContext = %p, want %p", got, mm)
	}
	if got := MemoryManagerFromContext(context.Background()); got != nil {
		t.Errorf("MemoryManagerFromContext on an empty context = %p", got)
	}
}
