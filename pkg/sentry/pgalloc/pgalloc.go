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

// Package pgalloc contains the physical memory manager.
//
// Physical memory is divided into regions, each owned by a Manager with its
// own buddy heap and per-page reference counts. Every region belongs to one
// Pool; the managers of a pool form a list in address order which
// allocations walk from the front or from the back.
//
// Lock order:
//
//	MemoryManager.poolLocks[pool]
//	  Manager methods
//
// Pools are independent: operations on different pools never contend.
package pgalloc

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/cleanup"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pageheap"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/physmem"
)

// MaxManagerCount is the maximum number of regions.
const MaxManagerCount = 10

// Region is a range of physical memory assigned to a pool.
type Region struct {
	Address hostarch.PhysAddr
	Size    uint64
	Pool    Pool
}

// End returns the address one past the region.
func (r Region) End() hostarch.PhysAddr { return r.Address + hostarch.PhysAddr(r.Size) }

// Config configures a MemoryManager.
type Config struct {
	// BlockShifts are the page heap block orders. Nil selects
	// pageheap.DefaultBlockShifts.
	BlockShifts []uint

	// RandomAllocation enables randomized placement where the kernel would
	// randomize. When false every allocation is a linear search, which
	// makes layouts reproducible.
	RandomAllocation bool

	// NewRNG returns the generator of one page heap. Nil seeds each heap
	// from the system entropy source.
	NewRNG func() *rand.BitGenerator
}

// MemoryManager allocates physical pages from pools of regions.
type MemoryManager struct {
	mem         physmem.Set
	blockShifts []uint
	random      bool

	managers  []*Manager
	poolHeads [PoolCount]*Manager
	poolTails [PoolCount]*Manager

	poolLocks [PoolCount]sync.Mutex

	// The following are protected by the lock of the pool they index.
	optimizedProcessIDs [PoolCount]uint64
	hasOptimizedProcess [PoolCount]bool
}

// allocFailureLog reports allocation failures without flooding the log when
// a pool is exhausted.
var allocFailureLog = log.BasicRateLimitedLogger(time.Second)

// CalculateTotalManagementSize returns the management memory New needs for
// regions.
func CalculateTotalManagementSize(regions []Region, blockShifts []uint) uint64 {
	if blockShifts == nil {
		blockShifts = pageheap.DefaultBlockShifts
	}
	var total uint64
	for _, r := range regions {
		total += CalculateManagementOverheadSize(r.Size, blockShifts)
	}
	return total
}

// New creates a MemoryManager over regions, placing its bookkeeping in
// [management, management+managementSize). Both the regions and the
// management range must be backed by mem and must not overlap. Every page
// of every region starts out free.
func New(mem physmem.Set, management hostarch.PhysAddr, managementSize uint64, regions []Region, cfg Config) (*MemoryManager, error) {
	mm := &MemoryManager{
		mem:         mem,
		blockShifts: cfg.BlockShifts,
		random:      cfg.RandomAllocation,
	}
	if mm.blockShifts == nil {
		mm.blockShifts = pageheap.DefaultBlockShifts
	}
	if len(regions) == 0 || len(regions) > MaxManagerCount {
		return nil, fmt.Errorf("need between 1 and %d regions, got %d", MaxManagerCount, len(regions))
	}

	managementMem := mem.Find(management, managementSize)
	if managementMem == nil {
		return nil, fmt.Errorf("management range %v+%#x is not backed by memory", management, managementSize)
	}
	if !management.IsPageAligned() || !hostarch.IsAligned(managementSize, hostarch.PageSize) {
		return nil, fmt.Errorf("management range %v+%#x is not page aligned", management, managementSize)
	}
	if need := CalculateTotalManagementSize(regions, mm.blockShifts); need > managementSize {
		return nil, fmt.Errorf("management range of %#x bytes is too small, need %#x", managementSize, need)
	}

	sorted := slices.Clone(regions)
	slices.SortFunc(sorted, func(a, b Region) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	managementEnd := management + hostarch.PhysAddr(managementSize)
	for i, r := range sorted {
		if r.Pool >= PoolCount {
			return nil, fmt.Errorf("region %v has invalid pool %d", r.Address, r.Pool)
		}
		if r.Size == 0 || !r.Address.IsPageAligned() || !hostarch.IsAligned(r.Size, hostarch.PageSize) {
			return nil, fmt.Errorf("region %v+%#x is empty or not page aligned", r.Address, r.Size)
		}
		if i > 0 && sorted[i-1].End() > r.Address {
			return nil, fmt.Errorf("regions %v+%#x and %v+%#x overlap", sorted[i-1].Address, sorted[i-1].Size, r.Address, r.Size)
		}
		if r.Address < managementEnd && management < r.End() {
			return nil, fmt.Errorf("region %v+%#x overlaps the management range", r.Address, r.Size)
		}
		if mem.Find(r.Address, r.Size) == nil {
			return nil, fmt.Errorf("region %v+%#x is not backed by memory", r.Address, r.Size)
		}
	}

	managementMem.Fill(management, managementSize, 0)

	cur := management
	for _, r := range sorted {
		var rng *rand.BitGenerator
		if cfg.NewRNG != nil {
			rng = cfg.NewRNG()
		}
		m := &Manager{}
		cur += hostarch.PhysAddr(m.initialize(r.Address, r.Size, mem.Find(r.Address, r.Size), cur, managementMem, managementEnd, r.Pool, mm.blockShifts, rng))
		mm.managers = append(mm.managers, m)

		if tail := mm.poolTails[r.Pool]; tail == nil {
			mm.poolHeads[r.Pool] = m
		} else {
			tail.next = m
			m.prev = tail
		}
		mm.poolTails[r.Pool] = m
	}

	for _, m := range mm.managers {
		m.Free(m.GetAddress(), m.GetSize()/hostarch.PageSize)
		m.UpdateUsedHeapSize()
		log.Infof("Memory manager region %v-%v pool %v: %d KB", m.GetAddress(), m.GetEndAddress(), m.pool, m.GetSize()>>10)
	}
	log.Infof("Memory manager management data: %#x bytes of %#x at %v", uint64(cur-management), managementSize, management)
	return mm, nil
}

// BlockShifts returns the page heap block orders.
func (mm *MemoryManager) BlockShifts() []uint { return mm.blockShifts }

// Managers returns every manager in address order.
func (mm *MemoryManager) Managers() []*Manager { return mm.managers }

// GetManager returns the manager owning address. The address must be
// managed.
func (mm *MemoryManager) GetManager(address hostarch.PhysAddr) *Manager {
	for _, m := range mm.managers {
		if m.Contains(address) {
			return m
		}
	}
	panic(fmt.Sprintf("address %v is not managed", address))
}

// GetFirstManager returns the first manager of pool in direction dir.
func (mm *MemoryManager) GetFirstManager(pool Pool, dir Direction) *Manager {
	if dir == FromBack {
		return mm.poolTails[pool]
	}
	return mm.poolHeads[pool]
}

// GetNextManager returns the manager following m in direction dir.
func (mm *MemoryManager) GetNextManager(m *Manager, dir Direction) *Manager {
	if dir == FromBack {
		return m.prev
	}
	return m.next
}

func checkOption(option uint32) (Pool, Direction) {
	pool, dir := DecodeOption(option)
	if pool >= PoolCount || dir > FromBack {
		panic(fmt.Sprintf("invalid allocation option %#x", option))
	}
	return pool, dir
}

// forEachManagerRange calls fn for every manager-bounded piece of
// [address, address+numPages).
func (mm *MemoryManager) forEachManagerRange(address hostarch.PhysAddr, numPages uint64, fn func(m *Manager, address hostarch.PhysAddr, numPages uint64)) {
	for numPages > 0 {
		m := mm.GetManager(address)
		cur := min(numPages, m.GetPageOffsetToEnd(address))
		fn(m, address, cur)
		address += hostarch.PhysAddr(cur * hostarch.PageSize)
		numPages -= cur
	}
}

// AllocateContinuous allocates numPages physically contiguous pages aligned
// to alignPages pages. The pages' reference counts are left at zero.
func (mm *MemoryManager) AllocateContinuous(numPages, alignPages uint64, option uint32) (hostarch.PhysAddr, bool) {
	if numPages == 0 {
		return 0, false
	}
	pool, dir := checkOption(option)
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()
	addr, _, ok := mm.allocateContinuousLocked(numPages, alignPages, pool, dir)
	return addr, ok
}

// AllocateAndOpenContinuous is AllocateContinuous, then takes the first
// reference on every page.
func (mm *MemoryManager) AllocateAndOpenContinuous(numPages, alignPages uint64, option uint32) (hostarch.PhysAddr, bool) {
	if numPages == 0 {
		return 0, false
	}
	pool, dir := checkOption(option)
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()
	addr, m, ok := mm.allocateContinuousLocked(numPages, alignPages, pool, dir)
	if ok {
		m.OpenFirst(addr, numPages)
	}
	return addr, ok
}

// +checklocks:mm.poolLocks[pool]
func (mm *MemoryManager) allocateContinuousLocked(numPages, alignPages uint64, pool Pool, dir Direction) (hostarch.PhysAddr, *Manager, bool) {
	index := pageheap.GetAlignedBlockIndex(mm.blockShifts, numPages, alignPages)
	if index < 0 {
		allocFailureLog.Warningf("Continuous allocation of %d pages aligned to %d pages from %v exceeds the largest block", numPages, alignPages, pool)
		return 0, nil, false
	}

	var (
		chosen *Manager
		addr   hostarch.PhysAddr
		ok     bool
	)
	for chosen = mm.GetFirstManager(pool, dir); chosen != nil; chosen = mm.GetNextManager(chosen, dir) {
		if addr, ok = chosen.AllocateBlock(index, mm.random); ok {
			break
		}
	}
	if !ok {
		allocFailureLog.Warningf("Continuous allocation of %d pages from %v failed", numPages, pool)
		return 0, nil, false
	}

	if allocated := (uint64(1) << mm.blockShifts[index]) / hostarch.PageSize; allocated > numPages {
		chosen.Free(addr+hostarch.PhysAddr(numPages*hostarch.PageSize), allocated-numPages)
	}
	if mm.hasOptimizedProcess[pool] {
		chosen.TrackUnoptimizedAllocation(addr, numPages)
	}
	return addr, chosen, true
}

// +checklocks:mm.poolLocks[pool]
func (mm *MemoryManager) allocatePageGroupLocked(out *PageGroup, numPages uint64, pool Pool, dir Direction, unoptimized, random bool) error {
	index := pageheap.GetBlockIndex(mm.blockShifts, numPages)
	if index < 0 {
		return kernerr.ErrOutOfMemory
	}

	cu := cleanup.Make(func() {
		for _, b := range out.Blocks() {
			mm.forEachManagerRange(b.Address, b.NumPages, func(m *Manager, addr hostarch.PhysAddr, n uint64) {
				m.Free(addr, n)
			})
		}
		out.Finalize()
	})
	defer cu.Clean()

	for ; index >= 0 && numPages > 0; index-- {
		pagesPerAlloc := (uint64(1) << mm.blockShifts[index]) / hostarch.PageSize
		for m := mm.GetFirstManager(pool, dir); m != nil; m = mm.GetNextManager(m, dir) {
			for numPages >= pagesPerAlloc {
				addr, ok := m.AllocateBlock(index, random)
				if !ok {
					break
				}
				if err := out.AddBlock(addr, pagesPerAlloc); err != nil {
					m.Free(addr, pagesPerAlloc)
					return err
				}
				if unoptimized {
					m.TrackUnoptimizedAllocation(addr, pagesPerAlloc)
				}
				numPages -= pagesPerAlloc
			}
		}
	}

	if numPages != 0 {
		allocFailureLog.Warningf("Allocation from %v failed with %d pages outstanding", pool, numPages)
		return kernerr.ErrOutOfMemory
	}
	cu.Release()
	return nil
}

// Allocate allocates numPages pages, not necessarily contiguous, into out,
// which must be empty. Reference counts are left at zero; the caller takes
// references with out.Open. On failure out is left empty and every page
// taken so far has been returned.
func (mm *MemoryManager) Allocate(out *PageGroup, numPages uint64, option uint32) error {
	if out.GetNumPages() != 0 {
		panic("Allocate into a non-empty page group")
	}
	if numPages == 0 {
		return nil
	}
	pool, dir := checkOption(option)
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()
	return mm.allocatePageGroupLocked(out, numPages, pool, dir, mm.hasOptimizedProcess[pool], mm.random)
}

// +checklocks:mm.poolLocks[pool]
func (mm *MemoryManager) openFirstLocked(out *PageGroup) {
	for _, b := range out.Blocks() {
		mm.forEachManagerRange(b.Address, b.NumPages, (*Manager).OpenFirst)
	}
}

// AllocateAndOpen is Allocate, then takes the first reference on every page.
func (mm *MemoryManager) AllocateAndOpen(out *PageGroup, numPages uint64, option uint32) error {
	if out.GetNumPages() != 0 {
		panic("AllocateAndOpen into a non-empty page group")
	}
	if numPages == 0 {
		return nil
	}
	pool, dir := checkOption(option)
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()
	if err := mm.allocatePageGroupLocked(out, numPages, pool, dir, mm.hasOptimizedProcess[pool], mm.random); err != nil {
		return err
	}
	mm.openFirstLocked(out)
	return nil
}

// AllocateAndOpenForProcess allocates and opens pages for a process and
// fills them with fillPattern. If the process is the pool's optimized
// process, only pages it has not been handed before are filled.
func (mm *MemoryManager) AllocateAndOpenForProcess(out *PageGroup, numPages uint64, option uint32, processID uint64, fillPattern byte) error {
	if out.GetNumPages() != 0 {
		panic("AllocateAndOpenForProcess into a non-empty page group")
	}
	if numPages == 0 {
		return nil
	}
	pool, dir := checkOption(option)

	var optimized bool
	if err := func() error {
		mm.poolLocks[pool].Lock()
		defer mm.poolLocks[pool].Unlock()

		hasOptimized := mm.hasOptimizedProcess[pool]
		isOptimized := mm.optimizedProcessIDs[pool] == processID
		if err := mm.allocatePageGroupLocked(out, numPages, pool, dir, hasOptimized && !isOptimized, false); err != nil {
			return err
		}
		optimized = hasOptimized && isOptimized
		mm.openFirstLocked(out)
		return nil
	}(); err != nil {
		return err
	}

	if !optimized {
		for _, b := range out.Blocks() {
			mm.forEachManagerRange(b.Address, b.NumPages, func(m *Manager, addr hostarch.PhysAddr, n uint64) {
				m.mem.Fill(addr, n*hostarch.PageSize, fillPattern)
			})
		}
		return nil
	}

	for _, b := range out.Blocks() {
		anyNew := false
		mm.forEachManagerRange(b.Address, b.NumPages, func(m *Manager, addr hostarch.PhysAddr, n uint64) {
			if m.ProcessOptimizedAllocation(addr, n, fillPattern) {
				anyNew = true
			}
		})
		if !anyNew {
			continue
		}
		mm.forEachManagerRange(b.Address, b.NumPages, func(m *Manager, addr hostarch.PhysAddr, n uint64) {
			mm.poolLocks[m.pool].Lock()
			defer mm.poolLocks[m.pool].Unlock()
			m.TrackOptimizedAllocation(addr, n)
		})
	}
	return nil
}

// Open takes a reference on numPages pages at address. The range may span
// managers.
func (mm *MemoryManager) Open(address hostarch.PhysAddr, numPages uint64) {
	mm.forEachManagerRange(address, numPages, func(m *Manager, addr hostarch.PhysAddr, n uint64) {
		mm.poolLocks[m.pool].Lock()
		defer mm.poolLocks[m.pool].Unlock()
		m.Open(addr, n)
	})
}

// Close drops a reference on numPages pages at address, freeing pages whose
// count reaches zero. The range may span managers.
func (mm *MemoryManager) Close(address hostarch.PhysAddr, numPages uint64) {
	mm.forEachManagerRange(address, numPages, func(m *Manager, addr hostarch.PhysAddr, n uint64) {
		mm.poolLocks[m.pool].Lock()
		defer mm.poolLocks[m.pool].Unlock()
		m.Close(addr, n)
	})
}

// RefCount returns the reference count of the page at address.
func (mm *MemoryManager) RefCount(address hostarch.PhysAddr) uint16 {
	m := mm.GetManager(address)
	mm.poolLocks[m.pool].Lock()
	defer mm.poolLocks[m.pool].Unlock()
	return m.RefCount(address)
}

// InitializeOptimizedMemory makes processID the optimized process of pool.
// Only one process per pool may be optimized.
func (mm *MemoryManager) InitializeOptimizedMemory(processID uint64, pool Pool) error {
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()

	if mm.hasOptimizedProcess[pool] {
		return kernerr.ErrBusy
	}
	mm.optimizedProcessIDs[pool] = processID
	mm.hasOptimizedProcess[pool] = true
	for m := mm.GetFirstManager(pool, FromFront); m != nil; m = mm.GetNextManager(m, FromFront) {
		m.InitializeOptimizedMemory()
	}
	return nil
}

// FinalizeOptimizedMemory clears processID as the optimized process of pool.
func (mm *MemoryManager) FinalizeOptimizedMemory(processID uint64, pool Pool) {
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()

	if mm.hasOptimizedProcess[pool] && mm.optimizedProcessIDs[pool] == processID {
		mm.hasOptimizedProcess[pool] = false
	}
}

// GetSize returns the bytes managed for pool.
func (mm *MemoryManager) GetSize(pool Pool) uint64 {
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()
	var total uint64
	for m := mm.GetFirstManager(pool, FromFront); m != nil; m = mm.GetNextManager(m, FromFront) {
		total += m.GetSize()
	}
	return total
}

// GetFreeSize returns the free bytes of pool.
func (mm *MemoryManager) GetFreeSize(pool Pool) uint64 {
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()
	var total uint64
	for m := mm.GetFirstManager(pool, FromFront); m != nil; m = mm.GetNextManager(m, FromFront) {
		total += m.GetFreeSize()
	}
	return total
}

// GetUsedSize returns the allocated bytes of pool.
func (mm *MemoryManager) GetUsedSize(pool Pool) uint64 {
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()
	var total uint64
	for m := mm.GetFirstManager(pool, FromFront); m != nil; m = mm.GetNextManager(m, FromFront) {
		total += m.GetSize() - m.GetFreeSize()
	}
	return total
}

// GetTotalSize returns the bytes managed across all pools.
func (mm *MemoryManager) GetTotalSize() uint64 {
	var total uint64
	for p := Pool(0); p < PoolCount; p++ {
		total += mm.GetSize(p)
	}
	return total
}

// GetTotalFreeSize returns the free bytes across all pools.
func (mm *MemoryManager) GetTotalFreeSize() uint64 {
	var total uint64
	for p := Pool(0); p < PoolCount; p++ {
		total += mm.GetFreeSize(p)
	}
	return total
}

// DumpFreeList logs the free lists of every manager of pool.
func (mm *MemoryManager) DumpFreeList(pool Pool) {
	mm.poolLocks[pool].Lock()
	defer mm.poolLocks[pool].Unlock()
	for m := mm.GetFirstManager(pool, FromFront); m != nil; m = mm.GetNextManager(m, FromFront) {
		m.DumpFreeList()
	}
}

// Memory returns the physical memory backing the manager.
func (mm *MemoryManager) Memory() physmem.Set { return mm.mem }
