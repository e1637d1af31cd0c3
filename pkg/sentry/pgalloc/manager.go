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

package pgalloc

import (
	"fmt"
	"math"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pageheap"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/physmem"
)

// maxRefCount is the largest reference count a page may hold.
const maxRefCount = math.MaxUint16

// Manager owns the page heap and page reference counts of one contiguous
// region of a pool.
//
// All methods require the lock of the manager's pool.
type Manager struct {
	heap pageheap.PageHeap
	pool Pool

	// mem backs the managed region.
	mem *physmem.Memory

	// managementRegion is where optimizeMap starts; refCounts and the page
	// heap bitmaps follow it.
	managementRegion hostarch.PhysAddr

	// optimizeMap has one bit per page, set when the page has been handed
	// to the pool's optimized process before.
	optimizeMap []uint64
	refCounts   []uint16

	prev, next *Manager
}

// CalculateOptimizedProcessOverheadSize returns the size of the optimize map
// for a region of regionSize bytes.
func CalculateOptimizedProcessOverheadSize(regionSize uint64) uint64 {
	return hostarch.AlignUp(regionSize/hostarch.PageSize, 64) / 64 * 8
}

func managerMetadataSize(regionSize uint64) uint64 {
	refCountSize := regionSize / hostarch.PageSize * 2
	return hostarch.AlignUp(CalculateOptimizedProcessOverheadSize(regionSize)+refCountSize, hostarch.PageSize)
}

// CalculateManagementOverheadSize returns the bytes of management memory a
// manager over regionSize bytes needs.
func CalculateManagementOverheadSize(regionSize uint64, blockShifts []uint) uint64 {
	return managerMetadataSize(regionSize) + pageheap.CalculateManagementOverheadSize(regionSize, blockShifts)
}

// initialize sets up m over [address, address+size) with management data at
// management, and returns the number of management bytes consumed. All pages
// start out allocated.
func (m *Manager) initialize(address hostarch.PhysAddr, size uint64, mem *physmem.Memory, management hostarch.PhysAddr, managementMem *physmem.Memory, managementEnd hostarch.PhysAddr, pool Pool, blockShifts []uint, rng *rand.BitGenerator) uint64 {
	optimizeMapSize := CalculateOptimizedProcessOverheadSize(size)
	managerSize := managerMetadataSize(size)
	pageHeapSize := pageheap.CalculateManagementOverheadSize(size, blockShifts)
	total := managerSize + pageHeapSize
	if management+hostarch.PhysAddr(total) > managementEnd {
		panic(fmt.Sprintf("management region exhausted: need %#x bytes at %v, end %v", total, management, managementEnd))
	}
	if !management.IsPageAligned() {
		panic(fmt.Sprintf("management region %v is not page aligned", management))
	}

	m.pool = pool
	m.mem = mem
	m.managementRegion = management
	m.optimizeMap = managementMem.Uint64s(management, optimizeMapSize/8)
	m.refCounts = managementMem.Uint16s(management+hostarch.PhysAddr(optimizeMapSize), size/hostarch.PageSize)

	metadata := managementMem.Uint64s(management+hostarch.PhysAddr(managerSize), pageHeapSize/8)
	m.heap.Initialize(address, size, metadata, blockShifts, rng)
	return total
}

// GetAddress returns the first address of the region.
func (m *Manager) GetAddress() hostarch.PhysAddr { return m.heap.GetAddress() }

// GetEndAddress returns the address one past the region.
func (m *Manager) GetEndAddress() hostarch.PhysAddr { return m.heap.GetEndAddress() }

// GetSize returns the size of the region.
func (m *Manager) GetSize() uint64 { return m.heap.GetSize() }

// GetFreeSize returns the free bytes of the region.
func (m *Manager) GetFreeSize() uint64 { return m.heap.GetFreeSize() }

// GetPool returns the pool the region belongs to.
func (m *Manager) GetPool() Pool { return m.pool }

// GetPageOffset returns the page index of address in the region.
func (m *Manager) GetPageOffset(address hostarch.PhysAddr) uint64 {
	return m.heap.GetPageOffset(address)
}

// GetPageOffsetToEnd returns the number of pages from address to the end of
// the region.
func (m *Manager) GetPageOffsetToEnd(address hostarch.PhysAddr) uint64 {
	return m.heap.GetPageOffsetToEnd(address)
}

// Contains returns true if address lies in the region.
func (m *Manager) Contains(address hostarch.PhysAddr) bool {
	return m.GetAddress() <= address && address < m.GetEndAddress()
}

// RefCount returns the reference count of the page at address.
func (m *Manager) RefCount(address hostarch.PhysAddr) uint16 {
	return m.refCounts[m.GetPageOffset(address)]
}

// UpdateUsedHeapSize records everything that is not free as initially used.
func (m *Manager) UpdateUsedHeapSize() { m.heap.UpdateUsedSize() }

// AllocateBlock allocates one block of order index.
func (m *Manager) AllocateBlock(index int, random bool) (hostarch.PhysAddr, bool) {
	return m.heap.AllocateBlock(index, random)
}

// Free returns pages to the heap.
func (m *Manager) Free(address hostarch.PhysAddr, numPages uint64) {
	m.heap.Free(address, numPages)
}

// DumpFreeList logs the free blocks of the region.
func (m *Manager) DumpFreeList() { m.heap.DumpFreeList() }

// InitializeOptimizedMemory forgets every page previously handed to the
// pool's optimized process.
func (m *Manager) InitializeOptimizedMemory() { clear(m.optimizeMap) }

// TrackUnoptimizedAllocation marks pages as handed to a process other than
// the optimized one.
func (m *Manager) TrackUnoptimizedAllocation(block hostarch.PhysAddr, numPages uint64) {
	offset := m.GetPageOffset(block)
	for last := offset + numPages; offset < last; offset++ {
		m.optimizeMap[offset/64] &^= 1 << (offset % 64)
	}
}

// TrackOptimizedAllocation marks pages as handed to the optimized process.
func (m *Manager) TrackOptimizedAllocation(block hostarch.PhysAddr, numPages uint64) {
	offset := m.GetPageOffset(block)
	for last := offset + numPages; offset < last; offset++ {
		m.optimizeMap[offset/64] |= 1 << (offset % 64)
	}
}

// ProcessOptimizedAllocation fills every page of the range that the
// optimized process has not been handed before, and reports whether there
// was any.
func (m *Manager) ProcessOptimizedAllocation(block hostarch.PhysAddr, numPages uint64, fillPattern byte) bool {
	anyNew := false
	offset := m.GetPageOffset(block)
	for last := offset + numPages; offset < last; offset++ {
		if m.optimizeMap[offset/64]&(1<<(offset%64)) == 0 {
			anyNew = true
			m.mem.Fill(m.GetAddress()+hostarch.PhysAddr(offset*hostarch.PageSize), hostarch.PageSize, fillPattern)
		}
	}
	return anyNew
}

// OpenFirst takes the first reference on freshly allocated pages.
func (m *Manager) OpenFirst(block hostarch.PhysAddr, numPages uint64) {
	index := m.GetPageOffset(block)
	for end := index + numPages; index < end; index++ {
		if m.refCounts[index] != 0 {
			panic(fmt.Sprintf("page %v opened first with refcount %d", m.GetAddress()+hostarch.PhysAddr(index*hostarch.PageSize), m.refCounts[index]))
		}
		m.refCounts[index] = 1
	}
}

// Open takes a reference on every page of the range.
func (m *Manager) Open(block hostarch.PhysAddr, numPages uint64) {
	index := m.GetPageOffset(block)
	for end := index + numPages; index < end; index++ {
		if m.refCounts[index] == maxRefCount {
			panic(fmt.Sprintf("page %v refcount overflow", m.GetAddress()+hostarch.PhysAddr(index*hostarch.PageSize)))
		}
		m.refCounts[index]++
	}
}

// Close drops a reference on every page of the range. Runs of pages whose
// count reaches zero are returned to the heap with one Free each.
func (m *Manager) Close(block hostarch.PhysAddr, numPages uint64) {
	index := m.GetPageOffset(block)
	end := index + numPages

	var freeStart, freeCount uint64
	flush := func() {
		if freeCount > 0 {
			m.Free(m.GetAddress()+hostarch.PhysAddr(freeStart*hostarch.PageSize), freeCount)
			freeCount = 0
		}
	}
	for ; index < end; index++ {
		if m.refCounts[index] == 0 {
			panic(fmt.Sprintf("page %v refcount underflow", m.GetAddress()+hostarch.PhysAddr(index*hostarch.PageSize)))
		}
		m.refCounts[index]--
		if m.refCounts[index] == 0 {
			if freeCount == 0 {
				freeStart = index
			}
			freeCount++
		} else {
			flush()
		}
	}
	flush()
}
