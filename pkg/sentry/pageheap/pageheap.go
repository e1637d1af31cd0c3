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

// Package pageheap implements a buddy allocator over a range of physical
// pages.
//
// Free memory is tracked per block order ("block class"), where order i has
// blocks of 1<<shifts[i] bytes. Each order keeps a hierarchical Bitmap with
// one bit per block. Freeing a block whose buddies at the same order are all
// free coalesces them into one block of the next order.
//
// A PageHeap is not safe for concurrent use. The memory manager serializes
// access with the lock of the pool the heap belongs to.
package pageheap

import (
	"fmt"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
)

// MaxBlockShifts is the maximum number of block orders.
const MaxBlockShifts = 8

// MinimumPossibleAlignmentsForRandomAllocation is the number of distinct
// placements a randomized allocation wants to choose from before it stops
// considering larger block orders.
const MinimumPossibleAlignmentsForRandomAllocation = 4

// DefaultBlockShifts are the block orders used by the system heaps: 4KiB,
// 64KiB, 2MiB, 4MiB, 32MiB, 512MiB and 1GiB.
var DefaultBlockShifts = []uint{0xC, 0x10, 0x15, 0x16, 0x19, 0x1D, 0x1E}

// block is the free list of one order.
type block struct {
	bitmap         Bitmap
	heapAddress    hostarch.PhysAddr
	endOffset      uint64
	blockShift     uint
	nextBlockShift uint
}

func (b *block) size() uint64          { return 1 << b.blockShift }
func (b *block) numPages() uint64      { return b.size() / hostarch.PageSize }
func (b *block) numFreeBlocks() uint64 { return b.bitmap.GetNumBits() }
func (b *block) numFreePages() uint64  { return b.numFreeBlocks() * b.numPages() }

// alignment is the granularity the block's bitmap is anchored to: the size
// of the next order, so that buddies of one next-order block share a
// contiguous run of bits.
func blockAlignment(blockShift, nextBlockShift uint) uint64 {
	if nextBlockShift != 0 {
		return 1 << nextBlockShift
	}
	return 1 << blockShift
}

func (b *block) initialize(addr hostarch.PhysAddr, size uint64, blockShift, nextBlockShift uint, storage []uint64, rng *rand.BitGenerator) []uint64 {
	b.blockShift = blockShift
	b.nextBlockShift = nextBlockShift

	align := hostarch.PhysAddr(blockAlignment(blockShift, nextBlockShift))
	end := hostarch.AlignUp(addr+hostarch.PhysAddr(size), align)
	addr = hostarch.AlignDown(addr, align)

	b.heapAddress = addr
	b.endOffset = uint64(end-addr) >> blockShift
	return b.bitmap.Initialize(storage, b.endOffset, rng)
}

// pushBlock marks the block at address free. If that completes a run of
// free buddies it clears them and returns the address of the merged block
// for the next order.
func (b *block) pushBlock(address hostarch.PhysAddr) (hostarch.PhysAddr, bool) {
	offset := uint64(address-b.heapAddress) >> b.blockShift
	b.bitmap.SetBit(offset)

	if b.nextBlockShift != 0 {
		diff := uint64(1) << (b.nextBlockShift - b.blockShift)
		offset = hostarch.AlignDown(offset, diff)
		if b.bitmap.ClearRange(offset, diff) {
			return b.heapAddress + hostarch.PhysAddr(offset<<b.blockShift), true
		}
	}
	return 0, false
}

// popBlock takes a free block off the list.
func (b *block) popBlock(random bool) (hostarch.PhysAddr, bool) {
	soffset := b.bitmap.FindFreeBlock(random)
	if soffset < 0 {
		return 0, false
	}
	offset := uint64(soffset)
	b.bitmap.ClearBit(offset)
	return b.heapAddress + hostarch.PhysAddr(offset<<b.blockShift), true
}

func calculateBlockOverheadSize(regionSize uint64, blockShift, nextBlockShift uint) uint64 {
	align := blockAlignment(blockShift, nextBlockShift)
	return CalculateBitmapOverheadSize((align*2 + hostarch.AlignUp(regionSize, align)) >> blockShift)
}

// PageHeap is a buddy allocator.
type PageHeap struct {
	heapAddress     hostarch.PhysAddr
	heapSize        uint64
	initialUsedSize uint64
	blocks          []block
	rng             *rand.BitGenerator
}

// Initialize sets up h to manage [address, address+size) using the given
// block shifts, placing its bitmaps in metadata. Every page starts out
// allocated; the owner frees the usable ranges afterwards. A nil rng seeds a
// generator from the system entropy source.
func (h *PageHeap) Initialize(address hostarch.PhysAddr, size uint64, metadata []uint64, blockShifts []uint, rng *rand.BitGenerator) {
	if !address.IsPageAligned() || !hostarch.IsAligned(size, hostarch.PageSize) {
		panic(fmt.Sprintf("page heap %v+%#x is not page aligned", address, size))
	}
	if len(blockShifts) == 0 || len(blockShifts) > MaxBlockShifts {
		panic(fmt.Sprintf("invalid number of block shifts %d", len(blockShifts)))
	}
	if rng == nil {
		rng = rand.NewBitGenerator()
	}

	h.heapAddress = address
	h.heapSize = size
	h.rng = rng
	h.blocks = make([]block, len(blockShifts))

	storage := metadata
	for i, shift := range blockShifts {
		var next uint
		if i != len(blockShifts)-1 {
			next = blockShifts[i+1]
			if next <= shift {
				panic(fmt.Sprintf("block shifts must increase: %v", blockShifts))
			}
		}
		storage = h.blocks[i].initialize(address, size, shift, next, storage, rng)
	}
}

// GetAddress returns the first address managed by h.
func (h *PageHeap) GetAddress() hostarch.PhysAddr { return h.heapAddress }

// GetSize returns the size in bytes managed by h.
func (h *PageHeap) GetSize() uint64 { return h.heapSize }

// GetEndAddress returns the address one past the end of h.
func (h *PageHeap) GetEndAddress() hostarch.PhysAddr {
	return h.heapAddress + hostarch.PhysAddr(h.heapSize)
}

// GetPageOffset returns the page index of address within h.
func (h *PageHeap) GetPageOffset(address hostarch.PhysAddr) uint64 {
	return uint64(address-h.heapAddress) / hostarch.PageSize
}

// GetPageOffsetToEnd returns the number of pages from address to the end of
// h.
func (h *PageHeap) GetPageOffsetToEnd(address hostarch.PhysAddr) uint64 {
	return uint64(h.GetEndAddress()-address) / hostarch.PageSize
}

// NumBlockShifts returns the number of orders.
func (h *PageHeap) NumBlockShifts() int { return len(h.blocks) }

// GetBlockSize returns the block size in bytes of order index.
func (h *PageHeap) GetBlockSize(index int) uint64 { return h.blocks[index].size() }

// GetBlockNumPages returns the number of pages in a block of order index.
func (h *PageHeap) GetBlockNumPages(index int) uint64 { return h.blocks[index].numPages() }

// GetNumFreeBlocks returns the number of free blocks of order index.
func (h *PageHeap) GetNumFreeBlocks(index int) uint64 { return h.blocks[index].numFreeBlocks() }

// GetNumFreePages returns the number of free pages across all orders.
func (h *PageHeap) GetNumFreePages() uint64 {
	var n uint64
	for i := range h.blocks {
		n += h.blocks[i].numFreePages()
	}
	return n
}

// GetFreeSize returns the number of free bytes.
func (h *PageHeap) GetFreeSize() uint64 { return h.GetNumFreePages() * hostarch.PageSize }

// GetInitialUsedSize returns the bytes in use when the owner finished
// setting up the heap, excluding reserved management memory.
func (h *PageHeap) GetInitialUsedSize() uint64 { return h.initialUsedSize }

// SetInitialUsedSize records the initially used size, given the size
// reserved for management structures inside the heap.
func (h *PageHeap) SetInitialUsedSize(reservedSize uint64) {
	freeSize := h.GetFreeSize()
	if h.heapSize < freeSize+reservedSize {
		panic(fmt.Sprintf("heap of %#x bytes has %#x free and %#x reserved", h.heapSize, freeSize, reservedSize))
	}
	h.initialUsedSize = h.heapSize - freeSize - reservedSize
}

// UpdateUsedSize sets the initially used size to everything not free.
func (h *PageHeap) UpdateUsedSize() {
	h.initialUsedSize = h.heapSize - h.GetFreeSize()
}

// GetAlignedBlockIndex returns the smallest order whose blocks can hold
// numPages pages aligned to alignPages pages, or -1.
func GetAlignedBlockIndex(blockShifts []uint, numPages, alignPages uint64) int {
	target := max(numPages, alignPages)
	for i, shift := range blockShifts {
		if target <= (uint64(1)<<shift)/hostarch.PageSize {
			return i
		}
	}
	return -1
}

// GetBlockIndex returns the largest order whose blocks fit in numPages
// pages, or -1.
func GetBlockIndex(blockShifts []uint, numPages uint64) int {
	for i := len(blockShifts) - 1; i >= 0; i-- {
		if numPages >= (uint64(1)<<blockShifts[i])/hostarch.PageSize {
			return i
		}
	}
	return -1
}

// GetAlignedBlockIndex is GetAlignedBlockIndex for the orders of h.
func (h *PageHeap) GetAlignedBlockIndex(numPages, alignPages uint64) int {
	target := max(numPages, alignPages)
	for i := range h.blocks {
		if target <= h.blocks[i].numPages() {
			return i
		}
	}
	return -1
}

// GetBlockIndex is GetBlockIndex for the orders of h.
func (h *PageHeap) GetBlockIndex(numPages uint64) int {
	for i := len(h.blocks) - 1; i >= 0; i-- {
		if numPages >= h.blocks[i].numPages() {
			return i
		}
	}
	return -1
}

// AllocateBlock allocates one block of order index, either by linear search
// or at a random position.
func (h *PageHeap) AllocateBlock(index int, random bool) (hostarch.PhysAddr, bool) {
	if random {
		blockPages := h.blocks[index].numPages()
		return h.AllocateByRandom(index, blockPages, blockPages)
	}
	return h.AllocateByLinearSearch(index)
}

// AllocateAligned allocates numPages pages aligned to alignPages pages from
// order index or above, at a random position.
func (h *PageHeap) AllocateAligned(index int, numPages, alignPages uint64) (hostarch.PhysAddr, bool) {
	return h.AllocateByRandom(index, numPages, alignPages)
}

// AllocateByLinearSearch pops the lowest free block of the first order at or
// above index that has one, and frees the part beyond one block of order
// index back to the heap.
func (h *PageHeap) AllocateByLinearSearch(index int) (hostarch.PhysAddr, bool) {
	neededSize := h.blocks[index].size()
	for i := index; i < len(h.blocks); i++ {
		addr, ok := h.blocks[i].popBlock(false)
		if !ok {
			continue
		}
		if allocatedSize := h.blocks[i].size(); allocatedSize > neededSize {
			h.Free(addr+hostarch.PhysAddr(neededSize), (allocatedSize-neededSize)/hostarch.PageSize)
		}
		return addr, true
	}
	return 0, false
}

// possibleAlignments returns how many distinct alignPages-aligned placements
// of neededSize bytes the free blocks of order i offer.
func (h *PageHeap) possibleAlignments(i int, neededSize uint64, alignShift int) uint64 {
	b := &h.blocks[i]
	return (1 + ((b.size() - neededSize) >> alignShift)) * b.numFreeBlocks()
}

// AllocateByRandom allocates numPages pages aligned to alignPages pages.
//
// Each order at or above index offers some number of placements: every free
// block of the order can host the allocation at any aligned offset that
// fits. Orders are considered from smallest upward until at least
// MinimumPossibleAlignmentsForRandomAllocation placements are available;
// one placement is then chosen uniformly among all of them, which picks
// both the order and, after a random block is popped, the offset inside it.
// The unused head and tail of the popped block are freed.
func (h *PageHeap) AllocateByRandom(index int, numPages, alignPages uint64) (hostarch.PhysAddr, bool) {
	neededSize := numPages * hostarch.PageSize
	alignSize := alignPages * hostarch.PageSize
	alignShift := hostarch.CountTrailingZeros(alignSize)

	maxBlocks := len(h.blocks)
	var possible uint64
	for i := index; i < maxBlocks; i++ {
		possible += h.possibleAlignments(i, neededSize, alignShift)
		if possible >= MinimumPossibleAlignmentsForRandomAllocation {
			maxBlocks = i + 1
			break
		}
	}

	// Larger orders are only worth choosing between if there is more than
	// one candidate order.
	if possible > 0 && index+1 < maxBlocks {
		rnd := h.rng.Uint64N(possible)
		possible = 0
		for i := index; i < maxBlocks; i++ {
			possible += h.possibleAlignments(i, neededSize, alignShift)
			if rnd < possible {
				index = i
				break
			}
		}
	}

	addr, ok := h.blocks[index].popBlock(true)
	if !ok {
		return 0, false
	}

	if leftover := h.blocks[index].size() - neededSize; leftover > 0 {
		placements := 1 + (leftover >> alignShift)
		randomOffset := h.rng.Uint64N(placements) << alignShift

		if randomOffset != 0 {
			h.Free(addr, randomOffset/hostarch.PageSize)
		}
		addr += hostarch.PhysAddr(randomOffset)
		if randomOffset != leftover {
			h.Free(addr+hostarch.PhysAddr(neededSize), (leftover-randomOffset)/hostarch.PageSize)
		}
	}
	return addr, true
}

// FreeBlock returns a block to order index, coalescing upward for as long
// as the push completes a run of free buddies.
func (h *PageHeap) FreeBlock(addr hostarch.PhysAddr, index int) {
	for {
		merged, ok := h.blocks[index].pushBlock(addr)
		if !ok {
			return
		}
		addr = merged
		index++
	}
}

// Free returns numPages pages at addr to the heap. The largest order that
// has an aligned block inside the range is freed first, then the leftover
// head is freed from its end downward and the leftover tail from its start
// upward, each with progressively smaller orders.
func (h *PageHeap) Free(addr hostarch.PhysAddr, numPages uint64) {
	if numPages == 0 {
		return
	}

	start := addr
	end := addr + hostarch.PhysAddr(numPages*hostarch.PageSize)
	beforeStart, beforeEnd := start, start
	afterStart, afterEnd := end, end

	bigIndex := len(h.blocks) - 1
	for ; bigIndex >= 0; bigIndex-- {
		blockSize := hostarch.PhysAddr(h.blocks[bigIndex].size())
		bigStart := hostarch.AlignUp(start, blockSize)
		bigEnd := hostarch.AlignDown(end, blockSize)
		if bigStart < bigEnd {
			for b := bigStart; b < bigEnd; b += blockSize {
				h.FreeBlock(b, bigIndex)
			}
			beforeEnd = bigStart
			afterStart = bigEnd
			break
		}
	}
	if bigIndex < 0 {
		panic(fmt.Sprintf("free of %v+%d pages found no block", addr, numPages))
	}

	for i := bigIndex - 1; i >= 0; i-- {
		blockSize := hostarch.PhysAddr(h.blocks[i].size())
		for beforeStart+blockSize <= beforeEnd {
			beforeEnd -= blockSize
			h.FreeBlock(beforeEnd, i)
		}
	}

	for i := bigIndex - 1; i >= 0; i-- {
		blockSize := hostarch.PhysAddr(h.blocks[i].size())
		for afterStart+blockSize <= afterEnd {
			h.FreeBlock(afterStart, i)
			afterStart += blockSize
		}
	}
}

// CalculateManagementOverheadSize returns the page-aligned number of bytes
// of bitmap storage a heap over regionSize bytes needs.
func CalculateManagementOverheadSize(regionSize uint64, blockShifts []uint) uint64 {
	var overhead uint64
	for i, shift := range blockShifts {
		var next uint
		if i != len(blockShifts)-1 {
			next = blockShifts[i+1]
		}
		overhead += calculateBlockOverheadSize(regionSize, shift, next)
	}
	return hostarch.AlignUp(overhead, hostarch.PageSize)
}

// DumpFreeList logs the free blocks of every order.
func (h *PageHeap) DumpFreeList() {
	log.Infof("KPageHeap::DumpFreeList %v", h.heapAddress)
	for i := range h.blocks {
		b := &h.blocks[i]
		var unit string
		var size uint64
		switch bs := b.size(); {
		case bs < 1<<20:
			unit, size = "KB", bs>>10
		case bs < 1<<30:
			unit, size = "MB", bs>>20
		default:
			unit, size = "GB", bs>>30
		}
		log.Infof("    %4d %s block x %d", size, unit, b.numFreeBlocks())
	}
	total := h.GetFreeSize()
	log.Infof("    Total: %d KB free, %d KB in use", total>>10, (h.heapSize-total)>>10)
}
