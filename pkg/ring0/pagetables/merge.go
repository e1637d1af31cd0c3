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

package pagetables

import (
	"fmt"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
)

// EntryUpdatedCallback is called after live entries have been rewritten, so
// that the owner can perform the TLB maintenance its address space needs.
type EntryUpdatedCallback func()

// MergePages promotes the entry at ctx by one step: a run of 16 aligned,
// compatible entries becomes a contiguous group, or a table made of
// contiguous groups becomes a single block one level up. Merge inhibitors
// on interior entries prevent the promotion.
//
// It returns the table that is no longer referenced, which the caller must
// free, and whether anything was merged. On success ctx describes the
// merged entry.
func (p *PageTables) MergePages(ctx *TraversalContext, onUpdated EntryUpdatedCallback) (hostarch.PhysAddr, bool) {
	level := ctx.level
	if level == LevelL1 {
		// Level 1 entries are never merged, not even into contiguous
		// groups: a 16GiB group cannot exist in a 39-bit address space.
		return 0, false
	}
	table := ctx.tables[level]
	size := BlockSize(level, false)

	if ctx.isContiguous {
		first := table[0].Load()
		if !isBlockAt(first, level) {
			return 0, false
		}
		phys := first.Block(level)
		if !hostarch.IsAligned(phys, hostarch.PhysAddr(BlockSize(level+1, false))) {
			return 0, false
		}
		template := first.EntryTemplateForMerge()
		kind := PTE(first.TestTableMask())
		for i := range table {
			e := table[i].Load()
			if !e.IsForMerge(template | PTE(phys+hostarch.PhysAddr(uint64(i)*size)) | contiguousBit | kind) {
				return 0, false
			}
			switch {
			case i >= BlocksPerContiguousBlock && e.IsHeadOrHeadAndBodyMergeDisabled():
				return 0, false
			case i > 0 && e.IsHeadMergeDisabled():
				return 0, false
			case i < EntriesPerTable-1 && e.IsTailMergeDisabled():
				return 0, false
			}
		}

		sw := EncodeSoftwareReservedBits(first.IsHeadMergeDisabled(), first.IsHeadAndBodyMergeDisabled(), table[EntriesPerTable-1].Load().IsTailMergeDisabled())
		parent := ctx.entry(level + 1)
		freed := parent.Load().Table()
		parent.Store(BlockEntry(phys, template, sw, false, false))
		onUpdated()

		ctx.tables[level] = nil
		ctx.level = level + 1
		ctx.isContiguous = false
		return freed, true
	}

	base := ctx.indices[level] &^ (BlocksPerContiguousBlock - 1)
	first := table[base].Load()
	if !isBlockAt(first, level) {
		return 0, false
	}
	phys := first.Block(level)
	if !hostarch.IsAligned(phys, hostarch.PhysAddr(BlockSize(level, true))) {
		return 0, false
	}
	template := first.EntryTemplateForMerge()
	kind := PTE(first.TestTableMask())
	for i := 0; i < BlocksPerContiguousBlock; i++ {
		e := table[base+i].Load()
		if !e.IsForMerge(template | PTE(phys+hostarch.PhysAddr(uint64(i)*size)) | kind) {
			return 0, false
		}
		if i > 0 && e.IsHeadOrHeadAndBodyMergeDisabled() {
			return 0, false
		}
		if i < BlocksPerContiguousBlock-1 && e.IsTailMergeDisabled() {
			return 0, false
		}
	}
	for i := 0; i < BlocksPerContiguousBlock; i++ {
		e := &table[base+i]
		e.Store(e.Load().WithContiguous(true))
	}
	onUpdated()
	ctx.isContiguous = true
	return 0, true
}

// SeparatePages demotes the entry at ctx by one step, the inverse of
// MergePages: a contiguous group loses its contiguous hint, or a block is
// replaced by the table at newTable holding a contiguous run of smaller
// blocks with the same attributes. All entries of the new table are written
// before the block is swapped for the table descriptor.
//
// entry and ctx are updated to describe addr after the split.
func (p *PageTables) SeparatePages(entry *TraversalEntry, ctx *TraversalContext, addr hostarch.Addr, newTable hostarch.PhysAddr, onUpdated EntryUpdatedCallback) {
	level := ctx.level
	if ctx.isContiguous {
		table := ctx.tables[level]
		base := ctx.indices[level] &^ (BlocksPerContiguousBlock - 1)
		for i := 0; i < BlocksPerContiguousBlock; i++ {
			e := &table[base+i]
			e.Store(e.Load().WithContiguous(false))
		}
		ctx.isContiguous = false
	} else {
		if level == LevelL3 {
			panic(fmt.Sprintf("separating a page at %v", addr))
		}
		if newTable == 0 {
			panic("separating a block requires a table")
		}
		e := ctx.entry(level)
		block := e.Load()
		phys := block.Block(level)
		next := level - 1
		size := BlockSize(next, false)
		child := p.Allocator.Table(newTable)
		for i := range child {
			child[i].Store(BlockEntry(phys+hostarch.PhysAddr(uint64(i)*size), block.EntryTemplateForSeparate(i), SoftwareReservedBitNone, true, next == LevelL3))
		}
		e.Store(TableEntry(newTable, p.isKernel, true, EntriesPerTable))

		ctx.tables[next] = child
		ctx.indices[next] = levelIndex(addr, next)
		ctx.level = next
		ctx.isContiguous = true
	}
	onUpdated()

	pte := ctx.entry(ctx.level).Load()
	*entry = TraversalEntry{
		PhysAddr:             pte.Block(ctx.level) + hostarch.PhysAddr(levelOffset(addr, ctx.level)),
		BlockSize:            BlockSize(ctx.level, ctx.isContiguous),
		SoftwareReservedBits: pte.SoftwareReservedBits(),
		Attributes:           pte.EntryTemplateForMerge(),
	}
}

// Merge repeatedly merges the mapping at addr, freeing tables that become
// unreferenced. It returns true if anything was merged.
func (p *PageTables) Merge(addr hostarch.Addr) bool {
	var (
		entry TraversalEntry
		ctx   TraversalContext
	)
	if !p.BeginTraversal(&entry, &ctx, addr) {
		return false
	}
	merged := false
	for {
		freed, ok := p.MergePages(&ctx, p.noteUpdated)
		if !ok {
			break
		}
		merged = true
		if freed != 0 {
			p.Allocator.FreeTable(freed)
		}
	}
	return merged
}

// Separate splits the mapping at addr until its entry covers at most
// blockSize bytes. On failure the mapping is merged back.
func (p *PageTables) Separate(addr hostarch.Addr, blockSize uint64) error {
	var (
		entry TraversalEntry
		ctx   TraversalContext
	)
	if !p.BeginTraversal(&entry, &ctx, addr) {
		return nil
	}
	for entry.BlockSize > blockSize {
		var table hostarch.PhysAddr
		if !ctx.isContiguous {
			if ctx.level == LevelL3 {
				break
			}
			t, err := p.Allocator.NewTable()
			if err != nil {
				p.Merge(addr)
				return err
			}
			table = t
		}
		p.SeparatePages(&entry, &ctx, addr, table, p.noteUpdated)
	}
	return nil
}
