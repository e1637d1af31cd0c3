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

// Package pagetables provides a generic implementation of ARM64 three level
// page tables with a 4KiB granule.
//
// Table reference counts, the number of valid entries in each table, are
// kept in the software field of the descriptor pointing at the table. A
// table is freed when its count drops to zero.
//
// PageTables is not synchronized. The owner serializes modifications;
// entries are published with atomic stores so that concurrent lookups see
// either the old or the new mapping.
package pagetables

import (
	"fmt"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
)

// Level is a translation level. Level 3 maps pages.
type Level int

// Levels.
const (
	LevelL3 Level = iota
	LevelL2
	LevelL1

	numLevels = 3
)

// String implements fmt.Stringer.
func (l Level) String() string {
	return fmt.Sprintf("L%d", 3-int(l))
}

// BlockSize returns the size mapped by one entry, or by a contiguous group
// of entries, at level l.
func BlockSize(l Level, contig bool) uint64 {
	size := uint64(1) << (hostarch.PageShift + levelBits*uint(l))
	if contig {
		size *= BlocksPerContiguousBlock
	}
	return size
}

func l0Index(addr hostarch.Addr) int {
	return int((uint64(addr) >> (hostarch.PageShift + levelBits*numLevels)) & (EntriesPerTable - 1))
}

func levelIndex(addr hostarch.Addr, l Level) int {
	return int((uint64(addr) >> (hostarch.PageShift + levelBits*uint(l))) & (EntriesPerTable - 1))
}

func levelOffset(addr hostarch.Addr, l Level) uint64 {
	return uint64(addr) & (BlockSize(l, false) - 1)
}

func isBlockAt(e PTE, l Level) bool {
	if l == LevelL3 {
		return e.IsPage()
	}
	return e.IsBlock()
}

// PageTables is a page table hierarchy rooted at a level 1 table.
type PageTables struct {
	// Allocator provides table pages.
	Allocator Allocator

	root         *PTEs
	rootPhysical hostarch.PhysAddr

	// isKernel selects the TTBR1 half of the address space.
	isKernel bool

	// numEntries is the number of root entries in use.
	numEntries int

	// updates counts entry updates that need TLB maintenance.
	updates atomic.Uint64
}

// NewKernel returns page tables for the kernel half of the address space
// covering [start, end). An end of zero is the top of the address space.
func NewKernel(a Allocator, start, end hostarch.Addr) (*PageTables, error) {
	return newPageTables(a, start, end, true)
}

// NewProcess returns page tables for a process address space covering
// [start, end).
func NewProcess(a Allocator, start, end hostarch.Addr) (*PageTables, error) {
	return newPageTables(a, start, end, false)
}

func newPageTables(a Allocator, start, end hostarch.Addr, isKernel bool) (*PageTables, error) {
	// end may wrap to zero at the top of the kernel half.
	if end == start {
		return nil, kernerr.ErrInvalidArgument
	}
	n := hostarch.AlignUp(uint64(end-start), L1BlockSize) / L1BlockSize
	if n == 0 || n > EntriesPerTable {
		return nil, kernerr.ErrInvalidSize
	}
	root, err := a.NewTable()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		Allocator:    a,
		root:         a.Table(root),
		rootPhysical: root,
		isKernel:     isKernel,
		numEntries:   int(n),
	}, nil
}

// IsKernel returns true for kernel page tables.
func (p *PageTables) IsKernel() bool { return p.isKernel }

// RootPhysical returns the physical address of the root table.
func (p *PageTables) RootPhysical() hostarch.PhysAddr { return p.rootPhysical }

// Updates returns the number of entry updates so far.
func (p *PageTables) Updates() uint64 { return p.updates.Load() }

func (p *PageTables) noteUpdated() { p.updates.Add(1) }

// IsValidAddress returns true if addr is translated by these tables.
func (p *PageTables) IsValidAddress(addr hostarch.Addr) bool {
	l0, l1 := l0Index(addr), levelIndex(addr, LevelL1)
	if p.isKernel {
		// Kernel addresses go through TTBR1.
		return l0 == EntriesPerTable-1 && l1 >= EntriesPerTable-p.numEntries
	}
	return l0 == 0 && l1 < p.numEntries
}

func (p *PageTables) rootIndex(addr hostarch.Addr) int {
	l1 := levelIndex(addr, LevelL1)
	if p.isKernel {
		return l1 - (EntriesPerTable - p.numEntries)
	}
	return l1
}

// TraversalEntry describes the mapping found by a traversal step.
type TraversalEntry struct {
	// PhysAddr is the output address for the traversed address, or zero.
	PhysAddr hostarch.PhysAddr

	// BlockSize is the size covered by the entry, including its contiguous
	// group.
	BlockSize uint64

	// SoftwareReservedBits are the merge inhibitors of the entry.
	SoftwareReservedBits uint8

	// Attributes is the entry's attribute template.
	Attributes PTE
}

// TraversalContext is the position of a traversal: the live entry at each
// level down to the terminal one.
type TraversalContext struct {
	tables       [numLevels]*PTEs
	indices      [numLevels]int
	level        Level
	isContiguous bool
}

// Level returns the level of the current entry.
func (c *TraversalContext) Level() Level { return c.level }

// IsContiguous returns true if the current entry is part of a contiguous
// group.
func (c *TraversalContext) IsContiguous() bool { return c.isContiguous }

func (c *TraversalContext) entry(l Level) *PTE {
	return &c.tables[l][c.indices[l]]
}

// Entry returns the raw value of the current entry.
func (c *TraversalContext) Entry() PTE { return c.entry(c.level).Load() }

func (p *PageTables) extract(out *TraversalEntry, ctx *TraversalContext, offset uint64) bool {
	pte := ctx.entry(ctx.level).Load()
	ctx.isContiguous = pte.IsContiguous()
	valid := isBlockAt(pte, ctx.level)
	*out = TraversalEntry{
		BlockSize:            BlockSize(ctx.level, ctx.isContiguous),
		SoftwareReservedBits: pte.SoftwareReservedBits(),
		Attributes:           pte.EntryTemplateForMerge(),
	}
	if valid {
		out.PhysAddr = pte.Block(ctx.level) + hostarch.PhysAddr(offset)
	}
	return valid
}

// descend follows table descriptors from ctx.level down, positioning each
// new level at index(level).
func (p *PageTables) descend(ctx *TraversalContext, index func(Level) int) {
	for ctx.level > LevelL3 {
		e := ctx.entry(ctx.level).Load()
		if !e.IsMappedTable() {
			return
		}
		next := ctx.level - 1
		ctx.tables[next] = p.Allocator.Table(e.Table())
		ctx.indices[next] = index(next)
		ctx.level = next
	}
}

// BeginTraversal positions ctx at the entry translating addr and describes
// it in out. It returns true if the entry is a valid block or page.
func (p *PageTables) BeginTraversal(out *TraversalEntry, ctx *TraversalContext, addr hostarch.Addr) bool {
	*ctx = TraversalContext{}
	if !p.IsValidAddress(addr) {
		*out = TraversalEntry{BlockSize: L1BlockSize}
		return false
	}
	ctx.tables[LevelL1] = p.root
	ctx.indices[LevelL1] = p.rootIndex(addr)
	ctx.level = LevelL1
	p.descend(ctx, func(l Level) int { return levelIndex(addr, l) })
	return p.extract(out, ctx, levelOffset(addr, ctx.level))
}

// ContinueTraversal advances ctx past the current entry, or its contiguous
// group, and describes the next one. It returns false at invalid entries
// and at the end of the address space, where out.PhysAddr is zero.
func (p *PageTables) ContinueTraversal(out *TraversalEntry, ctx *TraversalContext) bool {
	if ctx.tables[LevelL1] == nil {
		*out = TraversalEntry{BlockSize: L1BlockSize}
		return false
	}
	if ctx.isContiguous {
		ctx.indices[ctx.level] = ctx.indices[ctx.level]&^(BlocksPerContiguousBlock-1) + BlocksPerContiguousBlock
	} else {
		ctx.indices[ctx.level]++
	}
	for ctx.level < LevelL1 && ctx.indices[ctx.level] == EntriesPerTable {
		ctx.tables[ctx.level] = nil
		ctx.level++
		ctx.indices[ctx.level]++
	}
	if ctx.level == LevelL1 && ctx.indices[LevelL1] >= p.numEntries {
		*ctx = TraversalContext{}
		*out = TraversalEntry{BlockSize: L1BlockSize}
		return false
	}
	p.descend(ctx, func(Level) int { return 0 })
	return p.extract(out, ctx, 0)
}

// GetPhysicalAddress translates addr.
func (p *PageTables) GetPhysicalAddress(addr hostarch.Addr) (hostarch.PhysAddr, bool) {
	var (
		entry TraversalEntry
		ctx   TraversalContext
	)
	if !p.BeginTraversal(&entry, &ctx, addr) {
		return 0, false
	}
	return entry.PhysAddr, true
}

func blockSizeName(size uint64) string {
	switch size {
	case L1ContiguousBlockSize:
		return "16G"
	case L1BlockSize:
		return "1G"
	case L2ContiguousBlockSize:
		return "32M"
	case L2BlockSize:
		return "2M"
	case L3ContiguousBlockSize:
		return "64K"
	default:
		return "4K"
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Dump logs every block in [start, start+size), coalescing unmapped runs.
func (p *PageTables) Dump(start hostarch.Addr, size uint64) {
	if size == 0 {
		return
	}
	last := start + hostarch.Addr(size-1)

	unmapped := false
	var unmappedStart hostarch.Addr
	cur := start
	for {
		if !p.IsValidAddress(cur) {
			break
		}
		var (
			entry TraversalEntry
			ctx   TraversalContext
		)
		valid := p.BeginTraversal(&entry, &ctx, cur)
		aligned := hostarch.AlignDown(cur, hostarch.Addr(entry.BlockSize))
		if valid {
			if unmapped {
				unmapped = false
				log.Infof("%016x - %016x: not mapped", uint64(unmappedStart), uint64(aligned-1))
			}
			pte := ctx.Entry()
			pa := entry.PhysAddr - hostarch.PhysAddr(cur-aligned)
			log.Infof("%016x: %016x PA=%v SZ=%s Mapped=%d UXN=%d PXN=%d Cont=%d nG=%d AF=%d SH=%x RO=%d UA=%d NS=%d AttrIndx=%d NoMerge=%d,%d,%d",
				uint64(aligned), uint64(pte), pa, blockSizeName(entry.BlockSize),
				b2i(pte.IsMapped()), b2i(pte.IsUserExecuteNever()), b2i(pte.IsPrivilegedExecuteNever()),
				b2i(pte.IsContiguous()), b2i(!pte.IsGlobal()), b2i(pte.IsAccessed()),
				uint64(pte.Shareable())>>8, b2i(pte.IsReadOnly()), b2i(pte.IsUserAccessible()),
				b2i(pte.IsNonSecure()), uint64(pte.PageAttribute())>>2,
				b2i(pte.IsHeadMergeDisabled()), b2i(pte.IsHeadAndBodyMergeDisabled()), b2i(pte.IsTailMergeDisabled()))
		} else if !unmapped {
			unmappedStart = aligned
			unmapped = true
		}
		next := aligned + hostarch.Addr(entry.BlockSize)
		if next <= cur || next-1 >= last {
			break
		}
		cur = next
	}
	if unmapped {
		log.Infof("%016x - %016x: not mapped", uint64(unmappedStart), uint64(last))
	}
}

// CountPageTables returns the number of tables in use, including the root.
func (p *PageTables) CountPageTables() int {
	n := 1
	for i := 0; i < p.numEntries; i++ {
		e := p.root[i].Load()
		if !e.IsMappedTable() {
			continue
		}
		n++
		l2 := p.Allocator.Table(e.Table())
		for j := range l2 {
			if l2[j].Load().IsMappedTable() {
				n++
			}
		}
	}
	return n
}

// Release frees every table, including the root. The tables must not be
// used afterwards.
func (p *PageTables) Release() {
	for i := 0; i < p.numEntries; i++ {
		e := p.root[i].Load()
		if !e.IsMappedTable() {
			continue
		}
		l2 := p.Allocator.Table(e.Table())
		for j := range l2 {
			if l3 := l2[j].Load(); l3.IsMappedTable() {
				p.Allocator.FreeTable(l3.Table())
			}
		}
		p.Allocator.FreeTable(e.Table())
		p.root[i].Store(InvalidPTE)
	}
	p.Allocator.FreeTable(p.rootPhysical)
	p.root = nil
}
