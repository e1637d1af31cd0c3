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

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/cleanup"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
)

// MapOpts are options for Map.
type MapOpts struct {
	// Attributes is the attribute template, see NewAttributes.
	Attributes PTE

	// DisableMergeHead keeps the first page from merging with what
	// precedes it.
	DisableMergeHead bool

	// DisableMergeHeadAndBody additionally keeps the first contiguous group
	// from being merged.
	DisableMergeHeadAndBody bool

	// DisableMergeTail keeps the last page from merging with what follows
	// it.
	DisableMergeTail bool
}

type blockShape struct {
	level  Level
	contig bool
}

// shapes are tried largest first.
var shapes = []blockShape{
	{LevelL1, false},
	{LevelL2, true},
	{LevelL2, false},
	{LevelL3, true},
	{LevelL3, false},
}

// Map maps numPages pages at virt to phys, using the largest blocks the
// alignment of both addresses allows. The range must be unmapped. The ends
// of the new mapping are merged with their neighbours where permitted.
func (p *PageTables) Map(virt hostarch.Addr, phys hostarch.PhysAddr, numPages uint64, opts MapOpts) error {
	if !virt.IsPageAligned() || !phys.IsPageAligned() {
		panic(fmt.Sprintf("unaligned mapping %v -> %v", virt, phys))
	}
	if numPages == 0 {
		return nil
	}
	size := numPages * hostarch.PageSize
	end, ok := virt.AddLength(size)
	if (!ok && end != 0) || !p.IsValidAddress(virt) || !p.IsValidAddress(end-1) {
		return kernerr.ErrInvalidAddress
	}

	template := opts.Attributes.EntryTemplateForMerge()
	var mapped uint64
	cu := cleanup.Make(func() { p.unmapRange(virt, mapped) })
	defer cu.Clean()

	for mapped < size {
		cur := virt + hostarch.Addr(mapped)
		pa := phys + hostarch.PhysAddr(mapped)
		shape, ok := p.pickShape(cur, pa, size-mapped)
		if !ok {
			return kernerr.ErrInvalidState
		}
		blockSize := BlockSize(shape.level, shape.contig)
		head := EncodeSoftwareReservedBits(opts.DisableMergeHead, opts.DisableMergeHeadAndBody, false)
		if mapped != 0 {
			head = 0
		}
		var tail uint8
		if mapped+blockSize == size {
			tail = EncodeSoftwareReservedBits(false, false, opts.DisableMergeTail)
		}
		if err := p.mapBlock(cur, pa, shape, template, head, tail); err != nil {
			return err
		}
		mapped += blockSize
	}
	cu.Release()

	p.Merge(virt)
	p.Merge(virt + hostarch.Addr(size-hostarch.PageSize))
	return nil
}

// pickShape returns the largest block shape that can map cur to pa.
func (p *PageTables) pickShape(cur hostarch.Addr, pa hostarch.PhysAddr, remaining uint64) (blockShape, bool) {
	for _, s := range shapes {
		size := BlockSize(s.level, s.contig)
		if remaining < size || !hostarch.IsAligned(uint64(cur), size) || !hostarch.IsAligned(uint64(pa), size) {
			continue
		}
		if free, blocked := p.isFree(cur, s); blocked {
			return blockShape{}, false
		} else if free {
			return s, true
		}
	}
	return blockShape{}, false
}

// isFree reports whether the entries for shape s at cur are empty. blocked
// is set if cur is already mapped by a larger block.
func (p *PageTables) isFree(cur hostarch.Addr, s blockShape) (free, blocked bool) {
	table, index := p.root, p.rootIndex(cur)
	for l := LevelL1; ; l-- {
		if l == s.level {
			n := 1
			if s.contig {
				n = BlocksPerContiguousBlock
			}
			for i := 0; i < n; i++ {
				if !table[index+i].Load().IsEmpty() {
					return false, false
				}
			}
			return true, false
		}
		e := table[index].Load()
		if e.IsEmpty() {
			return true, false
		}
		if !e.IsMappedTable() {
			return false, true
		}
		table, index = p.Allocator.Table(e.Table()), levelIndex(cur, l-1)
	}
}

// mapBlock writes one block, or contiguous group, of shape s. Missing
// tables are allocated up front so that a failure leaves nothing behind.
func (p *PageTables) mapBlock(cur hostarch.Addr, pa hostarch.PhysAddr, s blockShape, template PTE, headBits, tailBits uint8) error {
	need := 0
	table, index := p.root, p.rootIndex(cur)
	for l := LevelL1; l > s.level; l-- {
		e := table[index].Load()
		if e.IsEmpty() {
			need = int(l - s.level)
			break
		}
		table, index = p.Allocator.Table(e.Table()), levelIndex(cur, l-1)
	}
	fresh := make([]hostarch.PhysAddr, 0, need)
	for range need {
		t, err := p.Allocator.NewTable()
		if err != nil {
			for _, f := range fresh {
				p.Allocator.FreeTable(f)
			}
			return err
		}
		fresh = append(fresh, t)
	}

	var parent *PTE
	table, index = p.root, p.rootIndex(cur)
	for l := LevelL1; l > s.level; l-- {
		e := &table[index]
		v := e.Load()
		if v.IsEmpty() {
			v = TableEntry(fresh[0], p.isKernel, true, 0)
			fresh = fresh[1:]
			e.Store(v)
			if parent != nil {
				parent.Store(parent.Load().OpenTableReferences(1))
			}
		}
		parent = e
		table, index = p.Allocator.Table(v.Table()), levelIndex(cur, l-1)
	}

	n := 1
	if s.contig {
		n = BlocksPerContiguousBlock
	}
	size := BlockSize(s.level, false)
	for i := 0; i < n; i++ {
		var sw uint8
		if i == 0 {
			sw |= headBits
		}
		if i == n-1 {
			sw |= tailBits
		}
		table[index+i].Store(BlockEntry(pa+hostarch.PhysAddr(uint64(i)*size), template, sw, s.contig, s.level == LevelL3))
	}
	if parent != nil {
		parent.Store(parent.Load().OpenTableReferences(n))
	}
	p.noteUpdated()
	return nil
}

// lowestAlignment returns the largest power of two dividing addr, treating
// zero as aligned to everything.
func lowestAlignment(addr hostarch.Addr) uint64 {
	if addr == 0 {
		return ^uint64(0)
	}
	return uint64(addr & -addr)
}

// Unmap removes the mappings of numPages pages at virt. Blocks straddling
// the ends of the range are separated first; unmapped holes are skipped.
func (p *PageTables) Unmap(virt hostarch.Addr, numPages uint64) error {
	if numPages == 0 {
		return nil
	}
	size := numPages * hostarch.PageSize
	if err := p.Separate(virt, min(lowestAlignment(virt), size)); err != nil {
		return err
	}
	if numPages > 1 {
		end := virt + hostarch.Addr(size)
		if err := p.Separate(end-hostarch.PageSize, min(lowestAlignment(end), size)); err != nil {
			p.Merge(virt)
			return err
		}
	}
	p.unmapRange(virt, size)
	return nil
}

// unmapRange clears every entry in [virt, virt+size). Blocks must not
// straddle the range.
func (p *PageTables) unmapRange(virt hostarch.Addr, size uint64) {
	var (
		entry TraversalEntry
		ctx   TraversalContext
	)
	cur := virt
	remaining := size
	valid := p.BeginTraversal(&entry, &ctx, cur)
	for remaining > 0 {
		if !valid {
			skip := min(entry.BlockSize-uint64(cur)&(entry.BlockSize-1), remaining)
			cur += hostarch.Addr(skip)
			remaining -= skip
			if remaining > 0 {
				valid = p.BeginTraversal(&entry, &ctx, cur)
			}
			continue
		}
		if entry.BlockSize > remaining || !hostarch.IsAligned(uint64(cur), entry.BlockSize) {
			panic(fmt.Sprintf("block of %#x bytes at %v straddles unmap of [%v, %v)", entry.BlockSize, cur, virt, virt+hostarch.Addr(size)))
		}

		level := ctx.level
		table := ctx.tables[level]
		n := int(entry.BlockSize / BlockSize(level, false))
		base := ctx.indices[level] &^ (n - 1)
		for i := 0; i < n; i++ {
			table[base+i].Store(InvalidPTE)
		}
		freed := p.closeReferences(&ctx, level, n)
		p.noteUpdated()

		cur += hostarch.Addr(entry.BlockSize)
		remaining -= entry.BlockSize
		if remaining == 0 {
			break
		}
		if freed {
			valid = p.BeginTraversal(&entry, &ctx, cur)
		} else {
			valid = p.ContinueTraversal(&entry, &ctx)
		}
	}
}

// closeReferences drops n references on the table at level, freeing it and
// cascading upwards when it becomes empty. It returns true if a table was
// freed.
func (p *PageTables) closeReferences(ctx *TraversalContext, level Level, n int) bool {
	freed := false
	for l := level; l < LevelL1; l++ {
		parent := ctx.entry(l + 1)
		v := parent.Load().CloseTableReferences(n)
		if v.TableReferenceCount() != 0 {
			parent.Store(v)
			break
		}
		parent.Store(InvalidPTE)
		p.Allocator.FreeTable(v.Table())
		freed = true
		n = 1
	}
	return freed
}
