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
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
)

// extent is a free range [start, end) of the slab region.
type extent struct {
	start, end hostarch.Addr
}

func extentLess(a, b extent) bool { return a.start < b.start }

// UnusedSlabMemory tracks the parts of the slab region no heap occupies: the
// gaps of a randomized layout and the region's tail. Objects allocated from
// it let a heap exceed its static capacity.
type UnusedSlabMemory struct {
	mu sync.Mutex

	// free holds disjoint, non-adjacent free extents ordered by address.
	//
	// +checklocks:mu
	free *btree.BTreeG[extent]

	// +checklocks:mu
	freeBytes uint64
	// +checklocks:mu
	totalBytes uint64
}

// NewUnusedSlabMemory returns an empty arena.
func NewUnusedSlabMemory() *UnusedSlabMemory {
	return &UnusedSlabMemory{free: btree.NewG(8, extentLess)}
}

// Donate adds [addr, addr+size) to the arena.
func (u *UnusedSlabMemory) Donate(addr hostarch.Addr, size uint64) {
	if size == 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.insertLocked(extent{addr, addr + hostarch.Addr(size)})
	u.totalBytes += size
}

// Allocate takes size bytes aligned to align, first fit by address.
func (u *UnusedSlabMemory) Allocate(size, align uint64) (hostarch.Addr, bool) {
	if size == 0 || !hostarch.IsPowerOfTwo(align) {
		panic(fmt.Sprintf("invalid unused slab allocation: size %#x align %#x", size, align))
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	var (
		found extent
		start hostarch.Addr
		ok    bool
	)
	u.free.Ascend(func(e extent) bool {
		s := hostarch.AlignUp(e.start, hostarch.Addr(align))
		if s >= e.start && s < e.end && uint64(e.end-s) >= size {
			found, start, ok = e, s, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	u.free.Delete(found)
	if found.start < start {
		u.free.ReplaceOrInsert(extent{found.start, start})
	}
	if end := start + hostarch.Addr(size); end < found.end {
		u.free.ReplaceOrInsert(extent{end, found.end})
	}
	u.freeBytes -= size
	return start, true
}

// Free returns [addr, addr+size) to the arena.
func (u *UnusedSlabMemory) Free(addr hostarch.Addr, size uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.insertLocked(extent{addr, addr + hostarch.Addr(size)})
}

// +checklocks:u.mu
func (u *UnusedSlabMemory) insertLocked(e extent) {
	if e.end <= e.start {
		panic(fmt.Sprintf("invalid extent [%v, %v)", e.start, e.end))
	}
	size := uint64(e.end - e.start)

	var prev, next extent
	var hasPrev, hasNext bool
	u.free.DescendLessOrEqual(e, func(x extent) bool {
		prev, hasPrev = x, true
		return false
	})
	u.free.AscendGreaterOrEqual(e, func(x extent) bool {
		next, hasNext = x, true
		return false
	})
	if hasPrev && prev.end > e.start {
		panic(fmt.Sprintf("extent [%v, %v) overlaps free [%v, %v)", e.start, e.end, prev.start, prev.end))
	}
	if hasNext && next.start < e.end {
		panic(fmt.Sprintf("extent [%v, %v) overlaps free [%v, %v)", e.start, e.end, next.start, next.end))
	}
	if hasPrev && prev.end == e.start {
		u.free.Delete(prev)
		e.start = prev.start
	}
	if hasNext && next.start == e.end {
		u.free.Delete(next)
		e.end = next.end
	}
	u.free.ReplaceOrInsert(e)
	u.freeBytes += size
}

// FreeSize returns the number of free bytes.
func (u *UnusedSlabMemory) FreeSize() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.freeBytes
}

// TotalSize returns the number of bytes ever donated.
func (u *UnusedSlabMemory) TotalSize() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totalBytes
}

// NumExtents returns the number of disjoint free extents.
func (u *UnusedSlabMemory) NumExtents() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.free.Len()
}
