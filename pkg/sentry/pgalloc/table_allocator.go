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
	"sync/atomic"
	"unsafe"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/ring0/pagetables"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/physmem"
)

// TableAllocator implements pagetables.Allocator on top of a MemoryManager.
// Each table is one referenced page taken from a single pool.
type TableAllocator struct {
	mm     *MemoryManager
	option uint32
	live   atomic.Int64
}

var _ pagetables.Allocator = (*TableAllocator)(nil)

// NewTableAllocator returns an allocator drawing tables from pool.
func NewTableAllocator(mm *MemoryManager, pool Pool) *TableAllocator {
	return &TableAllocator{
		mm:     mm,
		option: EncodeOption(pool, FromFront),
	}
}

// NewTable implements pagetables.Allocator.NewTable.
func (a *TableAllocator) NewTable() (hostarch.PhysAddr, error) {
	addr, ok := a.mm.AllocateAndOpenContinuous(1, 1, a.option)
	if !ok {
		return 0, kernerr.ErrOutOfResource
	}
	a.memory(addr).Fill(addr, hostarch.PageSize, 0)
	a.live.Add(1)
	return addr, nil
}

// FreeTable implements pagetables.Allocator.FreeTable.
func (a *TableAllocator) FreeTable(addr hostarch.PhysAddr) {
	if a.mm.RefCount(addr) == 0 {
		panic(fmt.Sprintf("freeing unreferenced table %v", addr))
	}
	a.live.Add(-1)
	a.mm.Close(addr, 1)
}

// Table implements pagetables.Allocator.Table.
func (a *TableAllocator) Table(addr hostarch.PhysAddr) *pagetables.PTEs {
	words := a.memory(addr).Uint64s(addr, pagetables.EntriesPerTable)
	return (*pagetables.PTEs)(unsafe.Pointer(unsafe.SliceData(words)))
}

// Live returns the number of tables allocated and not yet freed.
func (a *TableAllocator) Live() int64 {
	return a.live.Load()
}

func (a *TableAllocator) memory(addr hostarch.PhysAddr) *physmem.Memory {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned table address %v", addr))
	}
	m := a.mm.Memory().Find(addr, hostarch.PageSize)
	if m == nil {
		panic(fmt.Sprintf("table %v is outside physical memory", addr))
	}
	return m
}
