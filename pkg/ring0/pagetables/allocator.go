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
	"sync"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
)

// Allocator is used to allocate and map table pages.
type Allocator interface {
	// NewTable returns the physical address of a fresh, zeroed table.
	NewTable() (hostarch.PhysAddr, error)

	// FreeTable releases a table returned by NewTable.
	FreeTable(hostarch.PhysAddr)

	// Table returns the table at the given physical address.
	Table(hostarch.PhysAddr) *PTEs
}

// RuntimeAllocator is a trivial allocator backed by the Go heap. Physical
// addresses are synthesized from base.
type RuntimeAllocator struct {
	mu sync.Mutex

	// +checklocks:mu
	next hostarch.PhysAddr
	// +checklocks:mu
	tables map[hostarch.PhysAddr]*PTEs
	// +checklocks:mu
	pool []hostarch.PhysAddr
	// +checklocks:mu
	limit int
}

// runtimeAllocatorBase is where synthesized table addresses start.
const runtimeAllocatorBase = 0x40000000

// NewRuntimeAllocator returns an allocator that uses the Go heap.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:   runtimeAllocatorBase,
		tables: make(map[hostarch.PhysAddr]*PTEs),
	}
}

// SetLimit bounds the number of live tables. Zero means unbounded.
func (r *RuntimeAllocator) SetLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = n
}

// NewTable implements Allocator.NewTable.
func (r *RuntimeAllocator) NewTable() (hostarch.PhysAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit != 0 && len(r.tables) >= r.limit {
		return 0, kernerr.ErrOutOfResource
	}
	var addr hostarch.PhysAddr
	if n := len(r.pool); n > 0 {
		addr, r.pool = r.pool[n-1], r.pool[:n-1]
	} else {
		addr = r.next
		r.next += hostarch.PageSize
	}
	r.tables[addr] = new(PTEs)
	return addr, nil
}

// FreeTable implements Allocator.FreeTable.
func (r *RuntimeAllocator) FreeTable(addr hostarch.PhysAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[addr]; !ok {
		panic(fmt.Sprintf("freeing unknown table %v", addr))
	}
	delete(r.tables, addr)
	r.pool = append(r.pool, addr)
}

// Table implements Allocator.Table.
func (r *RuntimeAllocator) Table(addr hostarch.PhysAddr) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[addr]
	if !ok {
		panic(fmt.Sprintf("no table at %v", addr))
	}
	return t
}

// Live returns the number of tables not yet freed.
func (r *RuntimeAllocator) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}
