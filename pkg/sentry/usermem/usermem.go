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

// Package usermem governs access to user memory.
//
// User memory is reached only through a process's page tables. An access
// faults, and the operation reports failure, unless the word is aligned and
// mapped as user accessible normal memory with the permissions the access
// needs.
package usermem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/ring0/pagetables"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/physmem"
)

// WordSize is the size of the words user memory operations act on.
const WordSize = 4

// AccessType is the kind of access an operation performs.
type AccessType int

const (
	// Read accesses only load.
	Read AccessType = iota

	// ReadWrite accesses may store.
	ReadWrite
)

// String implements fmt.Stringer.
func (a AccessType) String() string {
	switch a {
	case Read:
		return "r"
	case ReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("AccessType(%d)", int(a))
	}
}

// AddressSpace is the user memory of one process.
type AddressSpace struct {
	// mu serializes changes to the page tables against translations.
	mu sync.RWMutex

	// +checklocks:mu
	pt  *pagetables.PageTables
	mem physmem.Set
}

// NewAddressSpace returns an address space translated by pt into mem.
func NewAddressSpace(pt *pagetables.PageTables, mem physmem.Set) *AddressSpace {
	return &AddressSpace{pt: pt, mem: mem}
}

// Map maps numPages pages of phys at virt.
func (as *AddressSpace) Map(virt hostarch.Addr, phys hostarch.PhysAddr, numPages uint64, opts pagetables.MapOpts) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.Map(virt, phys, numPages, opts)
}

// Unmap removes numPages pages at virt.
func (as *AddressSpace) Unmap(virt hostarch.Addr, numPages uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.Unmap(virt, numPages)
}

// Release frees the page tables. as must not be used afterwards.
func (as *AddressSpace) Release() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pt.Release()
}

// Translate returns the physical address of addr if an access of type at
// would succeed.
func (as *AddressSpace) Translate(addr hostarch.Addr, at AccessType) (hostarch.PhysAddr, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.translateLocked(addr, at)
}

// +checklocksread:as.mu
func (as *AddressSpace) translateLocked(addr hostarch.Addr, at AccessType) (hostarch.PhysAddr, bool) {
	var (
		entry pagetables.TraversalEntry
		ctx   pagetables.TraversalContext
	)
	if !as.pt.BeginTraversal(&entry, &ctx, addr) {
		return 0, false
	}
	attr := entry.Attributes
	if !attr.IsUserAccessible() || attr.PageAttribute() != pagetables.PageAttributeNormalMemory {
		return 0, false
	}
	if at == ReadWrite && attr.IsReadOnly() {
		return 0, false
	}
	return entry.PhysAddr, true
}

// word returns an atomic view of the user word at addr. The view stays valid
// after the lock is dropped because physical memory is never unmapped while
// the kernel runs.
func (as *AddressSpace) word(addr hostarch.Addr, at AccessType) (*atomic.Uint32, bool) {
	if !hostarch.IsAligned(uint64(addr), WordSize) {
		return nil, false
	}
	pa, ok := as.Translate(addr, at)
	if !ok {
		return nil, false
	}
	m := as.mem.Find(pa, WordSize)
	if m == nil {
		return nil, false
	}
	return m.Uint32(pa), true
}

// LoadWord reads the word at addr. It returns false if the access faults.
func (as *AddressSpace) LoadWord(addr hostarch.Addr) (int32, bool) {
	w, ok := as.word(addr, Read)
	if !ok {
		return 0, false
	}
	return int32(w.Load()), true
}

// StoreWord writes the word at addr. It returns false if the access faults.
func (as *AddressSpace) StoreWord(addr hostarch.Addr, v int32) bool {
	w, ok := as.word(addr, ReadWrite)
	if !ok {
		return false
	}
	w.Store(uint32(v))
	return true
}

// DecrementIfLessThan atomically decrements the word at addr if it is less
// than value. It returns the word's previous value, or false if the access
// faults.
func (as *AddressSpace) DecrementIfLessThan(addr hostarch.Addr, value int32) (int32, bool) {
	w, ok := as.word(addr, ReadWrite)
	if !ok {
		return 0, false
	}
	for {
		old := int32(w.Load())
		if old >= value {
			return old, true
		}
		if w.CompareAndSwap(uint32(old), uint32(old-1)) {
			return old, true
		}
	}
}

// UpdateIfEqual atomically replaces the word at addr with newValue if it
// equals value. It returns the word's previous value, or false if the access
// faults.
func (as *AddressSpace) UpdateIfEqual(addr hostarch.Addr, value, newValue int32) (int32, bool) {
	w, ok := as.word(addr, ReadWrite)
	if !ok {
		return 0, false
	}
	for {
		old := int32(w.Load())
		if old != value {
			return old, true
		}
		if w.CompareAndSwap(uint32(old), uint32(newValue)) {
			return old, true
		}
	}
}
