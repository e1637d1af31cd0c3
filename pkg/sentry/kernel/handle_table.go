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

package kernel

import (
	"fmt"
	"sync"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/refs"
)

// AutoObject is a reference counted kernel object that can be installed in a
// HandleTable.
type AutoObject interface {
	refs.RefCounter

	// TypeName names the object's type for diagnostics.
	TypeName() string
}

// Handle names an object in a HandleTable. It packs the table index in bits
// 0-14 and the entry's linear id in bits 15-29; bits 30-31 are reserved.
type Handle uint32

const (
	handleIndexBits    = 15
	handleIndexMask    = 1<<handleIndexBits - 1
	handleLinearIDBits = 15
	handleLinearIDMask = 1<<handleLinearIDBits - 1
	handleReservedMask = ^Handle(1<<(handleIndexBits+handleLinearIDBits) - 1)

	minLinearID = 1
	maxLinearID = handleLinearIDMask
)

// InvalidHandle is never returned by a HandleTable.
const InvalidHandle Handle = 0

func encodeHandle(index int, linearID uint16) Handle {
	return Handle(index&handleIndexMask) | Handle(linearID&handleLinearIDMask)<<handleIndexBits
}

func (h Handle) index() int        { return int(h & handleIndexMask) }
func (h Handle) linearID() uint16  { return uint16(h>>handleIndexBits) & handleLinearIDMask }
func (h Handle) hasReserved() bool { return h&handleReservedMask != 0 }

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%#08x", uint32(h))
}

// MaxHandleTableSize is the largest number of entries a table may have.
const MaxHandleTableSize = 1024

type handleEntry struct {
	object   AutoObject
	linearID uint16

	// reserved is set for entries taken by Reserve and not yet registered.
	reserved bool

	// nextFree links free entries; -1 terminates the list.
	nextFree int
}

// HandleTable maps handles to objects for one process. Every installed
// object holds one reference on behalf of the table.
type HandleTable struct {
	mu sync.Mutex

	// +checklocks:mu
	entries []handleEntry
	// +checklocks:mu
	freeHead int
	// +checklocks:mu
	count int
	// +checklocks:mu
	maxCount int
	// +checklocks:mu
	nextLinearID uint16
}

// Initialize sets up a table of size entries. A non-positive size selects
// MaxHandleTableSize.
func (ht *HandleTable) Initialize(size int) error {
	if size > MaxHandleTableSize {
		return kernerr.ErrOutOfMemory
	}
	if size <= 0 {
		size = MaxHandleTableSize
	}
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.entries = make([]handleEntry, size)
	for i := range ht.entries {
		ht.entries[i].nextFree = i + 1
	}
	ht.entries[size-1].nextFree = -1
	ht.freeHead = 0
	ht.count = 0
	ht.maxCount = 0
	ht.nextLinearID = minLinearID
	return nil
}

// Finalize removes every object, dropping the table's references.
func (ht *HandleTable) Finalize() {
	ht.mu.Lock()
	var objs []AutoObject
	for i := range ht.entries {
		if o := ht.entries[i].object; o != nil {
			objs = append(objs, o)
		}
	}
	ht.entries = nil
	ht.freeHead = -1
	ht.count = 0
	ht.mu.Unlock()

	for _, o := range objs {
		o.DecRef()
	}
}

// TableSize returns the number of entries.
func (ht *HandleTable) TableSize() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return len(ht.entries)
}

// Count returns the number of entries in use.
func (ht *HandleTable) Count() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.count
}

// MaxCount returns the highest number of entries ever in use.
func (ht *HandleTable) MaxCount() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.maxCount
}

// +checklocks:ht.mu
func (ht *HandleTable) allocateEntryLocked() (int, error) {
	if ht.freeHead < 0 {
		return 0, kernerr.ErrOutOfHandles
	}
	i := ht.freeHead
	ht.freeHead = ht.entries[i].nextFree
	ht.count++
	ht.maxCount = max(ht.maxCount, ht.count)
	return i, nil
}

// +checklocks:ht.mu
func (ht *HandleTable) freeEntryLocked(i int) {
	ht.entries[i] = handleEntry{nextFree: ht.freeHead}
	ht.freeHead = i
	ht.count--
}

// +checklocks:ht.mu
func (ht *HandleTable) allocateLinearIDLocked() uint16 {
	id := ht.nextLinearID
	ht.nextLinearID++
	if ht.nextLinearID > maxLinearID {
		ht.nextLinearID = minLinearID
	}
	return id
}

// +checklocks:ht.mu
func (ht *HandleTable) findEntryLocked(h Handle) *handleEntry {
	if h == InvalidHandle || h.hasReserved() || h.linearID() == 0 || h.index() >= len(ht.entries) {
		return nil
	}
	e := &ht.entries[h.index()]
	if e.linearID != h.linearID() || (e.object == nil && !e.reserved) {
		return nil
	}
	return e
}

// Add installs obj, taking a reference, and returns its handle.
func (ht *HandleTable) Add(obj AutoObject) (Handle, error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	i, err := ht.allocateEntryLocked()
	if err != nil {
		return InvalidHandle, err
	}
	id := ht.allocateLinearIDLocked()
	obj.IncRef()
	ht.entries[i] = handleEntry{object: obj, linearID: id, nextFree: -1}
	return encodeHandle(i, id), nil
}

// Reserve takes an entry to be filled by Register later.
func (ht *HandleTable) Reserve() (Handle, error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	i, err := ht.allocateEntryLocked()
	if err != nil {
		return InvalidHandle, err
	}
	id := ht.allocateLinearIDLocked()
	ht.entries[i] = handleEntry{linearID: id, reserved: true, nextFree: -1}
	return encodeHandle(i, id), nil
}

// Unreserve returns an entry taken by Reserve.
func (ht *HandleTable) Unreserve(h Handle) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	e := ht.findEntryLocked(h)
	if e == nil || !e.reserved {
		panic(fmt.Sprintf("unreserving handle %v that is not reserved", h))
	}
	ht.freeEntryLocked(h.index())
}

// Register installs obj, taking a reference, in an entry taken by Reserve.
func (ht *HandleTable) Register(h Handle, obj AutoObject) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	e := ht.findEntryLocked(h)
	if e == nil || !e.reserved {
		panic(fmt.Sprintf("registering handle %v that is not reserved", h))
	}
	obj.IncRef()
	e.object = obj
	e.reserved = false
}

// Remove uninstalls the object named by h and drops the table's reference.
// It returns false if h names nothing.
func (ht *HandleTable) Remove(h Handle) bool {
	ht.mu.Lock()
	e := ht.findEntryLocked(h)
	if e == nil || e.reserved {
		ht.mu.Unlock()
		return false
	}
	obj := e.object
	ht.freeEntryLocked(h.index())
	ht.mu.Unlock()

	obj.DecRef()
	return true
}

// Get returns the object named by h with a new reference the caller must
// drop, or nil.
func (ht *HandleTable) Get(h Handle) AutoObject {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	e := ht.findEntryLocked(h)
	if e == nil || e.reserved || !e.object.TryIncRef() {
		return nil
	}
	return e.object
}

// GetTyped returns the object named by h as a T with a new reference. It
// fails with ErrInvalidHandle if h names nothing or an object of another
// type.
func GetTyped[T AutoObject](ht *HandleTable, h Handle) (T, error) {
	var zero T
	obj := ht.Get(h)
	if obj == nil {
		return zero, kernerr.ErrInvalidHandle
	}
	t, ok := obj.(T)
	if !ok {
		obj.DecRef()
		return zero, kernerr.ErrInvalidHandle
	}
	return t, nil
}
