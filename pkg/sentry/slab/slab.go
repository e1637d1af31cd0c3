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

// Package slab provides fixed-capacity object heaps for kernel objects.
//
// A Heap is sized once at boot and never grows. Allocation pops a lock-free
// free list and returns nil when the heap is exhausted; callers treat that
// as a resource shortage. Objects may additionally be carved from
// UnusedSlabMemory, the slack left in the slab region, when policy permits.
package slab

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
)

// Heap is a pool of at most GetSlabHeapSize objects of type T, plus any
// objects allocated from unused slab memory. The zero value is an empty heap
// that must be initialized with Initialize.
type Heap[T any] struct {
	// objs is the backing storage. It is never reallocated after Initialize,
	// so pointers into it stay valid.
	objs []T

	// next links free objects: next[i] is one plus the index of the object
	// after i, or zero at the end of the list.
	next []atomic.Uint32

	// head packs a generation count in the upper 32 bits and one plus the
	// index of the first free object in the lower 32 bits. The generation
	// makes a concurrent pop and push of the same object detectable.
	head atomic.Uint64

	used atomic.Int64
	peak atomic.Int64

	// address is the heap's place in the slab region.
	address hostarch.Addr

	// dynamicMu protects dynamic.
	dynamicMu sync.Mutex

	// dynamic maps objects carved from unused slab memory to the bytes they
	// hold there.
	//
	// +checklocks:dynamicMu
	dynamic map[*T]dynamicObject
}

type dynamicObject struct {
	unused *UnusedSlabMemory
	addr   hostarch.Addr
}

func packHead(gen uint64, idx uint32) uint64 { return gen<<32 | uint64(idx) }

// Initialize gives the heap count objects placed at address in the slab
// region. It must be called once, before the heap is shared.
func (h *Heap[T]) Initialize(address hostarch.Addr, count int) {
	if h.objs != nil {
		panic("slab heap initialized twice")
	}
	if count < 0 || uint64(count) >= 1<<32 {
		panic(fmt.Sprintf("invalid slab heap size %d", count))
	}
	if h.ObjectSize() == 0 {
		panic("slab heap of zero-sized objects")
	}
	h.address = address
	h.objs = make([]T, count)
	h.next = make([]atomic.Uint32, count)
	for i := range h.next {
		if i+1 < count {
			h.next[i].Store(uint32(i + 2))
		}
	}
	if count > 0 {
		h.head.Store(packHead(0, 1))
	}
	h.dynamic = make(map[*T]dynamicObject)
}

// Allocate returns a zeroed object, or nil if the heap is exhausted.
func (h *Heap[T]) Allocate() *T {
	for {
		head := h.head.Load()
		idx := uint32(head)
		if idx == 0 {
			return nil
		}
		next := h.next[idx-1].Load()
		if h.head.CompareAndSwap(head, packHead(head>>32+1, next)) {
			obj := &h.objs[idx-1]
			var zero T
			*obj = zero
			h.noteAllocated()
			return obj
		}
	}
}

// AllocateFromUnused returns a zeroed object whose storage is charged to u,
// or nil if u cannot hold one.
func (h *Heap[T]) AllocateFromUnused(u *UnusedSlabMemory) *T {
	addr, ok := u.Allocate(h.ObjectSize(), h.ObjectAlignment())
	if !ok {
		return nil
	}
	obj := new(T)
	h.dynamicMu.Lock()
	h.dynamic[obj] = dynamicObject{unused: u, addr: addr}
	h.dynamicMu.Unlock()
	h.noteAllocated()
	return obj
}

func (h *Heap[T]) noteAllocated() {
	used := h.used.Add(1)
	for {
		peak := h.peak.Load()
		if peak >= used || h.peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

// Free returns obj to the heap. obj must have been returned by Allocate or
// AllocateFromUnused and not freed since.
func (h *Heap[T]) Free(obj *T) {
	if idx := h.index(obj); idx >= 0 {
		for {
			head := h.head.Load()
			h.next[idx].Store(uint32(head))
			if h.head.CompareAndSwap(head, packHead(head>>32+1, uint32(idx+1))) {
				break
			}
		}
		h.used.Add(-1)
		return
	}

	h.dynamicMu.Lock()
	d, ok := h.dynamic[obj]
	delete(h.dynamic, obj)
	h.dynamicMu.Unlock()
	if !ok {
		panic(fmt.Sprintf("freeing object %p that does not belong to the slab heap", obj))
	}
	d.unused.Free(d.addr, h.ObjectSize())
	h.used.Add(-1)
}

// Contains returns true if obj is one of the heap's static objects.
func (h *Heap[T]) Contains(obj *T) bool {
	return h.index(obj) >= 0
}

// GetObjectIndex returns the index of obj in the heap.
//
// Preconditions: h.Contains(obj).
func (h *Heap[T]) GetObjectIndex(obj *T) int {
	idx := h.index(obj)
	if idx < 0 {
		panic(fmt.Sprintf("object %p is not in the slab heap", obj))
	}
	return idx
}

// GetSlabHeapSize returns the number of static objects.
func (h *Heap[T]) GetSlabHeapSize() int { return len(h.objs) }

// GetUsed returns the number of live objects, static or not.
func (h *Heap[T]) GetUsed() int64 { return h.used.Load() }

// GetPeak returns the highest number of live objects ever observed.
func (h *Heap[T]) GetPeak() int64 { return h.peak.Load() }

// GetDynamicCount returns the number of live objects held in unused slab
// memory.
func (h *Heap[T]) GetDynamicCount() int {
	h.dynamicMu.Lock()
	defer h.dynamicMu.Unlock()
	return len(h.dynamic)
}

// Address returns the heap's address in the slab region.
func (h *Heap[T]) Address() hostarch.Addr { return h.address }

// Size returns the number of bytes the heap occupies in the slab region.
func (h *Heap[T]) Size() uint64 {
	return HeapBytes(h.ObjectSize(), len(h.objs))
}

// HeapBytes returns the slab region bytes taken by count objects of
// objectSize bytes.
func HeapBytes(objectSize uint64, count int) uint64 {
	return hostarch.AlignUp(objectSize*uint64(count), pointerSize)
}

// pointerSize is the alignment of heap ends in the slab region.
const pointerSize = 8
