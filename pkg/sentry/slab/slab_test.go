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
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

type object struct {
	id    uint64
	state [3]uint64
}

func newHeap(t *testing.T, count int) *Heap[object] {
	t.Helper()
	var h Heap[object]
	h.Initialize(0x1000, count)
	return &h
}

func TestAllocateUntilExhausted(t *testing.T) {
	h := newHeap(t, 4)
	seen := make(map[*object]bool)
	for i := range 4 {
		obj := h.Allocate()
		if obj == nil {
			t.Fatalf("Allocate #%d returned nil", i)
		}
		if seen[obj] {
			t.Fatalf("Allocate #%d returned %p twice", i, obj)
		}
		seen[obj] = true
		if !h.Contains(obj) {
			t.Errorf("Contains(%p) = false", obj)
		}
	}
	if obj := h.Allocate(); obj != nil {
		t.Fatalf("Allocate on exhausted heap = %p, want nil", obj)
	}
	if got := h.GetUsed(); got != 4 {
		t.Errorf("GetUsed = %d, want 4", got)
	}
}

func TestAllocateZeroes(t *testing.T) {
	h := newHeap(t, 1)
	obj := h.Allocate()
	obj.id = 7
	obj.state[2] = 9
	h.Free(obj)

	again := h.Allocate()
	if again != obj {
		t.Fatalf("Allocate = %p, want reused %p", again, obj)
	}
	if *again != (object{}) {
		t.Errorf("reused object = %+v, want zero", *again)
	}
}

func TestFreeIsLIFO(t *testing.T) {
	h := newHeap(t, 3)
	a, b := h.Allocate(), h.Allocate()
	h.Free(a)
	h.Free(b)
	if got := h.Allocate(); got != b {
		t.Errorf("Allocate = index %d, want index %d", h.GetObjectIndex(got), h.GetObjectIndex(b))
	}
}

func TestObjectIndex(t *testing.T) {
	h := newHeap(t, 8)
	for i := range 8 {
		obj := h.Allocate()
		if got := h.GetObjectIndex(obj); got != i {
			t.Errorf("GetObjectIndex of allocation %d = %d", i, got)
		}
	}
	if h.Contains(&object{}) {
		t.Errorf("Contains(foreign object) = true")
	}
	if h.Contains(nil) {
		t.Errorf("Contains(nil) = true")
	}
}

func TestPeak(t *testing.T) {
	h := newHeap(t, 8)
	var objs []*object
	for range 5 {
		objs = append(objs, h.Allocate())
	}
	for _, obj := range objs[:4] {
		h.Free(obj)
	}
	h.Allocate()
	if got := h.GetUsed(); got != 2 {
		t.Errorf("GetUsed = %d, want 2", got)
	}
	if got := h.GetPeak(); got != 5 {
		t.Errorf("GetPeak = %d, want 5", got)
	}
}

func TestEmptyHeap(t *testing.T) {
	h := newHeap(t, 0)
	if obj := h.Allocate(); obj != nil {
		t.Errorf("Allocate = %p, want nil", obj)
	}
	if h.Size() != 0 {
		t.Errorf("Size = %d, want 0", h.Size())
	}
}

func TestSize(t *testing.T) {
	type small struct{ a, b, c byte }
	var h Heap[small]
	h.Initialize(0x2000, 5)
	if got, want := h.Size(), uint64(16); got != want {
		t.Errorf("Size = %d, want %d", got, want)
	}
	if got := h.Address(); got != 0x2000 {
		t.Errorf("Address = %v, want 0x2000", got)
	}
}

func TestFreeForeignPanics(t *testing.T) {
	h := newHeap(t, 1)
	defer func() {
		if recover() == nil {
			t.Errorf("Free of foreign object did not panic")
		}
	}()
	h.Free(&object{})
}

func TestAllocateFromUnused(t *testing.T) {
	h := newHeap(t, 1)
	u := NewUnusedSlabMemory()
	u.Donate(0x10000, 2*h.ObjectSize())

	static := h.Allocate()
	if h.Allocate() != nil {
		t.Fatalf("static heap not exhausted")
	}
	d1, d2 := h.AllocateFromUnused(u), h.AllocateFromUnused(u)
	if d1 == nil || d2 == nil {
		t.Fatalf("AllocateFromUnused = %p, %p", d1, d2)
	}
	if d := h.AllocateFromUnused(u); d != nil {
		t.Fatalf("AllocateFromUnused on full arena = %p, want nil", d)
	}
	if h.Contains(d1) {
		t.Errorf("Contains(dynamic object) = true")
	}
	if got := h.GetUsed(); got != 3 {
		t.Errorf("GetUsed = %d, want 3", got)
	}
	if got := h.GetDynamicCount(); got != 2 {
		t.Errorf("GetDynamicCount = %d, want 2", got)
	}

	h.Free(d1)
	h.Free(static)
	if got := u.FreeSize(); got != h.ObjectSize() {
		t.Errorf("arena FreeSize = %d, want %d", got, h.ObjectSize())
	}
	h.Free(d2)
	if got := u.FreeSize(); got != 2*h.ObjectSize() {
		t.Errorf("arena FreeSize = %d, want %d", got, 2*h.ObjectSize())
	}
	if got := u.NumExtents(); got != 1 {
		t.Errorf("arena NumExtents = %d, want 1", got)
	}
	if got := h.GetUsed(); got != 0 {
		t.Errorf("GetUsed = %d, want 0", got)
	}
}

func TestConcurrentAllocateFree(t *testing.T) {
	const (
		workers = 8
		rounds  = 2000
		size    = 16
	)
	h := newHeap(t, size)

	var mu sync.Mutex
	owner := make(map[*object]int)

	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range rounds {
				obj := h.Allocate()
				if obj == nil {
					continue
				}
				mu.Lock()
				if other, ok := owner[obj]; ok {
					mu.Unlock()
					t.Errorf("object %d handed to worker %d while owned by %d", h.GetObjectIndex(obj), w, other)
					return nil
				}
				owner[obj] = w
				mu.Unlock()

				obj.id = uint64(w<<32 | i)

				mu.Lock()
				delete(owner, obj)
				mu.Unlock()
				h.Free(obj)
			}
			return nil
		})
	}
	g.Wait()

	if got := h.GetUsed(); got != 0 {
		t.Errorf("GetUsed = %d, want 0", got)
	}
	if got := h.GetPeak(); got > size {
		t.Errorf("GetPeak = %d, exceeds capacity %d", got, size)
	}
	for i := range size {
		if h.Allocate() == nil {
			t.Fatalf("heap lost objects: only %d of %d allocatable", i, size)
		}
	}
}

func TestHeapBytes(t *testing.T) {
	for _, tc := range []struct {
		size  uint64
		count int
		want  uint64
	}{
		{size: 8, count: 3, want: 24},
		{size: 3, count: 3, want: 16},
		{size: 0x100, count: 0, want: 0},
	} {
		if got := HeapBytes(tc.size, tc.count); got != tc.want {
			t.Errorf("HeapBytes(%d, %d) = %d, want %d", tc.size, tc.count, got, tc.want)
		}
	}
}
