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
	"testing"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/refs"
)

type testObject struct {
	refs.AtomicRefCount
	destroyed bool
}

func newTestObject() *testObject {
	o := &testObject{}
	o.Init()
	return o
}

func (o *testObject) TypeName() string { return "testObject" }

func (o *testObject) DecRef() {
	o.DecRefWithDestructor(func() { o.destroyed = true })
}

type otherObject struct {
	testObject
}

func (o *otherObject) TypeName() string { return "otherObject" }

func newTable(t *testing.T, size int) *HandleTable {
	t.Helper()
	ht := &HandleTable{}
	if err := ht.Initialize(size); err != nil {
		t.Fatalf("Initialize(%d) failed: %v", size, err)
	}
	return ht
}

func TestHandleTableInitialize(t *testing.T) {
	var ht HandleTable
	if err := ht.Initialize(MaxHandleTableSize + 1); err != kernerr.ErrOutOfMemory {
		t.Errorf("Initialize(too large) = %v, want %v", err, kernerr.ErrOutOfMemory)
	}
	if got := newTable(t, 0).TableSize(); got != MaxHandleTableSize {
		t.Errorf("TableSize = %d, want %d", got, MaxHandleTableSize)
	}
}

func TestHandleTableAddGetRemove(t *testing.T) {
	ht := newTable(t, 4)
	o := newTestObject()

	h, err := ht.Add(o)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if h == InvalidHandle {
		t.Fatalf("Add returned InvalidHandle")
	}
	if got := o.ReadRefs(); got != 2 {
		t.Errorf("refs after Add = %d, want 2", got)
	}

	got, err := GetTyped[*testObject](ht, h)
	if err != nil || got != o {
		t.Fatalf("GetTyped = %v, %v; want %v, nil", got, err, o)
	}
	got.DecRef()

	if _, err := GetTyped[*otherObject](ht, h); err != kernerr.ErrInvalidHandle {
		t.Errorf("GetTyped(wrong type) = %v, want %v", err, kernerr.ErrInvalidHandle)
	}
	if got := o.ReadRefs(); got != 2 {
		t.Errorf("refs after lookups = %d, want 2", got)
	}

	if !ht.Remove(h) {
		t.Fatalf("Remove failed")
	}
	if ht.Remove(h) {
		t.Errorf("second Remove succeeded")
	}
	if ht.Get(h) != nil {
		t.Errorf("Get succeeded after Remove")
	}
	o.DecRef()
	if !o.destroyed {
		t.Errorf("object not destroyed after the last reference")
	}
}

func TestHandleTableStaleHandle(t *testing.T) {
	ht := newTable(t, 1)
	a := newTestObject()
	b := newTestObject()

	ha, err := ht.Add(a)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	ht.Remove(ha)
	hb, err := ht.Add(b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if ha.index() != hb.index() {
		t.Fatalf("entry not reused: %v vs %v", ha, hb)
	}
	if ha == hb {
		t.Fatalf("reused entry has the same handle %v", ha)
	}
	if ht.Get(ha) != nil {
		t.Errorf("stale handle %v resolved", ha)
	}
	if ht.Get(hb) != b {
		t.Errorf("handle %v does not resolve to its object", hb)
	}
}

func TestHandleTableFull(t *testing.T) {
	ht := newTable(t, 2)
	for range 2 {
		if _, err := ht.Add(newTestObject()); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if _, err := ht.Add(newTestObject()); err != kernerr.ErrOutOfHandles {
		t.Errorf("Add to a full table = %v, want %v", err, kernerr.ErrOutOfHandles)
	}
	if _, err := ht.Reserve(); err != kernerr.ErrOutOfHandles {
		t.Errorf("Reserve in a full table = %v, want %v", err, kernerr.ErrOutOfHandles)
	}
	if got := ht.MaxCount(); got != 2 {
		t.Errorf("MaxCount = %d, want 2", got)
	}
}

func TestHandleTableReserve(t *testing.T) {
	ht := newTable(t, 4)
	h, err := ht.Reserve()
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if ht.Get(h) != nil {
		t.Errorf("reserved handle resolved")
	}
	if ht.Remove(h) {
		t.Errorf("Remove of a reserved handle succeeded")
	}
	if got := ht.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}

	o := newTestObject()
	ht.Register(h, o)
	if ht.Get(h) != o {
		t.Errorf("registered handle does not resolve")
	}
	o.DecRef()

	h2, err := ht.Reserve()
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	ht.Unreserve(h2)
	if got := ht.Count(); got != 1 {
		t.Errorf("Count after Unreserve = %d, want 1", got)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("Register on an unreserved handle did not panic")
			}
		}()
		ht.Register(h2, o)
	}()
}

func TestHandleTableInvalidHandles(t *testing.T) {
	ht := newTable(t, 4)
	h, _ := ht.Add(newTestObject())
	if h.hasReserved() {
		t.Fatalf("Add returned %v with reserved bits set", h)
	}
	for _, bad := range []Handle{
		InvalidHandle,
		h | 1<<30,
		h | 1<<31,
		encodeHandle(h.index(), 0),
		encodeHandle(3, h.linearID()),
		encodeHandle(100, 1),
	} {
		if ht.Get(bad) != nil {
			t.Errorf("Get(%v) resolved", bad)
		}
	}
}

func TestHandleTableFinalize(t *testing.T) {
	ht := newTable(t, 4)
	objs := []*testObject{newTestObject(), newTestObject()}
	for _, o := range objs {
		if _, err := ht.Add(o); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		o.DecRef()
	}
	ht.Finalize()
	for i, o := range objs {
		if !o.destroyed {
			t.Errorf("object %d survived Finalize", i)
		}
	}
}
