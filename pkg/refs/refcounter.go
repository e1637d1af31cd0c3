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

// Package refs defines an interface for reference counted kernel objects. It
// also provides a drop-in implementation called AtomicRefCount.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the object's reference count. Implementations
	// destroy the object once the reference count reaches zero.
	DecRef()

	// TryIncRef attempts to increase the reference counter on the object,
	// but may fail if all references have already been dropped, in which
	// case it returns false.
	TryIncRef() bool
}

// AtomicRefCount keeps a reference count using atomic operations and calls the
// destructor when the count reaches zero.
//
// Unlike a zero-offset counter, a freshly constructed kernel object starts
// with exactly one reference, taken by Init. An object whose count reached
// zero is dead: TryIncRef fails on it and IncRef panics.
type AtomicRefCount struct {
	refCount atomic.Int64
}

// Init sets the count to one. It must be called exactly once, before the
// object is published.
func (r *AtomicRefCount) Init() {
	r.refCount.Store(1)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *AtomicRefCount) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef increments this object's reference count. While the count is kept
// greater than zero, the destructor doesn't get called.
func (r *AtomicRefCount) IncRef() {
	if v := r.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive ref count %d", v-1))
	}
}

// TryIncRef attempts to increment the reference count, *unless the count has
// already reached zero*. If false is returned, then the object has already
// been destroyed.
func (r *AtomicRefCount) TryIncRef() bool {
	for {
		v := r.refCount.Load()
		if v <= 0 {
			return false
		}
		if r.refCount.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// DecRefWithDestructor decrements the object's reference count. If the
// resulting count is zero and the destructor is not nil, then the destructor
// will be called.
func (r *AtomicRefCount) DecRefWithDestructor(destroy func()) {
	switch v := r.refCount.Add(-1); {
	case v < 0:
		panic("Decrementing non-positive ref count")

	case v == 0:
		if destroy != nil {
			destroy()
		}
	}
}

// DecRef decrements this object's reference count.
func (r *AtomicRefCount) DecRef() {
	r.DecRefWithDestructor(nil)
}
