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
	"unsafe"
)

// ObjectSize returns the size of T in bytes.
func (h *Heap[T]) ObjectSize() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}

// ObjectAlignment returns the alignment of T in bytes.
func (h *Heap[T]) ObjectAlignment() uint64 {
	var zero T
	return uint64(unsafe.Alignof(zero))
}

// index returns the index of obj in h.objs, or -1.
func (h *Heap[T]) index(obj *T) int {
	if len(h.objs) == 0 || obj == nil {
		return -1
	}
	size := uintptr(h.ObjectSize())
	base := uintptr(unsafe.Pointer(unsafe.SliceData(h.objs)))
	p := uintptr(unsafe.Pointer(obj))
	if p < base || p >= base+uintptr(len(h.objs))*size {
		return -1
	}
	off := p - base
	if off%size != 0 {
		return -1
	}
	return int(off / size)
}
