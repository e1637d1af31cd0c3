// Copyright 2019 The gVisor Authors.
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

// Package memutil provides utilities for working with host memory mappings
// that back simulated physical memory.
package memutil

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapAnonymous returns a private, zero-filled, read-write mapping of size
// bytes. The mapping is not part of the Go heap, so pointers into it may be
// handed out freely and it is never moved.
func MapAnonymous(size uintptr) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-sized mapping")
	}
	m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap(%d): %w", size, err)
	}
	return m, nil
}

// UnmapSlice unmaps a mapping returned by MapAnonymous.
func UnmapSlice(slice []byte) error {
	return unix.Munmap(slice)
}

// Uint32At returns an atomic view of the 4-byte aligned word at offset off
// of b.
//
// Preconditions: off is 4-byte aligned and off+4 <= len(b).
func Uint32At(b []byte, off uintptr) *atomic.Uint32 {
	if off&3 != 0 || off+4 > uintptr(len(b)) {
		panic(fmt.Sprintf("misaligned or out of range word at %#x (len %#x)", off, len(b)))
	}
	return (*atomic.Uint32)(unsafe.Pointer(&b[off]))
}

// Uint64At returns an atomic view of the 8-byte aligned word at offset off
// of b.
//
// Preconditions: off is 8-byte aligned and off+8 <= len(b).
func Uint64At(b []byte, off uintptr) *atomic.Uint64 {
	if off&7 != 0 || off+8 > uintptr(len(b)) {
		panic(fmt.Sprintf("misaligned or out of range word at %#x (len %#x)", off, len(b)))
	}
	return (*atomic.Uint64)(unsafe.Pointer(&b[off]))
}

// Uint64Slice reinterprets b as a slice of uint64.
//
// Preconditions: b is 8-byte aligned and len(b) is a multiple of 8.
func Uint64Slice(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/8)
}

// Uint16Slice reinterprets b as a slice of uint16.
//
// Preconditions: b is 2-byte aligned and len(b) is a multiple of 2.
func Uint16Slice(b []byte) []uint16 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/2)
}
