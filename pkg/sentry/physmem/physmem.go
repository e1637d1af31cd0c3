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

// Package physmem models the machine's DRAM. A Memory covers one physical
// address range and is backed by an anonymous host mapping, so kernel
// structures that live in physical memory (page heap bitmaps, page
// reference counts, translation tables, user pages) can be read and written
// by address.
package physmem

import (
	"fmt"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/memutil"
)

// Memory is a contiguous range of simulated physical memory.
type Memory struct {
	base hostarch.PhysAddr
	size uint64
	data []byte
}

// New maps a zero-filled physical range [base, base+size).
func New(base hostarch.PhysAddr, size uint64) (*Memory, error) {
	if !base.IsPageAligned() || !hostarch.IsAligned(size, hostarch.PageSize) {
		return nil, fmt.Errorf("physical range %v+%#x is not page aligned", base, size)
	}
	if end := uint64(base) + size; end < uint64(base) {
		return nil, fmt.Errorf("physical range %v+%#x overflows", base, size)
	}
	data, err := memutil.MapAnonymous(uintptr(size))
	if err != nil {
		return nil, err
	}
	return &Memory{base: base, size: size, data: data}, nil
}

// Release unmaps the backing memory. m must not be used afterwards.
func (m *Memory) Release() error {
	if m.data == nil {
		return nil
	}
	err := memutil.UnmapSlice(m.data)
	m.data = nil
	return err
}

// Base returns the first physical address of m.
func (m *Memory) Base() hostarch.PhysAddr { return m.base }

// Size returns the size of m in bytes.
func (m *Memory) Size() uint64 { return m.size }

// End returns the physical address one past the end of m.
func (m *Memory) End() hostarch.PhysAddr { return m.base + hostarch.PhysAddr(m.size) }

// Contains returns true if [addr, addr+size) lies within m.
func (m *Memory) Contains(addr hostarch.PhysAddr, size uint64) bool {
	if addr < m.base {
		return false
	}
	off := uint64(addr - m.base)
	return off <= m.size && size <= m.size-off
}

func (m *Memory) offset(addr hostarch.PhysAddr, size uint64) uintptr {
	if !m.Contains(addr, size) {
		panic(fmt.Sprintf("physical access %v+%#x outside [%v, %v)", addr, size, m.base, m.End()))
	}
	return uintptr(addr - m.base)
}

// Slice returns the bytes of [addr, addr+size).
func (m *Memory) Slice(addr hostarch.PhysAddr, size uint64) []byte {
	off := m.offset(addr, size)
	return m.data[off : off+uintptr(size) : off+uintptr(size)]
}

// Uint64s returns [addr, addr+8*n) as a slice of words.
func (m *Memory) Uint64s(addr hostarch.PhysAddr, n uint64) []uint64 {
	return memutil.Uint64Slice(m.Slice(addr, 8*n))
}

// Uint16s returns [addr, addr+2*n) as a slice of half-words.
func (m *Memory) Uint16s(addr hostarch.PhysAddr, n uint64) []uint16 {
	return memutil.Uint16Slice(m.Slice(addr, 2*n))
}

// Uint32 returns an atomic view of the word at addr, which must be 4-byte
// aligned.
func (m *Memory) Uint32(addr hostarch.PhysAddr) *atomic.Uint32 {
	return memutil.Uint32At(m.data, m.offset(addr, 4))
}

// Uint64 returns an atomic view of the doubleword at addr, which must be
// 8-byte aligned.
func (m *Memory) Uint64(addr hostarch.PhysAddr) *atomic.Uint64 {
	return memutil.Uint64At(m.data, m.offset(addr, 8))
}

// Fill sets every byte of [addr, addr+size) to pattern.
func (m *Memory) Fill(addr hostarch.PhysAddr, size uint64, pattern byte) {
	b := m.Slice(addr, size)
	if pattern == 0 {
		clear(b)
		return
	}
	for i := range b {
		b[i] = pattern
	}
}

// Set is a collection of non-overlapping Memory ranges, one per DRAM bank.
type Set []*Memory

// Find returns the Memory containing [addr, addr+size), or nil.
func (s Set) Find(addr hostarch.PhysAddr, size uint64) *Memory {
	for _, m := range s {
		if m.Contains(addr, size) {
			return m
		}
	}
	return nil
}

// Release releases every range in s.
func (s Set) Release() error {
	var first error
	for _, m := range s {
		if err := m.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
