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

// Package hostarch describes the target machine: page geometry, address
// types and memory types of the ARM64 SoC the kernel runs on.
package hostarch

import (
	"fmt"
	"math/bits"

	"golang.org/x/exp/constraints"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the L2 block size.
	HugePageShift = 21

	// HugePageSize is the L2 block size.
	HugePageSize = 1 << HugePageShift

	// NumCores is the number of cores on the reference SoC.
	NumCores = 4
)

// Addr is a virtual address.
type Addr uint64

// PhysAddr is a physical address.
type PhysAddr uint64

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// IsAligned returns true if v is a multiple of align.
func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// CountTrailingZeros returns the number of trailing zero bits in v.
func CountTrailingZeros[T constraints.Unsigned](v T) int {
	return bits.TrailingZeros64(uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return AlignDown(v, PageSize)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = AlignUp(v, PageSize)
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if v is page-aligned.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// String implements fmt.Stringer.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// PageOffset returns the offset of p into the current page.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & (PageSize - 1))
}

// IsPageAligned returns true if p is page-aligned.
func (p PhysAddr) IsPageAligned() bool {
	return p.PageOffset() == 0
}

// String implements fmt.Stringer.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}
