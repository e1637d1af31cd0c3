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

package hostarch

import "testing"

func TestAlign(t *testing.T) {
	for _, tc := range []struct {
		v, align, down, up uint64
	}{
		{0, PageSize, 0, 0},
		{1, PageSize, 0, PageSize},
		{PageSize, PageSize, PageSize, PageSize},
		{0x201000, HugePageSize, 0x200000, 0x400000},
	} {
		if got := AlignDown(tc.v, tc.align); got != tc.down {
			t.Errorf("AlignDown(%#x, %#x) = %#x, want %#x", tc.v, tc.align, got, tc.down)
		}
		if got := AlignUp(tc.v, tc.align); got != tc.up {
			t.Errorf("AlignUp(%#x, %#x) = %#x, want %#x", tc.v, tc.align, got, tc.up)
		}
	}
}

func TestAddrRoundUpOverflow(t *testing.T) {
	if _, ok := Addr(^uint64(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address should overflow")
	}
	if _, ok := Addr(^uint64(0)-1).AddLength(2); ok {
		t.Errorf("AddLength should overflow")
	}
	if got, ok := Addr(0x1001).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp(0x1001) = %v, %v", got, ok)
	}
}

func TestMemoryTypeAtomics(t *testing.T) {
	for mt := MemoryType(0); mt < NumMemoryTypes; mt++ {
		if got, want := mt.SupportsAtomics(), mt == MemoryTypeNormal; got != want {
			t.Errorf("%v.SupportsAtomics() = %v, want %v", mt, got, want)
		}
	}
}

func TestCountTrailingZeros(t *testing.T) {
	if got := CountTrailingZeros(uint64(PageSize)); got != PageShift {
		t.Errorf("CountTrailingZeros(PageSize) = %d", got)
	}
	if !IsPowerOfTwo(uint(64)) || IsPowerOfTwo(uint(0)) || IsPowerOfTwo(uint(12)) {
		t.Errorf("IsPowerOfTwo misclassified")
	}
}
