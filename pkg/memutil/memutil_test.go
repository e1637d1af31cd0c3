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

package memutil

import "testing"

func TestMapAnonymous(t *testing.T) {
	m, err := MapAnonymous(1 << 16)
	if err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}
	defer UnmapSlice(m)

	for i, b := range m {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want zero-filled mapping", i, b)
		}
	}

	w := Uint32At(m, 8)
	if !w.CompareAndSwap(0, 7) {
		t.Fatalf("CompareAndSwap failed on zeroed word")
	}
	if m[8] != 7 {
		t.Errorf("atomic store not visible through the slice: %#x", m[8])
	}

	words := Uint64Slice(m[:64])
	words[1] = 0x0102030405060708
	if got := Uint64At(m, 8).Load(); got != 0x0102030405060708 {
		t.Errorf("Uint64At = %#x", got)
	}
	if got := len(Uint16Slice(m[:64])); got != 32 {
		t.Errorf("len(Uint16Slice) = %d, want 32", got)
	}
}

func TestMapAnonymousZero(t *testing.T) {
	if _, err := MapAnonymous(0); err == nil {
		t.Errorf("MapAnonymous(0) should fail")
	}
}
