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
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
)

const testBase = hostarch.Addr(0x80060000)

func TestDerivedCounts(t *testing.T) {
	c := DefaultResourceCounts()
	for _, tc := range []struct {
		typ  Type
		want int
	}{
		{TypeSessionRequest, 933 * 2},
		{TypeThreadLocalPage, 80 + (80+800)/8},
		{TypeLinkedListNode, 800},
		{TypeEventInfo, 800 + hostarch.NumCores},
		{TypeSession, 933},
	} {
		if got := c.Count(tc.typ); got != tc.want {
			t.Errorf("Count(%v) = %d, want %d", tc.typ, got, tc.want)
		}
	}

	more := c.WithExtraThreads(DefaultExtraThreads)
	if got, want := more.Count(TypeLinkedListNode), 800+DefaultExtraThreads; got != want {
		t.Errorf("Count(LinkedListNode) with extra threads = %d, want %d", got, want)
	}
	if c.Thread != 800 {
		t.Errorf("WithExtraThreads modified the receiver")
	}
}

func TestValidate(t *testing.T) {
	c := DefaultResourceCounts()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate(defaults) = %v", err)
	}
	c.Port = -1
	if err := c.Validate(); err == nil {
		t.Errorf("Validate with negative count succeeded")
	}
}

func TestCalculateTotalSlabHeapSize(t *testing.T) {
	specs := []HeapSpec{
		{Type: TypeProcess, Count: 3, ObjectSize: 12, Align: 8},
		{Type: TypeThread, Count: 2, ObjectSize: 0x40, Align: 0x40},
	}
	// 8 + AlignUp(36, 8) + 0x40 + 0x80 + gaps.
	want := uint64(8 + 40 + 0x40 + 0x80 + 0x1000)
	if got := CalculateTotalSlabHeapSize(specs, 0x1000); got != want {
		t.Errorf("CalculateTotalSlabHeapSize = %#x, want %#x", got, want)
	}
	if got := CalculateSlabHeapGapSize(true); got != LegacyGapsSize {
		t.Errorf("CalculateSlabHeapGapSize(legacy) = %#x", got)
	}
	if got := CalculateSlabHeapGapSize(false); got != GapsSize {
		t.Errorf("CalculateSlabHeapGapSize = %#x", got)
	}
}

func TestSequentialLayout(t *testing.T) {
	specs := []HeapSpec{
		{Type: TypeProcess, Count: 3, ObjectSize: 12, Align: 8},
		{Type: TypeThread, Count: 2, ObjectSize: 0x40, Align: 0x40},
		{Type: TypePort, Count: 1, ObjectSize: 8, Align: 8},
	}
	l, err := SlabLayout(testBase, 0x1000, specs, 0, nil)
	if err != nil {
		t.Fatalf("SlabLayout failed: %v", err)
	}
	var got []hostarch.Addr
	for _, p := range l.Placements {
		got = append(got, p.Address)
	}
	want := []hostarch.Addr{testBase, testBase + 0x40, testBase + 0xc0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("placements mismatch (-want +got):\n%s", diff)
	}
	wantFree := []Extent{
		{Start: testBase + 40, Size: 0x40 - 40},
		{Start: testBase + 0xc8, Size: 0x1000 - 0xc8},
	}
	if diff := cmp.Diff(wantFree, l.Free); diff != "" {
		t.Errorf("free extents mismatch (-want +got):\n%s", diff)
	}
}

func checkLayout(t *testing.T, l *Layout, specs []HeapSpec) {
	t.Helper()
	if len(l.Placements) != len(specs) {
		t.Fatalf("got %d placements, want %d", len(l.Placements), len(specs))
	}
	seen := make(map[Type]bool)
	var used uint64
	for i, p := range l.Placements {
		if seen[p.Type] {
			t.Errorf("%v placed twice", p.Type)
		}
		seen[p.Type] = true
		if !hostarch.IsAligned(uint64(p.Address), p.Align) {
			t.Errorf("%v at %v not aligned to %#x", p.Type, p.Address, p.Align)
		}
		if p.Address < l.Base || p.End() > l.Base+hostarch.Addr(l.Size) {
			t.Errorf("%v [%v, %v) outside region", p.Type, p.Address, p.End())
		}
		if i > 0 && p.Address < l.Placements[i-1].End() {
			t.Errorf("%v overlaps %v", p.Type, l.Placements[i-1].Type)
		}
		used += p.Bytes()
	}
	if got := used + l.FreeSize(); got != l.Size {
		t.Errorf("placed %#x + free %#x bytes = %#x, want region size %#x", used, l.FreeSize(), got, l.Size)
	}
}

func TestRandomizedLayout(t *testing.T) {
	specs := DefaultResourceCounts().Specs(map[Type]HeapSpec{
		TypeThread:  {ObjectSize: 0x380, Align: 0x10},
		TypeSession: {ObjectSize: 0x90, Align: 8},
	})
	gaps := CalculateSlabHeapGapSize(false)
	size := CalculateTotalSlabHeapSize(specs, gaps)

	orders := make(map[Type]bool)
	for seed := range uint64(8) {
		rng := rand.NewBitGeneratorFromSeed(seed, seed*31+7)
		l, err := SlabLayout(testBase, size, specs, gaps, rng)
		if err != nil {
			t.Fatalf("seed %d: SlabLayout failed: %v", seed, err)
		}
		checkLayout(t, l, specs)
		orders[l.Placements[0].Type] = true
		if l.Placement(TypeSession).Count != 933 {
			t.Errorf("seed %d: session heap count = %d", seed, l.Placement(TypeSession).Count)
		}
	}
	if len(orders) < 2 {
		t.Errorf("eight seeds placed the same heap first every time")
	}
}

func TestLayoutTooSmall(t *testing.T) {
	specs := []HeapSpec{{Type: TypeProcess, Count: 0x100, ObjectSize: 0x100, Align: 8}}
	if _, err := SlabLayout(testBase, 0x1000, specs, 0, nil); err == nil {
		t.Errorf("SlabLayout of oversized heap succeeded")
	}
	bad := []HeapSpec{{Type: TypeProcess, Count: 1, ObjectSize: 8, Align: 3}}
	if _, err := SlabLayout(testBase, 0x1000, bad, 0, nil); err == nil {
		t.Errorf("SlabLayout with non power of two alignment succeeded")
	}
}

func TestDonateFree(t *testing.T) {
	specs := DefaultResourceCounts().Specs(nil)
	gaps := CalculateSlabHeapGapSize(false)
	size := CalculateTotalSlabHeapSize(specs, gaps)
	l, err := SlabLayout(testBase, size, specs, gaps, rand.NewBitGeneratorFromSeed(1, 2))
	if err != nil {
		t.Fatalf("SlabLayout failed: %v", err)
	}
	u := NewUnusedSlabMemory()
	l.DonateFree(u)
	if got := u.FreeSize(); got != l.FreeSize() {
		t.Errorf("donated %#x bytes, want %#x", got, l.FreeSize())
	}
	if !sort.SliceIsSorted(l.Free, func(i, j int) bool { return l.Free[i].Start < l.Free[j].Start }) {
		t.Errorf("free extents not in address order: %v", l.Free)
	}
	if got := u.NumExtents(); got != len(l.Free) {
		t.Errorf("arena has %d extents, layout has %d", got, len(l.Free))
	}
}
