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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testEntry struct {
	Entry[*testEntry]
	value int
}

func values(l *List[*testEntry]) []int {
	var out []int
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.value)
	}
	return out
}

func TestPushAndRemove(t *testing.T) {
	var l List[*testEntry]
	if !l.Empty() {
		t.Fatalf("zero List is not empty")
	}
	es := make([]*testEntry, 5)
	for i := range es {
		es[i] = &testEntry{value: i}
	}
	l.PushBack(es[1])
	l.PushBack(es[2])
	l.PushFront(es[0])
	l.PushBack(es[3])
	l.PushBack(es[4])

	for _, tc := range []struct {
		remove *testEntry
		want   []int
	}{
		{es[2], []int{0, 1, 3, 4}},
		{es[0], []int{1, 3, 4}},
		{es[4], []int{1, 3}},
		{es[1], []int{3}},
		{es[3], nil},
	} {
		l.Remove(tc.remove)
		if diff := cmp.Diff(tc.want, values(&l)); diff != "" {
			t.Errorf("after removing %d (-want +got):\n%s", tc.remove.value, diff)
		}
		if got := l.Len(); got != len(tc.want) {
			t.Errorf("Len = %d, want %d", got, len(tc.want))
		}
	}
	if !l.Empty() || l.Front() != nil || l.Back() != nil {
		t.Errorf("list not empty after removing every entry")
	}
}

func TestPopFront(t *testing.T) {
	var l List[*testEntry]
	for i := range 3 {
		l.PushBack(&testEntry{value: i})
	}
	for i := range 3 {
		if e := l.PopFront(); e == nil || e.value != i {
			t.Fatalf("PopFront = %v, want %d", e, i)
		}
	}
	if e := l.PopFront(); e != nil {
		t.Errorf("PopFront on empty list = %v", e)
	}
}

func TestReset(t *testing.T) {
	var l List[*testEntry]
	l.PushBack(&testEntry{})
	l.Reset()
	if !l.Empty() || l.Len() != 0 {
		t.Errorf("Reset left entries behind")
	}
}
