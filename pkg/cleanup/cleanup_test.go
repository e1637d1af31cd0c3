// Copyright 2020 The gVisor Authors.
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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// reserveThenFail models a multi-step kernel operation: it reserves, then
// allocates, then fails at step fail (1-based) or commits when fail is 0.
func reserveThenFail(log *[]string, fail int) func() {
	cu := Make(func() {
		*log = append(*log, "release reservation")
	})
	defer cu.Clean()
	if fail == 1 {
		return nil
	}
	cu.Add(func() {
		*log = append(*log, "free allocation")
	})
	if fail == 2 {
		return nil
	}
	return cu.Release()
}

func TestCleanupOnFailure(t *testing.T) {
	for _, tc := range []struct {
		name string
		fail int
		want []string
	}{
		{
			name: "first step",
			fail: 1,
			want: []string{"release reservation"},
		},
		{
			name: "second step",
			fail: 2,
			want: []string{"free allocation", "release reservation"},
		},
		{
			name: "committed",
			fail: 0,
			want: nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var log []string
			reserveThenFail(&log, tc.fail)
			if diff := cmp.Diff(tc.want, log); diff != "" {
				t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRelease(t *testing.T) {
	var log []string
	undo := reserveThenFail(&log, 0)
	if len(log) != 0 {
		t.Fatalf("cleanup functions were called after release: %v", log)
	}

	// The returned function runs every registered cleanup, newest first.
	undo()
	want := []string{"free allocation", "release reservation"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Errorf("released cleanup mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	calls := 0
	cu := Make(func() { calls++ })
	cu.Clean()
	cu.Clean()
	if calls != 1 {
		t.Errorf("cleanup ran %d times, want 1", calls)
	}
}
