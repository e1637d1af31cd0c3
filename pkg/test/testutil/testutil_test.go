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

package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPollUntil(t *testing.T) {
	var calls atomic.Int32
	err := PollUntil(func() bool {
		return calls.Add(1) >= 3
	}, "third call", time.Second)
	if err != nil {
		t.Fatalf("PollUntil: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestPollTimeout(t *testing.T) {
	err := PollUntil(func() bool { return false }, "never", 20*time.Millisecond)
	if err == nil {
		t.Errorf("PollUntil should time out")
	}
}
