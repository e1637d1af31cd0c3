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

package limits

import (
	"testing"
	"time"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
)

func TestSetLimitValue(t *testing.T) {
	rl := NewResourceLimit()
	rl.SetReserveTimeout(0)
	if err := rl.SetLimitValue(Sessions, 50); err != nil {
		t.Fatalf("SetLimitValue(50): %v", err)
	}
	if !rl.Reserve(Sessions, 30) {
		t.Fatalf("Reserve(30) failed")
	}
	if err := rl.SetLimitValue(Sessions, 20); err != kernerr.ErrInvalidState {
		t.Errorf("lowering the limit below usage: got %v, want %v", err, kernerr.ErrInvalidState)
	}
	if err := rl.SetLimitValue(Sessions, 40); err != nil {
		t.Errorf("lowering the limit above usage: %v", err)
	}
	if err := rl.SetLimitValue(Sessions, -1); err != kernerr.ErrInvalidArgument {
		t.Errorf("negative limit: got %v, want %v", err, kernerr.ErrInvalidArgument)
	}
	if got := rl.GetFreeValue(Sessions); got != 10 {
		t.Errorf("GetFreeValue = %d, want 10", got)
	}
}

func TestReserveRelease(t *testing.T) {
	rl := NewResourceLimit()
	rl.SetReserveTimeout(0)
	rl.SetLimitValue(Threads, 4)

	for i := 0; i < 4; i++ {
		if !rl.Reserve(Threads, 1) {
			t.Fatalf("Reserve %d failed", i)
		}
	}
	if rl.Reserve(Threads, 1) {
		t.Fatalf("Reserve beyond the limit succeeded")
	}
	rl.Release(Threads, 3)
	if got := rl.GetCurrentValue(Threads); got != 1 {
		t.Errorf("GetCurrentValue = %d, want 1", got)
	}
	if got := rl.GetPeakValue(Threads); got != 4 {
		t.Errorf("GetPeakValue = %d, want 4", got)
	}
}

func TestReserveWaitsForRelease(t *testing.T) {
	rl := NewResourceLimit()
	rl.SetReserveTimeout(time.Minute)
	rl.SetLimitValue(Events, 1)
	if !rl.Reserve(Events, 1) {
		t.Fatalf("Reserve failed")
	}
	// Announce the release; the usage follows later.
	rl.ReleaseWithHint(Events, 0, 1)

	done := make(chan bool)
	go func() { done <- rl.Reserve(Events, 1) }()
	select {
	case ok := <-done:
		t.Fatalf("Reserve returned %t before the usage was released", ok)
	case <-time.After(50 * time.Millisecond):
	}
	rl.ReleaseWithHint(Events, 1, 0)
	if !<-done {
		t.Errorf("Reserve failed after release")
	}
}

func TestReserveTimesOut(t *testing.T) {
	rl := NewResourceLimit()
	rl.SetReserveTimeout(10 * time.Millisecond)
	rl.SetLimitValue(Events, 1)
	rl.Reserve(Events, 1)
	rl.ReleaseWithHint(Events, 0, 1)
	if rl.Reserve(Events, 1) {
		t.Errorf("Reserve succeeded while the usage was held")
	}
	rl.SetReserveTimeout(0)
	rl.ReleaseWithHint(Events, 1, 0)
	if !rl.Reserve(Events, 1) {
		t.Errorf("Reserve failed after release")
	}
}

func TestAdd(t *testing.T) {
	rl := NewResourceLimit()
	rl.SetLimitValue(Sessions, 2)
	if err := rl.Add(Sessions, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := rl.GetLimitValue(Sessions); got != 3 {
		t.Errorf("GetLimitValue = %d, want 3", got)
	}
	if got := rl.GetCurrentValue(Sessions); got != 1 {
		t.Errorf("GetCurrentValue = %d, want 1", got)
	}
	rl.Release(Sessions, 1)
	if got := rl.GetFreeValue(Sessions); got != 3 {
		t.Errorf("GetFreeValue = %d, want 3", got)
	}
}

func TestScopedReservation(t *testing.T) {
	rl := NewResourceLimit()
	rl.SetReserveTimeout(0)
	rl.SetLimitValue(Sessions, 1)

	r := NewScopedReservation(rl, Sessions, 1)
	if !r.Succeeded() {
		t.Fatalf("reservation failed")
	}
	r.Release()
	if got := rl.GetCurrentValue(Sessions); got != 0 {
		t.Errorf("uncommitted reservation kept %d", got)
	}

	r = NewScopedReservation(rl, Sessions, 1)
	r.Commit()
	r.Release()
	if got := rl.GetCurrentValue(Sessions); got != 1 {
		t.Errorf("committed reservation dropped: current %d", got)
	}

	if r := NewScopedReservation(rl, Sessions, 1); r.Succeeded() {
		t.Errorf("reservation beyond the limit succeeded")
	}
	if r := NewScopedReservation(nil, Sessions, 1); !r.Succeeded() {
		t.Errorf("reservation without a limit failed")
	}
}

func TestReleaseTooMuchPanics(t *testing.T) {
	rl := NewResourceLimit()
	defer func() {
		if recover() == nil {
			t.Errorf("over-release did not panic")
		}
	}()
	rl.Release(PhysicalMemory, 1)
}
