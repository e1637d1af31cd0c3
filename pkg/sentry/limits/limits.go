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

// Package limits provides resource limits shared by groups of processes.
package limits

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
)

// LimitType defines a type of resource limit.
type LimitType int

// Set of limitable resources.
const (
	PhysicalMemory LimitType = iota
	Threads
	Events
	TransferMemory
	Sessions

	// LimitTypeCount is the number of limitable resources.
	LimitTypeCount
)

var limitTypeNames = [LimitTypeCount]string{
	PhysicalMemory: "PhysicalMemory",
	Threads:        "Threads",
	Events:         "Events",
	TransferMemory: "TransferMemory",
	Sessions:       "Sessions",
}

// String implements fmt.Stringer.
func (lt LimitType) String() string {
	if lt >= 0 && lt < LimitTypeCount {
		return limitTypeNames[lt]
	}
	return fmt.Sprintf("LimitType(%d)", int(lt))
}

// DefaultReserveTimeout is how long Reserve waits for other reservations to
// be released before giving up.
const DefaultReserveTimeout = 10 * time.Second

// ResourceLimit tracks the limit, current usage, in-flight hint and peak of
// every LimitType. A reservation that does not fit waits for releases until
// its timeout expires.
type ResourceLimit struct {
	mu sync.Mutex

	// +checklocks:mu
	limit [LimitTypeCount]int64
	// +checklocks:mu
	current [LimitTypeCount]int64
	// +checklocks:mu
	hint [LimitTypeCount]int64
	// +checklocks:mu
	peak [LimitTypeCount]int64

	// released is closed and replaced whenever a resource is released, waking
	// waiting reservations.
	//
	// +checklocks:mu
	released chan struct{}

	// +checklocks:mu
	waiters int

	// +checklocks:mu
	timeout time.Duration
}

// NewResourceLimit returns a ResourceLimit with every limit at zero.
func NewResourceLimit() *ResourceLimit {
	return &ResourceLimit{
		released: make(chan struct{}),
		timeout:  DefaultReserveTimeout,
	}
}

// SetReserveTimeout sets how long Reserve waits. Zero makes reservations
// fail immediately when they do not fit.
func (rl *ResourceLimit) SetReserveTimeout(d time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.timeout = d
}

// GetLimitValue returns the limit for which.
func (rl *ResourceLimit) GetLimitValue(which LimitType) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limit[which]
}

// GetCurrentValue returns the amount of which in use.
func (rl *ResourceLimit) GetCurrentValue(which LimitType) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.current[which]
}

// GetPeakValue returns the highest amount of which ever in use.
func (rl *ResourceLimit) GetPeakValue(which LimitType) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.peak[which]
}

// GetFreeValue returns the amount of which still available.
func (rl *ResourceLimit) GetFreeValue(which LimitType) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limit[which] - rl.current[which]
}

// SetLimitValue sets the limit for which. It fails with ErrInvalidState if
// more than value is already in use.
func (rl *ResourceLimit) SetLimitValue(which LimitType, value int64) error {
	if value < 0 {
		return kernerr.ErrInvalidArgument
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.current[which] > value {
		return kernerr.ErrInvalidState
	}
	rl.limit[which] = value
	rl.peak[which] = rl.current[which]
	return nil
}

// Add raises both the limit and the usage of which by value. It accounts for
// objects created outside the limit, which are then released normally.
func (rl *ResourceLimit) Add(which LimitType, value int64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if value < 0 || rl.limit[which] > math.MaxInt64-value {
		return kernerr.ErrLimitReached
	}
	rl.limit[which] += value
	rl.current[which] += value
	rl.hint[which] += value
	rl.peak[which] = max(rl.peak[which], rl.current[which])
	return nil
}

// Reserve takes value units of which, waiting up to the reserve timeout for
// other holders to release them. It returns false if the reservation could
// not be made.
func (rl *ResourceLimit) Reserve(which LimitType, value int64) bool {
	if value < 0 {
		panic(fmt.Sprintf("negative reservation %d of %v", value, which))
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var deadline <-chan time.Time
	for {
		if rl.current[which]+value <= rl.limit[which] && rl.hint[which]+value <= rl.limit[which] {
			rl.current[which] += value
			rl.hint[which] += value
			rl.peak[which] = max(rl.peak[which], rl.current[which])
			return true
		}
		// Usage above the hint is being released; only then is waiting
		// useful.
		if rl.hint[which]+value > rl.limit[which] || rl.timeout <= 0 {
			return false
		}
		if deadline == nil {
			t := time.NewTimer(rl.timeout)
			defer t.Stop()
			deadline = t.C
		}
		released := rl.released
		rl.waiters++
		rl.mu.Unlock()
		var timedOut bool
		select {
		case <-released:
		case <-deadline:
			timedOut = true
		}
		rl.mu.Lock()
		rl.waiters--
		if timedOut {
			return false
		}
	}
}

// Release returns value units of which.
func (rl *ResourceLimit) Release(which LimitType, value int64) {
	rl.ReleaseWithHint(which, value, value)
}

// ReleaseWithHint returns value units of which and lowers the hint by hint.
// Lowering the hint ahead of the usage announces a release that is in
// progress, letting reservations wait for it instead of failing.
func (rl *ResourceLimit) ReleaseWithHint(which LimitType, value, hint int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if value < 0 || hint < 0 || value > rl.current[which] || hint > rl.hint[which] {
		panic(fmt.Sprintf("invalid release of %d (hint %d) %v: current %d, hint %d", value, hint, which, rl.current[which], rl.hint[which]))
	}
	rl.current[which] -= value
	rl.hint[which] -= hint
	if rl.waiters != 0 {
		close(rl.released)
		rl.released = make(chan struct{})
	}
}

// ScopedReservation is a reservation that is released unless committed.
//
// Typical use:
//
//	r := limits.NewScopedReservation(rl, limits.Sessions, 1)
//	if !r.Succeeded() {
//		return kernerr.ErrLimitReached
//	}
//	defer r.Release()
//	...
//	r.Commit()
type ScopedReservation struct {
	rl        *ResourceLimit
	which     LimitType
	value     int64
	succeeded bool
}

// NewScopedReservation reserves value units of which from rl. A nil rl always
// succeeds.
func NewScopedReservation(rl *ResourceLimit, which LimitType, value int64) *ScopedReservation {
	r := &ScopedReservation{rl: rl, which: which, value: value}
	r.succeeded = rl == nil || rl.Reserve(which, value)
	return r
}

// Succeeded returns true if the reservation was made.
func (r *ScopedReservation) Succeeded() bool {
	return r.succeeded
}

// Commit keeps the reservation; Release becomes a no-op.
func (r *ScopedReservation) Commit() {
	r.rl = nil
}

// Release returns an uncommitted, successful reservation.
func (r *ScopedReservation) Release() {
	if r.rl != nil && r.succeeded {
		r.rl.Release(r.which, r.value)
	}
	r.rl = nil
}
