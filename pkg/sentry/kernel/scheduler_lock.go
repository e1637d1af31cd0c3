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

package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SchedulerLock is the single global critical section covering thread wait
// state and every wait structure built on it. It is recursive for a given
// thread. A nil thread denotes a context with no thread of its own, such as
// a timer interrupt; such acquisitions never nest.
type SchedulerLock struct {
	mu sync.Mutex

	// owner is the thread holding the lock, or nil. It is written only by the
	// holder and read without mu to detect recursion.
	owner atomic.Pointer[Thread]

	// +checklocks:mu
	depth int
}

// Lock acquires the lock on behalf of t.
func (l *SchedulerLock) Lock(t *Thread) {
	if t != nil && l.owner.Load() == t {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(t)
	l.depth = 1
}

// Unlock releases one acquisition by t.
//
// Preconditions: The lock is held by t.
func (l *SchedulerLock) Unlock(t *Thread) {
	if l.owner.Load() != t || l.depth <= 0 {
		panic(fmt.Sprintf("scheduler lock released by %v, which does not hold it", t))
	}
	l.depth--
	if l.depth == 0 {
		l.owner.Store(nil)
		l.mu.Unlock()
	}
}

// IsLockedBy returns true if t holds the lock.
func (l *SchedulerLock) IsLockedBy(t *Thread) bool {
	return t != nil && l.owner.Load() == t
}

// SleepScope is a scheduler lock acquisition that may end in the thread
// sleeping. Within the scope the thread validates its wait condition and,
// if it must wait, enqueues itself and calls BeginWait. Unlock then arms the
// timeout, releases the lock and parks the thread until the wait ends.
//
// Typical use:
//
//	s := k.LockAndSleep(t, timeout)
//	if !condition {
//		s.CancelSleep()
//		s.Unlock()
//		return err
//	}
//	t.BeginWait(queue)
//	s.Unlock()
//	return t.WaitResult()
type SleepScope struct {
	k         *Kernel
	t         *Thread
	timeout   int64
	cancelled bool
}

// LockAndSleep acquires the scheduler lock for t and returns a scope that
// sleeps on Unlock. timeout is in nanoseconds; negative values wait forever.
func (k *Kernel) LockAndSleep(t *Thread, timeout int64) *SleepScope {
	k.sched.Lock(t)
	return &SleepScope{k: k, t: t, timeout: timeout}
}

// CancelSleep makes Unlock return without arming the timer or sleeping. It
// must be called only before the thread begins a wait.
func (s *SleepScope) CancelSleep() {
	s.cancelled = true
}

// Unlock ends the scope. If the thread began a wait, it sleeps until the wait
// ends; the outcome is then available from Thread.WaitResult.
func (s *SleepScope) Unlock() {
	t := s.t
	sleeping := t.state == ThreadStateWaiting
	if sleeping {
		if s.cancelled {
			panic(fmt.Sprintf("thread %d cancelled a sleep after beginning a wait", t.id))
		}
		if s.k.sched.depth != 1 {
			panic(fmt.Sprintf("thread %d sleeping with the scheduler lock held %d times", t.id, s.k.sched.depth))
		}
		if s.timeout > 0 {
			s.k.timer.RegisterTask(t, s.timeout)
		}
	}
	s.k.sched.Unlock(t)
	if sleeping {
		<-t.wakeup
	}
}
