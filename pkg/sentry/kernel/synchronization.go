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
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/ilist"
)

// Signaler is an object threads can wait on.
type Signaler interface {
	// IsSignaled returns true if a waiter would proceed.
	//
	// Preconditions: The scheduler lock is held.
	IsSignaled() bool
}

// syncWaiter is one thread's wait on a SynchronizationObject.
type syncWaiter struct {
	ThreadQueue
	ilist.Entry[*syncWaiter]

	o *SynchronizationObject
	t *Thread
}

// CancelWait implements WaitQueue.CancelWait.
func (w *syncWaiter) CancelWait(t *Thread, result error, cancelTimer bool) {
	w.o.waiters.Remove(w)
	w.o = nil
	w.ThreadQueue.CancelWait(t, result, cancelTimer)
}

// SynchronizationObject tracks the threads waiting for an object to become
// signaled. Objects embed it and call NotifyAvailable when their signaled
// state may have changed.
//
// The zero value is ready to use.
type SynchronizationObject struct {
	// waiters is protected by the scheduler lock.
	waiters ilist.List[*syncWaiter]
}

// NumWaiters returns the number of waiting threads.
//
// Preconditions: The scheduler lock is held.
func (o *SynchronizationObject) NumWaiters() int {
	return o.waiters.Len()
}

// WaitSignaled blocks t until obj, which embeds o, is signaled or the wait
// fails. A wait that is cancelled returns ErrCancelled; timeout is as for
// LockAndSleep, with zero failing fast with ErrTimedOut.
//
// A nil return means obj was signaled at some point during the wait; the
// caller must still handle losing a race for whatever made it signaled.
func (o *SynchronizationObject) WaitSignaled(t *Thread, obj Signaler, timeout int64) error {
	s := t.k.LockAndSleep(t, timeout)
	if t.IsTerminationRequested() {
		s.CancelSleep()
		s.Unlock()
		return kernerr.ErrTerminationRequested
	}
	if obj.IsSignaled() {
		s.CancelSleep()
		s.Unlock()
		return nil
	}
	if timeout == 0 {
		s.CancelSleep()
		s.Unlock()
		return kernerr.ErrTimedOut
	}
	if t.IsWaitCancelled() {
		t.ClearWaitCancelled()
		s.CancelSleep()
		s.Unlock()
		return kernerr.ErrCancelled
	}

	w := &syncWaiter{o: o, t: t}
	o.waiters.PushBack(w)
	t.SetCancellable()
	t.BeginWait(w)
	s.Unlock()

	t.k.sched.Lock(t)
	t.ClearCancellable()
	t.k.sched.Unlock(t)
	return t.WaitResult()
}

// NotifyAvailable ends every wait on o with result.
//
// Preconditions: The scheduler lock is held.
func (o *SynchronizationObject) NotifyAvailable(result error) {
	for w := o.waiters.PopFront(); w != nil; w = o.waiters.PopFront() {
		w.o = nil
		w.t.EndWait(result)
	}
}
