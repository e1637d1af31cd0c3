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
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/ilist"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
)

// ThreadState is the scheduling state of a thread.
type ThreadState int

// Thread states.
const (
	ThreadStateInitialized ThreadState = iota
	ThreadStateRunnable
	ThreadStateWaiting
	ThreadStateTerminated
)

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	switch s {
	case ThreadStateInitialized:
		return "Initialized"
	case ThreadStateRunnable:
		return "Runnable"
	case ThreadStateWaiting:
		return "Waiting"
	case ThreadStateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("ThreadState(%d)", int(s))
	}
}

// Thread priorities. Lower values are more urgent.
const (
	HighestThreadPriority = 0
	LowestThreadPriority  = 63
)

// LightSessionDataWords is the size of the message a light session carries
// in a thread's registers.
const LightSessionDataWords = 7

// Thread is a schedulable entity. Its goroutine is provided by the caller;
// the Thread tracks the wait state that the scheduler lock protects.
type Thread struct {
	// Entry links the thread into the wait list of the object it is waiting
	// on. It is protected by the scheduler lock.
	ilist.Entry[*Thread]

	k        *Kernel
	id       uint64
	priority int32
	process  *Process

	// wakeup receives one value each time a wait ends.
	wakeup chan struct{}

	// terminationRequested is set once and never cleared. It is written under
	// the scheduler lock and may be read without it.
	terminationRequested atomic.Bool

	// The following fields are protected by the scheduler lock.

	state      ThreadState
	waitQueue  WaitQueue
	waitResult error
	waitSeq    uint64
	timerTask  *timerTask

	// cancellable is set while the thread is in a wait that WaitCancel may
	// interrupt. waitCancelled records a WaitCancel that arrived outside such
	// a wait.
	cancellable   bool
	waitCancelled bool

	lightData [LightSessionDataWords]uint32
}

// NewThread creates a runnable thread owned by p. p may be nil for kernel
// threads. A thread owned by a process holds one unit of the Threads limit,
// returned by Exit.
func (k *Kernel) NewThread(p *Process, priority int32) (*Thread, error) {
	if priority < HighestThreadPriority || priority > LowestThreadPriority {
		return nil, kernerr.ErrInvalidArgument
	}
	if p != nil && !p.ResourceLimit().Reserve(limits.Threads, 1) {
		return nil, kernerr.ErrLimitReached
	}
	t := &Thread{
		k:        k,
		id:       k.nextThreadID.Add(1) - 1,
		priority: priority,
		process:  p,
		wakeup:   make(chan struct{}, 1),
		state:    ThreadStateRunnable,
	}
	log.Debugf("Thread %d created (priority %d)", t.id, priority)
	return t, nil
}

// ID returns the thread's identifier.
func (t *Thread) ID() uint64 { return t.id }

// Priority returns the thread's priority.
func (t *Thread) Priority() int32 { return t.priority }

// Process returns the owning process, or nil for kernel threads.
func (t *Thread) Process() *Process { return t.process }

// Kernel returns the kernel the thread belongs to.
func (t *Thread) Kernel() *Kernel { return t.k }

// String implements fmt.Stringer.
func (t *Thread) String() string {
	if t == nil {
		return "<interrupt>"
	}
	return fmt.Sprintf("thread %d", t.id)
}

// State returns the thread's state.
//
// Preconditions: The scheduler lock is held.
func (t *Thread) State() ThreadState { return t.state }

// WaitResult returns the outcome of the last wait. It is valid once the
// thread has returned from SleepScope.Unlock.
func (t *Thread) WaitResult() error { return t.waitResult }

// LightSessionData returns the thread's light session message words.
func (t *Thread) LightSessionData() *[LightSessionDataWords]uint32 { return &t.lightData }

// IsTerminationRequested returns true once RequestTerminate has been called.
func (t *Thread) IsTerminationRequested() bool {
	return t.terminationRequested.Load()
}

// IsWaiting returns true if the thread is in a wait.
//
// Preconditions: The scheduler lock is held.
func (t *Thread) IsWaiting() bool {
	return t.state == ThreadStateWaiting
}

// WaitQueue returns the queue the thread waits on, or nil.
//
// Preconditions: The scheduler lock is held.
func (t *Thread) WaitQueue() WaitQueue {
	return t.waitQueue
}

// BeginWait marks the thread as waiting on q. The thread sleeps when its
// SleepScope is unlocked.
//
// Preconditions: The scheduler lock is held by t. t is not waiting.
func (t *Thread) BeginWait(q WaitQueue) {
	if t.state == ThreadStateWaiting {
		panic(fmt.Sprintf("%v begins a wait while waiting", t))
	}
	t.state = ThreadStateWaiting
	t.waitQueue = q
	t.waitResult = nil
	t.waitSeq++
}

// EndWait ends the thread's wait with result through its queue. It has no
// effect if the thread is not waiting.
//
// Preconditions: The scheduler lock is held.
func (t *Thread) EndWait(result error) {
	if t.state == ThreadStateWaiting {
		t.waitQueue.EndWait(t, result)
	}
}

// CancelWait aborts the thread's wait with result through its queue, so that
// the queue can withdraw the thread. It has no effect if the thread is not
// waiting.
//
// Preconditions: The scheduler lock is held.
func (t *Thread) CancelWait(result error, cancelTimer bool) {
	if t.state == ThreadStateWaiting {
		t.waitQueue.CancelWait(t, result, cancelTimer)
	}
}

// finishWait makes the thread runnable with result and wakes its goroutine.
//
// Preconditions: The scheduler lock is held. t is waiting.
func (t *Thread) finishWait(result error, cancelTimer bool) {
	t.waitResult = result
	t.state = ThreadStateRunnable
	t.waitQueue = nil
	if cancelTimer {
		t.k.timer.CancelTask(t)
	}
	select {
	case t.wakeup <- struct{}{}:
	default:
		panic(fmt.Sprintf("%v woken twice", t))
	}
}

// RequestTerminate asks the thread to terminate. A waiting thread is woken
// with ErrTerminationRequested; later waits fail with it.
func (t *Thread) RequestTerminate() {
	t.k.sched.Lock(nil)
	defer t.k.sched.Unlock(nil)
	if t.terminationRequested.Swap(true) {
		return
	}
	log.Debugf("%v: termination requested", t)
	t.CancelWait(kernerr.ErrTerminationRequested, true)
}

// SetCancellable marks the thread's current wait as interruptible by
// WaitCancel.
//
// Preconditions: The scheduler lock is held.
func (t *Thread) SetCancellable() { t.cancellable = true }

// ClearCancellable reverses SetCancellable.
//
// Preconditions: The scheduler lock is held.
func (t *Thread) ClearCancellable() { t.cancellable = false }

// IsWaitCancelled returns true if a WaitCancel is pending.
//
// Preconditions: The scheduler lock is held.
func (t *Thread) IsWaitCancelled() bool { return t.waitCancelled }

// ClearWaitCancelled consumes a pending WaitCancel.
//
// Preconditions: The scheduler lock is held.
func (t *Thread) ClearWaitCancelled() { t.waitCancelled = false }

// WaitCancel interrupts a cancellable wait with ErrCancelled, or records the
// cancellation for the next cancellable wait.
func (t *Thread) WaitCancel() {
	t.k.sched.Lock(nil)
	defer t.k.sched.Unlock(nil)
	if t.state == ThreadStateWaiting && t.cancellable {
		t.CancelWait(kernerr.ErrCancelled, true)
		return
	}
	t.waitCancelled = true
}

// Exit terminates the thread and returns its resources. The thread must not
// be waiting.
func (t *Thread) Exit() {
	t.k.sched.Lock(t)
	if t.state == ThreadStateWaiting {
		panic(fmt.Sprintf("%v exits while waiting", t))
	}
	if t.state == ThreadStateTerminated {
		t.k.sched.Unlock(t)
		return
	}
	t.state = ThreadStateTerminated
	t.k.sched.Unlock(t)
	if t.process != nil {
		t.process.ResourceLimit().Release(limits.Threads, 1)
	}
	log.Debugf("%v exited", t)
}
