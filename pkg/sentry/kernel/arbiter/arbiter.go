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

// Package arbiter provides the address arbiter: threads wait on a condition
// over a 32-bit word of user memory and are woken by signals on the word's
// address.
//
// All state is protected by the kernel's scheduler lock, so the memory
// update a signal performs and the set of threads it wakes are computed from
// the same snapshot of the waiter tree.
package arbiter

import (
	"fmt"

	"github.com/google/btree"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
)

// Memory abstracts user memory accesses. Each method reports false if the
// word at addr cannot be accessed atomically.
//
// usermem.AddressSpace implements Memory.
type Memory interface {
	// LoadWord reads the word at addr.
	LoadWord(addr hostarch.Addr) (int32, bool)

	// DecrementIfLessThan decrements the word at addr if it is less than
	// value, returning the previous value.
	DecrementIfLessThan(addr hostarch.Addr, value int32) (int32, bool)

	// UpdateIfEqual stores newValue at addr if the word equals value,
	// returning the previous value.
	UpdateIfEqual(addr hostarch.Addr, value, newValue int32) (int32, bool)
}

// SignalType selects the memory update a signal performs.
type SignalType int

// Signal types.
const (
	SignalTypeSignal SignalType = iota
	SignalTypeSignalAndIncrementIfEqual
	SignalTypeSignalAndModifyByWaitingCountIfEqual
)

// ArbitrationType selects the condition a wait checks.
type ArbitrationType int

// Arbitration types.
const (
	ArbitrationTypeWaitIfLessThan ArbitrationType = iota
	ArbitrationTypeDecrementAndWaitIfLessThan
	ArbitrationTypeWaitIfEqual
)

// treeDegree is the btree node degree.
const treeDegree = 8

// waiter is one thread's wait on an address. It is the thread's wait queue
// for the duration of the wait.
type waiter struct {
	kernel.ThreadQueue

	a        *AddressArbiter
	t        *kernel.Thread
	addr     hostarch.Addr
	priority int32
	seq      uint64

	// queued is true while the waiter is in a.tree.
	queued bool
}

// CancelWait implements kernel.WaitQueue.CancelWait. A waiter cancelled by
// termination or timeout leaves the tree before it is woken.
func (w *waiter) CancelWait(t *kernel.Thread, result error, cancelTimer bool) {
	w.a.removeLocked(w)
	w.ThreadQueue.CancelWait(t, result, cancelTimer)
}

func waiterLess(a, b *waiter) bool {
	if a.addr != b.addr {
		return a.addr < b.addr
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// AddressArbiter is the address arbiter of one process.
type AddressArbiter struct {
	k   *kernel.Kernel
	mem Memory

	// The following fields are protected by the scheduler lock.

	// tree orders waiters by address, then priority, then arrival.
	tree *btree.BTreeG[*waiter]
	seq  uint64
}

// New returns an arbiter over mem.
func New(k *kernel.Kernel, mem Memory) *AddressArbiter {
	return &AddressArbiter{
		k:    k,
		mem:  mem,
		tree: btree.NewG(treeDegree, waiterLess),
	}
}

// NumWaiters returns the number of threads waiting on any address.
func (a *AddressArbiter) NumWaiters() int {
	a.k.Scheduler().Lock(nil)
	defer a.k.Scheduler().Unlock(nil)
	return a.tree.Len()
}

// SignalToAddress dispatches to the signal operation selected by typ.
func (a *AddressArbiter) SignalToAddress(addr hostarch.Addr, typ SignalType, value, count int32) error {
	switch typ {
	case SignalTypeSignal:
		return a.Signal(addr, count)
	case SignalTypeSignalAndIncrementIfEqual:
		return a.SignalAndIncrementIfEqual(addr, value, count)
	case SignalTypeSignalAndModifyByWaitingCountIfEqual:
		return a.SignalAndModifyByWaitingCountIfEqual(addr, value, count)
	default:
		return kernerr.ErrInvalidEnumValue
	}
}

// WaitForAddress dispatches to the wait operation selected by typ.
func (a *AddressArbiter) WaitForAddress(t *kernel.Thread, addr hostarch.Addr, typ ArbitrationType, value int32, timeout int64) error {
	switch typ {
	case ArbitrationTypeWaitIfLessThan:
		return a.WaitIfLessThan(t, addr, value, false, timeout)
	case ArbitrationTypeDecrementAndWaitIfLessThan:
		return a.WaitIfLessThan(t, addr, value, true, timeout)
	case ArbitrationTypeWaitIfEqual:
		return a.WaitIfEqual(t, addr, value, timeout)
	default:
		return kernerr.ErrInvalidEnumValue
	}
}

// Signal wakes up to count threads waiting on addr, in priority order. A
// count of zero or less wakes every waiter.
func (a *AddressArbiter) Signal(addr hostarch.Addr, count int32) error {
	a.k.Scheduler().Lock(nil)
	defer a.k.Scheduler().Unlock(nil)
	a.wakeLocked(addr, count)
	return nil
}

// SignalAndIncrementIfEqual increments the word at addr if it equals value,
// then wakes up to count waiters. It fails with ErrInvalidState, waking
// nobody, if the word does not equal value.
func (a *AddressArbiter) SignalAndIncrementIfEqual(addr hostarch.Addr, value, count int32) error {
	a.k.Scheduler().Lock(nil)
	defer a.k.Scheduler().Unlock(nil)

	old, ok := a.mem.UpdateIfEqual(addr, value, value+1)
	if !ok {
		return kernerr.ErrInvalidCurrentMemory
	}
	if old != value {
		return kernerr.ErrInvalidState
	}
	a.wakeLocked(addr, count)
	return nil
}

// SignalAndModifyByWaitingCountIfEqual adjusts the word at addr according to
// how many threads will remain waiting, then wakes up to count waiters:
//
//   - with no waiters the word is incremented;
//   - when every waiter is woken (count <= 0) it is decreased by two;
//   - when count wakes the last waiter it is decremented;
//   - otherwise it is left unchanged.
//
// It fails with ErrInvalidState, waking nobody, if the word does not equal
// value.
func (a *AddressArbiter) SignalAndModifyByWaitingCountIfEqual(addr hostarch.Addr, value, count int32) error {
	a.k.Scheduler().Lock(nil)
	defer a.k.Scheduler().Unlock(nil)

	var newValue int32
	switch n := a.countLocked(addr, count); {
	case n == 0:
		newValue = value + 1
	case count <= 0:
		newValue = value - 2
	case n <= int(count):
		newValue = value - 1
	default:
		newValue = value
	}

	var (
		old int32
		ok  bool
	)
	if newValue != value {
		old, ok = a.mem.UpdateIfEqual(addr, value, newValue)
	} else {
		old, ok = a.mem.LoadWord(addr)
	}
	if !ok {
		return kernerr.ErrInvalidCurrentMemory
	}
	if old != value {
		return kernerr.ErrInvalidState
	}
	a.wakeLocked(addr, count)
	return nil
}

// WaitIfLessThan waits on addr if the word there is less than value. With
// decrement set, the word is decremented in the same atomic access. timeout
// is in nanoseconds; zero fails with ErrTimedOut instead of waiting and a
// negative value waits forever.
func (a *AddressArbiter) WaitIfLessThan(t *kernel.Thread, addr hostarch.Addr, value int32, decrement bool, timeout int64) error {
	return a.wait(t, addr, timeout, func() error {
		var (
			v  int32
			ok bool
		)
		if decrement {
			v, ok = a.mem.DecrementIfLessThan(addr, value)
		} else {
			v, ok = a.mem.LoadWord(addr)
		}
		if !ok {
			return kernerr.ErrInvalidCurrentMemory
		}
		if v >= value {
			return kernerr.ErrInvalidState
		}
		return nil
	})
}

// WaitIfEqual waits on addr if the word there equals value. timeout is as
// for WaitIfLessThan.
func (a *AddressArbiter) WaitIfEqual(t *kernel.Thread, addr hostarch.Addr, value int32, timeout int64) error {
	return a.wait(t, addr, timeout, func() error {
		v, ok := a.mem.LoadWord(addr)
		if !ok {
			return kernerr.ErrInvalidCurrentMemory
		}
		if v != value {
			return kernerr.ErrInvalidState
		}
		return nil
	})
}

// wait runs check under the scheduler lock and, if it passes, sleeps on
// addr until signalled, cancelled or timed out.
func (a *AddressArbiter) wait(t *kernel.Thread, addr hostarch.Addr, timeout int64, check func() error) error {
	s := a.k.LockAndSleep(t, timeout)
	if t.IsTerminationRequested() {
		s.CancelSleep()
		s.Unlock()
		return kernerr.ErrTerminationRequested
	}
	if err := check(); err != nil {
		s.CancelSleep()
		s.Unlock()
		return err
	}
	if timeout == 0 {
		s.CancelSleep()
		s.Unlock()
		return kernerr.ErrTimedOut
	}

	a.seq++
	w := &waiter{
		a:        a,
		t:        t,
		addr:     addr,
		priority: t.Priority(),
		seq:      a.seq,
	}
	a.insertLocked(w)
	t.BeginWait(w)
	log.Debugf("%v: waiting on address %v", t, addr)
	s.Unlock()

	a.k.Scheduler().Lock(t)
	a.removeLocked(w)
	a.k.Scheduler().Unlock(t)
	return t.WaitResult()
}

// Preconditions: The scheduler lock is held.
func (a *AddressArbiter) insertLocked(w *waiter) {
	if _, dup := a.tree.ReplaceOrInsert(w); dup {
		panic(fmt.Sprintf("duplicate arbiter waiter for %v", w.t))
	}
	w.queued = true
}

// Preconditions: The scheduler lock is held.
func (a *AddressArbiter) removeLocked(w *waiter) {
	if !w.queued {
		return
	}
	if _, ok := a.tree.Delete(w); !ok {
		panic(fmt.Sprintf("arbiter waiter for %v missing from the tree", w.t))
	}
	w.queued = false
}

// firstKey is the smallest possible key at addr.
func firstKey(addr hostarch.Addr) *waiter {
	return &waiter{addr: addr, priority: -1}
}

// countLocked counts the waiters on addr, stopping once the count exceeds
// limit. A non-positive limit counts at most one.
//
// Preconditions: The scheduler lock is held.
func (a *AddressArbiter) countLocked(addr hostarch.Addr, limit int32) int {
	n := 0
	stop := max(int(limit), 0) + 1
	a.tree.AscendGreaterOrEqual(firstKey(addr), func(w *waiter) bool {
		if w.addr != addr {
			return false
		}
		n++
		return n < stop
	})
	return n
}

// wakeLocked wakes up to count waiters on addr; count <= 0 wakes all.
//
// Preconditions: The scheduler lock is held.
func (a *AddressArbiter) wakeLocked(addr hostarch.Addr, count int32) int {
	var woken []*waiter
	a.tree.AscendGreaterOrEqual(firstKey(addr), func(w *waiter) bool {
		if w.addr != addr || (count > 0 && len(woken) >= int(count)) {
			return false
		}
		woken = append(woken, w)
		return true
	})
	for _, w := range woken {
		a.removeLocked(w)
		w.t.EndWait(nil)
	}
	if len(woken) > 0 {
		log.Debugf("Woke %d waiters on address %v", len(woken), addr)
	}
	return len(woken)
}
