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
	"time"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
)

// HardwareTimer delivers wait timeouts. Each waiting thread has at most one
// registered task; when it fires, the thread's wait is cancelled with
// ErrTimedOut through its queue.
type HardwareTimer struct {
	k *Kernel

	// pending is the number of armed tasks. Protected by the scheduler lock.
	pending int
}

type timerTask struct {
	t     *Thread
	seq   uint64
	timer *time.Timer
}

// RegisterTask arms a timeout of timeout nanoseconds for the current wait of
// t, replacing any previous task.
//
// Preconditions: The scheduler lock is held. t is waiting.
func (h *HardwareTimer) RegisterTask(t *Thread, timeout int64) {
	h.CancelTask(t)
	task := &timerTask{t: t, seq: t.waitSeq}
	t.timerTask = task
	h.pending++
	task.timer = time.AfterFunc(time.Duration(timeout), func() { h.fire(task) })
}

// CancelTask disarms the task of t, if any. A task whose callback already
// started is recognized as stale when it runs.
//
// Preconditions: The scheduler lock is held.
func (h *HardwareTimer) CancelTask(t *Thread) {
	task := t.timerTask
	if task == nil {
		return
	}
	task.timer.Stop()
	t.timerTask = nil
	h.pending--
}

// PendingTasks returns the number of armed tasks.
func (h *HardwareTimer) PendingTasks() int {
	h.k.sched.Lock(nil)
	defer h.k.sched.Unlock(nil)
	return h.pending
}

func (h *HardwareTimer) fire(task *timerTask) {
	h.k.sched.Lock(nil)
	defer h.k.sched.Unlock(nil)

	t := task.t
	if t.timerTask != task {
		return
	}
	t.timerTask = nil
	h.pending--
	if t.state == ThreadStateWaiting && t.waitSeq == task.seq {
		t.waitQueue.CancelWait(t, kernerr.ErrTimedOut, false)
	}
}
