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

// WaitQueue is what a thread waits on. Implementations that keep waiters in
// their own structure override CancelWait to withdraw the thread before
// delegating to ThreadQueue.
//
// All methods are called with the scheduler lock held and only for a thread
// that is waiting on the queue.
type WaitQueue interface {
	// EndWait completes the wait of t with result.
	EndWait(t *Thread, result error)

	// CancelWait aborts the wait of t with result. cancelTimer is false when
	// the wait is being cancelled by its own timeout.
	CancelWait(t *Thread, result error, cancelTimer bool)
}

// ThreadQueue is the base WaitQueue. It keeps no record of its waiters;
// ending a wait makes the thread runnable and disarms its timeout.
type ThreadQueue struct{}

// EndWait implements WaitQueue.EndWait.
func (ThreadQueue) EndWait(t *Thread, result error) {
	t.finishWait(result, true)
}

// CancelWait implements WaitQueue.CancelWait.
func (ThreadQueue) CancelWait(t *Thread, result error, cancelTimer bool) {
	t.finishWait(result, cancelTimer)
}
