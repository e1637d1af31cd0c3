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

// Package kernel provides the scheduling substrate of the kernel model:
// threads, the global scheduler lock, thread queues, the hardware timer,
// processes and handle tables.
//
// Every thread is driven by its own goroutine. A thread suspends only through
// a SleepScope, which releases the scheduler lock and parks the goroutine
// until another party ends the wait under the same lock.
//
// Lock order (outermost locks must be taken first):
//
// SchedulerLock
//
//	HandleTable.mu
//	  limits.ResourceLimit.mu
//
// Thread wait state is protected by the SchedulerLock.
package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
)

// TargetSystem holds system wide policy flags.
type TargetSystem struct {
	// DynamicResourceLimits permits privileged object creation to overflow
	// the system resource limit into unused slab memory.
	DynamicResourceLimits bool
}

// IsDynamicResourceLimitsEnabled returns true if objects may be created from
// unused slab memory when the system resource limit is exhausted.
func (ts TargetSystem) IsDynamicResourceLimitsEnabled() bool {
	return ts.DynamicResourceLimits
}

// Kernel is the kernel model. It must be initialized by calling Init.
type Kernel struct {
	sched SchedulerLock
	timer HardwareTimer

	// All of the following fields are immutable after Init.

	memoryManager       *pgalloc.MemoryManager
	systemResourceLimit *limits.ResourceLimit
	target              TargetSystem
	cores               int

	nextThreadID  atomic.Uint64
	nextProcessID atomic.Uint64
}

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// MemoryManager owns physical memory. It may be nil for kernels that
	// only exercise synchronization.
	MemoryManager *pgalloc.MemoryManager

	// SystemResourceLimit is the limit shared by system processes.
	SystemResourceLimit *limits.ResourceLimit

	// Target holds policy flags.
	Target TargetSystem

	// Cores is the number of simulated cores.
	Cores int
}

// Init initializes the Kernel with no processes.
func (k *Kernel) Init(args InitKernelArgs) error {
	if args.SystemResourceLimit == nil {
		return fmt.Errorf("SystemResourceLimit is nil")
	}
	if args.Cores <= 0 {
		return fmt.Errorf("Cores is %d", args.Cores)
	}
	k.memoryManager = args.MemoryManager
	k.systemResourceLimit = args.SystemResourceLimit
	k.target = args.Target
	k.cores = args.Cores
	k.timer.k = k
	k.nextThreadID.Store(firstThreadID)
	k.nextProcessID.Store(firstProcessID)
	log.Infof("Kernel initialized: %d cores, dynamic resource limits %t", k.cores, k.target.DynamicResourceLimits)
	return nil
}

// Thread and process identifiers start above the reserved initial ranges.
const (
	firstThreadID  = 0x51
	firstProcessID = 0x51
)

// Scheduler returns the global scheduler lock.
func (k *Kernel) Scheduler() *SchedulerLock {
	return &k.sched
}

// Timer returns the hardware timer.
func (k *Kernel) Timer() *HardwareTimer {
	return &k.timer
}

// MemoryManager returns the physical memory manager, or nil.
func (k *Kernel) MemoryManager() *pgalloc.MemoryManager {
	return k.memoryManager
}

// SystemResourceLimit returns the system resource limit.
func (k *Kernel) SystemResourceLimit() *limits.ResourceLimit {
	return k.systemResourceLimit
}

// TargetSystem returns the policy flags.
func (k *Kernel) TargetSystem() TargetSystem {
	return k.target
}

// Cores returns the number of simulated cores.
func (k *Kernel) Cores() int {
	return k.cores
}
