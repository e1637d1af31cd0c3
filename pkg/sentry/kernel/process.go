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

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/usermem"
)

// CreateProcessArgs holds arguments to Kernel.CreateProcess.
type CreateProcessArgs struct {
	// Name is the process name, for diagnostics.
	Name string

	// ResourceLimit bounds the process. nil selects the system resource
	// limit.
	ResourceLimit *limits.ResourceLimit

	// Pool is the pool the process allocates memory from.
	Pool pgalloc.Pool

	// AddressSpace is the process's user memory. It may be nil for processes
	// that never touch user memory.
	AddressSpace *usermem.AddressSpace

	// HandleTableSize is the number of handle table entries; zero selects
	// the maximum.
	HandleTableSize int
}

// Process is a collection of threads sharing a resource limit, an address
// space and a handle table.
type Process struct {
	k     *Kernel
	id    uint64
	name  string
	limit *limits.ResourceLimit
	pool  pgalloc.Pool
	as    *usermem.AddressSpace

	handles HandleTable
}

// CreateProcess creates a process with no threads.
func (k *Kernel) CreateProcess(args CreateProcessArgs) (*Process, error) {
	if args.Pool >= pgalloc.PoolCount {
		return nil, fmt.Errorf("invalid pool %v", args.Pool)
	}
	p := &Process{
		k:     k,
		id:    k.nextProcessID.Add(1) - 1,
		name:  args.Name,
		limit: args.ResourceLimit,
		pool:  args.Pool,
		as:    args.AddressSpace,
	}
	if p.limit == nil {
		p.limit = k.systemResourceLimit
	}
	if err := p.handles.Initialize(args.HandleTableSize); err != nil {
		return nil, err
	}
	log.Debugf("Process %d (%q) created in pool %v", p.id, p.name, p.pool)
	return p, nil
}

// ID returns the process identifier.
func (p *Process) ID() uint64 { return p.id }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// Kernel returns the owning kernel.
func (p *Process) Kernel() *Kernel { return p.k }

// ResourceLimit returns the limit the process is charged against.
func (p *Process) ResourceLimit() *limits.ResourceLimit { return p.limit }

// IsSystem returns true if the process is charged against the system
// resource limit.
func (p *Process) IsSystem() bool { return p.limit == p.k.systemResourceLimit }

// Pool returns the pool the process allocates memory from.
func (p *Process) Pool() pgalloc.Pool { return p.pool }

// AddressSpace returns the process's user memory, or nil.
func (p *Process) AddressSpace() *usermem.AddressSpace { return p.as }

// HandleTable returns the process's handle table.
func (p *Process) HandleTable() *HandleTable { return &p.handles }

// Exit releases the process's handles.
func (p *Process) Exit() {
	p.handles.Finalize()
	log.Debugf("Process %d exited", p.id)
}
