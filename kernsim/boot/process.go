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

package boot

import (
	"fmt"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/cleanup"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/ring0/pagetables"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/physmem"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/usermem"
)

const (
	// UserBase is where a process's memory is mapped.
	UserBase = hostarch.Addr(0x0800_0000)

	// userEnd bounds a process's address space.
	userEnd = hostarch.Addr(1 << 32)
)

// ProcessArgs are the arguments to NewProcess.
type ProcessArgs struct {
	// Name is the process name.
	Name string

	// Pool is the pool the process's memory comes from.
	Pool pgalloc.Pool

	// ResourceLimit bounds the process. nil makes it a system process.
	ResourceLimit *limits.ResourceLimit

	// NumPages is the number of pages of user memory mapped at UserBase.
	NumPages uint64
}

// Process is a process with user memory.
type Process struct {
	*kernel.Process

	m        *Machine
	tables   *pgalloc.TableAllocator
	as       *usermem.AddressSpace
	phys     hostarch.PhysAddr
	numPages uint64
}

// NewProcess creates a process whose memory is drawn from args.Pool and
// charged to its resource limit. Page tables come from the System pool.
func (m *Machine) NewProcess(args ProcessArgs) (*Process, error) {
	if args.NumPages == 0 {
		return nil, kernerr.ErrInvalidSize
	}
	rl := args.ResourceLimit
	if rl == nil {
		rl = m.system
	}
	bytes := int64(args.NumPages * hostarch.PageSize)
	reservation := limits.NewScopedReservation(rl, limits.PhysicalMemory, bytes)
	if !reservation.Succeeded() {
		return nil, kernerr.ErrLimitReached
	}
	defer reservation.Release()

	p := &Process{m: m, numPages: args.NumPages}
	p.tables = pgalloc.NewTableAllocator(m.mm, pgalloc.PoolSystem)
	pt, err := pagetables.NewProcess(p.tables, 0, userEnd)
	if err != nil {
		return nil, fmt.Errorf("creating page tables: %w", err)
	}
	p.as = usermem.NewAddressSpace(pt, physmem.Set{m.mem})
	cu := cleanup.Make(p.as.Release)
	defer cu.Clean()

	phys, ok := m.mm.AllocateAndOpenContinuous(args.NumPages, 1, pgalloc.EncodeOption(args.Pool, pgalloc.FromFront))
	if !ok {
		return nil, kernerr.ErrOutOfMemory
	}
	p.phys = phys
	cu.Add(func() { m.mm.Close(phys, args.NumPages) })
	m.mem.Fill(phys, args.NumPages*hostarch.PageSize, 0)

	attrs := pagetables.NewAttributes(pagetables.PermissionUserRW, pagetables.PageAttributeNormalMemory, pagetables.ShareableInnerShareable, true)
	if err := p.as.Map(UserBase, phys, args.NumPages, pagetables.MapOpts{Attributes: attrs}); err != nil {
		return nil, fmt.Errorf("mapping user memory: %w", err)
	}
	cu.Add(func() { p.as.Unmap(UserBase, args.NumPages) })

	p.Process, err = m.k.CreateProcess(kernel.CreateProcessArgs{
		Name:          args.Name,
		ResourceLimit: args.ResourceLimit,
		Pool:          args.Pool,
		AddressSpace:  p.as,
	})
	if err != nil {
		return nil, err
	}
	reservation.Commit()
	cu.Release()
	log.Debugf("Process %d %q: %d pages at %v from %v", p.ID(), args.Name, args.NumPages, phys, args.Pool)
	return p, nil
}

// Memory returns the user address space.
func (p *Process) Memory() *usermem.AddressSpace { return p.as }

// Tables returns the process's page table allocator.
func (p *Process) Tables() *pgalloc.TableAllocator { return p.tables }

// Word returns the address of the i'th 32-bit word of user memory.
func (p *Process) Word(i int) hostarch.Addr {
	if i < 0 || uint64(i)*4 >= p.numPages*hostarch.PageSize {
		panic(fmt.Sprintf("word %d outside user memory of %d pages", i, p.numPages))
	}
	return UserBase + hostarch.Addr(i*4)
}

// Release unmaps and frees the process's memory and page tables.
func (p *Process) Release() {
	if err := p.as.Unmap(UserBase, p.numPages); err != nil {
		log.Warningf("Unmapping process %d: %v", p.ID(), err)
	}
	p.as.Release()
	p.m.mm.Close(p.phys, p.numPages)
	p.ResourceLimit().Release(limits.PhysicalMemory, int64(p.numPages*hostarch.PageSize))
	p.Exit()
}
