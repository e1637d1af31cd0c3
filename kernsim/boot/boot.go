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

// Package boot assembles a kernel model from a configuration and a board
// description.
package boot

import (
	"fmt"
	"sync"

	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/config"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/cleanup"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/kernel/ipc"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/physmem"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/slab"
)

// Machine is a booted kernel model.
type Machine struct {
	conf  *config.Config
	board *config.Board

	mem    *physmem.Memory
	mm     *pgalloc.MemoryManager
	k      *kernel.Kernel
	system *limits.ResourceLimit
	layout *slab.Layout
	unused *slab.UnusedSlabMemory
	objs   *ipc.Objects

	seedMu sync.Mutex
	seed   uint64
}

// New boots a machine. The caller must call Release when done with it.
func New(conf *config.Config, board *config.Board) (*Machine, error) {
	if err := board.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{conf: conf, board: board, seed: conf.Seed}

	mem, err := physmem.New(hostarch.PhysAddr(board.DRAMBase), board.DRAMSize)
	if err != nil {
		return nil, fmt.Errorf("mapping DRAM: %w", err)
	}
	cu := cleanup.Make(func() { mem.Release() })
	defer cu.Clean()
	m.mem = mem

	regions, err := board.MemoryRegions()
	if err != nil {
		return nil, err
	}
	management, managementSize := board.ManagementRange()
	m.mm, err = pgalloc.New(physmem.Set{mem}, management, managementSize, regions, pgalloc.Config{
		BlockShifts:      board.Shifts(),
		RandomAllocation: conf.RandomAllocation,
		NewRNG:           m.NewRNG,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing memory manager: %w", err)
	}

	m.system = limits.NewResourceLimit()
	for which, v := range board.LimitValues() {
		if err := m.system.SetLimitValue(which, v); err != nil {
			return nil, fmt.Errorf("setting %v limit: %w", which, err)
		}
	}

	m.k = &kernel.Kernel{}
	if err := m.k.Init(kernel.InitKernelArgs{
		MemoryManager:       m.mm,
		SystemResourceLimit: m.system,
		Target:              kernel.TargetSystem{DynamicResourceLimits: conf.DynamicResourceLimits},
		Cores:               conf.Cores,
	}); err != nil {
		return nil, fmt.Errorf("initializing kernel: %w", err)
	}

	if err := m.layoutSlabs(); err != nil {
		return nil, err
	}
	m.objs = ipc.NewObjects(m.k, m.layout, m.unused)

	log.Infof("Booted: %d regions, %#x bytes of slab heaps, %#x bytes of unused slab memory",
		len(regions), m.layout.Size-m.layout.FreeSize(), m.unused.FreeSize())
	cu.Release()
	return m, nil
}

func (m *Machine) layoutSlabs() error {
	specs := m.board.Counts.Specs(ipc.ObjectSizes())
	var (
		gap uint64
		rng *rand.BitGenerator
	)
	if m.conf.RandomizeSlabs {
		gap = slab.CalculateSlabHeapGapSize(m.conf.LegacySlabGaps)
		rng = m.NewRNG()
	}
	size := m.board.SlabSize
	if size == 0 {
		size = hostarch.AlignUp(slab.CalculateTotalSlabHeapSize(specs, gap), hostarch.PageSize)
	}
	l, err := slab.SlabLayout(hostarch.Addr(m.board.SlabAddress), size, specs, gap, rng)
	if err != nil {
		return fmt.Errorf("laying out slab heaps: %w", err)
	}
	m.layout = l
	m.unused = slab.NewUnusedSlabMemory()
	l.DonateFree(m.unused)
	for _, p := range l.Placements {
		log.Debugf("Slab heap %-18v %v-%v (%d objects of %#x bytes)", p.Type, p.Address, p.End(), p.Count, p.ObjectSize)
	}
	return nil
}

// NewRNG returns a random generator. With a configured seed, successive
// generators are seeded deterministically.
func (m *Machine) NewRNG() *rand.BitGenerator {
	if m.conf.Seed == 0 {
		return rand.NewBitGenerator()
	}
	m.seedMu.Lock()
	defer m.seedMu.Unlock()
	m.seed++
	return rand.NewBitGeneratorFromSeed(m.seed, m.seed*0x9e3779b97f4a7c15)
}

// Config returns the machine's configuration.
func (m *Machine) Config() *config.Config { return m.conf }

// Board returns the machine's board description.
func (m *Machine) Board() *config.Board { return m.board }

// Kernel returns the kernel.
func (m *Machine) Kernel() *kernel.Kernel { return m.k }

// MemoryManager returns the physical memory manager.
func (m *Machine) MemoryManager() *pgalloc.MemoryManager { return m.mm }

// SystemResourceLimit returns the resource limit shared by system processes.
func (m *Machine) SystemResourceLimit() *limits.ResourceLimit { return m.system }

// Layout returns the slab layout.
func (m *Machine) Layout() *slab.Layout { return m.layout }

// UnusedSlabMemory returns the slab memory no heap occupies.
func (m *Machine) UnusedSlabMemory() *slab.UnusedSlabMemory { return m.unused }

// Objects returns the IPC object heaps.
func (m *Machine) Objects() *ipc.Objects { return m.objs }

// Release unmaps DRAM. The machine must not be used afterwards.
func (m *Machine) Release() {
	if err := m.mem.Release(); err != nil {
		log.Warningf("Releasing DRAM: %v", err)
	}
}
