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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/boot"
	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/cmd/util"
	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/config"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/cleanup"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/ring0/pagetables"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
)

// PTDump implements subcommands.Command for the "ptdump" command.
type PTDump struct {
	virt     uint64
	numPages uint64
	pool     string
}

// Name implements subcommands.Command.Name.
func (*PTDump) Name() string {
	return "ptdump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PTDump) Synopsis() string {
	return "map a range, separate and merge its pages and dump the page tables at each step"
}

// Usage implements subcommands.Command.Usage.
func (*PTDump) Usage() string {
	return `ptdump [-virt=<address>] [-pages=<n>] [-pool=<pool>] - dumps page tables through a separate/merge cycle
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *PTDump) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&p.virt, "virt", 0x4000_0000, "virtual address of the mapping. Must be aligned to 2MiB.")
	f.Uint64Var(&p.numPages, "pages", 512, "number of pages to map.")
	f.StringVar(&p.pool, "pool", "Application", "pool the mapped memory comes from.")
}

// Execute implements subcommands.Command.Execute.
func (p *PTDump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pool, err := pgalloc.ParsePool(p.pool)
	if err != nil {
		return util.Errorf("%v", err)
	}
	conf := args[0].(*config.Config)

	m, err := bootMachine(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer m.Release()

	// Dumps go through the log; copy them to stdout as well.
	prev := log.Log().Emitter
	log.SetTarget(&log.MultiEmitter{prev, log.GoogleEmitter{Emitter: &log.Writer{Next: os.Stdout}}})
	defer log.SetTarget(prev)

	if err := p.run(m, pool); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// run maps the range, then separates it down to pages and merges it back,
// dumping the tables after each step.
func (p *PTDump) run(m *boot.Machine, pool pgalloc.Pool) error {
	virt := hostarch.Addr(p.virt)
	if !hostarch.IsAligned(uint64(virt), 1<<hostarch.HugePageShift) {
		return fmt.Errorf("address %v is not aligned to a large page", virt)
	}
	if p.numPages == 0 {
		return fmt.Errorf("nothing to map")
	}
	size := p.numPages * hostarch.PageSize

	mm := m.MemoryManager()
	alloc := pgalloc.NewTableAllocator(mm, pgalloc.PoolSystem)
	pt, err := pagetables.NewProcess(alloc, 0, 1<<32)
	if err != nil {
		return fmt.Errorf("creating page tables: %w", err)
	}
	cu := cleanup.Make(pt.Release)
	defer cu.Clean()

	align := uint64(1) << (hostarch.HugePageShift - hostarch.PageShift)
	phys, ok := mm.AllocateAndOpenContinuous(p.numPages, align, pgalloc.EncodeOption(pool, pgalloc.FromFront))
	if !ok {
		return fmt.Errorf("allocating %d pages from %v: out of memory", p.numPages, pool)
	}
	cu.Add(func() { mm.Close(phys, p.numPages) })

	attrs := pagetables.NewAttributes(pagetables.PermissionUserRW, pagetables.PageAttributeNormalMemory, pagetables.ShareableInnerShareable, true)
	if err := pt.Map(virt, phys, p.numPages, pagetables.MapOpts{Attributes: attrs}); err != nil {
		return fmt.Errorf("mapping %v: %w", virt, err)
	}
	cu.Add(func() {
		if err := pt.Unmap(virt, p.numPages); err != nil {
			log.Warningf("Unmapping %v: %v", virt, err)
		}
	})

	dump := func(step string) {
		log.Infof("%s: %d tables, %d from the %v pool", step, pt.CountPageTables(), alloc.Live(), pgalloc.PoolSystem)
		pt.Dump(virt, size)
	}
	dump(fmt.Sprintf("Mapped %d pages at %v to %v", p.numPages, virt, phys))

	if err := pt.Separate(virt, hostarch.PageSize); err != nil {
		return fmt.Errorf("separating %v: %w", virt, err)
	}
	dump(fmt.Sprintf("Separated %v into pages", virt))

	merges := 0
	for pt.Merge(virt) {
		merges++
	}
	dump(fmt.Sprintf("Merged %v %d times", virt, merges))
	return nil
}
