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
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/boot"
	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/cmd/util"
	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/config"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pageheap"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the physical memory and slab heap layout of the board"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout - boots the board and prints its memory regions, management overhead and slab heaps.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := bootMachine(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer m.Release()

	if err := writeLayout(os.Stdout, m); err != nil {
		util.Fatalf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeLayout(out io.Writer, m *boot.Machine) error {
	b := m.Board()
	shifts := b.Shifts()
	if shifts == nil {
		shifts = pageheap.DefaultBlockShifts
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "REGION\tPOOL\tSIZE\tFREE\tMANAGEMENT\n")
	regions, err := b.MemoryRegions()
	if err != nil {
		return err
	}
	for _, r := range regions {
		fmt.Fprintf(w, "%v-%v\t%v\t%#x\t%#x\t%#x\n",
			r.Address, r.End(), r.Pool, r.Size,
			m.MemoryManager().GetFreeSize(r.Pool), pgalloc.CalculateManagementOverheadSize(r.Size, shifts))
	}
	management, size := b.ManagementRange()
	fmt.Fprintf(w, "%v-%v\tmanagement\t%#x\t\t%#x\n",
		management, management+hostarch.PhysAddr(size), size, pgalloc.CalculateTotalManagementSize(regions, shifts))
	if err := w.Flush(); err != nil {
		return err
	}

	l := m.Layout()
	fmt.Fprintf(out, "\nSlab region %v-%v (%#x bytes, %#x unused)\n", l.Base, l.Base+hostarch.Addr(l.Size), l.Size, l.FreeSize())
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "HEAP\tSTART\tEND\tOBJECTS\tOBJECT SIZE\n")
	for _, p := range l.Placements {
		fmt.Fprintf(w, "%v\t%v\t%v\t%d\t%#x\n", p.Type, p.Address, p.End(), p.Count, p.ObjectSize)
	}
	for _, e := range l.Free {
		fmt.Fprintf(w, "(free)\t%v\t%v\t\t\n", e.Start, e.Start+hostarch.Addr(e.Size))
	}
	return w.Flush()
}
