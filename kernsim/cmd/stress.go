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
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/boot"
	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/cmd/util"
	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	duration time.Duration
	format   string
	args     boot.StressArgs
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent allocation, arbiter and session workers and check that every resource is returned"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - boots the board and runs concurrent workers against it.

The run fails if any page, resource limit unit or kernel object taken by the
workers is not returned once they stop.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.duration, "duration", 5*time.Second, "how long the workers run.")
	f.StringVar(&s.format, "format", "text", "format of the final statistics: text, json, or prometheus.")
	f.IntVar(&s.args.Allocators, "allocators", 4, "number of page allocation workers.")
	f.IntVar(&s.args.ArbiterPairs, "arbiter-pairs", 2, "number of address arbiter waiter/signaler pairs.")
	f.IntVar(&s.args.Sessions, "sessions", 2, "number of session client/server pairs.")
	f.IntVar(&s.args.LightSessions, "light-sessions", 2, "number of light session client/server pairs.")
	f.Uint64Var(&s.args.MaxPages, "max-pages", 16, "largest single page allocation.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.duration <= 0 {
		return util.Errorf("--duration must be positive, got %v", s.duration)
	}
	conf := args[0].(*config.Config)

	m, err := bootMachine(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer m.Release()

	ctx, cancel := context.WithTimeout(ctx, s.duration)
	defer cancel()
	start := time.Now()
	r, err := m.Stress(ctx, s.args)
	if err != nil {
		return util.Errorf("stress run failed: %v", err)
	}
	util.Infof("Stress run finished after %v: %d allocations, %d arbiter waits, %d arbiter signals, %d requests, %d light requests",
		time.Since(start).Round(time.Millisecond), r.Allocations, r.ArbiterWaits, r.ArbiterSignals, r.Requests, r.LightRequests)

	snap := m.Snapshot()
	r.Add(snap)
	if err := writeSnapshot(os.Stdout, snap, s.format, "kernsim_"); err != nil {
		util.Fatalf("writing statistics: %v", err)
	}
	return subcommands.ExitSuccess
}
