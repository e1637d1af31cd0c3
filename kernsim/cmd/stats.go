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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/cmd/util"
	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/config"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/metric"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	format         string
	exporterPrefix string
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "print pool, slab heap and resource limit statistics of a freshly booted board"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-format=text|json|prometheus] [-exporter-prefix=<kernsim_>] - prints statistics of the booted board
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "text", "output format: text, json, or prometheus.")
	f.StringVar(&s.exporterPrefix, "exporter-prefix", "kernsim_", "prefix for all metric names in prometheus format, following Prometheus exporter convention.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	if err := writeSnapshot(os.Stdout, m.Snapshot(), s.format, s.exporterPrefix); err != nil {
		util.Fatalf("writing statistics: %v", err)
	}
	return subcommands.ExitSuccess
}

// writeSnapshot writes snap to out in format.
func writeSnapshot(out io.Writer, snap *metric.Snapshot, format, prefix string) error {
	switch format {
	case "text":
		return writeText(out, snap, isTerminal(out))
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "prometheus":
		n, err := snap.WriteText(out, prefix)
		if err != nil {
			return err
		}
		log.Infof("Wrote %d bytes of Prometheus metric data", n)
		return nil
	default:
		return fmt.Errorf("invalid format %q, must be 'text', 'json', or 'prometheus'", format)
	}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// writeText writes one line per value, aligned in columns when aligned is
// set.
func writeText(out io.Writer, snap *metric.Snapshot, aligned bool) error {
	if !aligned {
		for _, d := range snap.Data {
			if _, err := fmt.Fprintf(out, "%s%s %v\n", d.Metric.Name, formatLabels(d.Labels), d.Value); err != nil {
				return err
			}
		}
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "METRIC\tLABELS\tVALUE\n")
	for _, d := range snap.Data {
		fmt.Fprintf(w, "%s\t%s\t%v\n", d.Metric.Name, formatLabels(d.Labels), d.Value)
	}
	return w.Flush()
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
