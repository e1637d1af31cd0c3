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

// Package config provides basic infrastructure to set configuration settings
// for kernsim. Each setting that can be changed from the command line must
// carry a `flag` tag naming the flag that populates it.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/log"
)

// Config holds configuration that is not part of the board description.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path of an additional debug log file.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for the debug log.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows sending log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Board is the path of the board description. Empty selects the built-in
	// board.
	Board string `flag:"board"`

	// DynamicResourceLimits lets system processes allocate kernel objects
	// from unused slab memory once their heap is exhausted.
	DynamicResourceLimits bool `flag:"dynamic-resource-limits"`

	// RandomizeSlabs shuffles the slab heaps and spreads random gaps between
	// them.
	RandomizeSlabs bool `flag:"randomize-slabs"`

	// LegacySlabGaps selects the gap size of older kernels when RandomizeSlabs
	// is set.
	LegacySlabGaps bool `flag:"legacy-slab-gaps"`

	// RandomAllocation randomizes page heap allocations.
	RandomAllocation bool `flag:"random-allocation"`

	// Cores is the number of simulated cores.
	Cores int `flag:"cores"`

	// Seed seeds every random generator. Zero draws seeds from the system
	// entropy source.
	Seed uint64 `flag:"seed"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Kernel model flags.
	flagSet.String("board", "", "path of a TOML or YAML board description. Empty selects the built-in board.")
	flagSet.Bool("dynamic-resource-limits", false, "allow system processes to allocate kernel objects from unused slab memory.")
	flagSet.Bool("randomize-slabs", false, "shuffle slab heaps and insert random gaps between them.")
	flagSet.Bool("legacy-slab-gaps", false, "use the larger slab gap size of older kernels.")
	flagSet.Bool("random-allocation", false, "randomize page heap allocations.")
	flagSet.Int("cores", hostarch.NumCores, "number of simulated cores.")
	flagSet.Uint64("seed", 0, "seed for every random generator. 0 seeds from the system entropy source.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags holding their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := fmt.Sprint(obj.Field(i).Interface())

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Board: %q", c.Board)
	log.Infof("Config.Cores: %d", c.Cores)
	log.Infof("Config.DynamicResourceLimits: %t", c.DynamicResourceLimits)
	log.Infof("Config.RandomizeSlabs: %t (legacy gaps: %t)", c.RandomizeSlabs, c.LegacySlabGaps)
	log.Infof("Config.RandomAllocation: %t", c.RandomAllocation)
	log.Infof("Config.Seed: %d", c.Seed)
}

func (c *Config) validate() error {
	for name, format := range map[string]string{"log-format": c.LogFormat, "debug-log-format": c.DebugLogFormat} {
		switch format {
		case "text", "json", "logrus":
		default:
			return fmt.Errorf("invalid %s %q, must be 'text', 'json', or 'logrus'", name, format)
		}
	}
	if c.Cores <= 0 || c.Cores > hostarch.NumCores {
		return fmt.Errorf("cores must be between 1 and %d, got %d", hostarch.NumCores, c.Cores)
	}
	if c.LegacySlabGaps && !c.RandomizeSlabs {
		return fmt.Errorf("legacy-slab-gaps requires randomize-slabs")
	}
	return nil
}
