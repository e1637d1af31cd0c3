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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	for name, value := range map[string]string{
		"debug":           "true",
		"cores":           "2",
		"randomize-slabs": "true",
		"seed":            "99",
		"board":           "board.toml",
	} {
		if err := testFlags.Set(name, value); err != nil {
			t.Errorf("Flag set %q: %v", name, err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		LogFormat:      "text",
		Debug:          true,
		DebugLogFormat: "text",
		Board:          "board.toml",
		RandomizeSlabs: true,
		Cores:          2,
		Seed:           99,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	flags := c.ToFlags()
	if diff := cmp.Diff([]string{"--debug=true", "--board=board.toml", "--randomize-slabs=true", "--cores=2", "--seed=99"}, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
	}{
		{name: "log format", flags: map[string]string{"log-format": "xml"}},
		{name: "zero cores", flags: map[string]string{"cores": "0"}},
		{name: "too many cores", flags: map[string]string{"cores": "5"}},
		{name: "legacy gaps", flags: map[string]string{"legacy-slab-gaps": "true"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			for name, value := range tc.flags {
				if err := testFlags.Set(name, value); err != nil {
					t.Fatalf("Flag set %q: %v", name, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil {
				t.Errorf("NewFromFlags accepted %v", tc.flags)
			}
		})
	}
}

func TestDefaultBoard(t *testing.T) {
	b := DefaultBoard()
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	b.Regions[0].Size = 1
	b.BlockShifts[0] = 13
	if got := DefaultBoard(); got.Regions[0].Size != 32*mib || got.BlockShifts[0] != 12 {
		t.Errorf("changes to a returned board leaked into the built-in board")
	}

	v := DefaultBoard().LimitValues()
	if got, want := v[limits.PhysicalMemory], int64(16*mib); got != want {
		t.Errorf("PhysicalMemory limit = %#x, want %#x", got, want)
	}
	if got, want := v[limits.Sessions], int64(DefaultBoard().Counts.Session); got != want {
		t.Errorf("Sessions limit = %d, want %d", got, want)
	}
	if got := DefaultBoard().PoolSize(pgalloc.PoolApplet); got != 8*mib {
		t.Errorf("Applet pool size = %#x, want %#x", got, 8*mib)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(b *Board)
		want   string
	}{
		{
			name:   "overlap",
			modify: func(b *Board) { b.Regions[1].Address -= 0x1000 },
			want:   "overlap",
		},
		{
			name:   "outside DRAM",
			modify: func(b *Board) { b.Regions[3].Size += 0x1000 },
			want:   "outside DRAM",
		},
		{
			name:   "unaligned",
			modify: func(b *Board) { b.Regions[0].Size = 0x1800 },
			want:   "not page aligned",
		},
		{
			name:   "pool",
			modify: func(b *Board) { b.Regions[0].Pool = "Secure" },
			want:   "unknown pool",
		},
		{
			name:   "management overlap",
			modify: func(b *Board) { b.ManagementSize = 8 * mib },
			want:   "overlaps the management range",
		},
		{
			name:   "management too small",
			modify: func(b *Board) { b.ManagementSize = 0x1000 },
			want:   "too small",
		},
		{
			name:   "shifts",
			modify: func(b *Board) { b.BlockShifts = []uint{16, 12} },
			want:   "not ascending",
		},
		{
			name:   "duplicate shifts",
			modify: func(b *Board) { b.BlockShifts = []uint{12, 16, 16} },
			want:   "not ascending",
		},
		{
			name:   "first shift",
			modify: func(b *Board) { b.BlockShifts = []uint{13, 16, 21} },
			want:   "first block shift",
		},
		{
			name:   "too many shifts",
			modify: func(b *Board) { b.BlockShifts = []uint{12, 13, 14, 15, 16, 17, 18, 19, 20} },
			want:   "at most",
		},
		{
			name:   "limits",
			modify: func(b *Board) { b.Limits.Threads = -1 },
			want:   "negative",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := DefaultBoard()
			tc.modify(b)
			err := b.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadBoard(t *testing.T) {
	want := DefaultBoard()
	want.DRAMSize = 32 * mib
	want.ManagementSize = 0
	want.Regions = []Region{
		{Address: 0x8040_0000, Size: 16 * mib, Pool: "Application"},
		{Address: 0x8140_0000, Size: 12 * mib, Pool: "System"},
	}
	want.Counts.Session = 40
	want.Limits.Sessions = 32

	for _, tc := range []struct {
		name    string
		content string
	}{
		{
			name: "board.toml",
			content: `
dram_size = 0x200_0000
management_size = 0
[[region]]
address = 0x8040_0000
size = 0x100_0000
pool = "Application"
[[region]]
address = 0x8140_0000
size = 0xc0_0000
pool = "system"
[slab_counts]
session = 40
[limits]
sessions = 32
`,
		},
		{
			name: "board.yaml",
			content: `
dram_size: 0x2000000
management_size: 0
regions:
  - address: 0x80400000
    size: 0x1000000
    pool: Application
  - address: 0x81400000
    size: 0xc00000
    pool: system
slab_counts:
  session: 40
limits:
  sessions: 32
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LoadBoard(writeFile(t, tc.name, tc.content))
			if err != nil {
				t.Fatalf("LoadBoard failed: %v", err)
			}
			// Pool names are matched without regard to case.
			got.Regions[1].Pool = "System"
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("board mismatch (-want +got):\n%s", diff)
			}
			if addr, size := got.ManagementRange(); addr != 0x8000_0000 || size == 0 || size > 4*mib {
				t.Errorf("ManagementRange = %v+%#x", addr, size)
			}
		})
	}
}

func TestLoadBoardErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{name: "board.json", content: "{}"},
		{name: "unknown.toml", content: "dram_sise = 1\n"},
		{name: "unknown.yaml", content: "dram_sise: 1\n"},
		{name: "invalid.toml", content: "[[region]]\naddress = 0x8000_0000\nsize = 0x1000\npool = \"System\"\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadBoard(writeFile(t, tc.name, tc.content)); err == nil {
				t.Errorf("LoadBoard accepted %q", tc.content)
			}
		})
	}
}
