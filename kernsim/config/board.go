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
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/limits"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pageheap"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/pgalloc"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/sentry/slab"
)

// Region is a DRAM range assigned to a pool.
type Region struct {
	Address uint64 `toml:"address" yaml:"address"`
	Size    uint64 `toml:"size" yaml:"size"`
	Pool    string `toml:"pool" yaml:"pool"`
}

// End returns the address one past the region.
func (r Region) End() uint64 { return r.Address + r.Size }

// SystemLimits are the limit values of the system resource limit. Zero
// derives the value from the slab counts, or from the System pool size for
// PhysicalMemory.
type SystemLimits struct {
	PhysicalMemory int64 `toml:"physical_memory" yaml:"physical_memory"`
	Threads        int64 `toml:"threads" yaml:"threads"`
	Events         int64 `toml:"events" yaml:"events"`
	TransferMemory int64 `toml:"transfer_memory" yaml:"transfer_memory"`
	Sessions       int64 `toml:"sessions" yaml:"sessions"`
}

// Board describes the simulated machine.
type Board struct {
	// DRAMBase and DRAMSize bound physical memory.
	DRAMBase uint64 `toml:"dram_base" yaml:"dram_base"`
	DRAMSize uint64 `toml:"dram_size" yaml:"dram_size"`

	// ManagementAddress and ManagementSize locate the memory manager's
	// metadata. ManagementSize zero takes exactly what the regions need.
	ManagementAddress uint64 `toml:"management_address" yaml:"management_address"`
	ManagementSize    uint64 `toml:"management_size" yaml:"management_size"`

	// Regions are the pool regions.
	Regions []Region `toml:"region" yaml:"regions"`

	// BlockShifts are the page heap block orders. Empty selects the
	// kernel's.
	BlockShifts []uint `toml:"block_shifts" yaml:"block_shifts"`

	// SlabAddress is the virtual base of the slab region. SlabSize zero sizes
	// the region to fit the heaps and gaps.
	SlabAddress uint64 `toml:"slab_address" yaml:"slab_address"`
	SlabSize    uint64 `toml:"slab_size" yaml:"slab_size"`

	// Counts are the slab object counts.
	Counts slab.ResourceCounts `toml:"slab_counts" yaml:"slab_counts"`

	// Limits are the system resource limit values.
	Limits SystemLimits `toml:"limits" yaml:"limits"`
}

const mib = 1 << 20

// defaultBoard is a 64MiB machine with every pool populated.
var defaultBoard = &Board{
	DRAMBase:          0x8000_0000,
	DRAMSize:          64 * mib,
	ManagementAddress: 0x8000_0000,
	ManagementSize:    4 * mib,
	Regions: []Region{
		{Address: 0x8040_0000, Size: 32 * mib, Pool: "Application"},
		{Address: 0x8240_0000, Size: 8 * mib, Pool: "Applet"},
		{Address: 0x82c0_0000, Size: 16 * mib, Pool: "System"},
		{Address: 0x83c0_0000, Size: 4 * mib, Pool: "SystemNonSecure"},
	},
	BlockShifts: []uint{12, 16, 21},
	SlabAddress: 0xffff_ff80_0000_0000,
	Counts:      slab.DefaultResourceCounts(),
}

// DefaultBoard returns a copy of the built-in board that the caller may
// modify.
func DefaultBoard() *Board {
	return deepcopy.Copy(defaultBoard).(*Board)
}

// LoadBoard reads a board description. The format is picked from the file
// extension: .toml, or .yaml and .yml. Fields the file omits keep the
// built-in board's values.
func LoadBoard(path string) (*Board, error) {
	b := DefaultBoard()
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, b)
		if err != nil {
			return nil, fmt.Errorf("decoding board %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("board %q has unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(b); err != nil {
			return nil, fmt.Errorf("decoding board %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("board %q: unknown format %q, want .toml, .yaml or .yml", path, ext)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("board %q: %w", path, err)
	}
	return b, nil
}

// MemoryRegions returns the regions in the memory manager's form.
func (b *Board) MemoryRegions() ([]pgalloc.Region, error) {
	out := make([]pgalloc.Region, 0, len(b.Regions))
	for _, r := range b.Regions {
		pool, err := pgalloc.ParsePool(r.Pool)
		if err != nil {
			return nil, err
		}
		out = append(out, pgalloc.Region{Address: hostarch.PhysAddr(r.Address), Size: r.Size, Pool: pool})
	}
	return out, nil
}

// Shifts returns the page heap block orders, nil selecting the default.
func (b *Board) Shifts() []uint {
	if len(b.BlockShifts) == 0 {
		return nil
	}
	return b.BlockShifts
}

// PoolSize returns the bytes of DRAM assigned to pool.
func (b *Board) PoolSize(pool pgalloc.Pool) uint64 {
	var n uint64
	for _, r := range b.Regions {
		if p, err := pgalloc.ParsePool(r.Pool); err == nil && p == pool {
			n += r.Size
		}
	}
	return n
}

// LimitValues returns the system resource limit values with derived values
// filled in.
func (b *Board) LimitValues() map[limits.LimitType]int64 {
	v := map[limits.LimitType]int64{
		limits.PhysicalMemory: b.Limits.PhysicalMemory,
		limits.Threads:        b.Limits.Threads,
		limits.Events:         b.Limits.Events,
		limits.TransferMemory: b.Limits.TransferMemory,
		limits.Sessions:       b.Limits.Sessions,
	}
	if v[limits.PhysicalMemory] == 0 {
		v[limits.PhysicalMemory] = int64(b.PoolSize(pgalloc.PoolSystem))
	}
	if v[limits.Threads] == 0 {
		v[limits.Threads] = int64(b.Counts.Thread)
	}
	if v[limits.Events] == 0 {
		v[limits.Events] = int64(b.Counts.Event)
	}
	if v[limits.TransferMemory] == 0 {
		v[limits.TransferMemory] = int64(b.Counts.TransferMemory)
	}
	if v[limits.Sessions] == 0 {
		v[limits.Sessions] = int64(b.Counts.Session)
	}
	return v
}

// Validate returns an error if the board cannot be booted.
func (b *Board) Validate() error {
	if b.DRAMSize == 0 || !hostarch.IsAligned(b.DRAMBase, hostarch.PageSize) || !hostarch.IsAligned(b.DRAMSize, hostarch.PageSize) {
		return fmt.Errorf("DRAM %#x+%#x is empty or not page aligned", b.DRAMBase, b.DRAMSize)
	}
	dramEnd := b.DRAMBase + b.DRAMSize
	if dramEnd < b.DRAMBase {
		return fmt.Errorf("DRAM %#x+%#x overflows", b.DRAMBase, b.DRAMSize)
	}
	if len(b.Regions) == 0 || len(b.Regions) > pgalloc.MaxManagerCount {
		return fmt.Errorf("need between 1 and %d regions, got %d", pgalloc.MaxManagerCount, len(b.Regions))
	}
	if len(b.BlockShifts) > pageheap.MaxBlockShifts {
		return fmt.Errorf("%d block shifts, at most %d allowed", len(b.BlockShifts), pageheap.MaxBlockShifts)
	}
	for i, s := range b.BlockShifts {
		if s < hostarch.PageShift || s >= 64 {
			return fmt.Errorf("invalid block shift %d", s)
		}
		if i > 0 && s <= b.BlockShifts[i-1] {
			return fmt.Errorf("block shifts %v are not ascending", b.BlockShifts)
		}
	}
	// Single pages must always fit a block.
	if len(b.BlockShifts) > 0 && b.BlockShifts[0] != hostarch.PageShift {
		return fmt.Errorf("first block shift is %d, want %d", b.BlockShifts[0], hostarch.PageShift)
	}

	regions, err := b.MemoryRegions()
	if err != nil {
		return err
	}
	sorted := slices.Clone(regions)
	slices.SortFunc(sorted, func(a, b pgalloc.Region) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	for i, r := range sorted {
		if r.Size == 0 || !r.Address.IsPageAligned() || !hostarch.IsAligned(r.Size, hostarch.PageSize) {
			return fmt.Errorf("region %v+%#x is empty or not page aligned", r.Address, r.Size)
		}
		if uint64(r.Address) < b.DRAMBase || uint64(r.End()) > dramEnd || r.End() < r.Address {
			return fmt.Errorf("region %v+%#x is outside DRAM", r.Address, r.Size)
		}
		if i > 0 && sorted[i-1].End() > r.Address {
			return fmt.Errorf("regions %v+%#x and %v+%#x overlap", sorted[i-1].Address, sorted[i-1].Size, r.Address, r.Size)
		}
	}

	need := pgalloc.CalculateTotalManagementSize(regions, b.Shifts())
	size := b.ManagementSize
	if size == 0 {
		size = hostarch.AlignUp(need, hostarch.PageSize)
	}
	if size < need {
		return fmt.Errorf("management size %#x is too small, need %#x", size, need)
	}
	if !hostarch.IsAligned(b.ManagementAddress, hostarch.PageSize) || !hostarch.IsAligned(size, hostarch.PageSize) {
		return fmt.Errorf("management range %#x+%#x is not page aligned", b.ManagementAddress, size)
	}
	if b.ManagementAddress < b.DRAMBase || b.ManagementAddress+size > dramEnd {
		return fmt.Errorf("management range %#x+%#x is outside DRAM", b.ManagementAddress, size)
	}
	for _, r := range regions {
		if uint64(r.Address) < b.ManagementAddress+size && b.ManagementAddress < uint64(r.End()) {
			return fmt.Errorf("region %v+%#x overlaps the management range", r.Address, r.Size)
		}
	}

	if err := b.Counts.Validate(); err != nil {
		return err
	}
	for which, v := range b.LimitValues() {
		if v < 0 {
			return fmt.Errorf("negative %v limit %d", which, v)
		}
	}
	return nil
}

// ManagementRange returns the management range with a zero size resolved.
func (b *Board) ManagementRange() (hostarch.PhysAddr, uint64) {
	size := b.ManagementSize
	if size == 0 {
		regions, _ := b.MemoryRegions()
		size = hostarch.AlignUp(pgalloc.CalculateTotalManagementSize(regions, b.Shifts()), hostarch.PageSize)
	}
	return hostarch.PhysAddr(b.ManagementAddress), size
}
