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

package slab

import (
	"fmt"
	"slices"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
)

// Type identifies a kernel object heap in the slab region.
type Type int

// Object types, in the order they are laid out when the layout is not
// randomized.
const (
	TypeProcess Type = iota
	TypeThread
	TypeEvent
	TypeInterruptEvent
	TypePort
	TypeSharedMemory
	TypeTransferMemory
	TypeCodeMemory
	TypeDeviceAddressSpace
	TypeSession
	TypeLightSession
	TypeObjectName
	TypeResourceLimit
	TypeDebug
	TypeEventInfo
	TypeAlpha
	TypeBeta
	TypeLinkedListNode
	TypeThreadLocalPage
	TypeSessionRequest

	NumTypes
)

var typeNames = [NumTypes]string{
	TypeProcess:            "Process",
	TypeThread:             "Thread",
	TypeEvent:              "Event",
	TypeInterruptEvent:     "InterruptEvent",
	TypePort:               "Port",
	TypeSharedMemory:       "SharedMemory",
	TypeTransferMemory:     "TransferMemory",
	TypeCodeMemory:         "CodeMemory",
	TypeDeviceAddressSpace: "DeviceAddressSpace",
	TypeSession:            "Session",
	TypeLightSession:       "LightSession",
	TypeObjectName:         "ObjectName",
	TypeResourceLimit:      "ResourceLimit",
	TypeDebug:              "Debug",
	TypeEventInfo:          "EventInfo",
	TypeAlpha:              "Alpha",
	TypeBeta:               "Beta",
	TypeLinkedListNode:     "LinkedListNode",
	TypeThreadLocalPage:    "ThreadLocalPage",
	TypeSessionRequest:     "SessionRequest",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t >= 0 && t < NumTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Gap sizes of a randomized layout.
const (
	GapsSize       = 2<<20 - 296<<10
	LegacyGapsSize = 2 << 20
)

// DefaultExtraThreads is the number of threads added when the thread
// resource limit is raised.
const DefaultExtraThreads = 160

// ResourceCounts is the number of objects of each base type the slab region
// holds. The remaining types are derived from these.
type ResourceCounts struct {
	Process            int `toml:"process" yaml:"process"`
	Thread             int `toml:"thread" yaml:"thread"`
	Event              int `toml:"event" yaml:"event"`
	InterruptEvent     int `toml:"interrupt_event" yaml:"interrupt_event"`
	Port               int `toml:"port" yaml:"port"`
	SharedMemory       int `toml:"shared_memory" yaml:"shared_memory"`
	TransferMemory     int `toml:"transfer_memory" yaml:"transfer_memory"`
	CodeMemory         int `toml:"code_memory" yaml:"code_memory"`
	DeviceAddressSpace int `toml:"device_address_space" yaml:"device_address_space"`
	Session            int `toml:"session" yaml:"session"`
	LightSession       int `toml:"light_session" yaml:"light_session"`
	ObjectName         int `toml:"object_name" yaml:"object_name"`
	ResourceLimit      int `toml:"resource_limit" yaml:"resource_limit"`
	Debug              int `toml:"debug" yaml:"debug"`
	Alpha              int `toml:"alpha" yaml:"alpha"`
	Beta               int `toml:"beta" yaml:"beta"`
}

// DefaultResourceCounts returns the stock object counts.
func DefaultResourceCounts() ResourceCounts {
	return ResourceCounts{
		Process:            80,
		Thread:             800,
		Event:              700,
		InterruptEvent:     100,
		Port:               256,
		SharedMemory:       80,
		TransferMemory:     200,
		CodeMemory:         10,
		DeviceAddressSpace: 300,
		Session:            933,
		LightSession:       100,
		ObjectName:         7,
		ResourceLimit:      5,
		Debug:              hostarch.NumCores,
		Alpha:              1,
		Beta:               6,
	}
}

// WithExtraThreads returns c with n more threads.
func (c ResourceCounts) WithExtraThreads(n int) ResourceCounts {
	c.Thread += n
	return c
}

// Validate returns an error if any count is negative.
func (c ResourceCounts) Validate() error {
	for t := range NumTypes {
		if n := c.Count(t); n < 0 {
			return fmt.Errorf("negative slab count %d for %v", n, t)
		}
	}
	return nil
}

// Count returns the number of objects of type t.
func (c ResourceCounts) Count(t Type) int {
	switch t {
	case TypeProcess:
		return c.Process
	case TypeThread:
		return c.Thread
	case TypeEvent:
		return c.Event
	case TypeInterruptEvent:
		return c.InterruptEvent
	case TypePort:
		return c.Port
	case TypeSharedMemory:
		return c.SharedMemory
	case TypeTransferMemory:
		return c.TransferMemory
	case TypeCodeMemory:
		return c.CodeMemory
	case TypeDeviceAddressSpace:
		return c.DeviceAddressSpace
	case TypeSession:
		return c.Session
	case TypeLightSession:
		return c.LightSession
	case TypeObjectName:
		return c.ObjectName
	case TypeResourceLimit:
		return c.ResourceLimit
	case TypeDebug:
		return c.Debug
	case TypeEventInfo:
		return c.Thread + c.Debug
	case TypeAlpha:
		return c.Alpha
	case TypeBeta:
		return c.Beta
	case TypeLinkedListNode:
		return c.Thread
	case TypeThreadLocalPage:
		return c.Process + (c.Process+c.Thread)/8
	case TypeSessionRequest:
		return c.Session * 2
	default:
		panic(fmt.Sprintf("unknown slab type %d", int(t)))
	}
}

// DefaultObjectSize is the object size assumed for types whose heap is
// not instantiated.
const DefaultObjectSize = 0x100

// HeapSpec describes one heap to place.
type HeapSpec struct {
	Type       Type
	Count      int
	ObjectSize uint64
	Align      uint64
}

// Bytes returns the region bytes the heap occupies.
func (s HeapSpec) Bytes() uint64 { return HeapBytes(s.ObjectSize, s.Count) }

// Specs returns a spec for every type, using sizes for object sizes and
// alignments where present and DefaultObjectSize otherwise.
func (c ResourceCounts) Specs(sizes map[Type]HeapSpec) []HeapSpec {
	specs := make([]HeapSpec, 0, NumTypes)
	for t := range NumTypes {
		s := HeapSpec{Type: t, ObjectSize: DefaultObjectSize, Align: pointerSize}
		if o, ok := sizes[t]; ok {
			s.ObjectSize, s.Align = o.ObjectSize, o.Align
		}
		s.Count = c.Count(t)
		specs = append(specs, s)
	}
	return specs
}

// CalculateSlabHeapGapSize returns the total gap size a randomized layout
// spreads between heaps.
func CalculateSlabHeapGapSize(legacy bool) uint64 {
	if legacy {
		return LegacyGapsSize
	}
	return GapsSize
}

// CalculateTotalSlabHeapSize returns the region size needed to place specs
// with gapSize bytes of gaps, including worst-case alignment padding.
func CalculateTotalSlabHeapSize(specs []HeapSpec, gapSize uint64) uint64 {
	size := gapSize
	for _, s := range specs {
		size += s.Align + s.Bytes()
	}
	return size
}

// Placement is a heap's position in the slab region.
type Placement struct {
	HeapSpec
	Address hostarch.Addr
}

// End returns the end of the heap.
func (p Placement) End() hostarch.Addr { return p.Address + hostarch.Addr(p.Bytes()) }

// Layout is the arrangement of heaps in the slab region.
type Layout struct {
	Base hostarch.Addr
	Size uint64

	// Placements holds one entry per heap in address order.
	Placements []Placement

	// Free holds the region's unoccupied extents in address order.
	Free []Extent
}

// Extent is a range of the slab region.
type Extent struct {
	Start hostarch.Addr
	Size  uint64
}

// Placement returns the placement of t.
func (l *Layout) Placement(t Type) Placement {
	for _, p := range l.Placements {
		if p.Type == t {
			return p
		}
	}
	panic(fmt.Sprintf("no placement for %v", t))
}

// FreeSize returns the number of unoccupied bytes.
func (l *Layout) FreeSize() uint64 {
	var n uint64
	for _, e := range l.Free {
		n += e.Size
	}
	return n
}

// SlabLayout places specs in the region [base, base+size).
//
// With a nil rng the heaps are placed in order and back to back. Otherwise
// the order is shuffled and up to gapSize bytes of random gaps are spread
// between them. The layout fails if the heaps do not fit.
func SlabLayout(base hostarch.Addr, size uint64, specs []HeapSpec, gapSize uint64, rng *rand.BitGenerator) (*Layout, error) {
	for _, s := range specs {
		if !hostarch.IsPowerOfTwo(s.Align) || s.ObjectSize == 0 || s.Count < 0 {
			return nil, fmt.Errorf("invalid heap spec %+v", s)
		}
	}

	order := slices.Clone(specs)
	gaps := make([]uint64, len(order))
	if rng != nil {
		n := uint64(len(order))
		for i := range order {
			j := rng.GenerateRandomRange(0, n-1)
			order[i], order[j] = order[j], order[i]
		}
		for i := range gaps {
			gaps[i] = rng.GenerateRandomRange(0, gapSize)
		}
		slices.Sort(gaps)
	}

	l := &Layout{Base: base, Size: size}
	end := base + hostarch.Addr(size)
	cur := base
	var prevGap uint64
	for i, s := range order {
		free := cur
		cur += hostarch.Addr(gaps[i] - prevGap)
		prevGap = gaps[i]

		start := hostarch.AlignUp(cur, hostarch.Addr(s.Align))
		p := Placement{HeapSpec: s, Address: start}
		if cur < free || start < cur || p.End() < start || p.End() > end {
			return nil, fmt.Errorf("slab heap %v of %#x bytes does not fit in [%v, %v)", s.Type, s.Bytes(), base, end)
		}
		if start > free {
			l.Free = append(l.Free, Extent{free, uint64(start - free)})
		}
		l.Placements = append(l.Placements, p)
		cur = p.End()
	}
	if cur < end {
		l.Free = append(l.Free, Extent{cur, uint64(end - cur)})
	}
	l.Free = coalesce(l.Free)
	return l, nil
}

func coalesce(es []Extent) []Extent {
	var out []Extent
	for _, e := range es {
		if e.Size == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Start+hostarch.Addr(out[n-1].Size) == e.Start {
			out[n-1].Size += e.Size
			continue
		}
		out = append(out, e)
	}
	return out
}

// DonateFree donates the layout's unoccupied extents to u.
func (l *Layout) DonateFree(u *UnusedSlabMemory) {
	for _, e := range l.Free {
		u.Donate(e.Start, e.Size)
	}
}
