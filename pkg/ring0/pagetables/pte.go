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

package pagetables

import (
	"fmt"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
)

// Geometry of the 4KiB granule translation regime.
const (
	EntriesPerTable          = hostarch.PageSize / 8
	BlocksPerContiguousBlock = 16

	levelBits = 9

	L1BlockSize           = 1 << 30
	L1ContiguousBlockSize = BlocksPerContiguousBlock * L1BlockSize
	L2BlockSize           = 1 << 21
	L2ContiguousBlockSize = BlocksPerContiguousBlock * L2BlockSize
	L3BlockSize           = hostarch.PageSize
	L3ContiguousBlockSize = BlocksPerContiguousBlock * L3BlockSize
)

// Permission is the access permission and execute-never part of an entry.
type Permission uint64

// Permissions.
const (
	PermissionKernelRWX Permission = (0 << 53) | (1 << 54) | (0 << 6)
	PermissionKernelRX  Permission = (0 << 53) | (1 << 54) | (2 << 6)
	PermissionKernelR   Permission = (1 << 53) | (1 << 54) | (2 << 6)
	PermissionKernelRW  Permission = (1 << 53) | (1 << 54) | (0 << 6)

	PermissionUserRX Permission = (1 << 53) | (0 << 54) | (3 << 6)
	PermissionUserR  Permission = (1 << 53) | (1 << 54) | (3 << 6)
	PermissionUserRW Permission = (1 << 53) | (1 << 54) | (1 << 6)
)

// Shareable is the shareability field.
type Shareable uint64

// Shareability domains.
const (
	ShareableNonShareable   Shareable = 0 << 8
	ShareableOuterShareable Shareable = 2 << 8
	ShareableInnerShareable Shareable = 3 << 8
)

// PageAttribute is the MAIR index field.
type PageAttribute uint64

// Memory attributes, as indices into the attribute register.
const (
	PageAttributeDeviceNGnRnE            PageAttribute = 0 << 2
	PageAttributeDeviceNGnRE             PageAttribute = 1 << 2
	PageAttributeNormalMemory            PageAttribute = 2 << 2
	PageAttributeNormalMemoryNotCachable PageAttribute = 3 << 2
)

// Software reserved bits, stored at bit 55 of every block entry.
const (
	SoftwareReservedBitNone                    uint8 = 0
	SoftwareReservedBitDisableMergeHead        uint8 = 1 << 0
	SoftwareReservedBitDisableMergeHeadAndBody uint8 = 1 << 1
	SoftwareReservedBitDisableMergeTail        uint8 = 1 << 2
	SoftwareReservedBitValid                   uint8 = 1 << 3

	softwareReservedShift = 55
)

// EncodeSoftwareReservedBits packs the merge inhibitors.
func EncodeSoftwareReservedBits(head, headAndBody, tail bool) uint8 {
	var b uint8
	if head {
		b |= SoftwareReservedBitDisableMergeHead
	}
	if headAndBody {
		b |= SoftwareReservedBitDisableMergeHeadAndBody
	}
	if tail {
		b |= SoftwareReservedBitDisableMergeTail
	}
	return b
}

// Raw entry bits.
const (
	accessFlagAccessed = 1 << 10
	mappingFlagMapped  = 1 << 0
	contiguousBit      = 1 << 52

	extensionDisableMergeHead        = uint64(SoftwareReservedBitDisableMergeHead) << softwareReservedShift
	extensionDisableMergeHeadAndBody = uint64(SoftwareReservedBitDisableMergeHeadAndBody) << softwareReservedShift
	extensionDisableMergeTail        = uint64(SoftwareReservedBitDisableMergeTail) << softwareReservedShift
	extensionValid                   = uint64(SoftwareReservedBitValid) << softwareReservedShift
	extensionMergeBits               = extensionDisableMergeHead | extensionDisableMergeHeadAndBody | extensionDisableMergeTail

	// testTableMask distinguishes blocks (Valid), pages (Valid|2), tables
	// (2) and empty entries (0).
	testTableMask = extensionValid | (1 << 1)

	typeTable   = 0x2
	typeBlock   = extensionValid
	typeL3Block = testTableMask

	templateMask = PTE(0xFFFF000000000FFF &^ (contiguousBit | testTableMask | extensionMergeBits))
)

// PTE is a single page table entry. Entries that may be visible to a
// concurrent walker are accessed with Load and Store.
type PTE uint64

// PTEs is a single page table.
type PTEs [EntriesPerTable]PTE

// InvalidPTE is the empty entry.
const InvalidPTE PTE = 0

// NewAttributes returns an attribute template for block entries.
func NewAttributes(perm Permission, attr PageAttribute, share Shareable, mapped bool) PTE {
	p := PTE(uint64(perm) | accessFlagAccessed | uint64(attr) | uint64(share))
	if mapped {
		p |= mappingFlagMapped
	}
	return p
}

// TableEntry returns a descriptor pointing at the table at phys, carrying
// refCount valid entries of that table.
func TableEntry(phys hostarch.PhysAddr, isKernel, pxn bool, refCount int) PTE {
	var v uint64
	if isKernel {
		v |= 3 << 60
	}
	if pxn {
		v |= 1 << 59
	}
	return PTE(v | uint64(phys) | uint64(refCount)<<2 | 0x3)
}

// BlockEntry returns a block entry mapping phys with the attributes of attr.
// page selects the level 3 encoding.
func BlockEntry(phys hostarch.PhysAddr, attr PTE, swBits uint8, contig, page bool) PTE {
	v := uint64(attr) | uint64(swBits)<<softwareReservedShift | uint64(phys)
	if contig {
		v |= contiguousBit
	}
	if page {
		v |= typeL3Block
	} else {
		v |= typeBlock
	}
	return PTE(v)
}

// Load atomically loads the entry.
func (p *PTE) Load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

// Store atomically stores the entry.
func (p *PTE) Store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

func (p PTE) bits(offset, count uint) uint64 {
	return (uint64(p) >> offset) & ((1 << count) - 1)
}

func (p PTE) selectBits(offset, count uint) uint64 {
	return uint64(p) & (((1 << count) - 1) << offset)
}

func (p PTE) withBit(offset uint, enabled bool) PTE {
	if enabled {
		return p | 1<<offset
	}
	return p &^ (1 << offset)
}

// SoftwareReservedBits returns the merge inhibitors of the entry.
func (p PTE) SoftwareReservedBits() uint8 { return uint8(p.bits(softwareReservedShift, 3)) }

// IsHeadMergeDisabled returns true if the entry may not be merged with
// entries before it.
func (p PTE) IsHeadMergeDisabled() bool {
	return p.SoftwareReservedBits()&SoftwareReservedBitDisableMergeHead != 0
}

// IsHeadAndBodyMergeDisabled returns true if the head contiguous group of
// the entry's block may not be merged.
func (p PTE) IsHeadAndBodyMergeDisabled() bool {
	return p.SoftwareReservedBits()&SoftwareReservedBitDisableMergeHeadAndBody != 0
}

// IsTailMergeDisabled returns true if the entry may not be merged with
// entries after it.
func (p PTE) IsTailMergeDisabled() bool {
	return p.SoftwareReservedBits()&SoftwareReservedBitDisableMergeTail != 0
}

// IsHeadOrHeadAndBodyMergeDisabled is IsHeadMergeDisabled ||
// IsHeadAndBodyMergeDisabled.
func (p PTE) IsHeadOrHeadAndBodyMergeDisabled() bool {
	return p.SoftwareReservedBits()&(SoftwareReservedBitDisableMergeHead|SoftwareReservedBitDisableMergeHeadAndBody) != 0
}

func (p PTE) IsUserExecuteNever() bool       { return p.bits(54, 1) != 0 }
func (p PTE) IsPrivilegedExecuteNever() bool { return p.bits(53, 1) != 0 }
func (p PTE) IsContiguous() bool             { return p.bits(52, 1) != 0 }
func (p PTE) IsGlobal() bool                 { return p.bits(11, 1) == 0 }
func (p PTE) IsAccessed() bool               { return p.bits(10, 1) != 0 }
func (p PTE) Shareable() Shareable           { return Shareable(p.selectBits(8, 2)) }
func (p PTE) PageAttribute() PageAttribute   { return PageAttribute(p.selectBits(2, 3)) }
func (p PTE) IsReadOnly() bool               { return p.bits(7, 1) != 0 }
func (p PTE) IsUserAccessible() bool         { return p.bits(6, 1) != 0 }
func (p PTE) IsNonSecure() bool              { return p.bits(5, 1) != 0 }

// TestTableMask returns the type bits of the entry.
func (p PTE) TestTableMask() uint64 { return uint64(p) & testTableMask }

// IsBlock returns true for a level 1 or level 2 block.
func (p PTE) IsBlock() bool { return p.TestTableMask() == extensionValid }

// IsPage returns true for a level 3 page.
func (p PTE) IsPage() bool { return p.TestTableMask() == testTableMask }

// IsTable returns true for a table descriptor.
func (p PTE) IsTable() bool { return p.TestTableMask() == typeTable }

// IsEmpty returns true if the entry describes nothing.
func (p PTE) IsEmpty() bool { return p.TestTableMask() == 0 }

func (p PTE) IsMappedBlock() bool { return p.bits(0, 2) == 1 }
func (p PTE) IsMappedTable() bool { return p.bits(0, 2) == 3 }
func (p PTE) IsMappedEmpty() bool { return p.bits(0, 2) == 0 }
func (p PTE) IsMapped() bool      { return p.bits(0, 1) != 0 }

// Table returns the address of the table a descriptor points at.
func (p PTE) Table() hostarch.PhysAddr { return hostarch.PhysAddr(p.selectBits(12, 36)) }

// Block returns the output address of a block entry at the given level.
func (p PTE) Block(level Level) hostarch.PhysAddr {
	switch level {
	case LevelL1:
		return hostarch.PhysAddr(p.selectBits(30, 18))
	case LevelL2:
		return hostarch.PhysAddr(p.selectBits(21, 27))
	default:
		return hostarch.PhysAddr(p.selectBits(12, 36))
	}
}

// WithContiguous returns the entry with the contiguous hint set to en.
func (p PTE) WithContiguous(en bool) PTE { return p.withBit(52, en) }

// WithUserExecuteNever returns the entry with UXN set to en.
func (p PTE) WithUserExecuteNever(en bool) PTE { return p.withBit(54, en) }

// WithPrivilegedExecuteNever returns the entry with PXN set to en.
func (p PTE) WithPrivilegedExecuteNever(en bool) PTE { return p.withBit(53, en) }

// WithGlobal returns the entry with nG cleared when en is true.
func (p PTE) WithGlobal(en bool) PTE { return p.withBit(11, !en) }

// WithReadOnly returns the entry with AP[2] set to en.
func (p PTE) WithReadOnly(en bool) PTE { return p.withBit(7, en) }

// WithUserAccessible returns the entry with AP[1] set to en.
func (p PTE) WithUserAccessible(en bool) PTE { return p.withBit(6, en) }

// WithMapped returns the entry with the mapped bit set to m.
func (p PTE) WithMapped(m bool) PTE { return p.withBit(0, m) }

// TableReferenceCount returns the number of valid entries of the table a
// descriptor points at.
func (p PTE) TableReferenceCount() int { return int(p.bits(2, 10)) }

func (p PTE) withTableReferenceCount(n int) PTE {
	const mask = ((1 << 10) - 1) << 2
	return PTE((uint64(p) &^ mask) | (uint64(n)<<2)&mask)
}

// OpenTableReferences returns the descriptor with n more references.
func (p PTE) OpenTableReferences(n int) PTE {
	if c := p.TableReferenceCount(); c+n > EntriesPerTable+1 {
		panic(fmt.Sprintf("table reference count overflow: %d + %d", c, n))
	}
	return p.withTableReferenceCount(p.TableReferenceCount() + n)
}

// CloseTableReferences returns the descriptor with n fewer references.
func (p PTE) CloseTableReferences(n int) PTE {
	if c := p.TableReferenceCount(); c < n {
		panic(fmt.Sprintf("table reference count underflow: %d - %d", c, n))
	}
	return p.withTableReferenceCount(p.TableReferenceCount() - n)
}

// EntryTemplateForMerge returns the attributes of the entry without its
// output address, type, contiguity or merge inhibitors.
func (p PTE) EntryTemplateForMerge() PTE { return p & templateMask }

// IsForMerge returns true if the entry equals attr, ignoring merge
// inhibitors.
func (p PTE) IsForMerge(attr PTE) bool { return p&^PTE(extensionMergeBits) == attr }

func separateMask(idx int) PTE {
	switch {
	case idx == 0:
		return templateMask | PTE(extensionDisableMergeHead|extensionDisableMergeHeadAndBody)
	case idx < BlocksPerContiguousBlock:
		return templateMask | PTE(extensionDisableMergeHeadAndBody)
	case idx < EntriesPerTable-1:
		return templateMask
	default:
		return templateMask | PTE(extensionDisableMergeTail)
	}
}

// EntryTemplateForSeparate returns the attributes for entry idx of the
// table that replaces this block. The head inhibitors land on the first
// contiguous group and the tail inhibitor on the last entry.
func (p PTE) EntryTemplateForSeparate(idx int) PTE { return p & separateMask(idx) }

// String implements fmt.Stringer.
func (p PTE) String() string { return fmt.Sprintf("%#016x", uint64(p)) }
