// Copyright 2024 The gVisor Authors.
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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior. The value is the index
// into MAIR_EL1 programmed at boot, and is stored in the AttrIndx field of
// block and page descriptors.
type MemoryType uint8

const (
	// MemoryTypeDeviceNGnRnE is strongly ordered device memory: no
	// gathering, no reordering, no early write acknowledgement.
	MemoryTypeDeviceNGnRnE MemoryType = iota

	// MemoryTypeDeviceNGnRE is device memory permitting early write
	// acknowledgement.
	MemoryTypeDeviceNGnRE

	// MemoryTypeNormal is normal write-back cacheable memory. Only normal
	// memory supports exclusive (atomic) accesses from user mode.
	MemoryTypeNormal

	// MemoryTypeNormalNonCacheable is normal memory with caching disabled.
	MemoryTypeNormalNonCacheable

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeDeviceNGnRnE:
		return "Device-nGnRnE"
	case MemoryTypeDeviceNGnRE:
		return "Device-nGnRE"
	case MemoryTypeNormal:
		return "Normal"
	case MemoryTypeNormalNonCacheable:
		return "NormalNC"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeDeviceNGnRnE:
		return "D0"
	case MemoryTypeDeviceNGnRE:
		return "D1"
	case MemoryTypeNormal:
		return "WB"
	case MemoryTypeNormalNonCacheable:
		return "NC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

// SupportsAtomics returns true if exclusive load/store pairs are valid on
// memory of this type.
func (mt MemoryType) SupportsAtomics() bool {
	return mt == MemoryTypeNormal
}
