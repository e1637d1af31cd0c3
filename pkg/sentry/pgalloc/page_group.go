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

package pgalloc

import (
	"fmt"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/errors/kernerr"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
)

// PageBlock is a run of physically contiguous pages.
type PageBlock struct {
	Address  hostarch.PhysAddr
	NumPages uint64
}

// Size returns the size of the block in bytes.
func (b PageBlock) Size() uint64 { return b.NumPages * hostarch.PageSize }

// End returns the address one past the block.
func (b PageBlock) End() hostarch.PhysAddr {
	return b.Address + hostarch.PhysAddr(b.Size())
}

// String implements fmt.Stringer.
func (b PageBlock) String() string {
	return fmt.Sprintf("[%v, %v)", b.Address, b.End())
}

// PageGroup is an ordered list of page blocks making up one allocation.
// Adding a block that starts where the last block ends extends the last
// block.
type PageGroup struct {
	mm     *MemoryManager
	blocks []PageBlock

	// maxBlocks bounds len(blocks) if non-zero.
	maxBlocks int
}

// NewPageGroup returns an empty group whose Open and Close go to mm. A
// non-zero maxBlocks bounds the number of discontiguous blocks, the way the
// block-info slab bounds it.
func (mm *MemoryManager) NewPageGroup(maxBlocks int) *PageGroup {
	return &PageGroup{mm: mm, maxBlocks: maxBlocks}
}

// Blocks returns the blocks of the group. The slice must not be modified.
func (pg *PageGroup) Blocks() []PageBlock { return pg.blocks }

// NumBlocks returns the number of blocks.
func (pg *PageGroup) NumBlocks() int { return len(pg.blocks) }

// AddBlock appends a block.
func (pg *PageGroup) AddBlock(address hostarch.PhysAddr, numPages uint64) error {
	if numPages == 0 {
		return nil
	}
	if end := address + hostarch.PhysAddr(numPages*hostarch.PageSize); end <= address {
		panic(fmt.Sprintf("page block %v+%d pages wraps", address, numPages))
	}
	if n := len(pg.blocks); n > 0 && pg.blocks[n-1].End() == address {
		pg.blocks[n-1].NumPages += numPages
		return nil
	}
	if pg.maxBlocks != 0 && len(pg.blocks) == pg.maxBlocks {
		return kernerr.ErrOutOfResource
	}
	pg.blocks = append(pg.blocks, PageBlock{Address: address, NumPages: numPages})
	return nil
}

// GetNumPages returns the total number of pages.
func (pg *PageGroup) GetNumPages() uint64 {
	var n uint64
	for _, b := range pg.blocks {
		n += b.NumPages
	}
	return n
}

// Finalize empties the group without touching the pages.
func (pg *PageGroup) Finalize() { pg.blocks = pg.blocks[:0] }

// Open takes a reference on every page of the group.
func (pg *PageGroup) Open() {
	for _, b := range pg.blocks {
		pg.mm.Open(b.Address, b.NumPages)
	}
}

// Close drops a reference on every page of the group.
func (pg *PageGroup) Close() {
	for _, b := range pg.blocks {
		pg.mm.Close(b.Address, b.NumPages)
	}
}

// IsEquivalentTo returns true if both groups cover the same pages in the
// same order, regardless of how the runs are split into blocks.
func (pg *PageGroup) IsEquivalentTo(other *PageGroup) bool {
	a, b := pg.blocks, other.blocks
	var ca, cb PageBlock
	for {
		if ca.NumPages == 0 {
			if len(a) == 0 {
				break
			}
			ca, a = a[0], a[1:]
		}
		if cb.NumPages == 0 {
			if len(b) == 0 {
				return false
			}
			cb, b = b[0], b[1:]
		}
		if ca.Address != cb.Address {
			return false
		}
		n := min(ca.NumPages, cb.NumPages)
		ca.Address += hostarch.PhysAddr(n * hostarch.PageSize)
		ca.NumPages -= n
		cb.Address += hostarch.PhysAddr(n * hostarch.PageSize)
		cb.NumPages -= n
	}
	return cb.NumPages == 0 && len(b) == 0
}
