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

package pageheap

import (
	"fmt"
	"math/bits"

	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/hostarch"
	"github.com/Atmosphere-NX/Atmosphere-sub031/pkg/rand"
)

// MaxBitmapDepth is the maximum number of levels in a Bitmap. Four levels of
// 64-bit words address 2^24 blocks.
const MaxBitmapDepth = 4

const wordBits = 64

// Bitmap is a hierarchical free-block bitmap. The deepest level has one bit
// per block; each bit of a shallower level summarizes whether the
// corresponding word of the next level is non-zero. Finding a set bit is
// therefore a descent of at most MaxBitmapDepth words.
//
// The storage is supplied by the caller and must be zeroed.
type Bitmap struct {
	storages   [MaxBitmapDepth][]uint64
	rng        *rand.BitGenerator
	numBits    uint64
	usedDepths int
}

// Initialize lays out a bitmap for size bits at the front of storage and
// returns the remainder of storage.
func (b *Bitmap) Initialize(storage []uint64, size uint64, rng *rand.BitGenerator) []uint64 {
	b.numBits = 0
	b.rng = rng
	b.usedDepths = GetRequiredDepth(size)
	if b.usedDepths > MaxBitmapDepth {
		panic(fmt.Sprintf("bitmap of %d bits needs depth %d", size, b.usedDepths))
	}

	for depth := b.highestDepthIndex(); depth >= 0; depth-- {
		size = hostarch.AlignUp(size, wordBits) / wordBits
		if uint64(len(storage)) < size {
			panic(fmt.Sprintf("bitmap storage too small: have %d words, need %d", len(storage), size))
		}
		b.storages[depth] = storage[:size:size]
		storage = storage[size:]
	}
	return storage
}

// GetNumBits returns the number of set bits.
func (b *Bitmap) GetNumBits() uint64 { return b.numBits }

func (b *Bitmap) highestDepthIndex() int { return b.usedDepths - 1 }

// FindFreeBlock returns the offset of a set bit, or -1 if none is set. If
// random is set the bit is chosen uniformly at each level of the descent,
// otherwise the lowest set bit is returned.
func (b *Bitmap) FindFreeBlock(random bool) int64 {
	var offset uint64
	for depth := 0; depth < b.usedDepths; depth++ {
		v := b.storages[depth][offset]
		if v == 0 {
			// A shallower level claimed this word was non-zero.
			if depth != 0 {
				panic(fmt.Sprintf("bitmap summary inconsistent at depth %d offset %d", depth, offset))
			}
			return -1
		}
		if random {
			offset = offset*wordBits + selectRandomBit(b.rng, v)
		} else {
			offset = offset*wordBits + uint64(bits.TrailingZeros64(v))
		}
	}
	return int64(offset)
}

// selectRandomBit picks a set bit of v by repeatedly halving the word and
// choosing a half at random whenever both halves have set bits.
func selectRandomBit(rng *rand.BitGenerator, v uint64) uint64 {
	var selected uint64
	numBits := uint64(wordBits / 2)
	mask := uint64(1)<<numBits - 1
	for numBits != 0 {
		low := v & mask
		high := (v >> numBits) & mask

		var chooseLow bool
		switch {
		case high == 0:
			chooseLow = true
		case low == 0:
			chooseLow = false
		default:
			chooseLow = rng.Bit() != 0
		}

		if chooseLow {
			v = low
		} else {
			v = high
			selected += numBits
		}
		numBits /= 2
		mask >>= numBits
	}
	return selected
}

// SetBit sets the bit at offset.
func (b *Bitmap) SetBit(offset uint64) {
	b.setBit(b.highestDepthIndex(), offset)
	b.numBits++
}

// ClearBit clears the bit at offset.
func (b *Bitmap) ClearBit(offset uint64) {
	b.clearBit(b.highestDepthIndex(), offset)
	b.numBits--
}

// ClearRange clears count bits starting at offset if and only if all of them
// are set, and returns whether it did. Ranges shorter than a word must not
// cross a word boundary; longer ranges must be word aligned.
func (b *Bitmap) ClearRange(offset, count uint64) bool {
	depth := b.highestDepthIndex()
	words := b.storages[depth]
	ind := offset / wordBits
	if count < wordBits {
		shift := offset % wordBits
		if shift+count > wordBits {
			panic(fmt.Sprintf("ClearRange(%d, %d) crosses a word", offset, count))
		}
		mask := (uint64(1)<<count - 1) << shift
		v := words[ind]
		if v&mask != mask {
			return false
		}
		v &^= mask
		words[ind] = v
		if v == 0 {
			b.clearBit(depth-1, ind)
		}
	} else {
		if offset%wordBits != 0 || count%wordBits != 0 {
			panic(fmt.Sprintf("ClearRange(%d, %d) is not word aligned", offset, count))
		}
		n := count / wordBits
		for i := uint64(0); i < n; i++ {
			if words[ind+i] != ^uint64(0) {
				return false
			}
		}
		for i := uint64(0); i < n; i++ {
			words[ind+i] = 0
			b.clearBit(depth-1, ind+i)
		}
	}
	b.numBits -= count
	return true
}

func (b *Bitmap) setBit(depth int, offset uint64) {
	for depth >= 0 {
		ind := offset / wordBits
		mask := uint64(1) << (offset % wordBits)
		v := b.storages[depth][ind]
		if v&mask != 0 {
			panic(fmt.Sprintf("bit %d at depth %d already set", offset, depth))
		}
		b.storages[depth][ind] = v | mask
		if v != 0 {
			break
		}
		offset = ind
		depth--
	}
}

func (b *Bitmap) clearBit(depth int, offset uint64) {
	for depth >= 0 {
		ind := offset / wordBits
		mask := uint64(1) << (offset % wordBits)
		v := b.storages[depth][ind]
		if v&mask == 0 {
			panic(fmt.Sprintf("bit %d at depth %d already clear", offset, depth))
		}
		v &^= mask
		b.storages[depth][ind] = v
		if v != 0 {
			break
		}
		offset = ind
		depth--
	}
}

// GetRequiredDepth returns the number of levels needed to track regionSize
// bits.
func GetRequiredDepth(regionSize uint64) int {
	depth := 0
	for {
		regionSize /= wordBits
		depth++
		if regionSize == 0 {
			return depth
		}
	}
}

// CalculateBitmapOverheadSize returns the number of bytes of storage a
// Bitmap of regionSize bits needs.
func CalculateBitmapOverheadSize(regionSize uint64) uint64 {
	var overheadBits uint64
	for depth := GetRequiredDepth(regionSize) - 1; depth >= 0; depth-- {
		regionSize = hostarch.AlignUp(regionSize, wordBits) / wordBits
		overheadBits += regionSize
	}
	return overheadBits * 8
}
