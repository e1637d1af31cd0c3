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

package rand

import (
	mrand "math/rand/v2"
)

// BitGenerator hands out random values for allocator randomization. It
// caches a 64-bit word so that single-bit draws (used when descending a page
// bitmap) cost one generator call per 64 bits.
//
// BitGenerator is not safe for concurrent use; owners serialize access with
// the lock that protects the structure being randomized.
type BitGenerator struct {
	rng *mrand.Rand

	entropy   uint64
	bitsAvail int
}

// NewBitGenerator returns a BitGenerator seeded from the default reader.
func NewBitGenerator() *BitGenerator {
	return NewBitGeneratorFromSeed(Uint64(), Uint64())
}

// NewBitGeneratorFromSeed returns a deterministic BitGenerator.
func NewBitGeneratorFromSeed(seed1, seed2 uint64) *BitGenerator {
	return &BitGenerator{rng: mrand.New(mrand.NewPCG(seed1, seed2))}
}

// Bit returns a single random bit.
func (g *BitGenerator) Bit() uint64 {
	if g.bitsAvail == 0 {
		g.entropy = g.rng.Uint64()
		g.bitsAvail = 64
	}
	b := g.entropy & 1
	g.entropy >>= 1
	g.bitsAvail--
	return b
}

// Bits returns n random bits in the low bits of the result, n <= 64.
func (g *BitGenerator) Bits(n int) uint64 {
	if n == 64 {
		return g.rng.Uint64()
	}
	return g.rng.Uint64() & (uint64(1)<<n - 1)
}

// GenerateRandomRange returns a uniformly distributed value in [min, max].
// The draw is unbiased.
func (g *BitGenerator) GenerateRandomRange(min, max uint64) uint64 {
	if max < min {
		panic("GenerateRandomRange: empty range")
	}
	span := max - min
	if span == ^uint64(0) {
		return g.rng.Uint64()
	}
	return min + g.rng.Uint64N(span+1)
}

// Uint64N returns a uniformly distributed value in [0, n). n must be
// non-zero.
func (g *BitGenerator) Uint64N(n uint64) uint64 {
	return g.rng.Uint64N(n)
}
