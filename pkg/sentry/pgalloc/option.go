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
	"strings"
)

// Pool is a partition of physical memory.
type Pool uint32

// Pools.
const (
	PoolApplication Pool = iota
	PoolApplet
	PoolSystem
	PoolSystemNonSecure

	// PoolCount is the number of pools.
	PoolCount

	// PoolUnsafe is the pool untrusted processes allocate from.
	PoolUnsafe = PoolApplication
	// PoolSecure is the pool kernel structures allocate from.
	PoolSecure = PoolSystem
)

var poolNames = [PoolCount]string{
	PoolApplication:     "Application",
	PoolApplet:          "Applet",
	PoolSystem:          "System",
	PoolSystemNonSecure: "SystemNonSecure",
}

// String implements fmt.Stringer.
func (p Pool) String() string {
	if p < PoolCount {
		return poolNames[p]
	}
	return fmt.Sprintf("Pool(%d)", uint32(p))
}

// ParsePool parses a pool name, ignoring case.
func ParsePool(s string) (Pool, error) {
	for p, name := range poolNames {
		if strings.EqualFold(s, name) {
			return Pool(p), nil
		}
	}
	return 0, fmt.Errorf("unknown pool %q", s)
}

// Direction selects the order managers of a pool are tried in.
type Direction uint32

const (
	// FromFront tries managers in ascending address order.
	FromFront Direction = iota
	// FromBack tries managers in descending address order.
	FromBack
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case FromFront:
		return "FromFront"
	case FromBack:
		return "FromBack"
	default:
		return fmt.Sprintf("Direction(%d)", uint32(d))
	}
}

// Option bit layout: direction in the low nibble, pool in the next.
const (
	optionDirectionShift = 0
	optionDirectionMask  = 0xF << optionDirectionShift
	optionPoolShift      = 4
	optionPoolMask       = 0xF << optionPoolShift
)

// EncodeOption packs a pool and a direction into one allocation option word.
func EncodeOption(pool Pool, dir Direction) uint32 {
	return (uint32(pool) << optionPoolShift) | (uint32(dir) << optionDirectionShift)
}

// DecodeOption unpacks an allocation option word.
func DecodeOption(option uint32) (Pool, Direction) {
	return Pool((option & optionPoolMask) >> optionPoolShift), Direction((option & optionDirectionMask) >> optionDirectionShift)
}
