// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package addressrange implements interval algebra over the 32-bit device
// address space: single inclusive ranges, canonical sets of ranges and a map
// from disjoint ranges to an owner.
package addressrange

import (
	"fmt"
	"math"
)

// Range is an inclusive interval [First, Last] of device addresses.
// The zero value is the single address 0.
type Range struct {
	first uint32
	last  uint32
}

// New returns the range [first, last]. It panics if first > last.
func New(first, last uint32) Range {
	if first > last {
		panic(fmt.Sprintf("addressrange: first 0x%X is greater than last 0x%X", first, last))
	}
	return Range{first: first, last: last}
}

// FirstSize returns the range starting at first covering size bytes.
// It panics if size is zero or the range leaves the 32-bit address space.
func FirstSize(first uint32, size uint32) Range {
	if size == 0 {
		panic("addressrange: zero sized range")
	}
	if uint64(first)+uint64(size)-1 > math.MaxUint32 {
		panic(fmt.Sprintf("addressrange: range 0x%X+%d exceeds address space", first, size))
	}
	return Range{first: first, last: first + size - 1}
}

// First returns the first address of the range.
func (r Range) First() uint32 { return r.first }

// Last returns the last address of the range.
func (r Range) Last() uint32 { return r.last }

// Size returns the number of addresses in the range.
func (r Range) Size() uint64 { return uint64(r.last) - uint64(r.first) + 1 }

// Contains reports whether address lies inside r.
func (r Range) Contains(address uint32) bool {
	return r.first <= address && address <= r.last
}

// ContainsRange reports whether o lies completely inside r.
func (r Range) ContainsRange(o Range) bool {
	return r.first <= o.first && o.last <= r.last
}

// Overlaps reports whether r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.first <= o.last && o.first <= r.last
}

// touches reports whether r and o overlap or are byte-adjacent.
func (r Range) touches(o Range) bool {
	if r.Overlaps(o) {
		return true
	}
	if r.last < o.first {
		return r.last+1 == o.first
	}
	return o.last+1 == r.first
}

// Moved returns r shifted by offset, e.g. to address the flash-backed copy of
// a register block. It panics if the result leaves the address space.
func (r Range) Moved(offset int64) Range {
	first := int64(r.first) + offset
	last := int64(r.last) + offset
	if first < 0 || last > math.MaxUint32 {
		panic(fmt.Sprintf("addressrange: moving %v by %d leaves address space", r, offset))
	}
	return Range{first: uint32(first), last: uint32(last)}
}

// Compare orders ranges by (First, Last).
func (r Range) Compare(o Range) int {
	switch {
	case r.first < o.first:
		return -1
	case r.first > o.first:
		return 1
	case r.last < o.last:
		return -1
	case r.last > o.last:
		return 1
	}
	return 0
}

// Less reports whether r sorts before o.
func (r Range) Less(o Range) bool { return r.Compare(o) < 0 }

func (r Range) String() string {
	return fmt.Sprintf("[0x%X,0x%X]", r.first, r.last)
}
