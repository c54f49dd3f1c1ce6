// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package addressrange

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Ranges is a canonical set of ranges: sorted, with no two elements
// overlapping or byte-adjacent. The zero value is the empty set.
type Ranges struct {
	items []Range
}

// NewRanges sorts rs and merges every overlapping or adjacent pair.
func NewRanges(rs ...Range) Ranges {
	if len(rs) == 0 {
		return Ranges{}
	}
	items := slices.Clone(rs)
	slices.SortFunc(items, Range.Compare)

	merged := items[:1]
	for _, r := range items[1:] {
		top := &merged[len(merged)-1]
		if top.touches(r) {
			if r.last > top.last {
				top.last = r.last
			}
			continue
		}
		merged = append(merged, r)
	}
	return Ranges{items: merged}
}

// Single returns the set holding only r.
func Single(r Range) Ranges {
	return Ranges{items: []Range{r}}
}

// Len returns the number of disjoint ranges in the set.
func (rs Ranges) Len() int { return len(rs.items) }

// Empty reports whether the set holds no address.
func (rs Ranges) Empty() bool { return len(rs.items) == 0 }

// At returns the i-th range in ascending order.
func (rs Ranges) At(i int) Range { return rs.items[i] }

// Slice returns a copy of the ranges in ascending order.
func (rs Ranges) Slice() []Range { return slices.Clone(rs.items) }

// Contains reports whether address belongs to the set.
func (rs Ranges) Contains(address uint32) bool {
	i := rs.firstEndingAtOrAfter(address)
	return i < len(rs.items) && rs.items[i].first <= address
}

// ContainsRanges reports whether every address of o belongs to rs.
func (rs Ranges) ContainsRanges(o Ranges) bool {
	for _, r := range o.items {
		i := rs.firstEndingAtOrAfter(r.first)
		// canonical elements never touch, so r must fit inside a single one
		if i == len(rs.items) || !rs.items[i].ContainsRange(r) {
			return false
		}
	}
	return true
}

// Overlaps reports whether rs and o share at least one address.
func (rs Ranges) Overlaps(o Ranges) bool {
	i, j := 0, 0
	for i < len(rs.items) && j < len(o.items) {
		a, b := rs.items[i], o.items[j]
		if a.Overlaps(b) {
			return true
		}
		if a.last < b.last {
			i++
		} else {
			j++
		}
	}
	return false
}

// OverlapsRange reports whether r shares an address with the set.
func (rs Ranges) OverlapsRange(r Range) bool {
	i := rs.firstEndingAtOrAfter(r.first)
	return i < len(rs.items) && rs.items[i].first <= r.last
}

// Union returns the canonical union of rs and o.
func (rs Ranges) Union(o Ranges) Ranges {
	if rs.Empty() {
		return o
	}
	if o.Empty() {
		return rs
	}
	all := make([]Range, 0, len(rs.items)+len(o.items))
	all = append(all, rs.items...)
	all = append(all, o.items...)
	return NewRanges(all...)
}

// Moved returns every range of the set shifted by offset.
func (rs Ranges) Moved(offset int64) Ranges {
	out := make([]Range, len(rs.items))
	for i, r := range rs.items {
		out[i] = r.Moved(offset)
	}
	return Ranges{items: out}
}

// Equal reports whether both sets cover exactly the same addresses.
func (rs Ranges) Equal(o Ranges) bool {
	return slices.Equal(rs.items, o.items)
}

// firstEndingAtOrAfter returns the index of the first element whose last
// address is >= address.
func (rs Ranges) firstEndingAtOrAfter(address uint32) int {
	i, _ := slices.BinarySearchFunc(rs.items, address, func(r Range, a uint32) int {
		if r.last < a {
			return -1
		}
		return 1
	})
	return i
}

func (rs Ranges) String() string {
	parts := make([]string, len(rs.items))
	for i, r := range rs.items {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}
