// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package addressrange

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrOverlap is returned when a range collides with one already mapped.
var ErrOverlap = errors.New("address range overlaps an existing mapping")

type entry[Owner comparable] struct {
	r     Range
	owner Owner
}

// Map maps pairwise disjoint ranges to owners. Entries are kept sorted by
// address so overlap queries are answered by binary search around each
// query range instead of a linear scan.
//
// Map is not safe for concurrent use.
type Map[Owner comparable] struct {
	entries []entry[Owner]
}

// NewMap returns an empty map.
func NewMap[Owner comparable]() *Map[Owner] {
	return &Map[Owner]{}
}

// Len returns the number of mapped ranges.
func (m *Map[Owner]) Len() int { return len(m.entries) }

// Add maps every range of rs to owner. If any of them overlaps an existing
// entry the map is left unchanged and an error wrapping ErrOverlap is
// returned.
func (m *Map[Owner]) Add(rs Ranges, owner Owner) error {
	for _, r := range rs.items {
		i := m.firstEndingAtOrAfter(r.first)
		if i < len(m.entries) && m.entries[i].r.first <= r.last {
			return fmt.Errorf("%w: %v collides with %v owned by %v", ErrOverlap, r, m.entries[i].r, m.entries[i].owner)
		}
	}
	for _, r := range rs.items {
		i := m.firstEndingAtOrAfter(r.first)
		m.entries = slices.Insert(m.entries, i, entry[Owner]{r: r, owner: owner})
	}
	return nil
}

// Remove drops every range mapped to owner and reports whether any was found.
func (m *Map[Owner]) Remove(owner Owner) bool {
	n := len(m.entries)
	m.entries = slices.DeleteFunc(m.entries, func(e entry[Owner]) bool { return e.owner == owner })
	return len(m.entries) != n
}

// Ranges returns the ranges mapped to owner.
func (m *Map[Owner]) Ranges(owner Owner) Ranges {
	var out []Range
	for _, e := range m.entries {
		if e.owner == owner {
			out = append(out, e.r)
		}
	}
	return NewRanges(out...)
}

// Overlap returns the owners whose ranges intersect any range of query.
// Each owner appears once, ordered by the address of its first hit.
func (m *Map[Owner]) Overlap(query Ranges) []Owner {
	var owners []Owner
	seen := make(map[Owner]struct{})
	for _, q := range query.items {
		// entries are disjoint, so their last addresses are sorted as well
		for i := m.firstEndingAtOrAfter(q.first); i < len(m.entries) && m.entries[i].r.first <= q.last; i++ {
			o := m.entries[i].owner
			if _, ok := seen[o]; ok {
				continue
			}
			seen[o] = struct{}{}
			owners = append(owners, o)
		}
	}
	return owners
}

// Each calls fn for every entry in ascending address order.
func (m *Map[Owner]) Each(fn func(r Range, owner Owner)) {
	for _, e := range m.entries {
		fn(e.r, e.owner)
	}
}

func (m *Map[Owner]) firstEndingAtOrAfter(address uint32) int {
	i, _ := slices.BinarySearchFunc(m.entries, address, func(e entry[Owner], a uint32) int {
		if e.r.last < a {
			return -1
		}
		return 1
	})
	return i
}
