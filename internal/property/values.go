// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package property

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Values is the registry of property values. Every state change of a
// registered Value is published to the subscribers as its ID, synchronously
// on the goroutine performing the change.
type Values struct {
	mu        sync.RWMutex
	slots     map[ID]Slot
	observers map[int]func(ID)
	nextObs   int
}

// NewValues returns an empty store.
func NewValues() *Values {
	return &Values{
		slots:     make(map[ID]Slot),
		observers: make(map[int]func(ID)),
	}
}

// Add registers s. It fails with ErrDuplicate if the ID is taken.
func (vs *Values) Add(s Slot) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if _, ok := vs.slots[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.ID())
	}
	vs.slots[s.ID()] = s
	s.bind(vs.publish)
	return nil
}

// Remove unregisters id and reports whether it was present.
func (vs *Values) Remove(id ID) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	s, ok := vs.slots[id]
	if !ok {
		return false
	}
	s.bind(nil)
	delete(vs.slots, id)
	return true
}

// Get returns the slot registered for id.
func (vs *Values) Get(id ID) (Slot, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	s, ok := vs.slots[id]
	return s, ok
}

// IDs returns the registered IDs in ascending order.
func (vs *Values) IDs() []ID {
	vs.mu.RLock()
	ids := maps.Keys(vs.slots)
	vs.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Subscribe registers fn for change notifications and returns a function
// that removes it again.
func (vs *Values) Subscribe(fn func(ID)) (unsubscribe func()) {
	vs.mu.Lock()
	key := vs.nextObs
	vs.nextObs++
	vs.observers[key] = fn
	vs.mu.Unlock()

	return func() {
		vs.mu.Lock()
		delete(vs.observers, key)
		vs.mu.Unlock()
	}
}

// ClearAll forgets every stored value.
func (vs *Values) ClearAll() {
	for _, id := range vs.IDs() {
		if s, ok := vs.Get(id); ok {
			s.Clear()
		}
	}
}

func (vs *Values) publish(id ID) {
	vs.mu.RLock()
	keys := maps.Keys(vs.observers)
	slices.Sort(keys)
	fns := make([]func(ID), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, vs.observers[k])
	}
	vs.mu.RUnlock()

	for _, fn := range fns {
		fn(id)
	}
}
