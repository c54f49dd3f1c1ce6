// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package property holds property identities and their current typed state.
package property

import (
	"fmt"
	"sync"
)

// ID is an interned property identity. It is cheap to copy and compare and
// is used both as a map key and as the token carried by change
// notifications. The zero ID is invalid.
type ID uint32

var registry = struct {
	mu     sync.RWMutex
	byName map[string]ID
	names  []string
}{
	byName: make(map[string]ID),
	names:  []string{""},
}

// Intern returns the ID for name, allocating one on first use. The same
// name always yields the same ID within a process.
func Intern(name string) ID {
	registry.mu.RLock()
	id, ok := registry.byName[name]
	registry.mu.RUnlock()
	if ok {
		return id
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if id, ok := registry.byName[name]; ok {
		return id
	}
	id = ID(len(registry.names))
	registry.names = append(registry.names, name)
	registry.byName[name] = id
	return id
}

// Lookup returns the ID of an already interned name.
func Lookup(name string) (ID, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	id, ok := registry.byName[name]
	return id, ok
}

// Valid reports whether id was produced by Intern.
func (id ID) Valid() bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return id != 0 && int(id) < len(registry.names)
}

// String returns the interned name.
func (id ID) String() string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	if id == 0 || int(id) >= len(registry.names) {
		return fmt.Sprintf("property#%d", uint32(id))
	}
	return registry.names[id]
}
