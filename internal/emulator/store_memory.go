// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package emulator

// MemoryStore keeps nothing.
type MemoryStore struct{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) Load(size int) ([]byte, error) { return make([]byte, size), nil }
func (ms *MemoryStore) OnWrite(offset, n int)         {}
func (ms *MemoryStore) Save() error                   { return nil }
func (ms *MemoryStore) Close() error                  { return nil }
