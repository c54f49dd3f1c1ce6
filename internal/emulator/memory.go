// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package emulator

import (
	"fmt"
	"sync"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/device"
)

// Memory is a flat byte window [base, base+len(data)) of the 32-bit device
// address space. The backing slice is owned by a Store.
type Memory struct {
	mu   sync.RWMutex
	base uint32
	data []byte
}

// NewMemory wraps data as device memory starting at base.
func NewMemory(base uint32, data []byte) *Memory {
	return &Memory{base: base, data: data}
}

// Window returns the address range covered by the memory.
func (m *Memory) Window() addressrange.Range {
	return addressrange.FirstSize(m.base, uint32(len(m.data)))
}

// Read copies the bytes of r.
func (m *Memory) Read(r addressrange.Range) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	off, err := m.offset(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, r.Size())
	copy(out, m.data[off:])
	return out, nil
}

// Write stores data at addr and returns the offset written to.
func (m *Memory) Write(addr uint32, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(data) == 0 {
		return 0, nil
	}
	off, err := m.offset(addressrange.FirstSize(addr, uint32(len(data))))
	if err != nil {
		return 0, err
	}
	copy(m.data[off:], data)
	return off, nil
}

func (m *Memory) offset(r addressrange.Range) (int, error) {
	if len(m.data) == 0 || !m.Window().ContainsRange(r) {
		return 0, fmt.Errorf("%w: %v outside %v", device.ErrOutOfRange, r, m.Window())
	}
	return int(r.First() - m.base), nil
}
