// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package emulator provides an in-process device: a window of byte memory
// behind the device.Link interface, with knobs to inject the failures a
// real link shows.
package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/progress"
)

// chunkSize is the transfer unit between progress reports.
const chunkSize = 256

// Config describes an emulated device.
type Config struct {
	Type    device.Type
	Base    uint32
	Size    int
	Store   Store
	Latency time.Duration // per chunk
	Logger  *slog.Logger
}

// Emulator implements device.Link over Memory.
type Emulator struct {
	mem     *Memory
	store   Store
	latency time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	typ       device.Type
	connected bool
	lost      bool
	busy      int
	changes   []addressrange.Range

	reads  atomic.Int64
	writes atomic.Int64
}

// New loads the memory from cfg.Store, a MemoryStore when nil.
func New(cfg Config) (*Emulator, error) {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Size <= 0 || uint64(cfg.Base)+uint64(cfg.Size) > 1<<32 {
		return nil, fmt.Errorf("invalid memory window base=0x%X size=%d", cfg.Base, cfg.Size)
	}
	data, err := cfg.Store.Load(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	return &Emulator{
		mem:     NewMemory(cfg.Base, data),
		store:   cfg.Store,
		latency: cfg.Latency,
		logger:  cfg.Logger,
		typ:     cfg.Type,
	}, nil
}

// Memory returns the backing memory, e.g. to serve it over Modbus.
func (e *Emulator) Memory() *Memory { return e.mem }

// Store returns the persistence backend.
func (e *Emulator) Store() Store { return e.store }

// SetType changes the type reported by the next Connect.
func (e *Emulator) SetType(t device.Type) {
	e.mu.Lock()
	e.typ = t
	e.mu.Unlock()
}

func (e *Emulator) Connect(ctx context.Context) (device.Type, error) {
	if err := ctx.Err(); err != nil {
		return device.None, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	e.lost = false
	e.changes = nil
	e.logger.Debug("emulator connected", "device_type", e.typ)
	return e.typ, nil
}

func (e *Emulator) Disconnect() error {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

// FailNext makes the next n accesses fail with device.ErrBusy.
func (e *Emulator) FailNext(n int) {
	e.mu.Lock()
	e.busy = n
	e.mu.Unlock()
}

// DropConnection simulates a link failure.
func (e *Emulator) DropConnection() {
	e.mu.Lock()
	e.connected = false
	e.lost = true
	e.mu.Unlock()
}

func (e *Emulator) ConnectionLost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	lost := e.lost
	e.lost = false
	return lost
}

// Poke changes memory the way the device firmware would, outside any
// request, and records the change.
func (e *Emulator) Poke(addr uint32, data []byte) error {
	off, err := e.mem.Write(addr, data)
	if err != nil {
		return err
	}
	e.store.OnWrite(off, len(data))
	if len(data) > 0 {
		e.mu.Lock()
		e.changes = append(e.changes, addressrange.FirstSize(addr, uint32(len(data))))
		e.mu.Unlock()
	}
	return nil
}

func (e *Emulator) TakeRegisterChanges() addressrange.Ranges {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs := addressrange.NewRanges(e.changes...)
	e.changes = nil
	return rs
}

// Counts returns how many reads and writes were served.
func (e *Emulator) Counts() (reads, writes int64) {
	return e.reads.Load(), e.writes.Load()
}

func (e *Emulator) ReadMemory(ctx context.Context, r addressrange.Range, p *progress.Progress) ([]byte, error) {
	if err := e.admit(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, r.Size())
	for first := uint64(r.First()); first <= uint64(r.Last()); first += chunkSize {
		last := min(first+chunkSize-1, uint64(r.Last()))
		if err := e.wait(ctx, p); err != nil {
			return nil, err
		}
		b, err := e.mem.Read(addressrange.New(uint32(first), uint32(last)))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		p.Update(uint64(len(out)), r.Size(), "reading")
	}
	e.reads.Add(1)
	return out, nil
}

func (e *Emulator) WriteMemory(ctx context.Context, addr uint32, data []byte, p *progress.Progress) error {
	if err := e.admit(); err != nil {
		return err
	}
	for done := 0; done < len(data); done += chunkSize {
		end := min(done+chunkSize, len(data))
		if err := e.wait(ctx, p); err != nil {
			return err
		}
		off, err := e.mem.Write(addr+uint32(done), data[done:end])
		if err != nil {
			return err
		}
		e.store.OnWrite(off, end-done)
		p.Update(uint64(end), uint64(len(data)), "writing")
	}
	e.writes.Add(1)
	return nil
}

// Close saves and closes the store.
func (e *Emulator) Close() error {
	if err := e.store.Save(); err != nil {
		e.logger.Error("failed to save emulator memory", "err", err)
	}
	return e.store.Close()
}

func (e *Emulator) admit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return device.ErrNotConnected
	}
	if e.busy > 0 {
		e.busy--
		return device.ErrBusy
	}
	return nil
}

func (e *Emulator) wait(ctx context.Context, p *progress.Progress) error {
	if err := p.Err(); err != nil {
		return err
	}
	if e.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.CancelRequested():
		return progress.ErrCancelled
	}
}

var _ device.Link = (*Emulator)(nil)
