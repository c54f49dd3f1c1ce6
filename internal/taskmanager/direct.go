// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package taskmanager

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ffutop/devprops/internal/addressrange"
)

// Direct runs every task synchronously on the calling goroutine. There is
// nothing to schedule, so only the block-adding guard has an effect.
type Direct struct {
	mu          sync.Mutex
	changed     *sync.Cond
	active      int
	blockAdding int
	closed      bool
	wildHook    func(addressrange.Ranges)
	logger      *slog.Logger
}

// NewDirect returns a synchronous manager.
func NewDirect(opts ...Option) *Direct {
	o := buildOptions(opts)
	d := &Direct{logger: o.logger}
	d.changed = sync.NewCond(&d.mu)
	return d
}

// AddTaskSimple runs fn before returning.
func (d *Direct) AddTaskSimple(ranges addressrange.Ranges, kind Kind, fn SimpleFunc) *Task {
	return d.run(Info{Ranges: ranges, Kind: kind}, simple(fn))
}

// AddTaskWithProgress runs fn before returning.
func (d *Direct) AddTaskWithProgress(ranges addressrange.Ranges, kind Kind, fn ProgressFunc) *Task {
	return d.run(Info{Ranges: ranges, Kind: kind, Progress: true}, fn)
}

// Accepting reports whether new tasks are run.
func (d *Direct) Accepting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && d.blockAdding == 0
}

func (d *Direct) run(info Info, fn ProgressFunc) *Task {
	d.mu.Lock()
	if d.closed || d.blockAdding > 0 {
		d.mu.Unlock()
		d.logger.Debug("task refused, adding is blocked", "kind", info.Kind, "ranges", info.Ranges)
		return nil
	}
	d.active++
	hook := d.wildHook
	d.mu.Unlock()

	t := newTask(info, fn)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.setState(StateRunning)

	func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("task panicked", "kind", info.Kind, "ranges", info.Ranges, "panic", r)
			}
		}()
		t.fn(ctx, t.progress)
	}()
	cancel()

	if info.Kind == KindWriteWild && hook != nil {
		d.logger.Info("wild write finished, invalidating overlapped properties", "ranges", info.Ranges)
		hook(info.Ranges)
	}

	t.setState(StateDone)
	close(t.done)

	d.mu.Lock()
	d.active--
	d.changed.Broadcast()
	d.mu.Unlock()
	return t
}

// StopAndBlockAdding refuses new tasks and waits for tasks other goroutines
// are still executing.
func (d *Direct) StopAndBlockAdding() *StopGuard {
	d.mu.Lock()
	d.blockAdding++
	for d.active > 0 {
		d.changed.Wait()
	}
	d.mu.Unlock()

	g := &StopGuard{}
	g.release = func() {
		d.mu.Lock()
		d.blockAdding--
		d.mu.Unlock()
	}
	return g
}

// PauseRunning returns a guard with no effect; tasks never wait to start.
func (d *Direct) PauseRunning(bool) *PauseGuard {
	g := &PauseGuard{}
	g.release = func() {}
	return g
}

// SetWildWriteHook implements Manager.
func (d *Direct) SetWildWriteHook(fn func(addressrange.Ranges)) {
	d.mu.Lock()
	d.wildHook = fn
	d.mu.Unlock()
}

// WaitIdle implements Manager.
func (d *Direct) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.changed.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.active > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.changed.Wait()
	}
	return nil
}

// Close refuses new tasks and waits for the ones in flight.
func (d *Direct) Close() {
	d.mu.Lock()
	d.closed = true
	for d.active > 0 {
		d.changed.Wait()
	}
	d.mu.Unlock()
}

var (
	_ Manager = (*Direct)(nil)
	_ Manager = (*Queued)(nil)
)
