// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package taskmanager

import (
	"context"
	"sync/atomic"

	"github.com/ffutop/devprops/internal/progress"
)

// State is the lifecycle position of a task.
type State uint32

const (
	StateWaiting State = iota
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// Task is the handle of an accepted unit of work.
type Task struct {
	info     Info
	fn       ProgressFunc
	progress *progress.Progress
	state    atomic.Uint32
	done     chan struct{}
	cancel   context.CancelFunc
}

func newTask(info Info, fn ProgressFunc) *Task {
	t := &Task{
		info: info,
		fn:   fn,
		done: make(chan struct{}),
	}
	if info.Progress {
		t.progress = progress.New()
	}
	return t
}

func simple(fn SimpleFunc) ProgressFunc {
	return func(ctx context.Context, _ *progress.Progress) { fn(ctx) }
}

// Info returns what the task touches.
func (t *Task) Info() Info { return t.info }

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Done is closed once the task body has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Progress returns the progress handle, nil for simple tasks.
func (t *Task) Progress() *progress.Progress { return t.progress }

// Wait blocks until the task finished or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) setState(s State) { t.state.Store(uint32(s)) }
