// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package taskmanager schedules device I/O so that operations touching
// overlapping device memory never run at the same time.
package taskmanager

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/progress"
)

// Kind classifies a task.
type Kind uint8

const (
	KindReadProperty Kind = iota
	KindWriteProperty
	// KindReadWild and KindWriteWild are raw device accesses made outside the
	// property adapters, e.g. firmware flashing.
	KindReadWild
	KindWriteWild
)

func (k Kind) String() string {
	switch k {
	case KindReadProperty:
		return "READ_PROPERTY"
	case KindWriteProperty:
		return "WRITE_PROPERTY"
	case KindReadWild:
		return "READ_WILD"
	case KindWriteWild:
		return "WRITE_WILD"
	}
	return "UNKNOWN"
}

// Property reports whether k is issued by a property adapter.
func (k Kind) Property() bool { return k == KindReadProperty || k == KindWriteProperty }

// Info describes what a task touches.
type Info struct {
	Ranges   addressrange.Ranges
	Kind     Kind
	Progress bool
}

// SimpleFunc is the body of a task without progress reporting.
type SimpleFunc func(ctx context.Context)

// ProgressFunc is the body of a task that reports progress and should poll
// p for cancellation.
type ProgressFunc func(ctx context.Context, p *progress.Progress)

// Manager is implemented by Direct and Queued.
//
// The add methods return nil when the task was not accepted: adding is
// blocked, or an equivalent property task is already pending.
type Manager interface {
	AddTaskSimple(ranges addressrange.Ranges, kind Kind, fn SimpleFunc) *Task
	AddTaskWithProgress(ranges addressrange.Ranges, kind Kind, fn ProgressFunc) *Task

	// StopAndBlockAdding refuses new tasks until the guard is released and
	// waits until all accepted work has finished.
	StopAndBlockAdding() *StopGuard
	// PauseRunning keeps waiting tasks from starting until the guard is
	// released and waits for running tasks to finish. With cancel set the
	// running tasks are asked to stop early.
	PauseRunning(cancel bool) *PauseGuard

	// SetWildWriteHook registers fn to be called with the ranges of every
	// finished KindWriteWild task.
	SetWildWriteHook(fn func(addressrange.Ranges))
	// Accepting reports whether adding is currently allowed. It tells a
	// refused task from a dropped duplicate.
	Accepting() bool
	// WaitIdle blocks until no task is waiting or running.
	WaitIdle(ctx context.Context) error
	// Close refuses new tasks and waits for accepted ones to finish.
	Close()
}

type options struct {
	logger *slog.Logger
}

// Option configures a manager.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type guard struct {
	once    sync.Once
	release func()
}

func (g *guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(g.release)
}

// StopGuard keeps a manager from accepting tasks while held. Guards nest:
// adding resumes when the last outstanding guard is released.
type StopGuard struct{ guard }

// Release lifts this share of the block. It is idempotent.
func (g *StopGuard) Release() {
	if g != nil {
		g.guard.Release()
	}
}

// PauseGuard keeps a manager from starting tasks while held. Guards nest
// like StopGuard.
type PauseGuard struct{ guard }

// Release lifts this share of the pause. It is idempotent.
func (g *PauseGuard) Release() {
	if g != nil {
		g.guard.Release()
	}
}
