// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package progress carries progress reports and cooperative cancellation
// between a long running device operation and whoever observes it.
package progress

import (
	"errors"
	"sync"
)

// ErrCancelled is returned by operations that noticed a cancel request.
var ErrCancelled = errors.New("operation cancelled")

// Report is a snapshot of an operation's progress.
type Report struct {
	Done  uint64
	Total uint64
	Text  string
}

// Progress is shared between the operation (which reports and polls for
// cancellation) and its controller (which observes and may cancel). A nil
// *Progress is valid and ignores everything.
type Progress struct {
	mu        sync.Mutex
	last      Report
	cancelled bool
	done      chan struct{}
	observers []func(Report)
}

// New returns a fresh progress handle.
func New() *Progress {
	return &Progress{done: make(chan struct{})}
}

// Observe registers fn to receive every report.
func (p *Progress) Observe(fn func(Report)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Update publishes a new report.
func (p *Progress) Update(done, total uint64, text string) {
	if p == nil {
		return
	}
	r := Report{Done: done, Total: total, Text: text}
	p.mu.Lock()
	p.last = r
	obs := append([]func(Report){}, p.observers...)
	p.mu.Unlock()
	for _, fn := range obs {
		fn(r)
	}
}

// Last returns the most recent report.
func (p *Progress) Last() Report {
	if p == nil {
		return Report{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Cancel requests cooperative cancellation. It is idempotent.
func (p *Progress) Cancel() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cancelled {
		p.cancelled = true
		close(p.done)
	}
}

// Cancelled reports whether cancellation was requested.
func (p *Progress) Cancelled() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Err returns ErrCancelled once cancellation was requested.
func (p *Progress) Err() error {
	if p.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// CancelRequested is closed when Cancel is called. It is nil for a nil
// *Progress, which blocks forever in a select.
func (p *Progress) CancelRequested() <-chan struct{} {
	if p == nil {
		return nil
	}
	return p.done
}
