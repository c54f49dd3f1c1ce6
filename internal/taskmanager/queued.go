// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package taskmanager

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/ffutop/devprops/internal/addressrange"
)

// DefaultMaxThreads is used when NewQueued is given a non-positive limit.
const DefaultMaxThreads = 4

// Queued runs every task on its own goroutine. A waiting task starts only
// when nothing running overlaps its address ranges, the thread limit allows
// it, and no other running task owns the progress indicator. The waiting
// queue is scanned in submission order on every state change; a task that
// cannot start yet does not hold back the ones behind it.
type Queued struct {
	mu      sync.Mutex
	changed *sync.Cond

	waiting []*Task
	running []*Task

	maxThreads   int
	blockAdding  int
	pauseRunning int
	closed       bool

	wildHook func(addressrange.Ranges)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewQueued returns a scheduler running at most maxThreads tasks at once.
func NewQueued(maxThreads int, opts ...Option) *Queued {
	o := buildOptions(opts)
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Queued{
		maxThreads: maxThreads,
		ctx:        ctx,
		cancel:     cancel,
		logger:     o.logger,
	}
	m.changed = sync.NewCond(&m.mu)
	return m
}

// AddTaskSimple queues fn.
func (m *Queued) AddTaskSimple(ranges addressrange.Ranges, kind Kind, fn SimpleFunc) *Task {
	return m.add(Info{Ranges: ranges, Kind: kind}, simple(fn))
}

// AddTaskWithProgress queues fn with a progress handle.
func (m *Queued) AddTaskWithProgress(ranges addressrange.Ranges, kind Kind, fn ProgressFunc) *Task {
	return m.add(Info{Ranges: ranges, Kind: kind, Progress: true}, fn)
}

// Accepting reports whether new tasks are queued.
func (m *Queued) Accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.blockAdding == 0
}

func (m *Queued) add(info Info, fn ProgressFunc) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.blockAdding > 0 {
		m.logger.Debug("task refused, adding is blocked", "kind", info.Kind, "ranges", info.Ranges)
		return nil
	}
	if info.Kind.Property() && m.coveredLocked(info) {
		m.logger.Debug("task dropped, covered by pending property task", "kind", info.Kind, "ranges", info.Ranges)
		return nil
	}

	t := newTask(info, fn)
	m.waiting = append(m.waiting, t)
	m.logger.Debug("task queued", "kind", info.Kind, "ranges", info.Ranges, "waiting", len(m.waiting))
	m.scheduleLocked()
	return t
}

// coveredLocked reports whether a pending property task already covers
// info. A waiting property task of either kind covers anything inside its
// ranges: it has not started and will act on the newest state when it does.
// Among running tasks only a read covers a new read. A running write may
// leave the device with a value the new read is meant to pick up.
func (m *Queued) coveredLocked(info Info) bool {
	if info.Ranges.Empty() {
		return false
	}
	covers := func(t *Task) bool {
		return t.info.Kind.Property() && t.info.Ranges.ContainsRanges(info.Ranges)
	}
	if slices.ContainsFunc(m.waiting, covers) {
		return true
	}
	if info.Kind != KindReadProperty {
		return false
	}
	return slices.ContainsFunc(m.running, func(t *Task) bool {
		return t.info.Kind == KindReadProperty && covers(t)
	})
}

func (m *Queued) canRunLocked(t *Task) bool {
	if m.pauseRunning > 0 || len(m.running) >= m.maxThreads {
		return false
	}
	for _, r := range m.running {
		if r.info.Ranges.Overlaps(t.info.Ranges) {
			return false
		}
		if t.info.Progress && r.info.Progress {
			return false
		}
	}
	return true
}

func (m *Queued) scheduleLocked() {
	for i := 0; i < len(m.waiting); {
		t := m.waiting[i]
		if !m.canRunLocked(t) {
			i++
			continue
		}
		m.waiting = slices.Delete(m.waiting, i, i+1)
		m.startLocked(t)
	}
	m.changed.Broadcast()
}

func (m *Queued) startLocked(t *Task) {
	ctx, cancel := context.WithCancel(m.ctx)
	t.cancel = cancel
	t.setState(StateRunning)
	m.running = append(m.running, t)
	m.wg.Add(1)
	m.logger.Debug("task started", "kind", t.info.Kind, "ranges", t.info.Ranges, "running", len(m.running))
	go m.run(ctx, t)
}

func (m *Queued) run(ctx context.Context, t *Task) {
	defer m.finish(t)
	t.fn(ctx, t.progress)
}

// finish is deferred by run so the running set is updated on every exit
// path of the task body, panics included.
func (m *Queued) finish(t *Task) {
	if r := recover(); r != nil {
		m.logger.Error("task panicked", "kind", t.info.Kind, "ranges", t.info.Ranges, "panic", r)
	}

	// the hook runs while the task still counts as running, so WaitIdle
	// returns only after the overlapped properties were cleared
	if t.info.Kind == KindWriteWild {
		m.mu.Lock()
		hook := m.wildHook
		m.mu.Unlock()
		if hook != nil {
			m.logger.Info("wild write finished, invalidating overlapped properties", "ranges", t.info.Ranges)
			hook(t.info.Ranges)
		}
	}

	m.mu.Lock()
	if i := slices.Index(m.running, t); i >= 0 {
		m.running = slices.Delete(m.running, i, i+1)
	}
	t.cancel()
	m.scheduleLocked()
	m.mu.Unlock()

	t.setState(StateDone)
	close(t.done)
	m.wg.Done()
}

// StopAndBlockAdding refuses new tasks and waits until the queue and the
// running set are empty.
func (m *Queued) StopAndBlockAdding() *StopGuard {
	m.mu.Lock()
	m.blockAdding++
	for len(m.waiting) > 0 || len(m.running) > 0 {
		m.changed.Wait()
	}
	m.mu.Unlock()

	g := &StopGuard{}
	g.release = func() {
		m.mu.Lock()
		m.blockAdding--
		m.scheduleLocked()
		m.mu.Unlock()
	}
	return g
}

// PauseRunning keeps tasks from starting and waits for the running ones.
// With cancel set, running tasks have their progress handle and context
// cancelled first; they still have to notice and return on their own.
func (m *Queued) PauseRunning(cancel bool) *PauseGuard {
	m.mu.Lock()
	m.pauseRunning++
	if cancel {
		for _, t := range m.running {
			m.logger.Debug("cancelling running task", "kind", t.info.Kind, "ranges", t.info.Ranges)
			t.progress.Cancel()
			t.cancel()
		}
	}
	for len(m.running) > 0 {
		m.changed.Wait()
	}
	m.mu.Unlock()

	g := &PauseGuard{}
	g.release = func() {
		m.mu.Lock()
		m.pauseRunning--
		m.scheduleLocked()
		m.mu.Unlock()
	}
	return g
}

// SetWildWriteHook implements Manager.
func (m *Queued) SetWildWriteHook(fn func(addressrange.Ranges)) {
	m.mu.Lock()
	m.wildHook = fn
	m.mu.Unlock()
}

// WaitIdle implements Manager.
func (m *Queued) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.changed.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.waiting) > 0 || len(m.running) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.changed.Wait()
	}
	return nil
}

// Counts returns the number of waiting and running tasks.
func (m *Queued) Counts() (waiting, running int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting), len(m.running)
}

// Close refuses new tasks, lets the accepted ones finish and waits for
// every task goroutine to exit.
func (m *Queued) Close() {
	m.mu.Lock()
	m.closed = true
	for len(m.waiting) > 0 && m.pauseRunning == 0 {
		m.changed.Wait()
	}
	dropped := m.waiting
	m.waiting = nil
	m.mu.Unlock()

	for _, t := range dropped {
		t.setState(StateDone)
		close(t.done)
	}
	m.wg.Wait()
	m.cancel()
}
