// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package taskmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/progress"
)

const waitFor = 2 * time.Second

func rs(first, last uint32) addressrange.Ranges {
	return addressrange.Single(addressrange.New(first, last))
}

// gate is a task body that reports when it starts and blocks until opened.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) body(ctx context.Context) {
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
	}
}

func (g *gate) open() { close(g.release) }

func (g *gate) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(waitFor):
		t.Fatal("task did not start")
	}
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, task.Wait(ctx))
}

func TestQueuedOverlappingWriteThenRead(t *testing.T) {
	m := NewQueued(4)
	defer m.Close()

	w := newGate()
	write := m.AddTaskSimple(rs(0x000, 0x00F), KindWriteProperty, w.body)
	require.NotNil(t, write)
	w.waitStarted(t)

	var readRan atomic.Bool
	read := m.AddTaskSimple(rs(0x008, 0x00F), KindReadProperty, func(context.Context) { readRan.Store(true) })
	require.NotNil(t, read)

	assert.Equal(t, StateRunning, write.State())
	assert.Equal(t, StateWaiting, read.State())
	assert.False(t, readRan.Load())

	w.open()
	waitDone(t, write)
	waitDone(t, read)
	assert.True(t, readRan.Load())
	assert.Equal(t, StateDone, read.State())
}

func TestQueuedDisjointTasksRunConcurrently(t *testing.T) {
	m := NewQueued(4)
	defer m.Close()

	a, b := newGate(), newGate()
	ta := m.AddTaskSimple(rs(0x00, 0x0F), KindReadWild, a.body)
	tb := m.AddTaskSimple(rs(0x10, 0x1F), KindReadWild, b.body)
	a.waitStarted(t)
	b.waitStarted(t)

	_, running := m.Counts()
	assert.Equal(t, 2, running)
	a.open()
	b.open()
	waitDone(t, ta)
	waitDone(t, tb)
}

func TestQueuedOverlapNeverRunsConcurrently(t *testing.T) {
	m := NewQueued(8)
	defer m.Close()

	var mu sync.Mutex
	busy := make(map[uint32]bool)
	violation := false

	var tasks []*Task
	for i := 0; i < 40; i++ {
		word := uint32(i % 4)
		ranges := rs(word*4, word*4+3)
		tasks = append(tasks, m.AddTaskSimple(ranges, KindWriteWild, func(context.Context) {
			mu.Lock()
			if busy[word] {
				violation = true
			}
			busy[word] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			busy[word] = false
			mu.Unlock()
		}))
	}
	for _, task := range tasks {
		require.NotNil(t, task)
		waitDone(t, task)
	}
	assert.False(t, violation)
}

func TestQueuedAdmissionDedup(t *testing.T) {
	m := NewQueued(1)
	defer m.Close()

	blocker := newGate()
	m.AddTaskSimple(rs(0x100, 0x1FF), KindReadWild, blocker.body)
	blocker.waitStarted(t)

	// both wait behind the thread limit
	first := m.AddTaskSimple(rs(0x00, 0x0F), KindReadProperty, func(context.Context) {})
	require.NotNil(t, first)

	assert.Nil(t, m.AddTaskSimple(rs(0x04, 0x07), KindReadProperty, func(context.Context) {}),
		"read covered by a waiting read is dropped")
	assert.Nil(t, m.AddTaskSimple(rs(0x00, 0x0F), KindWriteProperty, func(context.Context) {}),
		"write covered by a waiting property task is dropped")
	assert.True(t, m.Accepting(), "a dropped duplicate is not a refusal")
	assert.NotNil(t, m.AddTaskSimple(rs(0x0C, 0x13), KindReadProperty, func(context.Context) {}),
		"partial overlap is not covered")
	assert.NotNil(t, m.AddTaskSimple(rs(0x00, 0x0F), KindReadWild, func(context.Context) {}),
		"wild tasks are never deduplicated")

	waiting, _ := m.Counts()
	assert.Equal(t, 3, waiting)

	blocker.open()
	require.NoError(t, m.WaitIdle(context.Background()))
}

func TestQueuedRunningReadCoversRead(t *testing.T) {
	m := NewQueued(2)
	defer m.Close()

	r := newGate()
	m.AddTaskSimple(rs(0x00, 0x0F), KindReadProperty, r.body)
	r.waitStarted(t)

	assert.Nil(t, m.AddTaskSimple(rs(0x00, 0x03), KindReadProperty, func(context.Context) {}))
	assert.NotNil(t, m.AddTaskSimple(rs(0x00, 0x03), KindWriteProperty, func(context.Context) {}),
		"a running task never swallows a write")

	r.open()
	require.NoError(t, m.WaitIdle(context.Background()))
}

func TestQueuedMaxThreads(t *testing.T) {
	m := NewQueued(2)
	defer m.Close()

	gates := []*gate{newGate(), newGate(), newGate()}
	var tasks []*Task
	for i, g := range gates {
		tasks = append(tasks, m.AddTaskSimple(rs(uint32(i)*16, uint32(i)*16+15), KindReadWild, g.body))
	}
	gates[0].waitStarted(t)
	gates[1].waitStarted(t)
	assert.Equal(t, StateWaiting, tasks[2].State())

	gates[0].open()
	gates[2].waitStarted(t)
	gates[1].open()
	gates[2].open()
	require.NoError(t, m.WaitIdle(context.Background()))
}

func TestQueuedProgressIsExclusive(t *testing.T) {
	m := NewQueued(4)
	defer m.Close()

	a, b := newGate(), newGate()
	ta := m.AddTaskWithProgress(rs(0x00, 0x0F), KindWriteWild, func(ctx context.Context, _ *progress.Progress) { a.body(ctx) })
	a.waitStarted(t)
	tb := m.AddTaskWithProgress(rs(0x10, 0x1F), KindWriteWild, func(ctx context.Context, _ *progress.Progress) { b.body(ctx) })
	plain := m.AddTaskSimple(rs(0x20, 0x2F), KindReadWild, func(context.Context) {})

	waitDone(t, plain)
	assert.Equal(t, StateWaiting, tb.State())
	require.NotNil(t, ta.Progress())

	a.open()
	b.waitStarted(t)
	b.open()
	waitDone(t, tb)
}

func TestQueuedSkipsBlockedTasksInOrder(t *testing.T) {
	m := NewQueued(4)
	defer m.Close()

	holder := newGate()
	m.AddTaskSimple(rs(0x00, 0x0F), KindWriteWild, holder.body)
	holder.waitStarted(t)

	blocked := m.AddTaskSimple(rs(0x00, 0x03), KindReadWild, func(context.Context) {})
	later := m.AddTaskSimple(rs(0x40, 0x43), KindReadWild, func(context.Context) {})

	waitDone(t, later)
	assert.Equal(t, StateWaiting, blocked.State())

	holder.open()
	waitDone(t, blocked)
}

func TestQueuedStopAndBlockAdding(t *testing.T) {
	m := NewQueued(4)
	defer m.Close()

	g := newGate()
	task := m.AddTaskSimple(rs(0, 3), KindReadWild, g.body)
	g.waitStarted(t)

	acquired := make(chan *StopGuard)
	go func() { acquired <- m.StopAndBlockAdding() }()

	select {
	case <-acquired:
		t.Fatal("stop guard returned while a task was running")
	case <-time.After(20 * time.Millisecond):
	}
	g.open()

	var guard *StopGuard
	select {
	case guard = <-acquired:
	case <-time.After(waitFor):
		t.Fatal("stop guard never acquired")
	}
	waitDone(t, task)

	nested := m.StopAndBlockAdding()
	assert.Nil(t, m.AddTaskSimple(rs(0, 3), KindReadWild, func(context.Context) {}))

	guard.Release()
	guard.Release()
	assert.Nil(t, m.AddTaskSimple(rs(0, 3), KindReadWild, func(context.Context) {}),
		"adding stays blocked until the last guard is released")
	assert.False(t, m.Accepting())

	nested.Release()
	assert.True(t, m.Accepting())
	after := m.AddTaskSimple(rs(0, 3), KindReadWild, func(context.Context) {})
	require.NotNil(t, after)
	waitDone(t, after)
}

func TestQueuedPauseRunning(t *testing.T) {
	m := NewQueued(4)
	defer m.Close()

	pause := m.PauseRunning(false)
	var ran atomic.Bool
	task := m.AddTaskSimple(rs(0, 3), KindReadWild, func(context.Context) { ran.Store(true) })
	require.NotNil(t, task)

	inner := m.PauseRunning(false)
	pause.Release()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateWaiting, task.State())
	assert.False(t, ran.Load())

	inner.Release()
	waitDone(t, task)
	assert.True(t, ran.Load())
}

func TestQueuedPauseRunningCancels(t *testing.T) {
	m := NewQueued(4)
	defer m.Close()

	var sawCancel atomic.Bool
	started := make(chan struct{})
	task := m.AddTaskWithProgress(rs(0, 0xFF), KindWriteWild, func(ctx context.Context, p *progress.Progress) {
		close(started)
		select {
		case <-p.CancelRequested():
			sawCancel.Store(true)
		case <-time.After(waitFor):
		}
	})
	<-started

	guard := m.PauseRunning(true)
	waitDone(t, task)
	assert.True(t, sawCancel.Load())
	assert.ErrorIs(t, task.Progress().Err(), progress.ErrCancelled)
	guard.Release()
}

func TestQueuedWildWriteHook(t *testing.T) {
	m := NewQueued(4)
	defer m.Close()

	var mu sync.Mutex
	var got []addressrange.Ranges
	m.SetWildWriteHook(func(r addressrange.Ranges) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	waitDone(t, m.AddTaskSimple(rs(0x10, 0x1F), KindReadWild, func(context.Context) {}))
	waitDone(t, m.AddTaskSimple(rs(0x20, 0x2F), KindWriteWild, func(context.Context) {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(rs(0x20, 0x2F)))
}

func TestQueuedPanicDoesNotLeakRunningSlot(t *testing.T) {
	m := NewQueued(1)
	defer m.Close()

	waitDone(t, m.AddTaskSimple(rs(0, 3), KindReadWild, func(context.Context) { panic("boom") }))
	waitDone(t, m.AddTaskSimple(rs(0, 3), KindReadWild, func(context.Context) {}))
}

func TestQueuedCloseWaitsForTasks(t *testing.T) {
	m := NewQueued(2)

	var finished atomic.Int32
	for i := 0; i < 6; i++ {
		m.AddTaskSimple(rs(0, 3), KindWriteWild, func(context.Context) {
			time.Sleep(time.Millisecond)
			finished.Add(1)
		})
	}
	m.Close()
	assert.Equal(t, int32(6), finished.Load())
	assert.Nil(t, m.AddTaskSimple(rs(0, 3), KindReadWild, func(context.Context) {}))
}

func TestQueuedWaitIdleHonoursContext(t *testing.T) {
	m := NewQueued(1)
	g := newGate()
	m.AddTaskSimple(rs(0, 3), KindReadWild, g.body)
	g.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.WaitIdle(ctx), context.DeadlineExceeded)

	g.open()
	m.Close()
}
