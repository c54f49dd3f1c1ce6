// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package properties

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ffutop/devprops/internal/property"
)

// StatusChange records the status of a property before and after a scope.
type StatusChange struct {
	From property.Status
	To   property.Status
}

// Finished is the change set of one closed transaction scope.
type Finished struct {
	ID                uuid.UUID
	Changed           []property.ID
	Statuses          map[property.ID]StatusChange
	WriteResults      map[property.ID]error
	ConnectionChanged bool
	Lifetime          *LifetimeChecker
}

// Empty reports whether nothing happened in the scope.
func (f Finished) Empty() bool {
	return len(f.Changed) == 0 && len(f.Statuses) == 0 && len(f.WriteResults) == 0 && !f.ConnectionChanged
}

type changeSet struct {
	changed    map[property.ID]struct{}
	statuses   map[property.ID]StatusChange
	writes     map[property.ID]error
	connection bool
}

func newChangeSet() *changeSet {
	return &changeSet{
		changed:  make(map[property.ID]struct{}),
		statuses: make(map[property.ID]StatusChange),
		writes:   make(map[property.ID]error),
	}
}

func (cs *changeSet) status(id property.ID, from, to property.Status) {
	if prev, ok := cs.statuses[id]; ok {
		from = prev.From
	}
	if from == to {
		delete(cs.statuses, id)
		return
	}
	cs.statuses[id] = StatusChange{From: from, To: to}
}

func (cs *changeSet) finish() Finished {
	ids := maps.Keys(cs.changed)
	slices.Sort(ids)
	return Finished{
		ID:                uuid.New(),
		Changed:           ids,
		Statuses:          cs.statuses,
		WriteResults:      cs.writes,
		ConnectionChanged: cs.connection,
		Lifetime:          newLifetimeChecker(),
	}
}

// LifetimeChecker tells whoever emitted a Finished notification when every
// listener is done applying it. Listeners that finish their work
// asynchronously call Hold before returning and the release func later.
type LifetimeChecker struct {
	mu   sync.Mutex
	refs int
	done chan struct{}
}

func newLifetimeChecker() *LifetimeChecker {
	return &LifetimeChecker{refs: 1, done: make(chan struct{})}
}

// Hold keeps the notification alive until release is called. Calling Hold
// after the checker expired has no effect.
func (l *LifetimeChecker) Hold() (release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		return func() {}
	}
	l.refs++
	var once sync.Once
	return func() { once.Do(l.release) }
}

func (l *LifetimeChecker) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		close(l.done)
	}
}

// Alive reports whether some listener still holds the notification.
func (l *LifetimeChecker) Alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Done is closed once every hold was released.
func (l *LifetimeChecker) Done() <-chan struct{} { return l.done }

// Wait blocks until the checker expired or ctx is done.
func (l *LifetimeChecker) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
