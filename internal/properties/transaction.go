// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package properties

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/progress"
	"github.com/ffutop/devprops/internal/property"
	"github.com/ffutop/devprops/internal/taskmanager"
)

// Key is a typed property ID.
type Key[T any] struct {
	ID property.ID
}

// NewKey interns name.
func NewKey[T any](name string) Key[T] {
	return Key[T]{ID: property.Intern(name)}
}

func (k Key[T]) String() string { return k.ID.String() }

// outer is the scope shared by an outer transaction and the views nested
// in it.
type outer struct {
	p      *Properties
	inline bool
	stop   *taskmanager.StopGuard
	pause  *taskmanager.PauseGuard
	closed atomic.Bool
	once   sync.Once
}

func (p *Properties) acquire(ctx context.Context) error {
	select {
	case p.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransactionTimeout, ctx.Err())
	}
}

// take waits for the outer transaction token.
func (p *Properties) take() {
	p.token <- struct{}{}
}

func (p *Properties) open(inline bool, stop *taskmanager.StopGuard, pause *taskmanager.PauseGuard) *outer {
	p.mu.Lock()
	p.active = newChangeSet()
	p.checkLinkLocked()
	p.settleLocked()
	p.unlockAndDispatch(inline)
	return &outer{p: p, inline: inline, stop: stop, pause: pause}
}

func (o *outer) close() {
	o.once.Do(func() {
		o.closed.Store(true)
		p := o.p

		p.mu.Lock()
		p.settleLocked()
		cs := p.active
		p.active = nil
		p.unlockAndDispatch(o.inline)

		// jobs left over by the last settle were dispatched above, still
		// inside the scope of the guards
		o.pause.Release()
		o.stop.Release()
		<-p.token

		f := cs.finish()
		p.emit(&f)
	})
}

// Tx is the ordinary read and write view of the properties.
type Tx struct {
	o      *outer
	nested bool
}

// Begin opens a plain transaction, waiting for the open outer transaction
// to close first.
func (p *Properties) Begin() *Tx {
	p.take()
	return &Tx{o: p.open(false, nil, nil)}
}

// BeginContext is Begin bounded by ctx.
func (p *Properties) BeginContext(ctx context.Context) (*Tx, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	return &Tx{o: p.open(false, nil, nil)}, nil
}

// TryBegin is Begin giving up after timeout with ErrTransactionTimeout.
func (p *Properties) TryBegin(timeout time.Duration) (*Tx, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.BeginContext(ctx)
}

// Close ends the transaction and emits its Finished notification. Views
// nested in an exclusive or connection state transaction do not own the
// scope and only become unusable when their owner closes.
func (tx *Tx) Close() {
	if !tx.nested {
		tx.o.close()
	}
}

func (tx *Tx) do(fn func(p *Properties) error) error {
	if tx.o.closed.Load() {
		return ErrTransactionClosed
	}
	p := tx.o.p
	p.mu.Lock()
	err := fn(p)
	p.settleLocked()
	p.unlockAndDispatch(tx.o.inline)
	return err
}

func (tx *Tx) each(ids []property.ID, fn func(p *Properties, n Node)) error {
	return tx.do(func(p *Properties) error {
		for _, id := range ids {
			n, err := p.lookupLocked(id)
			if err != nil {
				return err
			}
			fn(p, n)
		}
		return nil
	})
}

// Touch makes sure the properties get a value: readable properties without
// one, or with a recoverable read error, are read.
func (tx *Tx) Touch(ids ...property.ID) error {
	return tx.each(ids, func(p *Properties, n Node) { n.touch(p) })
}

// Invalidate re-reads the properties that already have a value.
func (tx *Tx) Invalidate(ids ...property.ID) error {
	return tx.each(ids, func(p *Properties, n Node) { n.invalidate(p) })
}

// Refresh reads the properties unconditionally.
func (tx *Tx) Refresh(ids ...property.ID) error {
	return tx.each(ids, func(p *Properties, n Node) { n.refresh(p) })
}

// GetAny returns the current value of id, property.ErrNoValue or the read
// error.
func (tx *Tx) GetAny(id property.ID) (v any, err error) {
	err = tx.do(func(p *Properties) error {
		n, err := p.lookupLocked(id)
		if err != nil {
			return err
		}
		if !n.core().status.Readable() {
			return fmt.Errorf("%w: %s is %s", ErrNotReadable, id, n.core().status)
		}
		v, err = n.Slot().Any()
		return err
	})
	return v, err
}

// SetAny writes v to id after validating it.
func (tx *Tx) SetAny(id property.ID, v any) error {
	return tx.do(func(p *Properties) error {
		n, err := p.lookupLocked(id)
		if err != nil {
			return err
		}
		return n.setAny(p, v)
	})
}

// SetAccording writes the current value of src to dst.
func (tx *Tx) SetAccording(dst, src property.ID) error {
	return tx.do(func(p *Properties) error {
		from, err := p.lookupLocked(src)
		if err != nil {
			return err
		}
		to, err := p.lookupLocked(dst)
		if err != nil {
			return err
		}
		v, err := from.Slot().Any()
		if err != nil {
			return fmt.Errorf("%s has no value to copy: %w", src, err)
		}
		return to.setAny(p, v)
	})
}

// Validate runs every validator of id against v without writing.
func (tx *Tx) Validate(id property.ID, v any) (res property.Validation, err error) {
	err = tx.do(func(p *Properties) error {
		n, err := p.lookupLocked(id)
		if err != nil {
			return err
		}
		res, err = n.validateAny(p, v)
		return err
	})
	return res, err
}

// Status returns the current status of id.
func (tx *Tx) Status(id property.ID) (st property.Status, err error) {
	err = tx.do(func(p *Properties) error {
		n, err := p.lookupLocked(id)
		if err == nil {
			st = n.core().status
		}
		return err
	})
	return st, err
}

// WriteResult returns the error of the last finished write of id, nil on
// success or if there was none.
func (tx *Tx) WriteResult(id property.ID) (res error, err error) {
	err = tx.do(func(p *Properties) error {
		n, err := p.lookupLocked(id)
		if err == nil {
			res = n.core().lastWrite
		}
		return err
	})
	return res, err
}

// Type returns the value type of id.
func (tx *Tx) Type(id property.ID) (t reflect.Type, err error) {
	err = tx.do(func(p *Properties) error {
		n, err := p.lookupLocked(id)
		if err == nil {
			t = n.Slot().Type()
		}
		return err
	})
	return t, err
}

// Kind names the adapter kind of id.
func (tx *Tx) Kind(id property.ID) (k string, err error) {
	err = tx.do(func(p *Properties) error {
		n, err := p.lookupLocked(id)
		if err == nil {
			k = n.Kind()
		}
		return err
	})
	return k, err
}

// IDs returns the registered properties in ascending ID order.
func (tx *Tx) IDs() []property.ID {
	var ids []property.ID
	_ = tx.do(func(p *Properties) error {
		ids = maps.Keys(p.adapters)
		return nil
	})
	slices.Sort(ids)
	return ids
}

// DeviceType returns the type of the connected device.
func (tx *Tx) DeviceType() device.Type {
	var dt device.Type
	_ = tx.do(func(p *Properties) error {
		dt = p.deviceType
		return nil
	})
	return dt
}

// AddWildTask schedules raw device access outside the adapters. When a
// WriteWild task finishes, every property mapped to its ranges is
// cleared.
func (tx *Tx) AddWildTask(ranges addressrange.Ranges, kind taskmanager.Kind, fn taskmanager.ProgressFunc) (*taskmanager.Task, error) {
	if tx.o.closed.Load() {
		return nil, ErrTransactionClosed
	}
	p := tx.o.p
	var tm taskmanager.Manager = p.inline
	if !tx.o.inline {
		tm = p.TaskManager()
	}
	t := tm.AddTaskWithProgress(ranges, kind, fn)
	if t == nil {
		return nil, ErrAddingBlocked
	}
	return t, nil
}

// Wait blocks until the task manager has nothing left to do, so that
// values requested by Touch or Refresh are in.
func (tx *Tx) Wait(ctx context.Context) error {
	if tx.o.inline {
		return nil
	}
	return tx.o.p.TaskManager().WaitIdle(ctx)
}

// Get returns the typed value of k. It panics if k's type does not match
// the registered adapter.
func Get[T any](tx *Tx, k Key[T]) (T, error) {
	var zero T
	v, err := tx.GetAny(k.ID)
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Set writes v to k.
func Set[T any](tx *Tx, k Key[T], v T) error {
	return tx.SetAny(k.ID, v)
}

// ExclusiveTx pauses the task manager for operations that need the device
// to themselves. Property I/O made through its view runs synchronously on
// the caller's goroutine.
type ExclusiveTx struct {
	o      *outer
	nested bool
}

// BeginExclusive opens an exclusive transaction. With cancel set, running
// tasks are asked to stop instead of being waited for.
func (p *Properties) BeginExclusive(cancel bool) *ExclusiveTx {
	p.take()
	pause := p.TaskManager().PauseRunning(cancel)
	return &ExclusiveTx{o: p.open(true, nil, pause)}
}

// Properties returns the property view of the transaction.
func (x *ExclusiveTx) Properties() *Tx { return &Tx{o: x.o, nested: true} }

// ReadMemory reads device memory directly.
func (x *ExclusiveTx) ReadMemory(ctx context.Context, r addressrange.Range, prog *progress.Progress) ([]byte, error) {
	if x.o.closed.Load() {
		return nil, ErrTransactionClosed
	}
	p := x.o.p
	p.mu.Lock()
	link := p.link
	p.mu.Unlock()
	if link == nil {
		return nil, device.ErrNotConnected
	}
	return link.ReadMemory(ctx, r, prog)
}

// WriteMemory writes device memory directly and clears the properties
// mapped to the written bytes.
func (x *ExclusiveTx) WriteMemory(ctx context.Context, addr uint32, data []byte, prog *progress.Progress) error {
	if x.o.closed.Load() {
		return ErrTransactionClosed
	}
	if len(data) == 0 {
		return nil
	}
	p := x.o.p
	p.mu.Lock()
	link := p.link
	p.mu.Unlock()
	if link == nil {
		return device.ErrNotConnected
	}
	err := link.WriteMemory(ctx, addr, data, prog)

	p.mu.Lock()
	p.clearOverlappingLocked(addressrange.Single(addressrange.FirstSize(addr, uint32(len(data)))))
	p.settleLocked()
	p.unlockAndDispatch(true)
	return err
}

// Close ends the transaction unless it is nested in a connection state
// transaction.
func (x *ExclusiveTx) Close() {
	if !x.nested {
		x.o.close()
	}
}

// StateTx connects and disconnects the device link. It stops the task
// manager for its whole lifetime; property I/O made through its views runs
// synchronously.
type StateTx struct {
	o *outer
}

// BeginConnectionState opens a connection state transaction. It
// disconnects the current link before returning.
func (p *Properties) BeginConnectionState() *StateTx {
	p.take()
	stop := p.TaskManager().StopAndBlockAdding()
	s := &StateTx{o: p.open(true, stop, nil)}
	if err := s.Disconnect(); err != nil {
		p.logger.Warn("disconnect failed", "err", err)
	}
	return s
}

// Connect opens link and makes the detected device type current.
func (s *StateTx) Connect(ctx context.Context, link device.Link) (device.Type, error) {
	if s.o.closed.Load() {
		return device.None, ErrTransactionClosed
	}
	if err := s.Disconnect(); err != nil {
		return device.None, err
	}
	dt, err := link.Connect(ctx)
	if err != nil {
		return device.None, fmt.Errorf("connect: %w", err)
	}

	p := s.o.p
	p.mu.Lock()
	p.link = link
	p.deviceType = dt
	p.clearDeviceValuesLocked()
	p.active.connection = true
	p.settleLocked()
	p.unlockAndDispatch(true)
	p.logger.Info("device connected", "device_type", dt)
	return dt, nil
}

// Disconnect closes the link, if any, and clears the device type.
func (s *StateTx) Disconnect() error {
	if s.o.closed.Load() {
		return ErrTransactionClosed
	}
	p := s.o.p
	p.mu.Lock()
	link := p.link
	if link == nil && p.deviceType == device.None {
		p.mu.Unlock()
		return nil
	}
	p.link = nil
	p.deviceType = device.None
	p.clearDeviceValuesLocked()
	p.active.connection = true
	p.settleLocked()
	p.unlockAndDispatch(true)

	if link == nil {
		return nil
	}
	p.logger.Info("device disconnected")
	return link.Disconnect()
}

// DeviceType returns the connected device type.
func (s *StateTx) DeviceType() device.Type {
	return s.Properties().DeviceType()
}

// Exclusive returns the exclusive view nested in this transaction.
func (s *StateTx) Exclusive() *ExclusiveTx { return &ExclusiveTx{o: s.o, nested: true} }

// Properties returns the property view of the transaction.
func (s *StateTx) Properties() *Tx { return &Tx{o: s.o, nested: true} }

// Close ends the transaction and lets the task manager accept tasks again.
func (s *StateTx) Close() { s.o.close() }
