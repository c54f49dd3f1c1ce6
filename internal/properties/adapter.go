// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package properties

import (
	"context"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/property"
	"github.com/ffutop/devprops/internal/taskmanager"
)

type kind uint8

const (
	kindValue kind = iota
	kindDevice
	kindDerived
	kindComponent
)

func (k kind) String() string {
	switch k {
	case kindValue:
		return "value"
	case kindDevice:
		return "device"
	case kindDerived:
		return "derived"
	case kindComponent:
		return "component"
	}
	return "unknown"
}

// Node is the type-erased view of an adapter. It is implemented by
// *Adapter[T] only.
type Node interface {
	ID() property.ID
	Slot() property.Slot
	Kind() string

	core() *base
	deviceTypes() []device.Type
	deviceRanges(dt device.Type) addressrange.Ranges
	bind(p *Properties) error
	unbind(p *Properties)
	computeStatus(p *Properties) property.Status
	touch(p *Properties)
	invalidate(p *Properties)
	refresh(p *Properties)
	recompute(p *Properties)
	writePending() bool
	setAny(p *Properties, v any) error
	validateAny(p *Properties, v any) (property.Validation, error)
}

// base holds what the core tracks for every adapter regardless of its
// value type. It is guarded by the owning Properties' lock.
type base struct {
	id       property.ID
	kind     kind
	access   property.Status
	statusFn func(View) property.Status
	srcs     []property.ID
	subs     []property.ID

	status    property.Status
	lastWrite error
}

// Adapter implements the read, write, validate and derive logic of one
// property with values of type T.
type Adapter[T any] struct {
	base

	value     *property.Value[T]
	valueOpts []property.ValueOption[T]

	codec        device.Codec[T]
	addrs        map[device.Type]uint32
	flashOffset  int64
	hasFlash     bool
	clearOnWrite bool
	reread       bool
	pending      *T

	derive   func(p *Properties) (T, bool, *property.Error)
	checks   []func(p *Properties) error
	hooks    []fieldHook[T]
	write    func(p *Properties, v T) error
	bindFn   func(p *Properties) error
	unbindFn func(p *Properties)
}

type fieldHook[T any] struct {
	owner     property.ID
	transform func(T) T
	validate  func(T) property.Validation
}

// Option configures an adapter.
type Option[T any] func(*Adapter[T])

// WithAccess limits the status the adapter can ever reach.
func WithAccess[T any](s property.Status) Option[T] {
	return func(a *Adapter[T]) { a.access = s }
}

// WithStatusFunc further restricts the status by a function of the device
// type and other properties.
func WithStatusFunc[T any](fn func(View) property.Status) Option[T] {
	return func(a *Adapter[T]) { a.statusFn = fn }
}

// WithSubsidiaries names properties to invalidate whenever this one changes.
func WithSubsidiaries[T any](ids ...property.ID) Option[T] {
	return func(a *Adapter[T]) { a.subs = append(a.subs, ids...) }
}

// WithValidator sets the local validator run before every write.
func WithValidator[T any](fn func(T) property.Validation) Option[T] {
	return func(a *Adapter[T]) { a.valueOpts = append(a.valueOpts, property.WithValidator(fn)) }
}

// WithInitial gives a value adapter its starting value.
func WithInitial[T any](x T) Option[T] {
	return func(a *Adapter[T]) { a.valueOpts = append(a.valueOpts, property.WithInitial(x)) }
}

// WriteClearsValue makes a device adapter forget its cached value when a
// write is issued; the value is known again once the write completed.
func WriteClearsValue[T any]() Option[T] {
	return func(a *Adapter[T]) { a.clearOnWrite = true }
}

// RereadAfterWrite makes a device adapter read the register back after
// every write, for devices that clamp or transform written values.
func RereadAfterWrite[T any]() Option[T] {
	return func(a *Adapter[T]) { a.reread = true }
}

// WithFlashCopy makes every write also go to the flash-backed copy of the
// register at addr+offset.
func WithFlashCopy[T any](offset int64) Option[T] {
	return func(a *Adapter[T]) {
		a.flashOffset = offset
		a.hasFlash = true
	}
}

func newAdapter[T any](id property.ID, k kind, access property.Status, opts []Option[T]) *Adapter[T] {
	a := &Adapter[T]{base: base{id: id, kind: k, access: access}}
	for _, opt := range opts {
		opt(a)
	}
	a.value = property.NewValue[T](id, a.valueOpts...)
	return a
}

// NewValue returns an adapter holding its value in memory only.
func NewValue[T any](id property.ID, opts ...Option[T]) *Adapter[T] {
	return newAdapter(id, kindValue, property.StatusReadWrite, opts)
}

// NewDevice returns an adapter backed by device memory. addrs gives the
// register address per device type; on other types the property is
// disabled.
func NewDevice[T any](id property.ID, codec device.Codec[T], addrs map[device.Type]uint32, opts ...Option[T]) *Adapter[T] {
	a := newAdapter(id, kindDevice, property.StatusReadWrite, opts)
	a.codec = codec
	a.addrs = addrs
	return a
}

// DerivedFrom1 returns a read-only property computed from one source.
func DerivedFrom1[A, T any](id property.ID, ka Key[A], fn func(A) (T, error), opts ...Option[T]) *Adapter[T] {
	a := newAdapter(id, kindDerived, property.StatusReadOnly, opts)
	a.srcs = []property.ID{ka.ID}
	a.checks = []func(*Properties) error{expectType[A](ka.ID)}
	a.derive = func(p *Properties) (T, bool, *property.Error) {
		var zero T
		x, rx := sourceValue[A](p, ka.ID)
		if ok, err := ready(rx); !ok || err != nil {
			return zero, ok, err
		}
		v, err := fn(x)
		return compute(v, err)
	}
	return a
}

// DerivedFrom2 returns a read-only property computed from two sources.
func DerivedFrom2[A, B, T any](id property.ID, ka Key[A], kb Key[B], fn func(A, B) (T, error), opts ...Option[T]) *Adapter[T] {
	a := newAdapter(id, kindDerived, property.StatusReadOnly, opts)
	a.srcs = []property.ID{ka.ID, kb.ID}
	a.checks = []func(*Properties) error{expectType[A](ka.ID), expectType[B](kb.ID)}
	a.derive = func(p *Properties) (T, bool, *property.Error) {
		var zero T
		x, rx := sourceValue[A](p, ka.ID)
		y, ry := sourceValue[B](p, kb.ID)
		if ok, err := ready(rx, ry); !ok || err != nil {
			return zero, ok, err
		}
		v, err := fn(x, y)
		return compute(v, err)
	}
	return a
}

// DerivedFrom3 returns a read-only property computed from three sources.
func DerivedFrom3[A, B, C, T any](id property.ID, ka Key[A], kb Key[B], kc Key[C], fn func(A, B, C) (T, error), opts ...Option[T]) *Adapter[T] {
	a := newAdapter(id, kindDerived, property.StatusReadOnly, opts)
	a.srcs = []property.ID{ka.ID, kb.ID, kc.ID}
	a.checks = []func(*Properties) error{expectType[A](ka.ID), expectType[B](kb.ID), expectType[C](kc.ID)}
	a.derive = func(p *Properties) (T, bool, *property.Error) {
		var zero T
		x, rx := sourceValue[A](p, ka.ID)
		y, ry := sourceValue[B](p, kb.ID)
		z, rz := sourceValue[C](p, kc.ID)
		if ok, err := ready(rx, ry, rz); !ok || err != nil {
			return zero, ok, err
		}
		v, err := fn(x, y, z)
		return compute(v, err)
	}
	return a
}

// ComponentHooks run on the whole composite value whenever any field of it
// is written, before the composite is validated and sent to the device.
type ComponentHooks[C any] struct {
	Transform func(C) C
	Validate  func(C) property.Validation
}

// NewComponent returns a property that is one field of the composite
// property ck. Reads extract the field from the composite value, writes
// inject the new field value into the current composite and write that.
func NewComponent[C, T any](id property.ID, ck Key[C], extract func(C) T, inject func(C, T) C, hooks ComponentHooks[C], opts ...Option[T]) *Adapter[T] {
	a := newAdapter(id, kindComponent, property.StatusReadWrite, opts)
	a.srcs = []property.ID{ck.ID}
	a.derive = func(p *Properties) (T, bool, *property.Error) {
		var zero T
		c, rc := sourceValue[C](p, ck.ID)
		if ok, err := ready(rc); !ok || err != nil {
			return zero, ok, err
		}
		return extract(c), true, nil
	}

	var composite *Adapter[C]
	a.bindFn = func(p *Properties) error {
		n, ok := p.adapters[ck.ID]
		if !ok {
			return fmt.Errorf("%w: composite %s of %s", ErrUnknownProperty, ck.ID, id)
		}
		c, ok := n.(*Adapter[C])
		if !ok {
			return fmt.Errorf("%w: composite %s of %s", property.ErrTypeMismatch, ck.ID, id)
		}
		composite = c
		composite.hooks = append(composite.hooks, fieldHook[C]{owner: id, transform: hooks.Transform, validate: hooks.Validate})
		return nil
	}
	a.unbindFn = func(*Properties) {
		if composite == nil {
			return
		}
		composite.hooks = slices.DeleteFunc(composite.hooks, func(h fieldHook[C]) bool { return h.owner == id })
		composite = nil
	}
	a.write = func(p *Properties, v T) error {
		if !composite.status.Writable() {
			return fmt.Errorf("%w: %s", ErrNotWritable, ck.ID)
		}
		cur, err := composite.value.Get()
		if err != nil {
			return &ValidationError{Property: id, Validation: property.NotReady("composite has no value", ck.ID.String())}
		}
		return composite.set(p, inject(cur, v))
	}
	return a
}

func (a *Adapter[T]) ID() property.ID     { return a.id }
func (a *Adapter[T]) Slot() property.Slot { return a.value }
func (a *Adapter[T]) Kind() string        { return a.kind.String() }
func (a *Adapter[T]) core() *base         { return &a.base }

func (a *Adapter[T]) deviceTypes() []device.Type {
	if a.kind != kindDevice {
		return nil
	}
	dts := maps.Keys(a.addrs)
	slices.Sort(dts)
	return dts
}

func (a *Adapter[T]) deviceRanges(dt device.Type) addressrange.Ranges {
	if a.kind != kindDevice {
		return addressrange.Ranges{}
	}
	addr, ok := a.addrs[dt]
	if !ok {
		return addressrange.Ranges{}
	}
	r := addressrange.FirstSize(addr, uint32(a.codec.Size()))
	if a.hasFlash {
		return addressrange.NewRanges(r, r.Moved(a.flashOffset))
	}
	return addressrange.Single(r)
}

func (a *Adapter[T]) bind(p *Properties) error {
	for _, check := range a.checks {
		if err := check(p); err != nil {
			return err
		}
	}
	if a.bindFn != nil {
		return a.bindFn(p)
	}
	return nil
}

func (a *Adapter[T]) unbind(p *Properties) {
	if a.unbindFn != nil {
		a.unbindFn(p)
	}
}

func (a *Adapter[T]) computeStatus(p *Properties) property.Status {
	var st property.Status
	switch a.kind {
	case kindValue:
		st = property.StatusReadWrite
	case kindDevice:
		if _, ok := a.addrs[p.deviceType]; ok {
			st = property.StatusReadWrite
		}
	case kindDerived:
		st = property.StatusReadOnly
		for _, src := range a.srcs {
			n, ok := p.adapters[src]
			if !ok || !n.core().status.Readable() {
				st = property.StatusDisabled
				break
			}
		}
	case kindComponent:
		if n, ok := p.adapters[a.srcs[0]]; ok {
			st = n.core().status
		}
	}
	st = st.Restrict(a.access)
	if a.statusFn != nil && st.Enabled() {
		st = st.Restrict(a.statusFn(view{p}))
	}
	return st
}

func (a *Adapter[T]) touch(p *Properties) {
	switch a.kind {
	case kindDevice:
		if !a.status.Readable() {
			return
		}
		switch a.value.State() {
		case property.StateUnknown:
			p.enqueue(a.syncJob(p, taskmanager.KindReadProperty))
		case property.StateError:
			if a.value.Err().Recoverable {
				p.enqueue(a.syncJob(p, taskmanager.KindReadProperty))
			}
		}
	case kindDerived, kindComponent:
		p.eachSource(a.srcs, func(n Node) { n.touch(p) })
	}
}

func (a *Adapter[T]) invalidate(p *Properties) {
	switch a.kind {
	case kindDevice:
		if a.value.State() != property.StateUnknown && a.status.Readable() {
			p.enqueue(a.syncJob(p, taskmanager.KindReadProperty))
		}
	case kindDerived, kindComponent:
		p.eachSource(a.srcs, func(n Node) { n.invalidate(p) })
	}
}

func (a *Adapter[T]) refresh(p *Properties) {
	switch a.kind {
	case kindDevice:
		if a.status.Readable() {
			p.enqueue(a.syncJob(p, taskmanager.KindReadProperty))
		}
	case kindDerived, kindComponent:
		p.eachSource(a.srcs, func(n Node) { n.refresh(p) })
	}
}

func (a *Adapter[T]) recompute(p *Properties) {
	if a.derive == nil {
		return
	}
	v, ok, err := a.derive(p)
	switch {
	case err != nil:
		a.value.SetError(err)
	case !ok:
		a.value.Clear()
	default:
		a.value.Set(v)
	}
}

func (a *Adapter[T]) setAny(p *Properties, v any) error {
	x, ok := v.(T)
	if !ok {
		return fmt.Errorf("%w: %s expects %v, got %T", property.ErrTypeMismatch, a.id, a.value.Type(), v)
	}
	return a.set(p, x)
}

func (a *Adapter[T]) validateAny(p *Properties, v any) (property.Validation, error) {
	x, ok := v.(T)
	if !ok {
		return property.Validation{}, fmt.Errorf("%w: %s expects %v, got %T", property.ErrTypeMismatch, a.id, a.value.Type(), v)
	}
	return a.validate(p, a.prepare(x)), nil
}

// prepare runs the transform hooks registered by the components of a
// composite property.
func (a *Adapter[T]) prepare(x T) T {
	for _, h := range a.hooks {
		if h.transform != nil {
			x = h.transform(x)
		}
	}
	return x
}

// validate runs the local validator, the component hooks and the
// dependency validators in that order. Warnings are collected; the first
// blocking result stops the run.
func (a *Adapter[T]) validate(p *Properties, x T) property.Validation {
	res := a.value.Validate(x)
	if res.Blocking() {
		return res
	}
	for _, h := range a.hooks {
		if h.validate == nil {
			continue
		}
		r := h.validate(x)
		res = res.Worse(r)
		if r.Blocking() {
			return r
		}
	}
	for _, fn := range p.validators[a.id] {
		r := fn(x, view{p})
		res = res.Worse(r)
		if r.Blocking() {
			return r
		}
	}
	return res
}

func (a *Adapter[T]) set(p *Properties, x T) error {
	if !a.status.Writable() {
		return fmt.Errorf("%w: %s is %s", ErrNotWritable, a.id, a.status)
	}
	x = a.prepare(x)
	if res := a.validate(p, x); res.Blocking() {
		return &ValidationError{Property: a.id, Validation: res}
	} else if res.Severity == property.SeverityWarning {
		p.logger.Warn("write accepted with warning", "property", a.id, "validation", res)
	}

	switch a.kind {
	case kindValue:
		a.value.Set(x)
		a.recordWrite(p, nil)
	case kindDevice:
		pending := x
		a.pending = &pending
		if a.clearOnWrite {
			a.value.Clear()
		} else {
			a.value.Set(x)
		}
		p.enqueue(a.syncJob(p, taskmanager.KindWriteProperty))
	case kindComponent:
		return a.write(p, x)
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotWritable, a.id, a.kind)
	}
	return nil
}

func (a *Adapter[T]) writePending() bool { return a.pending != nil }

func (a *Adapter[T]) syncJob(p *Properties, k taskmanager.Kind) job {
	j := job{
		owner:  a.id,
		ranges: a.deviceRanges(p.deviceType),
		kind:   k,
		run:    func(ctx context.Context, inline bool) { a.sync(ctx, p, inline) },
	}
	if k == taskmanager.KindWriteProperty {
		j.refused = func(inline bool) { a.dropWrite(p, inline) }
	}
	return j
}

// dropWrite fails a pending write no task will carry out. The cached value
// is forgotten so that the next touch reads the device.
func (a *Adapter[T]) dropWrite(p *Properties, inline bool) {
	p.apply(inline, func() {
		if a.pending == nil {
			return
		}
		a.pending = nil
		a.value.Clear()
		a.recordWrite(p, ErrAddingBlocked)
	})
}

// sync is the body of every read and write task of a device adapter. A task
// that starts while a write is pending performs that write, so queued
// writes coalesce into the newest value.
func (a *Adapter[T]) sync(ctx context.Context, p *Properties, inline bool) {
	p.mu.Lock()
	link, dt := p.link, p.deviceType
	addr, mapped := a.addrs[dt]
	pending := a.pending
	a.pending = nil
	timeout := p.ioTimeout
	p.mu.Unlock()

	if link == nil || !mapped {
		if pending != nil {
			p.apply(inline, func() { a.recordWrite(p, device.ErrNotConnected) })
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var werr error
	if pending != nil {
		data := a.codec.Encode(*pending)
		werr = link.WriteMemory(ctx, addr, data, nil)
		if werr == nil && a.hasFlash {
			werr = link.WriteMemory(ctx, uint32(int64(addr)+a.flashOffset), data, nil)
		}
		if werr != nil {
			p.logger.Warn("property write failed", "property", a.id, "device_type", dt, "err", werr)
		}
	}

	read := pending == nil || a.reread || werr != nil
	var (
		got  T
		rerr error
	)
	if read {
		var b []byte
		b, rerr = link.ReadMemory(ctx, addressrange.FirstSize(addr, uint32(a.codec.Size())), nil)
		if rerr == nil {
			got, rerr = a.codec.Decode(b)
		}
		if rerr != nil {
			p.logger.Warn("property read failed", "property", a.id, "device_type", dt, "err", rerr)
		}
	}

	p.apply(inline, func() {
		if p.deviceType != dt {
			return
		}
		if pending != nil {
			a.recordWrite(p, werr)
			p.eachSource(a.subs, func(s Node) { s.invalidate(p) })
		}
		if a.pending != nil {
			// a newer write owns the cached value
			return
		}
		switch {
		case read && rerr != nil:
			a.value.SetError(property.NewError("read failed", rerr, device.IsRecoverable(rerr)))
		case read:
			a.value.Set(got)
		default:
			a.value.Set(*pending)
		}
	})
}

func (a *Adapter[T]) recordWrite(p *Properties, err error) {
	p.recordWrite(a.id, err)
	for _, h := range a.hooks {
		p.recordWrite(h.owner, err)
	}
}

func expectType[S any](id property.ID) func(p *Properties) error {
	return func(p *Properties) error {
		n, ok := p.adapters[id]
		if !ok {
			return nil
		}
		if _, ok := n.Slot().(*property.Value[S]); !ok {
			var zero S
			return fmt.Errorf("%w: source %s holds %v, expected %T", property.ErrTypeMismatch, id, n.Slot().Type(), zero)
		}
		return nil
	}
}

type sourceResult struct {
	state property.State
	err   *property.Error
}

func sourceValue[S any](p *Properties, id property.ID) (S, sourceResult) {
	var zero S
	slot, ok := p.values.Get(id)
	if !ok {
		return zero, sourceResult{state: property.StateUnknown}
	}
	v, ok := slot.(*property.Value[S])
	if !ok {
		return zero, sourceResult{
			state: property.StateError,
			err:   property.NewError("source type mismatch", fmt.Errorf("%s holds %v", id, slot.Type()), false),
		}
	}
	x, err := v.Get()
	if err != nil {
		return zero, sourceResult{state: v.State(), err: v.Err()}
	}
	return x, sourceResult{state: property.StateValue}
}

// ready reports whether all sources have a value. A source without a value
// keeps the derived property unset; otherwise the first source error is
// passed on.
func ready(rs ...sourceResult) (bool, *property.Error) {
	for _, r := range rs {
		if r.state == property.StateUnknown {
			return false, nil
		}
	}
	for _, r := range rs {
		if r.state == property.StateError {
			return true, r.err
		}
	}
	return true, nil
}

func compute[T any](v T, err error) (T, bool, *property.Error) {
	if err != nil {
		return v, true, property.NewError("derivation failed", err, false)
	}
	return v, true, nil
}
