// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package properties exposes device state as named, typed properties. It
// routes the device I/O of property adapters through a task manager and
// groups every change into transactions that end with one Finished
// notification.
package properties

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/property"
	"github.com/ffutop/devprops/internal/taskmanager"
)

// DefaultIOTimeout bounds a single device access made by an adapter task.
const DefaultIOTimeout = 5 * time.Second

type job struct {
	owner  property.ID
	ranges addressrange.Ranges
	kind   taskmanager.Kind
	run    func(ctx context.Context, inline bool)
	// refused runs when the manager is not accepting tasks.
	refused func(inline bool)
}

// Validator checks a candidate value of one property against the state of
// others.
type Validator func(v any, view View) property.Validation

// Properties owns the adapters, their values and the address map, and
// hands out transactions.
type Properties struct {
	// token is held by the open outer transaction.
	token chan struct{}

	mu         sync.Mutex
	values     *property.Values
	adapters   map[property.ID]Node
	topo       []property.ID
	dependents map[property.ID][]property.ID
	maps       map[device.Type]*addressrange.Map[property.ID]
	validators map[property.ID][]Validator
	deviceType device.Type
	link       device.Link
	tm         taskmanager.Manager
	inline     *taskmanager.Direct
	active     *changeSet
	queue      []property.ID
	jobs       []job

	listenersMu  sync.Mutex
	listeners    map[int]func(Finished)
	nextListener int

	ioTimeout time.Duration
	logger    *slog.Logger
}

type options struct {
	logger    *slog.Logger
	tm        taskmanager.Manager
	ioTimeout time.Duration
}

// PropertiesOption configures New.
type PropertiesOption func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) PropertiesOption {
	return func(o *options) { o.logger = l }
}

// WithTaskManager sets the initial task manager. The default is a Direct
// manager.
func WithTaskManager(m taskmanager.Manager) PropertiesOption {
	return func(o *options) { o.tm = m }
}

// WithIOTimeout bounds each device access of an adapter task.
func WithIOTimeout(d time.Duration) PropertiesOption {
	return func(o *options) { o.ioTimeout = d }
}

// New returns an empty, disconnected Properties.
func New(opts ...PropertiesOption) *Properties {
	o := options{logger: slog.Default(), ioTimeout: DefaultIOTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tm == nil {
		o.tm = taskmanager.NewDirect(taskmanager.WithLogger(o.logger))
	}

	p := &Properties{
		token:      make(chan struct{}, 1),
		values:     property.NewValues(),
		adapters:   make(map[property.ID]Node),
		dependents: make(map[property.ID][]property.ID),
		maps:       make(map[device.Type]*addressrange.Map[property.ID]),
		validators: make(map[property.ID][]Validator),
		tm:         o.tm,
		inline:     taskmanager.NewDirect(taskmanager.WithLogger(o.logger)),
		listeners:  make(map[int]func(Finished)),
		ioTimeout:  o.ioTimeout,
		logger:     o.logger,
	}
	p.values.Subscribe(p.noteChanged)
	p.tm.SetWildWriteHook(p.onWildWrite(false))
	p.inline.SetWildWriteHook(p.onWildWrite(true))
	return p
}

// Add registers an adapter. It fails if the ID is taken, the adapter's
// dependency edges close a cycle, a source has a different value type, or
// its device memory overlaps another property's on any device type.
func (p *Properties) Add(n Node) error {
	p.mu.Lock()
	id := n.ID()
	if err := p.addLocked(n); err != nil {
		p.mu.Unlock()
		return err
	}
	own := p.openScopeLocked()
	n.recompute(p)
	p.queue = append(p.queue, id)
	f := p.closeScopeLocked(own)
	p.unlockAndDispatch(false)
	p.emit(f)
	p.logger.Debug("property added", "property", id, "kind", n.Kind())
	return nil
}

func (p *Properties) addLocked(n Node) error {
	id := n.ID()
	if _, ok := p.adapters[id]; ok {
		return fmt.Errorf("%w: %s", property.ErrDuplicate, id)
	}
	if p.createsCycleLocked(n) {
		return fmt.Errorf("%w: through %s", ErrDependencyCycle, id)
	}
	if err := n.bind(p); err != nil {
		return err
	}

	var mapped []device.Type
	rollback := func() {
		for _, dt := range mapped {
			p.maps[dt].Remove(id)
		}
		n.unbind(p)
	}
	for _, dt := range n.deviceTypes() {
		m, ok := p.maps[dt]
		if !ok {
			m = addressrange.NewMap[property.ID]()
			p.maps[dt] = m
		}
		if err := m.Add(n.deviceRanges(dt), id); err != nil {
			rollback()
			return fmt.Errorf("%s on device type %q: %w", id, dt, err)
		}
		mapped = append(mapped, dt)
	}
	if err := p.values.Add(n.Slot()); err != nil {
		rollback()
		return err
	}
	p.adapters[id] = n
	p.rebuildLocked()
	return nil
}

// Remove unregisters id and reports whether it was registered.
func (p *Properties) Remove(id property.ID) bool {
	p.mu.Lock()
	n, ok := p.adapters[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	for _, m := range p.maps {
		m.Remove(id)
	}
	n.unbind(p)
	p.values.Remove(id)
	delete(p.adapters, id)
	p.rebuildLocked()

	own := p.openScopeLocked()
	p.active.changed[id] = struct{}{}
	p.queue = append(p.queue, id)
	f := p.closeScopeLocked(own)
	p.unlockAndDispatch(false)
	p.emit(f)
	return true
}

// RegisterValidator adds a dependency validator for id. Validators run in
// registration order after the property's own validator.
func (p *Properties) RegisterValidator(id property.ID, fn Validator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validators[id] = append(p.validators[id], fn)
}

// AddValidator is the typed form of RegisterValidator.
func AddValidator[T any](p *Properties, k Key[T], fn func(v T, view View) property.Validation) {
	p.RegisterValidator(k.ID, func(v any, view View) property.Validation {
		return fn(v.(T), view)
	})
}

// OnFinished registers fn to receive every Finished notification and
// returns a function removing it. fn runs on the goroutine that closed the
// scope, after the scope released the outer transaction.
func (p *Properties) OnFinished(fn func(Finished)) (remove func()) {
	p.listenersMu.Lock()
	key := p.nextListener
	p.nextListener++
	p.listeners[key] = fn
	p.listenersMu.Unlock()

	return func() {
		p.listenersMu.Lock()
		delete(p.listeners, key)
		p.listenersMu.Unlock()
	}
}

// Subscribe registers fn for every individual value change. fn runs while
// the core lock is held and must not call back into p.
func (p *Properties) Subscribe(fn func(property.ID)) (unsubscribe func()) {
	return p.values.Subscribe(fn)
}

// SetTaskManager replaces the task manager. It waits for the open outer
// transaction, drains the old manager and closes it.
func (p *Properties) SetTaskManager(m taskmanager.Manager) {
	p.token <- struct{}{}
	defer func() { <-p.token }()

	p.mu.Lock()
	old := p.tm
	p.mu.Unlock()
	if old == m {
		return
	}

	stop := old.StopAndBlockAdding()
	p.mu.Lock()
	p.tm = m
	p.mu.Unlock()
	m.SetWildWriteHook(p.onWildWrite(false))
	old.SetWildWriteHook(nil)
	stop.Release()
	old.Close()
	p.logger.Info("task manager replaced", "manager", fmt.Sprintf("%T", m))
}

// TaskManager returns the current task manager.
func (p *Properties) TaskManager() taskmanager.Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tm
}

// Close shuts the task manager down after the accepted tasks finished.
func (p *Properties) Close() {
	p.TaskManager().Close()
	p.inline.Close()
}

func (p *Properties) createsCycleLocked(n Node) bool {
	edges := make(map[property.ID][]property.ID)
	add := func(m Node) {
		b := m.core()
		for _, src := range b.srcs {
			edges[src] = append(edges[src], b.id)
		}
		edges[b.id] = append(edges[b.id], b.subs...)
	}
	for _, m := range p.adapters {
		add(m)
	}
	add(n)

	start := n.ID()
	seen := make(map[property.ID]bool)
	stack := slices.Clone(edges[start])
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if x == start {
			return true
		}
		if seen[x] {
			continue
		}
		seen[x] = true
		stack = append(stack, edges[x]...)
	}
	return false
}

// rebuildLocked recomputes the reverse source edges and an order in which
// every adapter comes after its registered sources.
func (p *Properties) rebuildLocked() {
	ids := maps.Keys(p.adapters)
	slices.Sort(ids)

	p.dependents = make(map[property.ID][]property.ID)
	indeg := make(map[property.ID]int, len(ids))
	for _, id := range ids {
		for _, src := range p.adapters[id].core().srcs {
			p.dependents[src] = append(p.dependents[src], id)
			if _, ok := p.adapters[src]; ok {
				indeg[id]++
			}
		}
	}

	p.topo = p.topo[:0]
	var ready []property.ID
	for _, id := range ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		p.topo = append(p.topo, id)
		for _, dep := range p.dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
}

func (p *Properties) eachSource(ids []property.ID, fn func(Node)) {
	for _, id := range ids {
		if n, ok := p.adapters[id]; ok {
			fn(n)
		}
	}
}

// noteChanged is the value store observer. It runs under p.mu.
func (p *Properties) noteChanged(id property.ID) {
	if p.active != nil {
		p.active.changed[id] = struct{}{}
	}
	p.queue = append(p.queue, id)
}

func (p *Properties) recordWrite(id property.ID, err error) {
	if n, ok := p.adapters[id]; ok {
		n.core().lastWrite = err
	}
	if p.active != nil {
		p.active.writes[id] = err
	}
}

func (p *Properties) enqueue(j job) {
	if j.ranges.Empty() {
		return
	}
	for _, q := range p.jobs {
		if q.owner == j.owner && q.kind == j.kind {
			return
		}
	}
	p.jobs = append(p.jobs, j)
}

// settleLocked propagates queued value changes to dependent and subsidiary
// properties, then recomputes every status.
func (p *Properties) settleLocked() {
	for len(p.queue) > 0 {
		id := p.queue[0]
		p.queue = p.queue[1:]
		for _, dep := range p.dependents[id] {
			if n, ok := p.adapters[dep]; ok {
				n.recompute(p)
			}
		}
		// a pending write invalidates the subsidiaries when it lands
		if n, ok := p.adapters[id]; ok && !n.writePending() {
			p.eachSource(n.core().subs, func(s Node) { s.invalidate(p) })
		}
	}

	for _, id := range p.topo {
		n := p.adapters[id]
		b := n.core()
		st := n.computeStatus(p)
		if st == b.status {
			continue
		}
		if p.active != nil {
			p.active.status(id, b.status, st)
		}
		if !st.Writable() {
			b.lastWrite = nil
		}
		b.status = st
	}
}

func (p *Properties) openScopeLocked() *changeSet {
	if p.active != nil {
		return nil
	}
	p.active = newChangeSet()
	return p.active
}

// closeScopeLocked settles and, if own is the active scope, ends it. The
// result is nil when the scope was merged into an outer one or when
// nothing changed.
func (p *Properties) closeScopeLocked(own *changeSet) *Finished {
	p.settleLocked()
	if own == nil {
		return nil
	}
	p.active = nil
	f := own.finish()
	if f.Empty() {
		return nil
	}
	return &f
}

// apply runs fn as a task result: merged into the open outer transaction,
// or as a scope of its own.
func (p *Properties) apply(inline bool, fn func()) {
	p.mu.Lock()
	own := p.openScopeLocked()
	fn()
	f := p.closeScopeLocked(own)
	p.unlockAndDispatch(inline)
	p.emit(f)
}

// unlockAndDispatch releases p.mu and submits the jobs collected under it.
// Inline jobs run on the calling goroutine.
func (p *Properties) unlockAndDispatch(inline bool) {
	jobs := p.jobs
	p.jobs = nil
	var tm taskmanager.Manager = p.tm
	if inline {
		tm = p.inline
	}
	p.mu.Unlock()

	for _, j := range jobs {
		j := j
		if tm.AddTaskSimple(j.ranges, j.kind, func(ctx context.Context) { j.run(ctx, inline) }) != nil {
			continue
		}
		p.logger.Debug("property task not queued", "property", j.owner, "kind", j.kind, "ranges", j.ranges)
		if j.refused != nil && !tm.Accepting() {
			j.refused(inline)
		}
	}
}

func (p *Properties) emit(f *Finished) {
	if f == nil {
		return
	}
	p.listenersMu.Lock()
	keys := maps.Keys(p.listeners)
	slices.Sort(keys)
	fns := make([]func(Finished), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, p.listeners[k])
	}
	p.listenersMu.Unlock()

	for _, fn := range fns {
		fn(*f)
	}
	f.Lifetime.release()
}

func (p *Properties) onWildWrite(inline bool) func(addressrange.Ranges) {
	return func(rs addressrange.Ranges) {
		p.apply(inline, func() { p.clearOverlappingLocked(rs) })
	}
}

// clearOverlappingLocked forgets the values of all properties mapped to
// memory in rs on the current device type, so the next touch reads them.
func (p *Properties) clearOverlappingLocked(rs addressrange.Ranges) {
	m, ok := p.maps[p.deviceType]
	if !ok {
		return
	}
	for _, id := range m.Overlap(rs) {
		if n, ok := p.adapters[id]; ok {
			n.Slot().Clear()
		}
	}
}

func (p *Properties) clearDeviceValuesLocked() {
	for _, id := range p.topo {
		if n := p.adapters[id]; n.core().kind == kindDevice {
			n.Slot().Clear()
		}
	}
}

// checkLinkLocked picks up what happened on the link since the previous
// outer transaction.
func (p *Properties) checkLinkLocked() {
	if p.link == nil || p.deviceType == device.None {
		return
	}
	if p.link.ConnectionLost() {
		p.logger.Warn("connection lost", "device_type", p.deviceType)
		p.deviceType = device.None
		p.clearDeviceValuesLocked()
		p.active.connection = true
		return
	}
	if changes := p.link.TakeRegisterChanges(); !changes.Empty() {
		p.logger.Debug("device changed registers", "ranges", changes)
		p.clearOverlappingLocked(changes)
	}
}

func (p *Properties) lookupLocked(id property.ID) (Node, error) {
	n, ok := p.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProperty, id)
	}
	return n, nil
}

// View is the read-only state handed to status functions and validators.
type View interface {
	DeviceType() device.Type
	Value(id property.ID) (any, error)
	Status(id property.ID) property.Status
}

type view struct{ p *Properties }

func (v view) DeviceType() device.Type { return v.p.deviceType }

func (v view) Value(id property.ID) (any, error) {
	s, ok := v.p.values.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProperty, id)
	}
	return s.Any()
}

func (v view) Status(id property.ID) property.Status {
	if n, ok := v.p.adapters[id]; ok {
		return n.core().status
	}
	return property.StatusDisabled
}

// ValueOf reads a typed value through a View.
func ValueOf[T any](v View, k Key[T]) (T, error) {
	var zero T
	x, err := v.Value(k.ID)
	if err != nil {
		return zero, err
	}
	t, ok := x.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s holds %T", property.ErrTypeMismatch, k.ID, x)
	}
	return t, nil
}
