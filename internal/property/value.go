// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package property

import (
	"fmt"
	"reflect"

	"github.com/google/go-cmp/cmp"
)

// State is the availability of a property value.
type State uint8

const (
	StateUnknown State = iota
	StateValue
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateValue:
		return "value"
	case StateError:
		return "error"
	}
	return "invalid"
}

// Slot is the type-erased view of a Value used by the store and by code that
// handles properties of mixed types.
type Slot interface {
	ID() ID
	State() State
	Type() reflect.Type
	Any() (any, error)
	SetAny(v any) (bool, error)
	SetError(e *Error) bool
	Clear() bool
	ValidateAny(v any) (Validation, error)
	Err() *Error

	bind(notify func(ID))
}

// Value holds the typed state of one property: no value yet, a value, or
// an error, plus a local validator. A Value is owned by a Values store and is
// mutated only by the goroutine currently holding the owner's lock.
type Value[T any] struct {
	id       ID
	state    State
	value    T
	err      *Error
	validate func(T) Validation
	equal    func(a, b T) bool
	notify   func(ID)
}

// ValueOption configures a Value.
type ValueOption[T any] func(*Value[T])

// WithValidator sets the local validator run before writes.
func WithValidator[T any](fn func(T) Validation) ValueOption[T] {
	return func(v *Value[T]) { v.validate = fn }
}

// WithEqual overrides the equality used for change detection.
func WithEqual[T any](fn func(a, b T) bool) ValueOption[T] {
	return func(v *Value[T]) { v.equal = fn }
}

// WithInitial gives the value an initial state instead of unknown.
func WithInitial[T any](x T) ValueOption[T] {
	return func(v *Value[T]) {
		v.state = StateValue
		v.value = x
	}
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

// NewValue returns an unknown value for id.
func NewValue[T any](id ID, opts ...ValueOption[T]) *Value[T] {
	v := &Value[T]{id: id}
	for _, opt := range opts {
		opt(v)
	}
	if v.equal == nil {
		v.equal = func(a, b T) bool { return cmp.Equal(a, b, exportAll) }
	}
	return v
}

func (v *Value[T]) ID() ID       { return v.id }
func (v *Value[T]) State() State { return v.state }
func (v *Value[T]) Err() *Error  { return v.err }

// Type returns the dynamic type of T.
func (v *Value[T]) Type() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Get returns the current value, ErrNoValue or the stored *Error.
func (v *Value[T]) Get() (T, error) {
	var zero T
	switch v.state {
	case StateValue:
		return v.value, nil
	case StateError:
		return zero, v.err
	}
	return zero, ErrNoValue
}

// Set stores x and reports whether the state changed.
func (v *Value[T]) Set(x T) bool {
	if v.state == StateValue && v.equal(v.value, x) {
		return false
	}
	v.state = StateValue
	v.value = x
	v.err = nil
	v.changed()
	return true
}

// SetError stores e and reports whether the state changed.
func (v *Value[T]) SetError(e *Error) bool {
	if v.state == StateError && *v.err == *e {
		return false
	}
	var zero T
	v.state = StateError
	v.value = zero
	v.err = e
	v.changed()
	return true
}

// Clear forgets the value and reports whether there was anything to forget.
func (v *Value[T]) Clear() bool {
	if v.state == StateUnknown {
		return false
	}
	var zero T
	v.state = StateUnknown
	v.value = zero
	v.err = nil
	v.changed()
	return true
}

// Validate runs the local validator.
func (v *Value[T]) Validate(x T) Validation {
	if v.validate == nil {
		return OK
	}
	return v.validate(x)
}

func (v *Value[T]) Any() (any, error) {
	x, err := v.Get()
	if err != nil {
		return nil, err
	}
	return x, nil
}

func (v *Value[T]) SetAny(x any) (bool, error) {
	t, ok := x.(T)
	if !ok {
		return false, fmt.Errorf("%w: %s expects %v, got %T", ErrTypeMismatch, v.id, v.Type(), x)
	}
	return v.Set(t), nil
}

func (v *Value[T]) ValidateAny(x any) (Validation, error) {
	t, ok := x.(T)
	if !ok {
		return Validation{}, fmt.Errorf("%w: %s expects %v, got %T", ErrTypeMismatch, v.id, v.Type(), x)
	}
	return v.Validate(t), nil
}

func (v *Value[T]) bind(notify func(ID)) { v.notify = notify }

func (v *Value[T]) changed() {
	if v.notify != nil {
		v.notify(v.id)
	}
}
