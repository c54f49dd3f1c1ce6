// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package property

import (
	"errors"
	"fmt"
)

var (
	// ErrNoValue is returned when a property has not been read yet.
	ErrNoValue = errors.New("property has no value yet")
	// ErrTypeMismatch is returned when a value of the wrong type is stored.
	ErrTypeMismatch = errors.New("property value type mismatch")
	// ErrDuplicate is returned when an ID is registered twice.
	ErrDuplicate = errors.New("property already registered")
)

// Error is the stored error state of a property. Recoverable errors (a busy
// device, a timeout) are retried silently on the next touch; the others stay
// until the property is explicitly invalidated or refreshed.
type Error struct {
	General     string
	Detail      string
	Recoverable bool
}

// NewError builds an Error from a device or codec failure.
func NewError(general string, cause error, recoverable bool) *Error {
	e := &Error{General: general, Recoverable: recoverable}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.General
	}
	return fmt.Sprintf("%s: %s", e.General, e.Detail)
}
