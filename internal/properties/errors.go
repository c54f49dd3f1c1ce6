// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package properties

import (
	"errors"
	"fmt"

	"github.com/ffutop/devprops/internal/property"
)

var (
	ErrTransactionTimeout = errors.New("timed out waiting for the outer transaction")
	ErrTransactionClosed  = errors.New("transaction already closed")
	ErrUnknownProperty    = errors.New("unknown property")
	ErrNotWritable        = errors.New("property is not writable")
	ErrNotReadable        = errors.New("property is not readable")
	ErrDependencyCycle    = errors.New("property dependency cycle")
	ErrValidation         = errors.New("value rejected by validation")
	ErrNotReady           = errors.New("value cannot be validated yet")
	ErrAddingBlocked      = errors.New("task manager is not accepting tasks")
)

// ValidationError is returned by writes that a validator blocked. It
// matches ErrValidation or ErrNotReady depending on the severity.
type ValidationError struct {
	Property   property.ID
	Validation property.Validation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Property, e.Validation)
}

func (e *ValidationError) Unwrap() error {
	if e.Validation.Severity == property.SeverityNotReady {
		return ErrNotReady
	}
	return ErrValidation
}
