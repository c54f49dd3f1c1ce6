// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"errors"

	"github.com/ffutop/devprops/internal/progress"
)

var (
	ErrNotConnected = errors.New("device not connected")
	ErrBusy         = errors.New("device busy")
	ErrTimeout      = errors.New("device timeout")
	ErrOutOfRange   = errors.New("address out of device memory")
	ErrSize         = errors.New("unexpected data size")
)

// IsRecoverable reports whether err is a transient failure that a later
// access may not hit again.
func IsRecoverable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrBusy),
		errors.Is(err, ErrTimeout),
		errors.Is(err, progress.ErrCancelled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}
