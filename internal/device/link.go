// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package device defines the boundary between the property core and
// whatever carries bytes to and from the device memory.
package device

import (
	"context"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/progress"
)

// Type names the kind of device at the other end of a link. Property
// address maps and statuses are keyed by it.
type Type string

// None is the type while no device is connected.
const None Type = ""

// Link gives byte access to a flat 32-bit device address space.
//
// ReadMemory and WriteMemory block until the transfer completed, failed,
// ctx expired or p was cancelled. Implementations must be safe for
// concurrent use; the scheduler guarantees that concurrent calls never
// touch overlapping memory.
type Link interface {
	// Connect opens the link and reports the detected device type.
	Connect(ctx context.Context) (Type, error)
	Disconnect() error

	ReadMemory(ctx context.Context, r addressrange.Range, p *progress.Progress) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint32, data []byte, p *progress.Progress) error

	// ConnectionLost reports, and forgets, whether the link dropped since the
	// previous call.
	ConnectionLost() bool
	// TakeRegisterChanges returns, and forgets, memory the device changed on
	// its own since the previous call.
	TakeRegisterChanges() addressrange.Ranges
}
