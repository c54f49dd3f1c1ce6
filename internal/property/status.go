// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package property

// Status tells whether a property can currently be read and written.
type Status uint8

const (
	StatusDisabled Status = iota
	StatusReadOnly
	StatusWriteOnly
	StatusReadWrite
)

// Readable reports whether the property may be read.
func (s Status) Readable() bool { return s == StatusReadOnly || s == StatusReadWrite }

// Writable reports whether the property may be written.
func (s Status) Writable() bool { return s == StatusWriteOnly || s == StatusReadWrite }

// Enabled reports whether the property is accessible at all.
func (s Status) Enabled() bool { return s != StatusDisabled }

// Restrict returns the intersection of the access rights of s and o.
func (s Status) Restrict(o Status) Status {
	r := s.Readable() && o.Readable()
	w := s.Writable() && o.Writable()
	switch {
	case r && w:
		return StatusReadWrite
	case r:
		return StatusReadOnly
	case w:
		return StatusWriteOnly
	}
	return StatusDisabled
}

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "DISABLED"
	case StatusReadOnly:
		return "ENABLED_READ_ONLY"
	case StatusWriteOnly:
		return "ENABLED_WRITE_ONLY"
	case StatusReadWrite:
		return "ENABLED_READ_WRITE"
	}
	return "UNKNOWN"
}
