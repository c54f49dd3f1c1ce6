// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package property

import "fmt"

// Severity ranks validation outcomes. Higher values are worse.
type Severity uint8

const (
	// SeverityOK means the value is acceptable.
	SeverityOK Severity = iota
	// SeverityWarning is reported but does not block the write.
	SeverityWarning
	// SeverityNotReady means the write must be deferred, e.g. because a
	// property it depends on has no value yet.
	SeverityNotReady
	// SeverityFatal rejects the write.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityWarning:
		return "warning"
	case SeverityNotReady:
		return "not-ready"
	case SeverityFatal:
		return "fatal"
	}
	return "unknown"
}

// Validation is the outcome of checking a candidate value.
type Validation struct {
	Severity Severity
	General  string
	Detail   string
}

// OK is the successful validation.
var OK = Validation{}

// Warning builds a warning result.
func Warning(general, detail string) Validation {
	return Validation{Severity: SeverityWarning, General: general, Detail: detail}
}

// NotReady builds a not-ready result.
func NotReady(general, detail string) Validation {
	return Validation{Severity: SeverityNotReady, General: general, Detail: detail}
}

// Fatal builds a rejecting result.
func Fatal(general, detail string) Validation {
	return Validation{Severity: SeverityFatal, General: general, Detail: detail}
}

// Blocking reports whether the write must not go ahead.
func (v Validation) Blocking() bool { return v.Severity >= SeverityNotReady }

// Worse returns whichever of v and o has the higher severity, preferring v
// on a tie.
func (v Validation) Worse(o Validation) Validation {
	if o.Severity > v.Severity {
		return o
	}
	return v
}

func (v Validation) String() string {
	if v.Severity == SeverityOK {
		return "ok"
	}
	if v.Detail == "" {
		return fmt.Sprintf("%s: %s", v.Severity, v.General)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Severity, v.General, v.Detail)
}
