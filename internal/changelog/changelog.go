// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package changelog appends the change set of every finished transaction
// to a CBOR stream and reads it back.
package changelog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ffutop/devprops/internal/properties"
	"github.com/ffutop/devprops/internal/property"
)

// Record is the stored form of properties.Finished.
type Record struct {
	ID                uuid.UUID         `cbor:"1,keyasint"`
	Time              time.Time         `cbor:"2,keyasint"`
	Changed           []string          `cbor:"3,keyasint,omitempty"`
	Statuses          map[string]Status `cbor:"4,keyasint,omitempty"`
	WriteErrors       map[string]string `cbor:"5,keyasint,omitempty"` // property -> error, "" for success
	ConnectionChanged bool              `cbor:"6,keyasint,omitempty"`
}

// Status is a status transition.
type Status struct {
	From string `cbor:"1,keyasint"`
	To   string `cbor:"2,keyasint"`
}

// NewRecord converts f, stamped with t.
func NewRecord(f properties.Finished, t time.Time) Record {
	r := Record{ID: f.ID, Time: t.UTC(), ConnectionChanged: f.ConnectionChanged}
	for _, id := range f.Changed {
		r.Changed = append(r.Changed, id.String())
	}
	slices.Sort(r.Changed)
	if len(f.Statuses) > 0 {
		r.Statuses = make(map[string]Status, len(f.Statuses))
		for id, sc := range f.Statuses {
			r.Statuses[id.String()] = Status{From: sc.From.String(), To: sc.To.String()}
		}
	}
	if len(f.WriteResults) > 0 {
		r.WriteErrors = make(map[string]string, len(f.WriteResults))
		for id, err := range f.WriteResults {
			r.WriteErrors[id.String()] = errString(err)
		}
	}
	return r
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Recorder writes one CBOR item per finished transaction.
type Recorder struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	now    func() time.Time
	logger *slog.Logger
	n      int
}

// NewRecorder writes to w.
func NewRecorder(w io.Writer, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{enc: encMode.NewEncoder(w), now: time.Now, logger: logger}
}

// Open appends to the file at path.
func Open(path string, logger *slog.Logger) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open changelog: %w", err)
	}
	r := NewRecorder(f, logger)
	r.closer = f
	return r, nil
}

// Attach records every non-empty change set of p until the returned
// function is called.
func (r *Recorder) Attach(p *properties.Properties) (detach func()) {
	return p.OnFinished(func(f properties.Finished) {
		if f.Empty() {
			return
		}
		if err := r.Write(NewRecord(f, r.now())); err != nil {
			r.logger.Error("Failed to write changelog", "id", f.ID, "err", err)
		}
	})
}

// Write appends rec.
func (r *Recorder) Write(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(rec); err != nil {
		return err
	}
	r.n++
	return nil
}

// Count returns the number of records written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Close closes the file opened by Open.
func (r *Recorder) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Read decodes records until the end of r. A truncated last record, left
// by a crash while writing, ends the stream without an error.
func Read(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		switch {
		case err == nil:
			out = append(out, rec)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return out, nil
		default:
			return out, fmt.Errorf("record %d: %w", len(out), err)
		}
	}
}

// ReadFile reads the changelog at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Touches reports whether rec mentions the property.
func (rec Record) Touches(id property.ID) bool {
	name := id.String()
	for _, c := range rec.Changed {
		if c == name {
			return true
		}
	}
	_, s := rec.Statuses[name]
	_, w := rec.WriteErrors[name]
	return s || w
}

// Print writes one line per record.
func Print(w io.Writer, recs []Record) error {
	for _, rec := range recs {
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s", rec.Time.Local().Format(time.RFC3339), rec.ID)
		if rec.ConnectionChanged {
			b.WriteString(" connection")
		}
		if len(rec.Changed) > 0 {
			fmt.Fprintf(&b, " changed=%s", strings.Join(rec.Changed, ","))
		}
		for _, name := range sortedKeys(rec.Statuses) {
			s := rec.Statuses[name]
			fmt.Fprintf(&b, " %s:%s->%s", name, s.From, s.To)
		}
		for _, name := range sortedKeys(rec.WriteErrors) {
			if e := rec.WriteErrors[name]; e != "" {
				fmt.Fprintf(&b, " %s:write failed (%s)", name, e)
			} else {
				fmt.Fprintf(&b, " %s:written", name)
			}
		}
		b.WriteByte('\n')
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
