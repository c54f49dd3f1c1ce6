// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package changelog

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/devprops/internal/properties"
	"github.com/ffutop/devprops/internal/property"
)

func TestRecorderAttach(t *testing.T) {
	p := properties.New()
	defer p.Close()
	gain := properties.NewKey[int]("log.gain")
	mode := properties.NewKey[int]("log.mode")
	require.NoError(t, p.Add(properties.NewValue[int](gain.ID)))
	require.NoError(t, p.Add(properties.NewValue[int](mode.ID)))

	var buf bytes.Buffer
	rec := NewRecorder(&buf, nil)
	rec.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	detach := rec.Attach(p)

	tx := p.Begin()
	require.NoError(t, properties.Set(tx, gain, 3))
	require.NoError(t, properties.Set(tx, mode, 1))
	tx.Close()

	// nothing changes, nothing is recorded
	tx = p.Begin()
	require.NoError(t, properties.Set(tx, gain, 3))
	tx.Close()

	detach()
	tx = p.Begin()
	require.NoError(t, properties.Set(tx, gain, 4))
	tx.Close()

	require.Equal(t, 1, rec.Count())
	recs, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotEqual(t, uuid.Nil, recs[0].ID)
	assert.Equal(t, []string{"log.gain", "log.mode"}, recs[0].Changed)
	assert.True(t, recs[0].Time.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.True(t, recs[0].Touches(gain.ID))
	assert.False(t, recs[0].Touches(property.Intern("log.other")))
}

func TestNewRecord(t *testing.T) {
	speed := property.Intern("rec.speed")
	id := uuid.New()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := NewRecord(properties.Finished{
		ID:                id,
		Statuses:          map[property.ID]properties.StatusChange{speed: {From: property.StatusReadWrite, To: property.StatusReadOnly}},
		WriteResults:      map[property.ID]error{speed: errors.New("busy")},
		ConnectionChanged: true,
	}, at)
	want := Record{
		ID:                id,
		Time:              at,
		Statuses:          map[string]Status{"rec.speed": {From: "ENABLED_READ_WRITE", To: "ENABLED_READ_ONLY"}},
		WriteErrors:       map[string]string{"rec.speed": "busy"},
		ConnectionChanged: true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NewRecord() mismatch (-want +got):\n%s", diff)
	}

	var out strings.Builder
	require.NoError(t, Print(&out, []Record{got}))
	assert.Contains(t, out.String(), id.String()+" connection rec.speed:ENABLED_READ_WRITE->ENABLED_READ_ONLY rec.speed:write failed (busy)")
}

func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&buf, nil)
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Write(Record{ID: uuid.New(), Changed: []string{"a"}}))
	}
	data := buf.Bytes()[:buf.Len()-3]

	recs, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = Read(bytes.NewReader([]byte{0xFF, 0x00}))
	assert.Error(t, err)
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.cbor")
	for i := 0; i < 2; i++ {
		r, err := Open(path, nil)
		require.NoError(t, err)
		require.NoError(t, r.Write(Record{ID: uuid.New()}))
		require.NoError(t, r.Close())
	}
	recs, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
