// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package properties

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/emulator"
	"github.com/ffutop/devprops/internal/progress"
	"github.com/ffutop/devprops/internal/property"
	"github.com/ffutop/devprops/internal/taskmanager"
)

// slowLink is an emulated device whose register writes take time and may
// have side effects.
type slowLink struct {
	*emulator.Emulator
	delay time.Duration
	// mirror copies a write of the register at from to the register at to
	mirror   bool
	from, to uint32
	// limit clamps every written register to at most limit
	limit uint16
}

func (l *slowLink) WriteMemory(ctx context.Context, addr uint32, data []byte, p *progress.Progress) error {
	select {
	case <-time.After(l.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.limit > 0 && len(data) == 2 && binary.BigEndian.Uint16(data) > l.limit {
		data = binary.BigEndian.AppendUint16(nil, l.limit)
	}
	if err := l.Emulator.WriteMemory(ctx, addr, data, p); err != nil {
		return err
	}
	if l.mirror && addr == l.from {
		return l.Emulator.WriteMemory(ctx, l.to, data, p)
	}
	return nil
}

func connectedTo(t *testing.T, link *slowLink, opts ...PropertiesOption) *Properties {
	t.Helper()
	emu, err := emulator.New(emulator.Config{Type: "cam", Size: 0x200})
	require.NoError(t, err)
	link.Emulator = emu

	p := New(opts...)
	t.Cleanup(p.Close)

	st := p.BeginConnectionState()
	_, err = st.Connect(context.Background(), link)
	require.NoError(t, err)
	st.Close()
	return p
}

func managers() map[string]func() taskmanager.Manager {
	return map[string]func() taskmanager.Manager{
		"direct": func() taskmanager.Manager { return taskmanager.NewDirect() },
		"queued": func() taskmanager.Manager { return taskmanager.NewQueued(4) },
	}
}

func TestSubsidiaryIsReadAfterWriteLands(t *testing.T) {
	for name, tm := range managers() {
		t.Run(name, func(t *testing.T) {
			link := &slowLink{delay: 50 * time.Millisecond, mirror: true, from: 0x10, to: 0x20}
			p := connectedTo(t, link, WithTaskManager(tm()))
			a := NewKey[uint16]("sub.a")
			b := NewKey[uint16]("sub.b")
			require.NoError(t, p.Add(NewDevice(a.ID, u16, cam(0x10), WithSubsidiaries[uint16](b.ID))))
			require.NoError(t, p.Add(NewDevice(b.ID, u16, cam(0x20))))

			tx := p.Begin()
			defer tx.Close()
			require.NoError(t, tx.Touch(b.ID))
			require.NoError(t, tx.Wait(context.Background()))
			v, err := Get(tx, b)
			require.NoError(t, err)
			require.Equal(t, uint16(0), v)

			require.NoError(t, Set(tx, a, 7))
			require.NoError(t, tx.Wait(context.Background()))

			v, err = Get(tx, b)
			require.NoError(t, err)
			assert.Equal(t, uint16(7), v)
			res, err := tx.WriteResult(a.ID)
			require.NoError(t, err)
			assert.NoError(t, res)
		})
	}
}

func TestDeviceWritePolicies(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option[uint16]
		limit      uint16
		wantDuring error // nil means the written value is already visible
		want       uint16
	}{
		{"optimistic", nil, 0, nil, 500},
		{"clear on write", []Option[uint16]{WriteClearsValue[uint16]()}, 0, property.ErrNoValue, 500},
		{"clamped, cached", nil, 100, nil, 500},
		{"clamped, read back", []Option[uint16]{RereadAfterWrite[uint16]()}, 100, nil, 100},
		{"clear and read back", []Option[uint16]{WriteClearsValue[uint16](), RereadAfterWrite[uint16]()}, 100, property.ErrNoValue, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := taskmanager.NewQueued(2)
			p := connectedTo(t, &slowLink{limit: tt.limit}, WithTaskManager(q))
			speed := NewKey[uint16]("policy.speed")
			require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10), tt.opts...)))

			// hold the register so the write stays pending
			release := make(chan struct{})
			require.NotNil(t, q.AddTaskSimple(addressrange.Single(addressrange.New(0x10, 0x11)), taskmanager.KindReadWild, func(context.Context) { <-release }))

			tx := p.Begin()
			defer tx.Close()
			require.NoError(t, Set(tx, speed, 500))

			v, err := Get(tx, speed)
			if tt.wantDuring != nil {
				assert.ErrorIs(t, err, tt.wantDuring)
			} else {
				require.NoError(t, err)
				assert.Equal(t, uint16(500), v)
			}

			close(release)
			require.NoError(t, tx.Wait(context.Background()))
			v, err = Get(tx, speed)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
			res, err := tx.WriteResult(speed.ID)
			require.NoError(t, err)
			assert.NoError(t, res)
		})
	}
}

func TestWriteRefusedByTaskManager(t *testing.T) {
	q := taskmanager.NewQueued(2)
	p := connectedTo(t, &slowLink{}, WithTaskManager(q))
	speed := NewKey[uint16]("refused.speed")
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))

	tx := p.Begin()
	defer tx.Close()
	require.NoError(t, tx.Touch(speed.ID))
	require.NoError(t, tx.Wait(context.Background()))

	stop := q.StopAndBlockAdding()
	assert.False(t, q.Accepting())
	require.NoError(t, Set(tx, speed, 9))
	stop.Release()

	res, err := tx.WriteResult(speed.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, res, ErrAddingBlocked)
	_, err = Get(tx, speed)
	assert.ErrorIs(t, err, property.ErrNoValue, "the unwritten value is not kept")

	// the next write goes through
	require.NoError(t, Set(tx, speed, 10))
	require.NoError(t, tx.Wait(context.Background()))
	res, _ = tx.WriteResult(speed.ID)
	assert.NoError(t, res)
	v, err := Get(tx, speed)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), v)
}

func TestInvalidate(t *testing.T) {
	tests := []struct {
		name      string
		known     bool
		wantReads int64
		want      error // nil means the device value is read
	}{
		{"unknown value is not read", false, 0, property.ErrNoValue},
		{"known value is read again", true, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, emu := connected(t)
			speed := NewKey[uint16]("inval.speed")
			require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))
			seed(t, emu, 0x10, 0x00, 0x03)

			tx := p.Begin()
			defer tx.Close()
			if tt.known {
				require.NoError(t, tx.Touch(speed.ID))
			}
			seed(t, emu, 0x10, 0x00, 0x09)
			before, _ := emu.Counts()

			require.NoError(t, tx.Invalidate(speed.ID))
			after, _ := emu.Counts()
			assert.Equal(t, tt.wantReads, after-before)

			v, err := Get(tx, speed)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint16(9), v)
		})
	}
}

func TestSetAccording(t *testing.T) {
	p, emu := connected(t)
	preset := NewKey[uint16]("acc.preset")
	empty := NewKey[uint16]("acc.empty")
	label := NewKey[string]("acc.label")
	speed := NewKey[uint16]("acc.speed")
	require.NoError(t, p.Add(NewValue(preset.ID, WithInitial[uint16](0x4D))))
	require.NoError(t, p.Add(NewValue[uint16](empty.ID)))
	require.NoError(t, p.Add(NewValue(label.ID, WithInitial("fast"))))
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))

	tests := []struct {
		name    string
		src     property.ID
		wantErr error
	}{
		{"copies the value", preset.ID, nil},
		{"source without value", empty.ID, property.ErrNoValue},
		{"type mismatch", label.ID, property.ErrTypeMismatch},
		{"unknown source", property.Intern("acc.missing"), ErrUnknownProperty},
	}
	tx := p.Begin()
	defer tx.Close()
	for _, tt := range tests {
		err := tx.SetAccording(speed.ID, tt.src)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		got, err := emu.Memory().Read(addressrange.New(0x10, 0x11))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x4D}, got, tt.name)
		v, err := Get(tx, speed)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x4D), v, tt.name)
	}
	assert.Equal(t, device.Type("cam"), tx.DeviceType())
}
