// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package properties

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/progress"
	"github.com/ffutop/devprops/internal/property"
	"github.com/ffutop/devprops/internal/taskmanager"
)

func TestOuterTransactionIsExclusive(t *testing.T) {
	p := New()
	tx := p.Begin()

	start := time.Now()
	_, err := p.TryBegin(30 * time.Millisecond)
	require.ErrorIs(t, err, ErrTransactionTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	opened := make(chan *Tx)
	go func() { opened <- p.Begin() }()
	select {
	case <-opened:
		t.Fatal("second outer transaction opened while the first is open")
	case <-time.After(30 * time.Millisecond):
	}

	tx.Close()
	select {
	case second := <-opened:
		second.Close()
	case <-time.After(time.Second):
		t.Fatal("second outer transaction never opened")
	}

	tx.Close()
	assert.ErrorIs(t, tx.Touch(), ErrTransactionClosed)
	_, err = tx.AddWildTask(addressrange.Ranges{}, taskmanager.KindReadWild, nil)
	assert.ErrorIs(t, err, ErrTransactionClosed)
}

func TestDeviceReadAndWrite(t *testing.T) {
	p, emu := connected(t)
	speed := NewKey[uint16]("dev.speed")
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))
	seed(t, emu, 0x10, 0x01, 0x2C)

	tx := p.Begin()
	defer tx.Close()

	_, err := Get(tx, speed)
	require.ErrorIs(t, err, property.ErrNoValue)
	require.NoError(t, tx.Touch(speed.ID))
	v, err := Get(tx, speed)
	require.NoError(t, err)
	assert.Equal(t, uint16(300), v)

	require.NoError(t, Set(tx, speed, 1200))
	got, err := emu.Memory().Read(addressrange.New(0x10, 0x11))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0xB0}, got)

	// a touch does not re-read a known value, a refresh does
	seed(t, emu, 0x10, 0x00, 0x07)
	require.NoError(t, tx.Touch(speed.ID))
	v, _ = Get(tx, speed)
	assert.Equal(t, uint16(1200), v)
	require.NoError(t, tx.Refresh(speed.ID))
	v, _ = Get(tx, speed)
	assert.Equal(t, uint16(7), v)

	typ, err := tx.Type(speed.ID)
	require.NoError(t, err)
	assert.Equal(t, "uint16", typ.String())
	assert.Equal(t, device.Type("cam"), tx.DeviceType())
}

func TestRecoverableReadErrorsAreRetried(t *testing.T) {
	p, emu := connected(t)
	speed := NewKey[uint16]("retry.speed")
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))
	seed(t, emu, 0x10, 0x00, 0x2A)

	tx := p.Begin()
	defer tx.Close()

	emu.FailNext(1)
	require.NoError(t, tx.Touch(speed.ID))
	_, err := Get(tx, speed)
	var perr *property.Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Recoverable)

	require.NoError(t, tx.Touch(speed.ID))
	v, err := Get(tx, speed)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), v)
}

func TestWriteResultsAndStatusChanges(t *testing.T) {
	p, emu := connected(t)
	mode := NewKey[int]("status.mode")
	speed := NewKey[uint16]("status.speed")
	require.NoError(t, p.Add(NewValue(mode.ID, WithInitial(1))))
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10), WithStatusFunc[uint16](func(v View) property.Status {
		if m, err := ValueOf(v, mode); err == nil && m == 1 {
			return property.StatusReadWrite
		}
		return property.StatusReadOnly
	}))))
	rec := record(p)

	tx := p.Begin()
	emu.FailNext(1)
	require.NoError(t, Set(tx, speed, 42))
	res, err := tx.WriteResult(speed.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, res, device.ErrBusy)
	v, err := Get(tx, speed)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), v, "a failed write is followed by a read")

	require.NoError(t, Set(tx, speed, 43))
	res, _ = tx.WriteResult(speed.ID)
	assert.NoError(t, res)

	emu.FailNext(1)
	require.NoError(t, Set(tx, speed, 44))
	res, _ = tx.WriteResult(speed.ID)
	require.Error(t, res)

	require.NoError(t, Set(tx, mode, 0))
	st, _ := tx.Status(speed.ID)
	assert.Equal(t, property.StatusReadOnly, st)
	res, _ = tx.WriteResult(speed.ID)
	assert.NoError(t, res, "losing writability resets the write result")
	assert.ErrorIs(t, Set(tx, speed, 45), ErrNotWritable)
	tx.Close()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, StatusChange{From: property.StatusReadWrite, To: property.StatusReadOnly}, got[0].Statuses[speed.ID])
	assert.ErrorIs(t, got[0].WriteResults[speed.ID], device.ErrBusy)
}

func TestWildWriteClearsOverlappingProperties(t *testing.T) {
	p, emu := connected(t, WithTaskManager(taskmanager.NewQueued(2)))
	speed := NewKey[uint16]("wild.speed")
	gain := NewKey[uint16]("wild.gain")
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))
	require.NoError(t, p.Add(NewDevice(gain.ID, u16, cam(0x20))))
	seed(t, emu, 0x10, 0x01, 0x2C)
	seed(t, emu, 0x20, 0x00, 0x07)

	ctx := context.Background()
	tx := p.Begin()
	defer tx.Close()

	require.NoError(t, tx.Touch(speed.ID, gain.ID))
	require.NoError(t, tx.Wait(ctx))
	v, err := Get(tx, speed)
	require.NoError(t, err)
	assert.Equal(t, uint16(300), v)

	task, err := tx.AddWildTask(addressrange.Single(addressrange.New(0x00, 0x11)), taskmanager.KindWriteWild,
		func(ctx context.Context, prog *progress.Progress) {
			assert.NoError(t, emu.WriteMemory(ctx, 0x00, make([]byte, 0x11), prog))
			seed(t, emu, 0x10, 0x00, 0x05)
		})
	require.NoError(t, err)
	require.NoError(t, task.Wait(ctx))

	_, err = Get(tx, speed)
	assert.ErrorIs(t, err, property.ErrNoValue)
	g, err := Get(tx, gain)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), g, "properties outside the written range keep their value")

	require.NoError(t, tx.Touch(speed.ID))
	require.NoError(t, tx.Wait(ctx))
	v, err = Get(tx, speed)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), v)
}

func TestOutOfBandChanges(t *testing.T) {
	p, emu := connected(t)
	speed := NewKey[uint16]("oob.speed")
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))
	seed(t, emu, 0x10, 0x00, 0x01)

	tx := p.Begin()
	require.NoError(t, tx.Touch(speed.ID))
	tx.Close()

	require.NoError(t, emu.Poke(0x11, []byte{0x02}))
	tx = p.Begin()
	_, err := Get(tx, speed)
	assert.ErrorIs(t, err, property.ErrNoValue, "register change clears the value")
	require.NoError(t, tx.Touch(speed.ID))
	v, _ := Get(tx, speed)
	assert.Equal(t, uint16(2), v)
	tx.Close()

	rec := record(p)
	emu.DropConnection()
	tx = p.Begin()
	assert.Equal(t, device.None, tx.DeviceType())
	_, err = Get(tx, speed)
	assert.ErrorIs(t, err, ErrNotReadable)
	tx.Close()

	got := rec.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].ConnectionChanged)
	assert.Contains(t, got[0].Changed, speed.ID)
	assert.Equal(t, StatusChange{From: property.StatusReadWrite, To: property.StatusDisabled}, got[0].Statuses[speed.ID])
}

func TestConnectionState(t *testing.T) {
	p, emu := connected(t, WithTaskManager(taskmanager.NewQueued(2)))
	speed := NewKey[uint16]("conn.speed")
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))
	seed(t, emu, 0x10, 0x00, 0x09)
	ctx := context.Background()

	emu.SetType("cam2")
	st := p.BeginConnectionState()
	assert.Equal(t, device.None, st.DeviceType())

	// the task manager is stopped, wild tasks go nowhere
	assert.Nil(t, p.TaskManager().AddTaskSimple(addressrange.Single(addressrange.New(0, 1)), taskmanager.KindReadWild, func(context.Context) {}))

	dt, err := st.Connect(ctx, emu)
	require.NoError(t, err)
	assert.Equal(t, device.Type("cam2"), dt)
	status, _ := st.Properties().Status(speed.ID)
	assert.Equal(t, property.StatusDisabled, status, "not mapped on cam2")

	emu.SetType("cam")
	dt, err = st.Connect(ctx, emu)
	require.NoError(t, err)
	assert.Equal(t, device.Type("cam"), dt)

	view := st.Properties()
	require.NoError(t, view.Touch(speed.ID))
	v, err := Get(view, speed)
	require.NoError(t, err, "views of a connection state transaction read synchronously")
	assert.Equal(t, uint16(9), v)

	b, err := st.Exclusive().ReadMemory(ctx, addressrange.New(0x10, 0x11), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x09}, b)
	view.Close()
	st.Exclusive().Close()
	require.NoError(t, view.Touch(speed.ID), "nested views do not close the owner")
	st.Close()

	assert.ErrorIs(t, view.Touch(speed.ID), ErrTransactionClosed)
	assert.NotNil(t, p.TaskManager().AddTaskSimple(addressrange.Single(addressrange.New(0, 1)), taskmanager.KindReadWild, func(context.Context) {}))

	st = p.BeginConnectionState()
	require.NoError(t, st.Disconnect())
	assert.Equal(t, device.None, st.DeviceType())
	st.Close()

	tx := p.Begin()
	defer tx.Close()
	_, err = Get(tx, speed)
	assert.ErrorIs(t, err, ErrNotReadable)
}

func TestExclusiveAccess(t *testing.T) {
	q := taskmanager.NewQueued(2)
	p, emu := connected(t, WithTaskManager(q))
	speed := NewKey[uint16]("excl.speed")
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))
	seed(t, emu, 0x10, 0x01, 0x2C)
	ctx := context.Background()

	x := p.BeginExclusive(false)
	paused := q.AddTaskSimple(addressrange.Single(addressrange.New(0x100, 0x101)), taskmanager.KindReadWild, func(context.Context) {})
	require.NotNil(t, paused)

	b, err := x.ReadMemory(ctx, addressrange.New(0x10, 0x11), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x2C}, b)

	view := x.Properties()
	require.NoError(t, view.Touch(speed.ID))
	v, err := Get(view, speed)
	require.NoError(t, err)
	assert.Equal(t, uint16(300), v)

	require.NoError(t, x.WriteMemory(ctx, 0x11, []byte{0x01}, nil))
	_, err = Get(view, speed)
	assert.ErrorIs(t, err, property.ErrNoValue, "raw writes clear the covered properties")
	require.NoError(t, view.Touch(speed.ID))
	v, _ = Get(view, speed)
	assert.Equal(t, uint16(0x0101), v)

	select {
	case <-paused.Done():
		t.Fatal("task ran while the exclusive transaction was open")
	case <-time.After(20 * time.Millisecond):
	}
	x.Close()
	require.NoError(t, paused.Wait(ctx))

	_, err = x.ReadMemory(ctx, addressrange.New(0x10, 0x11), nil)
	assert.ErrorIs(t, err, ErrTransactionClosed)
}

func TestSetTaskManager(t *testing.T) {
	p, emu := connected(t)
	speed := NewKey[uint16]("swap.speed")
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))
	seed(t, emu, 0x10, 0x00, 0x03)

	old := p.TaskManager()
	q := taskmanager.NewQueued(1)
	p.SetTaskManager(q)
	assert.Same(t, q, p.TaskManager())
	assert.Nil(t, old.AddTaskSimple(addressrange.Single(addressrange.New(0, 1)), taskmanager.KindReadWild, func(context.Context) {}),
		"the old manager is closed")

	tx := p.Begin()
	defer tx.Close()
	require.NoError(t, tx.Touch(speed.ID))
	require.NoError(t, tx.Wait(context.Background()))
	v, err := Get(tx, speed)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), v)
}

func TestResultsOutsideTransactionsFinishOnTheirOwn(t *testing.T) {
	q := taskmanager.NewQueued(1)
	p, emu := connected(t, WithTaskManager(q))
	speed := NewKey[uint16]("own.speed")
	require.NoError(t, p.Add(NewDevice(speed.ID, u16, cam(0x10))))
	seed(t, emu, 0x10, 0x00, 0x04)

	// hold the device range so the read task waits until the
	// transaction is gone
	release := make(chan struct{})
	blocker := q.AddTaskSimple(addressrange.Single(addressrange.New(0x10, 0x11)), taskmanager.KindReadWild, func(context.Context) { <-release })
	require.NotNil(t, blocker)

	tx := p.Begin()
	require.NoError(t, tx.Touch(speed.ID))
	tx.Close()

	rec := record(p)
	close(release)
	require.NoError(t, q.WaitIdle(context.Background()))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, []property.ID{speed.ID}, got[0].Changed)

	tx = p.Begin()
	defer tx.Close()
	v, err := Get(tx, speed)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), v)
}
