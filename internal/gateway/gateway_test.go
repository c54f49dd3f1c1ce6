// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/devprops/internal/emulator"
	"github.com/ffutop/devprops/modbus"
	"github.com/ffutop/devprops/transport"
	"github.com/ffutop/devprops/transport/local"
	"github.com/ffutop/devprops/transport/tcp"
)

func TestParseSlaveIDs(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{"1", []byte{1}, false},
		{"1, 3,5-7", []byte{1, 3, 5, 6, 7}, false},
		{"", nil, false},
		{"7-5", nil, true},
		{"256", nil, true},
		{"a", nil, true},
		{"1-x", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseSlaveIDs(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func client(t *testing.T, addr string, id byte) gomodbus.Client {
	t.Helper()
	h := gomodbus.NewTCPClientHandler(addr)
	h.Timeout = time.Second
	h.SlaveId = id
	require.NoError(t, h.Connect())
	t.Cleanup(func() { h.Close() })
	return gomodbus.NewClient(h)
}

func TestGatewayRoutesToEmulator(t *testing.T) {
	em, err := emulator.New(emulator.Config{Size: 256})
	require.NoError(t, err)
	defer em.Close()

	a, b := tcp.NewServer("127.0.0.1:0"), tcp.NewServer("127.0.0.1:0")
	require.NoError(t, a.Listen())
	require.NoError(t, b.Listen())

	slave := local.NewSlave(em, 1, nil)
	g := NewGateway("test", []transport.Upstream{a, b}, []byte{1, 5}, Retarget(slave.Handle, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()

	_, err = client(t, a.Addr().String(), 5).WriteMultipleRegisters(2, 1, []byte{0xBE, 0xEF})
	require.NoError(t, err)
	got, err := client(t, b.Addr().String(), 1).ReadHoldingRegisters(2, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBE, 0xEF}, got)

	_, err = client(t, a.Addr().String(), 9).ReadHoldingRegisters(0, 1)
	var merr *gomodbus.ModbusError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, byte(modbus.ExceptionCodeServerDeviceFailure), merr.ExceptionCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestGatewayStopsOnUpstreamFailure(t *testing.T) {
	ok := tcp.NewServer("127.0.0.1:0")
	bad := tcp.NewServer("127.0.0.1:-1")
	g := NewGateway("broken", []transport.Upstream{ok, bad}, nil, nil)

	errc := make(chan error, 1)
	go func() { errc <- g.Start(context.Background()) }()
	select {
	case err := <-errc:
		assert.ErrorContains(t, err, "upstream 1")
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not stop")
	}

	assert.Error(t, (&Gateway{Name: "empty"}).Start(context.Background()))
}

func TestHandleRequestTimeout(t *testing.T) {
	slow := func(ctx context.Context, _ byte, _ modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		<-ctx.Done()
		return modbus.ProtocolDataUnit{}, ctx.Err()
	}
	g := &Gateway{Name: "slow", DefaultRoute: slow, Timeout: 20 * time.Millisecond}
	_, err := g.handleRequest(context.Background(), 3, modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeReadHoldingRegisters})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	g = &Gateway{Name: "none"}
	_, err = g.handleRequest(context.Background(), 3, modbus.ProtocolDataUnit{})
	assert.ErrorIs(t, err, ErrNoRoute)
}
