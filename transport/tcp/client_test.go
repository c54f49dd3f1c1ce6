// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/tbrandon/mbserver"

	"github.com/ffutop/devprops/modbus"
)

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestClient_SendToThirdPartySlave(t *testing.T) {
	slave := mbserver.NewServer()
	slave.HoldingRegisters[1] = 0xAABB
	addr := freeAddress(t)
	if err := slave.ListenTCP(addr); err != nil {
		t.Fatal(err)
	}
	defer slave.Close()

	client := NewClient(addr)
	client.Timeout = 1 * time.Second
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  modbus.ProtocolDataUnit
		want []byte
	}{
		{"read", modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x01, 0x00, 0x01}}, []byte{0x02, 0xAA, 0xBB}},
		{"write", modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0x00, 0x02, 0x00, 0x01, 0x02, 0x12, 0x34}}, []byte{0x00, 0x02, 0x00, 0x01}},
		{"read back", modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x01, 0x00, 0x02}}, []byte{0x04, 0xAA, 0xBB, 0x12, 0x34}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Send(context.Background(), 1, tt.req)
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			if resp.FunctionCode != tt.req.FunctionCode {
				t.Errorf("Expected funcCode %02X, got %02X", tt.req.FunctionCode, resp.FunctionCode)
			}
			if !bytes.Equal(resp.Data, tt.want) {
				t.Errorf("Data = %x, want %x", resp.Data, tt.want)
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	// 1. Setup Hanging Server
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	go func() {
		conn, _ := listener.Accept()
		if conn != nil {
			// Read but never write back
			buf := make([]byte, 10)
			conn.Read(buf)
			time.Sleep(2 * time.Second) // Wait longer than client timeout
			conn.Close()
		}
	}()

	client := NewClient(listener.Addr().String())
	client.Timeout = 200 * time.Millisecond // Short timeout
	defer client.Close()

	pdu := modbus.ProtocolDataUnit{
		FunctionCode: 0x01,
		Data:         []byte{0x00, 0x00, 0x00, 0x01},
	}
	_, err = client.Send(context.Background(), 1, pdu)
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("Expected timeout error, got %v", err)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	go func() {
		conn, _ := listener.Accept()
		if conn != nil {
			defer conn.Close()
			buf := make([]byte, 16)
			conn.Read(buf)
			time.Sleep(time.Second)
		}
	}()

	client := NewClient(listener.Addr().String())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = client.Send(ctx, 1, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0, 0, 0, 1}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Send did not return on context expiry")
	}
}

func TestClient_MalformedResponse(t *testing.T) {
	// 1. Send garbage
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	go func() {
		conn, _ := listener.Accept()
		if conn != nil {
			buf := make([]byte, 512)
			conn.Read(buf)
			// Write garbage
			conn.Write([]byte{0x00, 0x01, 0x00}) // Too short header
			conn.Close()
		}
	}()

	client := NewClient(listener.Addr().String())
	client.Timeout = 1 * time.Second
	defer client.Close()

	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x00}}
	if _, err = client.Send(context.Background(), 1, pdu); err == nil {
		t.Error("Expected error on malformed response")
	}
}

func TestADU_Decode(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr bool
	}{
		{"valid", []byte{0, 1, 0, 0, 0, 3, 1, 3, 0xAA}, false},
		{"too short", []byte{0, 1, 0, 0, 0, 1, 1}, true},
		{"wrong protocol", []byte{0, 1, 0, 1, 0, 2, 1, 3}, true},
		{"length mismatch", []byte{0, 1, 0, 0, 0, 9, 1, 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	adu := NewADU(7, 1, modbus.ProtocolDataUnit{FunctionCode: 3, Data: []byte{0, 1, 0, 1}})
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0, 7, 0, 0, 0, 6, 1, 3, 0, 1, 0, 1}; !bytes.Equal(raw, want) {
		t.Errorf("Encode() = %x, want %x", raw, want)
	}
}
