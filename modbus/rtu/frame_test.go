// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ffutop/devprops/modbus"
)

func TestRequestLength(t *testing.T) {
	tests := []struct {
		name    string
		header  []byte
		want    int
		wantErr bool
	}{
		{"ReadHoldingRegisters", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 8, false},
		{"WriteSingleRegister", []byte{0x01, 0x06, 0x00, 0x00, 0xAA, 0xBB}, 8, false},
		{"WriteMultipleRegisters_ShortHeader", []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01}, 0, true},
		{"WriteMultipleRegisters_Valid", []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01, 0x02}, 7 + 2 + 2, false},
		{"UnknownFunction", []byte{0x01, 0x99}, 0, true},
		{"TooShort", []byte{0x01}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequestLength(tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("RequestLength() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("RequestLength() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	adu := &ApplicationDataUnit{SlaveID: 0x11, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x6B, 0x00, 0x03}}}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	// reference frame from the Modbus over serial line guide
	want := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87}
	if !bytes.Equal(raw, want) {
		t.Fatalf("Encode = %X, want %X", raw, want)
	}

	back, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := adu.Verify(back); err != nil {
		t.Errorf("Verify: %v", err)
	}

	raw[len(raw)-1] ^= 0xFF
	if _, err := Decode(raw); err == nil {
		t.Error("corrupted crc accepted")
	}
	if _, err := (&ApplicationDataUnit{Pdu: modbus.ProtocolDataUnit{Data: make([]byte, 253)}}).Encode(); err == nil {
		t.Error("oversized frame accepted")
	}
}

func TestReadResponse(t *testing.T) {
	frame := func(pdu ...byte) []byte {
		raw, err := (&ApplicationDataUnit{SlaveID: 1, Pdu: modbus.ProtocolDataUnit{FunctionCode: pdu[0], Data: pdu[1:]}}).Encode()
		if err != nil {
			t.Fatal(err)
		}
		return raw
	}

	tests := []struct {
		name    string
		input   []byte
		want    []byte
		wantErr bool
	}{
		{"read", frame(0x03, 0x02, 0xAA, 0xBB), frame(0x03, 0x02, 0xAA, 0xBB), false},
		{"noise before frame", append([]byte{0x07, 0x01, 0x55}, frame(0x03, 0x02, 0xAA, 0xBB)...), frame(0x03, 0x02, 0xAA, 0xBB), false},
		{"exception", frame(0x83, 0x02), frame(0x83, 0x02), false},
		{"zero length", []byte{0x01, 0x03, 0x00}, nil, true},
		{"truncated", frame(0x03, 0x02, 0xAA, 0xBB)[:5], nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadResponse(1, 0x03, bytes.NewReader(tt.input), time.Now().Add(time.Second))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ReadResponse() = %X, want %X", got, tt.want)
			}
		})
	}

	_, err := ReadResponse(1, 0x03, bytes.NewReader(nil), time.Now().Add(-time.Second))
	if !errors.Is(err, ErrRequestTimedOut) {
		t.Errorf("expired deadline: %v", err)
	}
}

func TestResponseLength(t *testing.T) {
	if got := ResponseLength([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}); got != MinSize+1+20 {
		t.Errorf("read holding = %d", got)
	}
	if got := ResponseLength([]byte{0x01, 0x10, 0x00, 0x00, 0x00, 0x0A}); got != MinSize+4 {
		t.Errorf("write multiple = %d", got)
	}
	if got := ResponseLength([]byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x09}); got != MinSize+1+2 {
		t.Errorf("read coils = %d", got)
	}
}

func TestReadRequest(t *testing.T) {
	read, _ := (&ApplicationDataUnit{SlaveID: 1, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0, 0, 0, 1}}}).Encode()
	write, _ := (&ApplicationDataUnit{SlaveID: 1, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0, 1, 0, 2, 4, 1, 2, 3, 4}}}).Encode()

	stream := bytes.NewReader(append(append([]byte{}, read...), write...))
	for _, want := range [][]byte{read, write} {
		got, err := ReadRequest(stream)
		if err != nil {
			t.Fatalf("ReadRequest() error = %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadRequest() = %X, want %X", got, want)
		}
	}

	if _, err := ReadRequest(bytes.NewReader([]byte{1, 0x2B, 0, 0, 0, 0, 0, 0})); err == nil {
		t.Error("unsupported function must fail")
	}
	if _, err := ReadRequest(bytes.NewReader(write[:9])); err == nil {
		t.Error("truncated frame must fail")
	}
}
