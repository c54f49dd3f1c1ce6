// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu frames protocol data units for serial lines and for RTU
// frames tunnelled over TCP.
package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ffutop/devprops/modbus"
	"github.com/ffutop/devprops/modbus/crc"
)

const (
	MinSize = 4
	MaxSize = 256

	ExceptionSize = 5
)

var ErrRequestTimedOut = errors.New("modbus: request timed out")

type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

// ApplicationDataUnit is an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes, low byte first
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode checks the CRC of raw and splits it.
func Decode(raw []byte) (*ApplicationDataUnit, error) {
	length := len(raw)
	if length < MinSize {
		return nil, fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", length, MinSize)
	}
	var c crc.CRC
	c.Reset().PushBytes(raw[:length-2])
	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if checksum != c.Value() {
		return nil, fmt.Errorf("modbus: frame crc '%v' does not match expected '%v'", checksum, c.Value())
	}
	return &ApplicationDataUnit{
		SlaveID: raw[0],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[1],
			Data:         raw[2 : length-2],
		},
	}, nil
}

// Encode appends the CRC.
func (adu *ApplicationDataUnit) Encode() ([]byte, error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}
	raw := make([]byte, length)
	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	var c crc.CRC
	sum := c.Reset().PushBytes(raw[:length-2]).Value()
	raw[length-2] = byte(sum)
	raw[length-1] = byte(sum >> 8)
	return raw, nil
}

// Verify checks that resp answers req.
func (adu *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) error {
	if adu.SlaveID != resp.SlaveID {
		return fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", resp.SlaveID, adu.SlaveID)
	}
	if resp.Pdu.FunctionCode&0x7F != adu.Pdu.FunctionCode {
		return fmt.Errorf("modbus: response function '%v' does not match request '%v'", resp.Pdu.FunctionCode, adu.Pdu.FunctionCode)
	}
	return nil
}

// ResponseLength returns the expected length of the response to the request
// frame adu, or MinSize when it cannot be told in advance.
func ResponseLength(adu []byte) int {
	length := MinSize
	switch adu[1] {
	case modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadCoils:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleRegisters:
		length += 4
	case modbus.FuncCodeMaskWriteRegister:
		length += 6
	}
	return length
}

// RequestLength returns the total length of a request frame from its first
// bytes. Write-multiple requests need 7 bytes to reach the byte count.
func RequestLength(header []byte) (int, error) {
	if len(header) < 2 {
		return 0, fmt.Errorf("need 2 bytes to determine the function, got %d", len(header))
	}
	switch fc := header[1]; fc {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("need 7 bytes to determine length for 0x%02X, got %d", fc, len(header))
		}
		return 7 + int(header[6]) + 2, nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", fc)
	}
}

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
	stateCRC
)

// ReadResponse reads one response frame byte by byte, skipping noise until
// slaveID and functionCode (or its exception form) show up.
func ReadResponse(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	buf := make([]byte, 1)
	data := make([]byte, MaxSize)

	state := stateSlaveID
	var toRead byte
	var n, crcCount int

	for {
		if time.Now().After(deadline) {
			return nil, ErrRequestTimedOut
		}
		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}
		if n >= len(data) {
			return nil, &InvalidLengthError{Length: byte(n)}
		}

		switch state {
		case stateSlaveID:
			if buf[0] == slaveID {
				state = stateFunctionCode
				data[n] = buf[0]
				n++
			}
		case stateFunctionCode:
			switch buf[0] {
			case functionCode:
				switch functionCode {
				case modbus.FuncCodeReadDiscreteInputs,
					modbus.FuncCodeReadCoils,
					modbus.FuncCodeReadHoldingRegisters,
					modbus.FuncCodeReadInputRegisters,
					modbus.FuncCodeReadWriteMultipleRegisters,
					modbus.FuncCodeReadFIFOQueue:
					state = stateReadLength
				case modbus.FuncCodeWriteSingleCoil,
					modbus.FuncCodeWriteSingleRegister,
					modbus.FuncCodeWriteMultipleRegisters,
					modbus.FuncCodeWriteMultipleCoils:
					state = stateReadPayload
					toRead = 4
				case modbus.FuncCodeMaskWriteRegister:
					state = stateReadPayload
					toRead = 6
				default:
					return nil, fmt.Errorf("functioncode not handled: %d", functionCode)
				}
			case functionCode | 0x80:
				state = stateReadPayload
				toRead = 1
			default:
				// not our frame, resync on the slave id
				state = stateSlaveID
				n = 0
				continue
			}
			data[n] = buf[0]
			n++
		case stateReadLength:
			if buf[0] > MaxSize-5 || buf[0] == 0 {
				return nil, &InvalidLengthError{Length: buf[0]}
			}
			toRead = buf[0]
			data[n] = buf[0]
			n++
			state = stateReadPayload
		case stateReadPayload:
			data[n] = buf[0]
			n++
			toRead--
			if toRead == 0 {
				state = stateCRC
			}
		case stateCRC:
			data[n] = buf[0]
			n++
			crcCount++
			if crcCount == 2 {
				return data[:n], nil
			}
		}
	}
}

// ReadRequest reads one request frame from a stream. Every supported
// request is at least 8 bytes long, so the first 7 always belong to it.
func ReadRequest(r io.Reader) ([]byte, error) {
	frame := make([]byte, MaxSize)
	if _, err := io.ReadFull(r, frame[:7]); err != nil {
		return nil, err
	}
	length, err := RequestLength(frame[:7])
	if err != nil {
		return nil, err
	}
	if length > MaxSize {
		return nil, &InvalidLengthError{Length: frame[6]}
	}
	if _, err := io.ReadFull(r, frame[7:length]); err != nil {
		return nil, err
	}
	return frame[:length], nil
}
