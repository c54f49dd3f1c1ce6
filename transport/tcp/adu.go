// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"fmt"
	"io"

	"github.com/ffutop/devprops/modbus"
)

const (
	tcpHeaderSize = 7
	tcpMinSize    = 8
	tcpMaxSize    = 260
)

// ApplicationDataUnit is a PDU behind the MBAP header.
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // bytes following the length field
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// NewADU fills in the length field for pdu.
func NewADU(transactionID uint16, slaveID byte, pdu modbus.ProtocolDataUnit) *ApplicationDataUnit {
	return &ApplicationDataUnit{
		TransactionID: transactionID,
		Length:        uint16(2 + len(pdu.Data)), // SlaveID + FunctionCode + Data
		SlaveID:       slaveID,
		Pdu:           pdu,
	}
}

func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < tcpMinSize {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(raw), tcpMinSize)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.TransactionID = uint16(raw[0])<<8 | uint16(raw[1])
	adu.ProtocolID = uint16(raw[2])<<8 | uint16(raw[3])
	adu.Length = uint16(raw[4])<<8 | uint16(raw[5])
	adu.SlaveID = raw[6]
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]
	if adu.ProtocolID != 0 {
		err = fmt.Errorf("modbus: protocol id '%v' is not modbus", adu.ProtocolID)
		return
	}
	if int(adu.Length) != len(raw)-6 {
		err = fmt.Errorf("modbus: length in header '%v' does not match frame length '%v'", adu.Length, len(raw)-6)
	}
	return
}

func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + tcpMinSize
	if length > tcpMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, tcpMaxSize)
		return
	}
	raw = make([]byte, length)

	raw[0] = byte(adu.TransactionID >> 8)
	raw[1] = byte(adu.TransactionID >> 0)
	raw[2] = byte(adu.ProtocolID >> 8)
	raw[3] = byte(adu.ProtocolID >> 0)
	raw[4] = byte(adu.Length >> 8)
	raw[5] = byte(adu.Length >> 0)
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)

	return
}

func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	// Transaction ID must match
	if resp.TransactionID != req.TransactionID {
		err = fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", resp.TransactionID, req.TransactionID)
		return
	}
	if resp.SlaveID != req.SlaveID {
		err = fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
		return
	}
	if resp.Pdu.FunctionCode&0x7F != req.Pdu.FunctionCode {
		err = fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
	}
	return
}

// readFrame reads one MBAP framed ADU.
func readFrame(r io.Reader) ([]byte, error) {
	frame := make([]byte, tcpMaxSize)
	if _, err := io.ReadFull(r, frame[:tcpHeaderSize]); err != nil {
		return nil, err
	}
	length := int(frame[4])<<8 | int(frame[5])
	if length < 2 || 6+length > tcpMaxSize {
		return nil, fmt.Errorf("modbus: length in header '%v' is invalid", length)
	}
	if _, err := io.ReadFull(r, frame[tcpHeaderSize:6+length]); err != nil {
		return nil, err
	}
	return frame[:6+length], nil
}
