// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package local serves the memory of an emulated device as a Modbus slave.
package local

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/emulator"
	"github.com/ffutop/devprops/modbus"
)

// Slave implements the Modbus protocol on top of emulator memory.
//
// Holding and input registers are the same table: register r holds the
// bytes at base+2r and base+2r+1. Coils and discrete inputs are the bits
// of the same memory, coil c being bit c%8 of the byte at base+c/8.
// Writes are applied with Poke, so an in-process observer of the emulator
// sees them as changes made by the device.
type Slave struct {
	dev    *emulator.Emulator
	id     byte
	logger *slog.Logger
}

// NewSlave answers requests addressed to id or broadcast.
func NewSlave(dev *emulator.Emulator, id byte, logger *slog.Logger) *Slave {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slave{dev: dev, id: id, logger: logger}
}

// Handle is a transport.RequestHandler.
func (s *Slave) Handle(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if slaveID != 0 && slaveID != s.id {
		return modbus.Exception(pdu.FunctionCode, modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond), nil
	}
	if err := ctx.Err(); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	return s.Process(pdu)
}

// Process executes the Modbus Function Code against the memory.
func (s *Slave) Process(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		return s.handleReadBits(req)
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		return s.handleReadRegisters(req)
	case modbus.FuncCodeWriteSingleCoil:
		return s.handleWriteSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return s.handleWriteSingleRegister(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return s.handleWriteMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.handleWriteMultipleRegisters(req)
	default:
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
}

func (s *Slave) handleReadBits(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > 2000 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	mem, first, err := s.bitBytes(address, quantity)
	if err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	respData := make([]byte, 1+(int(quantity)+7)/8)
	respData[0] = byte(len(respData) - 1)
	for i := 0; i < int(quantity); i++ {
		bit := int(address) + i - 8*first
		if mem[bit/8]&(1<<uint(bit%8)) != 0 {
			respData[1+i/8] |= 1 << uint(i%8)
		}
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}, nil
}

func (s *Slave) handleReadRegisters(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	r, err := s.registerRange(address, int(quantity))
	if err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}
	data, err := s.dev.Memory().Read(r)
	if err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}, nil
}

func (s *Slave) handleWriteSingleCoil(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if value != 0xFF00 && value != 0x0000 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	packed := []byte{0}
	if value == 0xFF00 {
		packed[0] = 1
	}
	if err := s.writeBits(address, 1, packed); err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	return req, nil // Echo request
}

func (s *Slave) handleWriteSingleRegister(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])

	if err := s.writeRegisters(address, req.Data[2:4]); err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	return req, nil // Echo request
}

func (s *Slave) handleWriteMultipleCoils(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) < 6 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > 1968 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	if len(req.Data)-5 != int(byteCount) || int(byteCount) != (int(quantity)+7)/8 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	if err := s.writeBits(address, quantity, req.Data[5:]); err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         req.Data[:4],
	}, nil
}

func (s *Slave) handleWriteMultipleRegisters(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) < 6 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > modbus.MaxWriteRegisters {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	if len(req.Data)-5 != int(byteCount) || int(byteCount) != 2*int(quantity) {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	if err := s.writeRegisters(address, req.Data[5:]); err != nil {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         req.Data[:4],
	}, nil
}

func (s *Slave) registerRange(address uint16, quantity int) (addressrange.Range, error) {
	base := uint64(s.dev.Memory().Window().First())
	first := base + 2*uint64(address)
	last := first + 2*uint64(quantity) - 1
	if last > 0xFFFFFFFF {
		return addressrange.Range{}, fmt.Errorf("registers %d+%d beyond address space", address, quantity)
	}
	return addressrange.New(uint32(first), uint32(last)), nil
}

func (s *Slave) writeRegisters(address uint16, values []byte) error {
	r, err := s.registerRange(address, len(values)/2)
	if err != nil {
		return err
	}
	if err := s.dev.Poke(r.First(), values); err != nil {
		return err
	}
	s.logger.Debug("registers written", "address", address, "quantity", len(values)/2)
	return nil
}

// bitBytes returns the memory bytes holding coils [address, address+quantity)
// and the index of the first of them.
func (s *Slave) bitBytes(address, quantity uint16) ([]byte, int, error) {
	first := int(address) / 8
	last := (int(address) + int(quantity) - 1) / 8
	base := s.dev.Memory().Window().First()
	mem, err := s.dev.Memory().Read(addressrange.New(base+uint32(first), base+uint32(last)))
	return mem, first, err
}

func (s *Slave) writeBits(address, quantity uint16, packed []byte) error {
	mem, first, err := s.bitBytes(address, quantity)
	if err != nil {
		return err
	}
	for i := 0; i < int(quantity); i++ {
		bit := int(address) + i - 8*first
		mask := byte(1) << uint(bit%8)
		if packed[i/8]&(1<<uint(i%8)) != 0 {
			mem[bit/8] |= mask
		} else {
			mem[bit/8] &^= mask
		}
	}
	return s.dev.Poke(s.dev.Memory().Window().First()+uint32(first), mem)
}
