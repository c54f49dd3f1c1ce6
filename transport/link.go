// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/progress"
	"github.com/ffutop/devprops/modbus"
	"github.com/ffutop/devprops/modbus/rtu"
)

// ErrUnknownDeviceType is returned by Connect when the type register holds
// a code with no configured device type.
var ErrUnknownDeviceType = errors.New("unknown device type code")

// LinkOptions configures a RegisterLink.
type LinkOptions struct {
	SlaveID byte
	// Base is the device address of holding register 0.
	Base         uint32
	TypeRegister uint16
	// TypeCodes maps the type register to a device type. When empty the
	// decimal code itself is the type.
	TypeCodes map[uint16]device.Type
	Logger    *slog.Logger
}

// RegisterLink implements device.Link over the holding registers of a
// Modbus slave. Register r holds the bytes at Base+2r and Base+2r+1, high
// byte first.
type RegisterLink struct {
	down Downstream
	opts LinkOptions

	mu        sync.Mutex
	connected bool
	lost      bool
}

// NewLink wraps down.
func NewLink(down Downstream, opts LinkOptions) *RegisterLink {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RegisterLink{down: down, opts: opts}
}

func (l *RegisterLink) Connect(ctx context.Context) (device.Type, error) {
	if err := l.down.Connect(ctx); err != nil {
		return device.None, fmt.Errorf("connect: %w", err)
	}
	l.mu.Lock()
	l.connected = true
	l.lost = false
	l.mu.Unlock()

	regs, err := l.readRegisters(ctx, l.opts.TypeRegister, 1)
	if err != nil {
		l.setDisconnected()
		return device.None, fmt.Errorf("read device type: %w", err)
	}
	code := binary.BigEndian.Uint16(regs)
	if len(l.opts.TypeCodes) == 0 {
		return device.Type(fmt.Sprint(code)), nil
	}
	t, ok := l.opts.TypeCodes[code]
	if !ok {
		l.setDisconnected()
		return device.None, fmt.Errorf("%w: %d", ErrUnknownDeviceType, code)
	}
	l.opts.Logger.Info("device connected", "slave_id", l.opts.SlaveID, "type_code", code, "device_type", t)
	return t, nil
}

func (l *RegisterLink) Disconnect() error {
	l.setDisconnected()
	return l.down.Close()
}

func (l *RegisterLink) ConnectionLost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lost := l.lost
	l.lost = false
	return lost
}

// TakeRegisterChanges always returns nothing: a Modbus slave has no way to
// announce changes it made on its own.
func (l *RegisterLink) TakeRegisterChanges() addressrange.Ranges {
	return addressrange.Ranges{}
}

func (l *RegisterLink) ReadMemory(ctx context.Context, r addressrange.Range, p *progress.Progress) ([]byte, error) {
	first, count, err := l.registers(r)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 0, 2*count)
	for done := 0; done < count; {
		if err := p.Err(); err != nil {
			return nil, err
		}
		n := min(count-done, modbus.MaxReadRegisters)
		b, err := l.readRegisters(ctx, first+uint16(done), n)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b...)
		done += n
		p.Update(uint64(done), uint64(count), "reading registers")
	}
	skip := (r.First() - l.opts.Base) % 2
	return raw[skip : uint64(skip)+r.Size()], nil
}

func (l *RegisterLink) WriteMemory(ctx context.Context, addr uint32, data []byte, p *progress.Progress) error {
	if len(data) == 0 {
		return nil
	}
	r := addressrange.FirstSize(addr, uint32(len(data)))
	first, count, err := l.registers(r)
	if err != nil {
		return err
	}

	// Unaligned edges keep the neighbouring byte of their register.
	raw := make([]byte, 2*count)
	lead := int((addr - l.opts.Base) % 2)
	if lead == 1 {
		b, err := l.readRegisters(ctx, first, 1)
		if err != nil {
			return err
		}
		raw[0] = b[0]
	}
	if (lead+len(data))%2 == 1 {
		b, err := l.readRegisters(ctx, first+uint16(count-1), 1)
		if err != nil {
			return err
		}
		raw[len(raw)-1] = b[1]
	}
	copy(raw[lead:], data)

	for done := 0; done < count; {
		if err := p.Err(); err != nil {
			return err
		}
		n := min(count-done, modbus.MaxWriteRegisters)
		if err := l.writeRegisters(ctx, first+uint16(done), raw[2*done:2*(done+n)]); err != nil {
			return err
		}
		done += n
		p.Update(uint64(done), uint64(count), "writing registers")
	}
	return nil
}

// registers maps r to the holding registers containing it.
func (l *RegisterLink) registers(r addressrange.Range) (first uint16, count int, err error) {
	if r.First() < l.opts.Base {
		return 0, 0, fmt.Errorf("%w: %v below register base 0x%X", device.ErrOutOfRange, r, l.opts.Base)
	}
	lo := uint64(r.First()-l.opts.Base) / 2
	hi := uint64(r.Last()-l.opts.Base) / 2
	if hi > 0xFFFF {
		return 0, 0, fmt.Errorf("%w: %v beyond register space", device.ErrOutOfRange, r)
	}
	return uint16(lo), int(hi-lo) + 1, nil
}

func (l *RegisterLink) readRegisters(ctx context.Context, address uint16, quantity int) ([]byte, error) {
	req := modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeReadHoldingRegisters, Data: make([]byte, 4)}
	binary.BigEndian.PutUint16(req.Data[0:2], address)
	binary.BigEndian.PutUint16(req.Data[2:4], uint16(quantity))

	resp, err := l.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != 1+2*quantity || int(resp.Data[0]) != 2*quantity {
		return nil, fmt.Errorf("%w: read %d registers, response carries %d bytes", device.ErrSize, quantity, len(resp.Data))
	}
	return resp.Data[1:], nil
}

func (l *RegisterLink) writeRegisters(ctx context.Context, address uint16, values []byte) error {
	quantity := len(values) / 2
	req := modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Data: make([]byte, 5+len(values))}
	binary.BigEndian.PutUint16(req.Data[0:2], address)
	binary.BigEndian.PutUint16(req.Data[2:4], uint16(quantity))
	req.Data[4] = byte(len(values))
	copy(req.Data[5:], values)

	resp, err := l.send(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Data) != 4 || binary.BigEndian.Uint16(resp.Data[0:2]) != address || binary.BigEndian.Uint16(resp.Data[2:4]) != uint16(quantity) {
		return fmt.Errorf("%w: write response does not echo the request", device.ErrSize)
	}
	return nil
}

func (l *RegisterLink) send(ctx context.Context, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return modbus.ProtocolDataUnit{}, device.ErrNotConnected
	}

	resp, err := l.down.Send(ctx, l.opts.SlaveID, req)
	if err == nil {
		err = resp.Err()
	}
	if err == nil {
		return resp, nil
	}

	var exc *modbus.ExceptionError
	switch {
	case errors.As(err, &exc):
		switch exc.ExceptionCode {
		case modbus.ExceptionCodeServerDeviceBusy, modbus.ExceptionCodeAcknowledge:
			err = fmt.Errorf("%w: %v", device.ErrBusy, err)
		case modbus.ExceptionCodeIllegalDataAddress:
			err = fmt.Errorf("%w: %v", device.ErrOutOfRange, err)
		case modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond:
			err = fmt.Errorf("%w: %v", device.ErrTimeout, err)
		}
	case ctx.Err() != nil:
		err = ctx.Err()
	case isTimeout(err):
		err = fmt.Errorf("%w: %v", device.ErrTimeout, err)
	case isConnectionLoss(err):
		l.opts.Logger.Warn("device connection lost", "err", err)
		l.mu.Lock()
		l.connected = false
		l.lost = true
		l.mu.Unlock()
		err = fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	}
	return modbus.ProtocolDataUnit{}, err
}

func (l *RegisterLink) setDisconnected() {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
}

func isTimeout(err error) bool {
	if errors.Is(err, rtu.ErrRequestTimedOut) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnectionLoss(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
