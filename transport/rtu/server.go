// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/grid-x/serial"

	"github.com/ffutop/devprops/internal/config"
	"github.com/ffutop/devprops/modbus"
	rtupacket "github.com/ffutop/devprops/modbus/rtu"
	"github.com/ffutop/devprops/transport"
)

// Server implements a Modbus RTU Server (Upstream).
// It acts as a Slave on the serial bus, waiting for requests from an external Master.
type Server struct {
	Config config.SerialConfig
	// SlaveID, if not zero, is the only unicast address answered. Frames
	// for other slaves on the bus are ignored.
	SlaveID byte
	Logger  *slog.Logger

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig, slaveID byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Config:  cfg,
		SlaveID: slaveID,
		Logger:  logger,
	}
}

// Start starts the RTU server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	spConfig := newSerialConfig(s.Config)
	port, err := serial.Open(&spConfig)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	defer s.Close()
	s.Logger.Info("RTU Server listening", "device", s.Config.Device)

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	return s.scanLoop(ctx, port, handler)
}

func (s *Server) scanLoop(ctx context.Context, port io.ReadWriter, handler transport.RequestHandler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := rtupacket.ReadRequest(port)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || s.closed() {
				return nil
			}
			// read timeouts and garbage between frames
			s.Logger.Debug("discarding serial input", "err", err)
			continue
		}

		adu, err := rtupacket.Decode(raw)
		if err != nil {
			s.Logger.Warn("RTU frame decode failed", "err", err)
			continue
		}
		if s.SlaveID != 0 && adu.SlaveID != 0 && adu.SlaveID != s.SlaveID {
			continue
		}

		respPdu, err := handler(ctx, adu.SlaveID, adu.Pdu)
		if err != nil {
			s.Logger.Error("Upstream handler failed", "err", err)
			respPdu = modbus.Exception(adu.Pdu.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
		}
		if adu.SlaveID == 0 {
			// broadcasts are never answered
			continue
		}

		respAdu := &rtupacket.ApplicationDataUnit{SlaveID: adu.SlaveID, Pdu: respPdu}
		respRaw, err := respAdu.Encode()
		if err != nil {
			s.Logger.Error("Failed to encode response", "err", err)
			continue
		}
		if _, err := port.Write(respRaw); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (s *Server) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port == nil
}

// Close closes the serial port.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
