// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/devprops/modbus"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client implements Downstream interface (Modbus TCP Client).
// The connection is kept open between requests and redialled after a
// failure.
type Client struct {
	Address string
	Timeout time.Duration
	Logger  *slog.Logger

	transactionID uint32 // Atomic counter

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
		Logger:  slog.Default(),
	}
}

// Send sends a PDU to a Slave (Downstream) and returns the response PDU.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	tid := uint16(atomic.AddUint32(&mb.transactionID, 1))
	adu := NewADU(tid, slaveID, pdu)

	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.dial(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = mb.conn.SetDeadline(deadline); err != nil {
		mb.drop()
		return modbus.ProtocolDataUnit{}, err
	}

	// Unblock the exchange when ctx is cancelled.
	conn := mb.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	respBytes, err := mb.sendAndRead(aduBytes)
	stop()
	if err != nil {
		mb.drop()
		if ctx.Err() != nil {
			return modbus.ProtocolDataUnit{}, ctx.Err()
		}
		return modbus.ProtocolDataUnit{}, err
	}

	respAdu, err := Decode(respBytes)
	if err != nil {
		mb.drop()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
	}

	if err := adu.Verify(respAdu); err != nil {
		mb.drop()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}

	return respAdu.Pdu, nil
}

func (mb *Client) sendAndRead(aduRequest []byte) ([]byte, error) {
	mb.Logger.Debug("send to modbus tcp slave", "request", hex.EncodeToString(aduRequest))
	if _, err := mb.conn.Write(aduRequest); err != nil {
		return nil, err
	}

	response, err := readFrame(mb.conn)
	if err != nil {
		return nil, err
	}

	mb.Logger.Debug("recv from modbus tcp slave", "response", hex.EncodeToString(response))
	return response, nil
}

func (mb *Client) dial(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: mb.Timeout}
	conn, err := d.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	mb.conn = conn
	return nil
}

func (mb *Client) drop() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}

// Connect dials the slave.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.dial(ctx)
}

// Close closes the connection.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.drop()
	return nil
}
