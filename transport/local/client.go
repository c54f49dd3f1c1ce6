// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"

	"github.com/ffutop/devprops/modbus"
)

// Client implements Downstream interface for an in-process Slave.
type Client struct {
	slave *Slave
}

// NewClient creates a new Local Client.
func NewClient(slave *Slave) *Client {
	return &Client{slave: slave}
}

// Send processes the PDU locally.
func (c *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	// The Slave is synchronous and fast, so we just call Handle.
	return c.slave.Handle(ctx, slaveID, pdu)
}

// Connect is a no-op for local slave.
func (c *Client) Connect(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op; the emulator is owned by the caller.
func (c *Client) Close() error {
	return nil
}
