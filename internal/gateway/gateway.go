// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gateway bridges Modbus servers to request handlers: the local
// emulated slave or a downstream link to a real device.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ffutop/devprops/modbus"
	"github.com/ffutop/devprops/transport"
)

// ErrNoRoute is returned for requests addressed to a slave no route
// serves. Servers answer it with an exception.
var ErrNoRoute = errors.New("gateway path unavailable")

// Gateway dispatches requests from its Upstreams by slave id.
type Gateway struct {
	Name         string
	Upstreams    []transport.Upstream
	Routes       map[byte]transport.RequestHandler
	DefaultRoute transport.RequestHandler
	Timeout      time.Duration // per request, 0 for none
	Logger       *slog.Logger
}

// NewGateway creates a gateway that routes every id in ids to handler.
func NewGateway(name string, upstreams []transport.Upstream, ids []byte, handler transport.RequestHandler) *Gateway {
	routes := make(map[byte]transport.RequestHandler, len(ids))
	for _, id := range ids {
		routes[id] = handler
	}
	return &Gateway{
		Name:      name,
		Upstreams: upstreams,
		Routes:    routes,
		Logger:    slog.Default(),
	}
}

// Forward adapts a downstream client into a handler.
func Forward(ds transport.Downstream) transport.RequestHandler {
	return ds.Send
}

// ParseSlaveIDs parses a string of slave IDs (e.g. "1,2,5-10").
func ParseSlaveIDs(input string) ([]byte, error) {
	var ids []byte
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parseID(lo)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = parseID(hi); err != nil {
				return nil, err
			}
			if start > end {
				return nil, fmt.Errorf("start of range %d is greater than end %d", start, end)
			}
		}
		for i := start; i <= end; i++ {
			ids = append(ids, byte(i))
		}
	}
	return ids, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	if id < 0 || id > 255 {
		return 0, fmt.Errorf("id out of range: %d", id)
	}
	return id, nil
}

// Start runs all upstreams until ctx is done or one of them fails, then
// closes the rest.
func (g *Gateway) Start(ctx context.Context) error {
	if len(g.Upstreams) == 0 {
		return fmt.Errorf("gateway %s: no upstreams", g.Name)
	}
	eg, ctx := errgroup.WithContext(ctx)
	for i, us := range g.Upstreams {
		i, us := i, us
		eg.Go(func() error {
			g.logger().Info("Starting upstream", "gateway", g.Name, "index", i)
			err := us.Start(ctx, g.handleRequest)
			if err != nil && ctx.Err() == nil {
				g.logger().Error("Upstream stopped with error", "gateway", g.Name, "index", i, "err", err)
				return fmt.Errorf("upstream %d: %w", i, err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		for _, us := range g.Upstreams {
			us.Close()
		}
		return nil
	})
	return eg.Wait()
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// handleRequest is the central dispatch function
func (g *Gateway) handleRequest(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	target, ok := g.Routes[slaveID]
	if !ok {
		target = g.DefaultRoute
	}
	if target == nil {
		g.logger().Warn("No route found for slave ID", "gateway", g.Name, "slaveID", slaveID)
		return modbus.ProtocolDataUnit{}, ErrNoRoute
	}

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	resp, err := target(ctx, slaveID, pdu)
	if err != nil {
		g.logger().Error("Request failed", "gateway", g.Name, "slaveID", slaveID, "func", pdu.FunctionCode, "err", err)
		return modbus.ProtocolDataUnit{}, err
	}
	g.logger().Debug("Request served", "gateway", g.Name, "slaveID", slaveID, "func", pdu.FunctionCode)
	return resp, nil
}

// Retarget sends every request to h as addressed to id, so one slave can
// answer on several ids or an upstream id can map to another device id.
func Retarget(h transport.RequestHandler, id byte) transport.RequestHandler {
	return func(ctx context.Context, _ byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		return h(ctx, id, pdu)
	}
}
