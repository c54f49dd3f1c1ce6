// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command devprops works with the properties of a device over Modbus or an
// emulated device.
//
//	devprops [flags] [shell]          interactive shell (default)
//	devprops [flags] get <name>...    print property values
//	devprops [flags] set <name> <v>   write a property
//	devprops [flags] serve            expose the emulator or link over Modbus
//	devprops [flags] log [<name>...]  print the changelog
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ffutop/devprops/internal/catalog"
	"github.com/ffutop/devprops/internal/changelog"
	"github.com/ffutop/devprops/internal/config"
	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/emulator"
	"github.com/ffutop/devprops/internal/gateway"
	"github.com/ffutop/devprops/internal/properties"
	"github.com/ffutop/devprops/internal/property"
	"github.com/ffutop/devprops/internal/shell"
	"github.com/ffutop/devprops/internal/taskmanager"
	"github.com/ffutop/devprops/transport"
	"github.com/ffutop/devprops/transport/local"
	"github.com/ffutop/devprops/transport/rtu"
	rtuovertcp "github.com/ffutop/devprops/transport/rtu-over-tcp"
	"github.com/ffutop/devprops/transport/tcp"
)

func main() {
	fs := pflag.NewFlagSet("devprops", pflag.ContinueOnError)
	config.Flags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	configFile, _ := fs.GetString("config")

	cfg, err := config.LoadConfig(configFile, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := setupLogger(cfg.Log)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, fs.Args()); err != nil {
		logger.Error("devprops failed", "err", err)
		closeLog()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	cmd := "shell"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	if cmd == "log" {
		return printLog(cfg, args, os.Stdout)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	switch cmd {
	case "shell":
		return a.runShell(ctx)
	case "get", "set":
		if (cmd == "get" && len(args) < 1) || (cmd == "set" && len(args) < 2) {
			return fmt.Errorf("usage: %s", map[string]string{"get": "get <name>...", "set": "set <name> <value>"}[cmd])
		}
		sh := shell.New(a.props, a.link, os.Stdout, logger)
		sh.Timeout = cfg.Transaction.Timeout
		if err := sh.Exec(ctx, "connect"); err != nil {
			return err
		}
		return sh.Exec(ctx, cmd+" "+strings.Join(args, " "))
	case "serve":
		gw, err := a.gateway()
		if err != nil {
			return err
		}
		return gw.Start(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// app holds what one invocation works with.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	emu     *emulator.Emulator   // nil unless the link or serve needs it
	down    transport.Downstream // nil for the emulator link
	link    device.Link
	props   *properties.Properties
	changes *changelog.Recorder
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init() error {
	cfg, logger := a.cfg, a.logger
	if err := a.buildLink(); err != nil {
		return err
	}

	var tm taskmanager.Manager
	if cfg.Scheduler.Mode == "direct" {
		tm = taskmanager.NewDirect(taskmanager.WithLogger(logger))
	} else {
		tm = taskmanager.NewQueued(cfg.Scheduler.MaxThreads, taskmanager.WithLogger(logger))
	}
	a.props = properties.New(
		properties.WithLogger(logger),
		properties.WithTaskManager(tm),
		properties.WithIOTimeout(cfg.Scheduler.IOTimeout),
	)

	if cfg.Catalog != "" {
		c, err := catalog.Load(cfg.Catalog)
		if err != nil {
			return err
		}
		if err := catalog.Register(a.props, c); err != nil {
			return err
		}
		logger.Info("Catalog loaded", "path", cfg.Catalog, "properties", len(c.Properties))
	}

	if cfg.Changelog != "" {
		changes, err := changelog.Open(cfg.Changelog, logger)
		if err != nil {
			return err
		}
		a.changes = changes
		changes.Attach(a.props)
	}
	return nil
}

func (a *app) close() {
	if a.props != nil {
		st := a.props.BeginConnectionState()
		if err := st.Disconnect(); err != nil {
			a.logger.Warn("Disconnect failed", "err", err)
		}
		st.Close()
		a.props.Close()
	}
	if a.down != nil {
		a.down.Close()
	}
	if a.changes != nil {
		a.changes.Close()
	}
	if a.emu != nil {
		if err := a.emu.Close(); err != nil {
			a.logger.Error("Failed to save emulator memory", "err", err)
		}
	}
}

func (a *app) emulator() (*emulator.Emulator, error) {
	if a.emu != nil {
		return a.emu, nil
	}
	ec := a.cfg.Emulator
	store, err := emulator.NewStore(ec.Persistence.Type, ec.Persistence.Path)
	if err != nil {
		return nil, err
	}
	emu, err := emulator.New(emulator.Config{
		Type:    device.Type(ec.DeviceType),
		Base:    ec.Base,
		Size:    ec.Size,
		Store:   store,
		Latency: ec.Latency,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	// the type register tells Modbus masters what they talk to
	reg := make([]byte, 2)
	binary.BigEndian.PutUint16(reg, ec.TypeCode)
	if _, err := emu.Memory().Write(ec.Base+2*uint32(a.cfg.Link.TypeRegister), reg); err != nil {
		emu.Close()
		return nil, fmt.Errorf("type register: %w", err)
	}
	a.emu = emu
	return emu, nil
}

func (a *app) buildLink() error {
	lc := a.cfg.Link
	switch lc.Type {
	case "emulator":
		emu, err := a.emulator()
		if err != nil {
			return err
		}
		a.link = emu
		return nil
	case "local":
		emu, err := a.emulator()
		if err != nil {
			return err
		}
		a.down = local.NewClient(local.NewSlave(emu, byte(lc.SlaveID), a.logger))
	case "tcp":
		c := tcp.NewClient(lc.Tcp.Address)
		c.Timeout = lc.Tcp.Timeout
		c.Logger = a.logger
		a.down = c
	case "rtu-over-tcp":
		c := rtuovertcp.NewClient(lc.Tcp.Address)
		c.Timeout = lc.Tcp.Timeout
		a.down = c
	case "rtu":
		a.down = rtu.NewClient(lc.Serial, a.logger)
	default:
		return fmt.Errorf("unknown link type %q", lc.Type)
	}

	codes, err := lc.TypeCodes()
	if err != nil {
		return err
	}
	types := make(map[uint16]device.Type, len(codes)+1)
	for code, name := range codes {
		types[code] = device.Type(name)
	}
	if lc.Type == "local" {
		if _, ok := types[a.cfg.Emulator.TypeCode]; !ok {
			types[a.cfg.Emulator.TypeCode] = device.Type(a.cfg.Emulator.DeviceType)
		}
	}
	a.link = transport.NewLink(a.down, transport.LinkOptions{
		SlaveID:      byte(lc.SlaveID),
		Base:         a.cfg.Emulator.Base,
		TypeRegister: lc.TypeRegister,
		TypeCodes:    types,
		Logger:       a.logger,
	})
	return nil
}

func (a *app) runShell(ctx context.Context) error {
	sh := shell.New(a.props, a.link, os.Stdout, a.logger)
	sh.Timeout = a.cfg.Transaction.Timeout
	if err := sh.Exec(ctx, "connect"); err != nil {
		a.logger.Warn("Not connected", "err", err)
	}

	if !a.serving() {
		return sh.Run(ctx)
	}
	gw, err := a.gateway()
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	eg.Go(func() error {
		defer cancel()
		return sh.Run(ctx)
	})
	eg.Go(func() error { return gw.Start(ctx) })
	return eg.Wait()
}

func (a *app) serving() bool {
	s := a.cfg.Serve
	return s.Tcp.Address != "" || s.RtuOverTcp.Address != "" || s.Serial.Device != ""
}

// gateway exposes the emulator, or forwards to the link's downstream when
// it reaches a real device.
func (a *app) gateway() (*gateway.Gateway, error) {
	s := a.cfg.Serve
	var ups []transport.Upstream
	if s.Tcp.Address != "" {
		srv := tcp.NewServer(s.Tcp.Address)
		srv.Logger = a.logger
		ups = append(ups, srv)
	}
	if s.RtuOverTcp.Address != "" {
		srv := rtuovertcp.NewServer(s.RtuOverTcp.Address)
		srv.Logger = a.logger
		ups = append(ups, srv)
	}
	if s.Serial.Device != "" {
		ups = append(ups, rtu.NewServer(s.Serial, byte(a.cfg.Link.SlaveID), a.logger))
	}
	if len(ups) == 0 {
		return nil, errors.New("serve: no tcp, rtu_over_tcp or serial endpoint configured")
	}

	ids := []byte{byte(a.cfg.Link.SlaveID)}
	if s.SlaveIDs != "" {
		var err error
		if ids, err = gateway.ParseSlaveIDs(s.SlaveIDs); err != nil {
			return nil, fmt.Errorf("serve.slave_ids: %w", err)
		}
	}

	var handler transport.RequestHandler
	switch a.cfg.Link.Type {
	case "emulator", "local":
		emu, err := a.emulator()
		if err != nil {
			return nil, err
		}
		slave := local.NewSlave(emu, byte(a.cfg.Link.SlaveID), a.logger)
		handler = gateway.Retarget(slave.Handle, byte(a.cfg.Link.SlaveID))
	default:
		handler = gateway.Forward(a.down)
	}

	gw := gateway.NewGateway(a.cfg.Link.Type, ups, ids, handler)
	gw.Timeout = s.Timeout
	gw.Logger = a.logger
	return gw, nil
}

func printLog(cfg *config.Config, names []string, w io.Writer) error {
	if cfg.Changelog == "" {
		return errors.New("no changelog configured")
	}
	recs, err := changelog.ReadFile(cfg.Changelog)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		var kept []changelog.Record
		for _, rec := range recs {
			for _, n := range names {
				if rec.Touches(property.Intern(n)) {
					kept = append(kept, rec)
					break
				}
			}
		}
		recs = kept
	}
	return changelog.Print(w, recs)
}

func setupLogger(cfg config.LogConfig) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file, falling back to stderr: %v\n", err)
		} else {
			out = f
			closeFn = func() { f.Close() }
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeFn
}
