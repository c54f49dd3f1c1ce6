// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package shell is the interactive front end for a properties.Properties.
package shell

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/ffutop/devprops/internal/addressrange"
	"github.com/ffutop/devprops/internal/catalog"
	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/progress"
	"github.com/ffutop/devprops/internal/properties"
	"github.com/ffutop/devprops/internal/property"
	"github.com/ffutop/devprops/internal/taskmanager"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

// Shell executes commands against the properties of one device link.
type Shell struct {
	props  *properties.Properties
	link   device.Link
	out    io.Writer
	logger *slog.Logger

	// Timeout bounds waiting for the transaction and for device access.
	Timeout time.Duration
}

// New creates a shell writing to out. link is used by connect.
func New(p *properties.Properties, link device.Link, out io.Writer, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{props: p, link: link, out: out, logger: logger, Timeout: 10 * time.Second}
}

type command struct {
	usage string
	args  int // minimum number of arguments
	run   func(s *Shell, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":       {usage: "help", run: (*Shell).help},
		"connect":    {usage: "connect", run: (*Shell).connect},
		"disconnect": {usage: "disconnect", run: (*Shell).disconnect},
		"list":       {usage: "list", run: (*Shell).list},
		"get":        {usage: "get <property>...", args: 1, run: (*Shell).get},
		"set":        {usage: "set <property> <value>", args: 2, run: (*Shell).set},
		"validate":   {usage: "validate <property> <value>", args: 2, run: (*Shell).validate},
		"touch":      {usage: "touch <property>...", args: 1, run: (*Shell).touch},
		"refresh":    {usage: "refresh <property>...", args: 1, run: (*Shell).refresh},
		"invalidate": {usage: "invalidate <property>...", args: 1, run: (*Shell).invalidate},
		"status":     {usage: "status <property>...", args: 1, run: (*Shell).status},
		"dump":       {usage: "dump <address> <length>", args: 2, run: (*Shell).dump},
		"poke":       {usage: "poke <address> <hex bytes>", args: 2, run: (*Shell).poke},
		"quit":       {usage: "quit", run: func(*Shell, context.Context, []string) error { return ErrQuit }},
	}
}

// Exec runs one command line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if name == "exit" || name == "q" {
		name = "quit"
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (type 'help' for commands)", fields[0])
	}
	if len(fields)-1 < cmd.args {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	return cmd.run(s, ctx, fields[1:])
}

// Run reads commands from the terminal until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "devprops> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    s.completer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	stop := context.AfterFunc(ctx, func() { rl.Close() })
	defer stop()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil || ctx.Err() != nil {
			return nil
		}
		err = s.Exec(ctx, line)
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func (s *Shell) completer() readline.AutoCompleter {
	names := func(string) []string {
		tx, err := s.props.TryBegin(time.Second)
		if err != nil {
			return nil
		}
		defer tx.Close()
		var out []string
		for _, id := range tx.IDs() {
			out = append(out, id.String())
		}
		return out
	}
	var items []readline.PrefixCompleterInterface
	for name := range commands {
		items = append(items, readline.PcItem(name, readline.PcItemDynamic(names)))
	}
	return readline.NewPrefixCompleter(items...)
}

func (s *Shell) begin(ctx context.Context) (*properties.Tx, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	tx, err := s.props.BeginContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, properties.ErrTransactionTimeout
	}
	return tx, err
}

func lookup(name string) (property.ID, error) {
	id, ok := property.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", properties.ErrUnknownProperty, name)
	}
	return id, nil
}

func lookupAll(names []string) ([]property.ID, error) {
	ids := make([]property.ID, len(names))
	for i, n := range names {
		id, err := lookup(n)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *Shell) help(context.Context, []string) error {
	fmt.Fprintln(s.out, "Commands:")
	for _, name := range []string{"connect", "disconnect", "list", "get", "set", "validate", "touch", "refresh", "invalidate", "status", "dump", "poke", "help", "quit"} {
		fmt.Fprintf(s.out, "  %s\n", commands[name].usage)
	}
	return nil
}

func (s *Shell) connect(ctx context.Context, _ []string) error {
	if s.link == nil {
		return errors.New("no link configured")
	}
	st := s.props.BeginConnectionState()
	defer st.Close()
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	dt, err := st.Connect(ctx, s.link)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "connected to %s\n", dt)
	return nil
}

func (s *Shell) disconnect(context.Context, []string) error {
	st := s.props.BeginConnectionState()
	defer st.Close()
	return st.Disconnect()
}

func (s *Shell) list(ctx context.Context, _ []string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()

	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tKIND\tSTATUS")
	for _, id := range tx.IDs() {
		t, _ := tx.Type(id)
		k, _ := tx.Kind(id)
		st, _ := tx.Status(id)
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", id, t, k, st)
	}
	fmt.Fprintf(w, "device\t%s\t\t\n", orNone(tx.DeviceType()))
	return w.Flush()
}

func orNone(t device.Type) string {
	if t == "" {
		return "(none)"
	}
	return string(t)
}

func (s *Shell) get(ctx context.Context, args []string) error {
	ids, err := lookupAll(args)
	if err != nil {
		return err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := tx.Touch(ids...); err != nil {
		return err
	}
	if err := s.wait(ctx, tx); err != nil {
		return err
	}
	for _, id := range ids {
		v, err := tx.GetAny(id)
		if err != nil {
			fmt.Fprintf(s.out, "%s: %v\n", id, err)
			continue
		}
		fmt.Fprintf(s.out, "%s = %s\n", id, catalog.FormatValue(v))
	}
	return nil
}

func (s *Shell) wait(ctx context.Context, tx *properties.Tx) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	return tx.Wait(ctx)
}

func (s *Shell) parse(tx *properties.Tx, name, text string) (property.ID, any, error) {
	id, err := lookup(name)
	if err != nil {
		return 0, nil, err
	}
	t, err := tx.Type(id)
	if err != nil {
		return 0, nil, err
	}
	v, err := catalog.ParseValue(t, text)
	return id, v, err
}

func (s *Shell) set(ctx context.Context, args []string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	id, v, err := s.parse(tx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	if err := tx.SetAny(id, v); err != nil {
		return err
	}
	if err := s.wait(ctx, tx); err != nil {
		return err
	}
	if res, err := tx.WriteResult(id); err == nil && res != nil {
		return fmt.Errorf("write %s: %w", id, res)
	}
	fmt.Fprintf(s.out, "%s = %s\n", id, catalog.FormatValue(v))
	return nil
}

func (s *Shell) validate(ctx context.Context, args []string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	id, v, err := s.parse(tx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	res, err := tx.Validate(id, v)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s: %s\n", id, res)
	return nil
}

func (s *Shell) each(ctx context.Context, args []string, fn func(tx *properties.Tx, ids ...property.ID) error) error {
	ids, err := lookupAll(args)
	if err != nil {
		return err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := fn(tx, ids...); err != nil {
		return err
	}
	return s.wait(ctx, tx)
}

func (s *Shell) touch(ctx context.Context, args []string) error {
	return s.each(ctx, args, (*properties.Tx).Touch)
}

func (s *Shell) refresh(ctx context.Context, args []string) error {
	return s.each(ctx, args, (*properties.Tx).Refresh)
}

func (s *Shell) invalidate(ctx context.Context, args []string) error {
	return s.each(ctx, args, (*properties.Tx).Invalidate)
}

func (s *Shell) status(ctx context.Context, args []string) error {
	ids, err := lookupAll(args)
	if err != nil {
		return err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	for _, id := range ids {
		st, err := tx.Status(id)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s: %s", id, st)
		if res, err := tx.WriteResult(id); err == nil && res != nil {
			line += fmt.Sprintf(" (last write failed: %v)", res)
		}
		fmt.Fprintln(s.out, line)
	}
	return nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(v), nil
}

func checkSpan(addr, n uint32) error {
	if n == 0 || uint64(addr)+uint64(n) > 1<<32 {
		return fmt.Errorf("invalid span of %d bytes at 0x%X", n, addr)
	}
	return nil
}

func (s *Shell) dump(ctx context.Context, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	n, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	if err := checkSpan(addr, n); err != nil {
		return err
	}

	x := s.props.BeginExclusive(false)
	defer x.Close()
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	prog := progress.New()
	prog.Observe(func(r progress.Report) {
		s.logger.Debug("dump", "done", r.Done, "total", r.Total, "text", r.Text)
	})
	data, err := x.ReadMemory(ctx, addressrange.FirstSize(addr, n), prog)
	if err != nil {
		return err
	}
	d := hex.Dumper(&offsetWriter{w: s.out, base: addr})
	d.Write(data)
	return d.Close()
}

// offsetWriter rewrites the offsets of hex.Dumper lines to device addresses.
type offsetWriter struct {
	w    io.Writer
	base uint32
	line []byte
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	o.line = append(o.line, p...)
	for {
		i := strings.IndexByte(string(o.line), '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(o.line[:i+1])
		o.line = o.line[i+1:]
		if len(line) >= 8 {
			if off, err := strconv.ParseUint(line[:8], 16, 32); err == nil {
				line = fmt.Sprintf("%08x", o.base+uint32(off)) + line[8:]
			}
		}
		if _, err := io.WriteString(o.w, line); err != nil {
			return 0, err
		}
	}
}

func (s *Shell) poke(ctx context.Context, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(strings.Join(args[1:], ""), "0x"))
	if err != nil || len(data) == 0 {
		return fmt.Errorf("invalid data %q", strings.Join(args[1:], " "))
	}
	if err := checkSpan(addr, uint32(len(data))); err != nil {
		return err
	}
	if s.link == nil {
		return errors.New("no link configured")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()

	var werr error
	_, err = tx.AddWildTask(addressrange.Single(addressrange.FirstSize(addr, uint32(len(data)))), taskmanager.KindWriteWild,
		func(ctx context.Context, p *progress.Progress) {
			werr = s.link.WriteMemory(ctx, addr, data, p)
		})
	if err != nil {
		return err
	}
	if err := s.wait(ctx, tx); err != nil {
		return err
	}
	return werr
}
