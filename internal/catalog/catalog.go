// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package catalog declares properties in YAML and registers them with a
// properties.Properties.
//
//	properties:
//	  - name: cam.exposure
//	    type: uint16
//	    address: {cam: 0x0100, cam2: 0x0200}
//	    min: 10
//	    max: 1000
//	    flash_offset: 0x8000
//	  - name: cam.exposure_ms
//	    type: float64
//	    derived: {from: cam.exposure, scale: 0.001}
//	  - name: ui.gain
//	    type: float64
//	    default: 1.5
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/property"
)

var ErrInvalid = errors.New("invalid catalog")

// Catalog is the root of a catalog file.
type Catalog struct {
	Properties []Entry `yaml:"properties"`
}

// Entry declares one property. Entries with addresses are device
// properties, entries with Derived are computed, the rest hold a value in
// memory.
type Entry struct {
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	Size      int               `yaml:"size"`
	ByteOrder string            `yaml:"byte_order"` // big (default), little
	Address   map[string]uint32 `yaml:"address"`    // device type -> address
	Access    string            `yaml:"access"`     // rw (default), ro, wo, disabled
	Min       *float64          `yaml:"min"`
	Max       *float64          `yaml:"max"`

	FlashOffset      int64 `yaml:"flash_offset"`
	RereadAfterWrite bool  `yaml:"reread_after_write"`
	ClearOnWrite     bool  `yaml:"clear_on_write"`

	Default yaml.Node `yaml:"default"`
	Derived *Derived  `yaml:"derived"`

	// Invalidates lists properties to forget whenever this one changes.
	Invalidates []string `yaml:"invalidates"`
}

// Derived computes scale*source+offset from a numeric source.
type Derived struct {
	From   string  `yaml:"from"`
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and checks a catalog. Unknown keys are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) check() error {
	seen := make(map[string]bool, len(c.Properties))
	for i, e := range c.Properties {
		if e.Name == "" {
			return fmt.Errorf("%w: entry %d has no name", ErrInvalid, i)
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: %s declared twice", ErrInvalid, e.Name)
		}
		seen[e.Name] = true
		if err := e.check(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, e.Name, err)
		}
	}
	return nil
}

func (e Entry) check() error {
	if _, ok := types[e.Type]; !ok {
		return fmt.Errorf("unknown type %q", e.Type)
	}
	if (e.Type == "string" || e.Type == "bytes") && e.Size <= 0 {
		return fmt.Errorf("type %s needs a size", e.Type)
	}
	if _, err := e.order(); err != nil {
		return err
	}
	if _, err := e.access(); err != nil {
		return err
	}
	if e.Derived != nil {
		if len(e.Address) > 0 || e.Default.Kind != 0 {
			return errors.New("a derived property has neither address nor default")
		}
		if e.Type != "float64" {
			return errors.New("derived properties are float64")
		}
		if e.Derived.From == "" {
			return errors.New("derived property without source")
		}
	}
	if len(e.Address) > 0 && e.Default.Kind != 0 {
		return errors.New("a device property has no default")
	}
	if e.Min != nil && e.Max != nil && *e.Min > *e.Max {
		return fmt.Errorf("min %v above max %v", *e.Min, *e.Max)
	}
	return nil
}

func (e Entry) order() (device.ByteOrder, error) {
	switch strings.ToLower(e.ByteOrder) {
	case "", "big":
		return device.BigEndian, nil
	case "little":
		return device.LittleEndian, nil
	}
	return 0, fmt.Errorf("unknown byte order %q", e.ByteOrder)
}

func (e Entry) access() (property.Status, error) {
	switch strings.ToLower(e.Access) {
	case "", "rw":
		return property.StatusReadWrite, nil
	case "ro":
		return property.StatusReadOnly, nil
	case "wo":
		return property.StatusWriteOnly, nil
	case "disabled":
		return property.StatusDisabled, nil
	}
	return 0, fmt.Errorf("unknown access %q", e.Access)
}

func (e Entry) addresses() map[device.Type]uint32 {
	addrs := make(map[device.Type]uint32, len(e.Address))
	for t, a := range e.Address {
		addrs[device.Type(t)] = a
	}
	return addrs
}
