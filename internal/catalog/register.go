// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package catalog

import (
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/ffutop/devprops/internal/device"
	"github.com/ffutop/devprops/internal/properties"
	"github.com/ffutop/devprops/internal/property"
)

type number interface {
	constraints.Integer | constraints.Float
}

type builder struct {
	add    func(p *properties.Properties, e Entry) error
	derive func(p *properties.Properties, e Entry) error // as the source of a derived entry
}

var types = map[string]builder{
	"uint8":   integer[uint8](1),
	"uint16":  integer[uint16](2),
	"uint32":  integer[uint32](4),
	"int8":    integer[int8](1),
	"int16":   integer[int16](2),
	"int32":   integer[int32](4),
	"float32": float[float32](4),
	"float64": float[float64](8),
	"bool": {add: func(p *properties.Properties, e Entry) error {
		return add(p, e, device.Bool(sizeOr(e, 1)), nil)
	}},
	"string": {add: func(p *properties.Properties, e Entry) error {
		return add(p, e, device.String(e.Size), nil)
	}},
	"bytes": {add: func(p *properties.Properties, e Entry) error {
		return add(p, e, device.Bytes(e.Size), nil)
	}},
}

func integer[T constraints.Integer](size int) builder {
	return builder{
		add: func(p *properties.Properties, e Entry) error {
			order, _ := e.order()
			return add(p, e, device.Integer[T](sizeOr(e, size), order), bounds[T](e))
		},
		derive: scaled[T],
	}
}

func float[T constraints.Float](size int) builder {
	return builder{
		add: func(p *properties.Properties, e Entry) error {
			order, _ := e.order()
			return add(p, e, device.Float[T](sizeOr(e, size), order), bounds[T](e))
		},
		derive: scaled[T],
	}
}

func sizeOr(e Entry, size int) int {
	if e.Size > 0 {
		return e.Size
	}
	return size
}

func bounds[T number](e Entry) func(T) property.Validation {
	if e.Min == nil && e.Max == nil {
		return nil
	}
	return func(v T) property.Validation {
		f := float64(v)
		switch {
		case e.Min != nil && f < *e.Min:
			return property.Fatal("value out of range", fmt.Sprintf("%v is below the minimum %v", v, *e.Min))
		case e.Max != nil && f > *e.Max:
			return property.Fatal("value out of range", fmt.Sprintf("%v is above the maximum %v", v, *e.Max))
		}
		return property.OK
	}
}

func ids(names []string) []property.ID {
	out := make([]property.ID, len(names))
	for i, n := range names {
		out[i] = property.Intern(n)
	}
	return out
}

func common[T any](e Entry, validate func(T) property.Validation) []properties.Option[T] {
	var opts []properties.Option[T]
	if e.Access != "" {
		access, _ := e.access()
		opts = append(opts, properties.WithAccess[T](access))
	}
	if validate != nil {
		opts = append(opts, properties.WithValidator(validate))
	}
	if len(e.Invalidates) > 0 {
		opts = append(opts, properties.WithSubsidiaries[T](ids(e.Invalidates)...))
	}
	return opts
}

func add[T any](p *properties.Properties, e Entry, codec device.Codec[T], validate func(T) property.Validation) error {
	id := property.Intern(e.Name)
	opts := common(e, validate)

	if len(e.Address) == 0 {
		if e.Default.Kind != 0 {
			var x T
			if err := e.Default.Decode(&x); err != nil {
				return fmt.Errorf("%w: %s: default: %v", ErrInvalid, e.Name, err)
			}
			opts = append(opts, properties.WithInitial(x))
		}
		return p.Add(properties.NewValue(id, opts...))
	}

	if e.FlashOffset != 0 {
		opts = append(opts, properties.WithFlashCopy[T](e.FlashOffset))
	}
	if e.RereadAfterWrite {
		opts = append(opts, properties.RereadAfterWrite[T]())
	}
	if e.ClearOnWrite {
		opts = append(opts, properties.WriteClearsValue[T]())
	}
	return p.Add(properties.NewDevice(id, codec, e.addresses(), opts...))
}

// scaled registers e as scale*source+offset over a source of type A.
func scaled[A number](p *properties.Properties, e Entry) error {
	src := properties.Key[A]{ID: property.Intern(e.Derived.From)}
	scale, offset := e.Derived.Scale, e.Derived.Offset
	if scale == 0 {
		scale = 1
	}
	fn := func(x A) (float64, error) { return float64(x)*scale + offset, nil }
	return p.Add(properties.DerivedFrom1(property.Intern(e.Name), src, fn, common[float64](e, bounds[float64](e))...))
}

// Register adds every entry of c to p. Derived entries are added after
// the rest so their sources exist.
func Register(p *properties.Properties, c *Catalog) error {
	byName := make(map[string]Entry, len(c.Properties))
	for _, e := range c.Properties {
		byName[e.Name] = e
	}
	for _, e := range c.Properties {
		if e.Derived != nil {
			continue
		}
		if err := types[e.Type].add(p, e); err != nil {
			return fmt.Errorf("register %s: %w", e.Name, err)
		}
	}
	for _, e := range c.Properties {
		if e.Derived == nil {
			continue
		}
		src, ok := byName[e.Derived.From]
		if !ok {
			return fmt.Errorf("register %s: %w: source %s is not in the catalog", e.Name, ErrInvalid, e.Derived.From)
		}
		derive := types[src.Type].derive
		if derive == nil || src.Derived != nil {
			return fmt.Errorf("register %s: %w: source %s is not a numeric property", e.Name, ErrInvalid, src.Name)
		}
		if err := derive(p, e); err != nil {
			return fmt.Errorf("register %s: %w", e.Name, err)
		}
	}
	return nil
}
