// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"bytes"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// Codec converts between a property value and its bytes in device memory.
type Codec[T any] interface {
	Size() int
	Decode(b []byte) (T, error)
	Encode(v T) []byte
}

// ByteOrder selects how multi-byte numbers are laid out.
type ByteOrder uint8

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

func checkSize(b []byte, size int) error {
	if len(b) != size {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrSize, size, len(b))
	}
	return nil
}

func getUint(b []byte, order ByteOrder) uint64 {
	var u uint64
	for i := range b {
		if order == BigEndian {
			u = u<<8 | uint64(b[i])
		} else {
			u = u<<8 | uint64(b[len(b)-1-i])
		}
	}
	return u
}

func putUint(b []byte, u uint64, order ByteOrder) {
	for i := range b {
		by := byte(u >> (8 * i))
		if order == BigEndian {
			b[len(b)-1-i] = by
		} else {
			b[i] = by
		}
	}
}

type integer[T constraints.Integer] struct {
	size  int
	order ByteOrder
}

// Integer stores T in size bytes. Signed types are sign-extended on decode,
// so a 3-byte field decodes into an int32 correctly.
func Integer[T constraints.Integer](size int, order ByteOrder) Codec[T] {
	if size < 1 || size > 8 {
		panic(fmt.Sprintf("device: integer size %d out of range", size))
	}
	return integer[T]{size: size, order: order}
}

func (c integer[T]) Size() int { return c.size }

func (c integer[T]) Decode(b []byte) (T, error) {
	if err := checkSize(b, c.size); err != nil {
		return 0, err
	}
	u := getUint(b, c.order)
	signed := ^T(0) < 0
	if signed && c.size < 8 && u&(1<<(8*c.size-1)) != 0 {
		u |= ^uint64(0) << (8 * c.size)
	}
	return T(u), nil
}

func (c integer[T]) Encode(v T) []byte {
	b := make([]byte, c.size)
	putUint(b, uint64(v), c.order)
	return b
}

type float[T constraints.Float] struct {
	size  int
	order ByteOrder
}

// Float stores T as IEEE 754 binary32 or binary64, chosen by size.
func Float[T constraints.Float](size int, order ByteOrder) Codec[T] {
	if size != 4 && size != 8 {
		panic(fmt.Sprintf("device: float size %d not supported", size))
	}
	return float[T]{size: size, order: order}
}

func (c float[T]) Size() int { return c.size }

func (c float[T]) Decode(b []byte) (T, error) {
	if err := checkSize(b, c.size); err != nil {
		return 0, err
	}
	u := getUint(b, c.order)
	if c.size == 4 {
		return T(math.Float32frombits(uint32(u))), nil
	}
	return T(math.Float64frombits(u)), nil
}

func (c float[T]) Encode(v T) []byte {
	b := make([]byte, c.size)
	if c.size == 4 {
		putUint(b, uint64(math.Float32bits(float32(v))), c.order)
	} else {
		putUint(b, math.Float64bits(float64(v)), c.order)
	}
	return b
}

type boolean struct{ size int }

// Bool stores true as 1 in size bytes. Any non-zero byte decodes as true.
func Bool(size int) Codec[bool] {
	if size < 1 {
		panic("device: bool size must be positive")
	}
	return boolean{size: size}
}

func (c boolean) Size() int { return c.size }

func (c boolean) Decode(b []byte) (bool, error) {
	if err := checkSize(b, c.size); err != nil {
		return false, err
	}
	for _, x := range b {
		if x != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c boolean) Encode(v bool) []byte {
	b := make([]byte, c.size)
	if v {
		b[len(b)-1] = 1
	}
	return b
}

type str struct{ size int }

// String stores a NUL padded string in a fixed field. Encode truncates.
func String(size int) Codec[string] {
	if size < 1 {
		panic("device: string size must be positive")
	}
	return str{size: size}
}

func (c str) Size() int { return c.size }

func (c str) Decode(b []byte) (string, error) {
	if err := checkSize(b, c.size); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

func (c str) Encode(v string) []byte {
	b := make([]byte, c.size)
	copy(b, v)
	return b
}

type raw struct{ size int }

// Bytes passes size bytes through unchanged.
func Bytes(size int) Codec[[]byte] {
	if size < 1 {
		panic("device: byte field size must be positive")
	}
	return raw{size: size}
}

func (c raw) Size() int { return c.size }

func (c raw) Decode(b []byte) ([]byte, error) {
	if err := checkSize(b, c.size); err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

func (c raw) Encode(v []byte) []byte {
	b := make([]byte, c.size)
	copy(b, v)
	return b
}
