// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import (
	"testing"
)

func TestCRC(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want uint16
	}{
		{"short", []byte{0x02, 0x07}, 0x1241},
		{"read holding registers", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, 0xCDC5},
		{"empty", nil, 0xFFFF},
	}

	var crc CRC
	for _, tt := range tests {
		// one CRC reused across frames
		got := crc.Reset().PushBytes(tt.in).Value()
		if got != tt.want {
			t.Errorf("%s: crc expected %#04x, actual %#04x", tt.name, tt.want, got)
		}
	}
}

func TestCRCIncremental(t *testing.T) {
	var whole, parts CRC
	frame := []byte{0x01, 0x10, 0x00, 0x20, 0x00, 0x02, 0x04, 0x12, 0x34, 0x56, 0x78}
	whole.Reset().PushBytes(frame)
	parts.Reset().PushBytes(frame[:3]).PushBytes(frame[3:])

	if whole.Value() != parts.Value() {
		t.Fatalf("split crc %#04x, whole crc %#04x", parts.Value(), whole.Value())
	}
}
