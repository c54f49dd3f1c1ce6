// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package catalog

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

var bytesType = reflect.TypeOf([]byte(nil))

// ParseValue reads s as a value of type t, using YAML scalar syntax
// (so 0x10, 1e3 and true all work). Byte slices are written in hex.
func ParseValue(t reflect.Type, s string) (any, error) {
	if t == bytesType {
		b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse %q as hex bytes: %w", s, err)
		}
		return b, nil
	}
	if t.Kind() == reflect.String {
		return reflect.ValueOf(s).Convert(t).Interface(), nil
	}
	ptr := reflect.New(t)
	if err := yaml.Unmarshal([]byte(s), ptr.Interface()); err != nil {
		return nil, fmt.Errorf("parse %q as %v: %w", s, t, err)
	}
	return ptr.Elem().Interface(), nil
}

// FormatValue renders v for display.
func FormatValue(v any) string {
	switch x := v.(type) {
	case []byte:
		return hex.EncodeToString(x)
	case string:
		return fmt.Sprintf("%q", x)
	}
	return fmt.Sprint(v)
}
