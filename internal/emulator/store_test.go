// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package emulator

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ffutop/devprops/internal/addressrange"
)

func TestStoresPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		kind string
		path string
	}{
		{"file", filepath.Join(dir, "mem.bin")},
		{"mmap", filepath.Join(dir, "mem.mmap")},
		{"sql", filepath.Join(dir, "mem.db")},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			payload := []byte("persist me")
			run := func(write bool) []byte {
				store, err := NewStore(tt.kind, tt.path)
				if err != nil {
					t.Fatalf("NewStore: %v", err)
				}
				e := newConnected(t, Config{Type: "cam", Base: 0x100, Size: 256, Store: store})
				defer func() {
					if err := e.Close(); err != nil {
						t.Errorf("Close: %v", err)
					}
				}()
				if write {
					if err := e.WriteMemory(context.Background(), 0x120, payload, nil); err != nil {
						t.Fatalf("WriteMemory: %v", err)
					}
				}
				got, err := e.ReadMemory(context.Background(), addressrange.FirstSize(0x120, uint32(len(payload))), nil)
				if err != nil {
					t.Fatalf("ReadMemory: %v", err)
				}
				return got
			}

			run(true)
			if got := run(false); !bytes.Equal(got, payload) {
				t.Errorf("after restart got %q, want %q", got, payload)
			}
		})
	}
}

func TestMemoryStoreForgets(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatal(err)
	}
	data, err := store.Load(8)
	if err != nil || len(data) != 8 {
		t.Fatalf("Load = %v, %v", data, err)
	}
	if _, err := NewStore("tape", ""); err == nil {
		t.Error("unknown store kind accepted")
	}
}

func BenchmarkFileStore_OnWrite(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_file.bin")
	fs := NewFileStore(path)
	data, err := fs.Load(4096)
	if err != nil {
		b.Fatalf("Failed to load file store: %v", err)
	}
	defer fs.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data[10] = byte(i)
		fs.OnWrite(10, 1)
	}
}

func BenchmarkMmapStore_OnWrite(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_mmap.bin")
	ms := NewMmapStore(path)
	data, err := ms.Load(4096)
	if err != nil {
		b.Fatalf("Failed to load mmap store: %v", err)
	}
	defer ms.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data[10] = byte(i)
		ms.OnWrite(10, 1)
	}
}
