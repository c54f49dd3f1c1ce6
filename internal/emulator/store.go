// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package emulator

import "fmt"

// Store keeps the emulated device memory across restarts.
type Store interface {
	// Load returns the memory contents, size bytes long. Data that does not
	// exist yet reads as zero.
	Load(size int) ([]byte, error)

	// OnWrite is called after n bytes at offset were modified.
	OnWrite(offset, n int)

	// Save flushes everything.
	Save() error
	Close() error
}

// NewStore builds the store named by kind: memory, file, mmap or sql.
// For sql, path is the DSN of a sqlite3 database.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(path), nil
	case "mmap":
		return NewMmapStore(path), nil
	case "sql":
		return NewSQLStore("sqlite3", path), nil
	}
	return nil, fmt.Errorf("unknown persistence type %q", kind)
}
