// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package emulator

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// FileStore keeps the memory image in a plain file, written through on
// every change.
type FileStore struct {
	path string
	file *os.File
	data []byte
}

// NewFileStore creates a new FileStore.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the image, growing or shrinking the file to size.
func (fs *FileStore) Load(size int) ([]byte, error) {
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	fs.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize file: %w", err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fs.data = data
	return data, nil
}

// OnWrite writes the modified bytes and syncs the file.
func (fs *FileStore) OnWrite(offset, n int) {
	if fs.file == nil {
		return
	}
	if _, err := fs.file.WriteAt(fs.data[offset:offset+n], int64(offset)); err != nil {
		slog.Error("Failed to write memory image", "path", fs.path, "err", err)
		return
	}
	if err := fs.file.Sync(); err != nil {
		slog.Error("Failed to sync memory image", "path", fs.path, "err", err)
	}
}

// Save writes the whole image.
func (fs *FileStore) Save() error {
	if fs.data == nil || fs.file == nil {
		return nil
	}
	if _, err := fs.file.WriteAt(fs.data, 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close the file.
func (fs *FileStore) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}
