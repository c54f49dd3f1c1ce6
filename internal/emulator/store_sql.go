// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package emulator

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// SQLStore keeps the non-zero bytes of the memory image in a SQL table.
// The driver must be registered by the program, e.g. by importing
// github.com/mattn/go-sqlite3.
type SQLStore struct {
	driver string
	dsn    string
	db     *sql.DB
	data   []byte
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(driver, dsn string) *SQLStore {
	return &SQLStore{driver: driver, dsn: dsn}
}

// Load connects to the database and reads the image.
func (s *SQLStore) Load(size int) ([]byte, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	data := make([]byte, size)
	rows, err := db.Query("SELECT pos, value FROM device_memory WHERE pos < ?", size)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query memory: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var off, val int
		if err := rows.Scan(&off, &val); err != nil {
			continue
		}
		data[off] = byte(val)
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}
	s.data = data
	return data, nil
}

func (s *SQLStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS device_memory (
		pos INTEGER PRIMARY KEY,
		value INTEGER
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// OnWrite upserts the modified bytes in one database transaction.
func (s *SQLStore) OnWrite(offset, n int) {
	if s.db == nil || s.data == nil {
		return
	}
	if err := s.persist(offset, n); err != nil {
		slog.Error("Failed to persist memory", "offset", offset, "n", n, "err", err)
	}
}

func (s *SQLStore) persist(offset, n int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO device_memory (pos, value) VALUES (?, ?) ON CONFLICT(pos) DO UPDATE SET value=excluded.value")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := offset; i < offset+n; i++ {
		if _, err := stmt.Exec(i, int(s.data[i])); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Save rewrites the whole image.
func (s *SQLStore) Save() error {
	if s.db == nil || s.data == nil {
		return nil
	}
	return s.persist(0, len(s.data))
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
