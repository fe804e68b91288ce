// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pairedkey.
//
// go-pairedkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package sqlite implements storage.Backend on a single-table SQLite
// database using the pure Go modernc.org/sqlite driver. Writes go through
// one connection so concurrent Puts never race for the database lock.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-pairedkey/pkg/storage"
	_ "modernc.org/sqlite"
)

const pragmas = "_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// Store is a storage.Backend persisted in an SQLite file.
type Store struct {
	writer  *sql.DB
	reader  *sql.DB
	timeout time.Duration
	closed  atomic.Bool
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite storage: path cannot be empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&%s", path, pragmas)
	return open(dsn)
}

// OpenMemory opens a named shared-cache in-memory database. Stores
// opened with the same name see the same data.
func OpenMemory(name string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", name, pragmas)
	return open(dsn)
}

func open(dsn string) (*Store, error) {
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("sqlite storage: ping writer: %w", err)
	}

	if err := RunMigrations(writer); err != nil {
		_ = writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("sqlite storage: open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.Ping(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, fmt.Errorf("sqlite storage: ping reader: %w", err)
	}

	return &Store{
		writer:  writer,
		reader:  reader,
		timeout: 5 * time.Second,
	}, nil
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) Get(key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()

	var value []byte
	err := s.reader.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: get %q: %w", key, err)
	}
	return value, nil
}

// Put upserts the value. The row is replaced in a single statement.
func (s *Store) Put(key string, value []byte) error {
	if key == "" {
		return storage.ErrInvalidKey
	}
	if s.closed.Load() {
		return storage.ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()

	if value == nil {
		value = []byte{}
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("sqlite storage: put %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()

	res, err := s.writer.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlite storage: delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite storage: delete %q: %w", key, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) List(prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()

	rows, err := s.reader.QueryContext(ctx,
		`SELECT key FROM entries WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: list %q: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlite storage: scan key: %w", err)
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

// Close closes both connection pools and returns the first error.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if err := s.reader.Close(); err != nil {
		firstErr = fmt.Errorf("sqlite storage: close reader: %w", err)
	}
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sqlite storage: close writer: %w", err)
	}
	return firstErr
}
