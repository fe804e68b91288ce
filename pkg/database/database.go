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

// Package database is the resource protected by the session secret: a
// SQLCipher database whose key is derived from the secret each time it
// is unlocked. There is no way to open it without the secret.
package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlcipher "github.com/golang-migrate/migrate/v4/database/sqlcipher"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/secret"
	"github.com/jeremyhahn/go-pairedkey/pkg/validation"
	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
	"golang.org/x/crypto/hkdf"
)

const (
	keyLength = 32
	keyInfo   = "pairedkey database key v1"

	cipherPageSize     = 4096
	cipherKdfIter      = 256000
	cipherHmacAlg      = "HMAC_SHA512"
	cipherKdfAlgorithm = "PBKDF2_HMAC_SHA512"
)

var (
	ErrLocked     = errors.New("database: locked")
	ErrWrongKey   = errors.New("database: wrong key or not an encrypted database")
	ErrUserExists = errors.New("database: user already exists")
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// User is a row of the users table.
type User struct {
	UID       int64     `json:"uid"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	CreatedAt time.Time `json:"created_at"`
}

func (u User) String() string {
	return fmt.Sprintf("uid=%d first_name=%s last_name=%s", u.UID, u.FirstName, u.LastName)
}

type Config struct {
	Path   string
	Logger *logging.Logger
}

// Database is locked until Unlock succeeds.
type Database struct {
	mu     sync.RWMutex
	path   string
	db     *sql.DB
	logger *logging.Logger
}

func New(cfg Config) *Database {
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}
	return &Database{path: cfg.Path, logger: cfg.Logger}
}

func (d *Database) Path() string { return d.path }

// Unlock consumes s, derives the database key from it and opens the
// database, creating it on first use.
func (d *Database) Unlock(ctx context.Context, s *secret.SessionSecret) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		s.Destroy()
		return nil
	}

	key := make([]byte, keyLength)
	defer clear(key)
	err := s.Consume(func(b []byte) error {
		_, err := io.ReadFull(hkdf.New(sha256.New, b, nil, []byte(keyInfo)), key)
		return err
	})
	if err != nil {
		return fmt.Errorf("database: derive key: %w", err)
	}

	db, err := open(ctx, d.path, key)
	if err != nil {
		return err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return err
	}
	d.db = db
	d.logger.Info("database unlocked", "path", d.path)
	return nil
}

func open(ctx context.Context, path string, key []byte) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma_key=x'%s'&_pragma_cipher_page_size=%d&_pragma_kdf_iter=%d&_pragma_cipher_hmac_algorithm=%s&_pragma_cipher_kdf_algorithm=%s&_foreign_keys=ON",
		path,
		hex.EncodeToString(key),
		cipherPageSize,
		cipherKdfIter,
		cipherHmacAlg,
		cipherKdfAlgorithm,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	// A wrong key only shows once a page is read.
	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		_ = db.Close()
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrNotADB {
			return nil, ErrWrongKey
		}
		return nil, fmt.Errorf("database: verify key: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("database: migration source: %w", err)
	}
	dbDriver, err := migratesqlcipher.WithInstance(db, &migratesqlcipher.Config{})
	if err != nil {
		return fmt.Errorf("database: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlcipher", dbDriver)
	if err != nil {
		return fmt.Errorf("database: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: run migrations: %w", err)
	}
	return nil
}

func (d *Database) IsUnlocked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db != nil
}

// Lock closes the database. The key is gone until the next Unlock.
func (d *Database) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	d.logger.Info("database locked", "path", d.path)
	return err
}

func (d *Database) Close() error {
	return d.Lock()
}

// Wipe locks the database and deletes its file. Used on reset, when the
// secret protecting the old file is gone.
func (d *Database) Wipe() error {
	if err := d.Lock(); err != nil {
		return err
	}
	for _, p := range []string{d.path, d.path + "-journal", d.path + "-wal", d.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("database: remove %s: %w", p, err)
		}
	}
	return nil
}

// InsertUser adds u. A UID that already exists returns ErrUserExists.
func (d *Database) InsertUser(ctx context.Context, u User) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrLocked
	}
	if err := validation.ValidateName("first name", u.FirstName); err != nil {
		return err
	}
	if err := validation.ValidateName("last name", u.LastName); err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO users (uid, first_name, last_name, created_at) VALUES (?, ?, ?, ?)",
		u.UID, u.FirstName, u.LastName, u.CreatedAt.Unix())
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: uid %d", ErrUserExists, u.UID)
		}
		return fmt.Errorf("database: insert user: %w", err)
	}
	return nil
}

// Users returns every user ordered by UID.
func (d *Database) Users(ctx context.Context) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrLocked
	}
	rows, err := d.db.QueryContext(ctx, "SELECT uid, first_name, last_name, created_at FROM users ORDER BY uid")
	if err != nil {
		return nil, fmt.Errorf("database: list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var created int64
		if err := rows.Scan(&u.UID, &u.FirstName, &u.LastName, &created); err != nil {
			return nil, fmt.Errorf("database: scan user: %w", err)
		}
		u.CreatedAt = time.Unix(created, 0).UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}
