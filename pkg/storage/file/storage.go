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

// Package file stores key-value pairs as files beneath a root directory.
// The filesystem is an afero.Fs so tests can run against MemMapFs.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-pairedkey/pkg/storage"
	"github.com/spf13/afero"
)

const (
	defaultDirPerms  = 0700
	defaultFilePerms = 0600
	tempSuffix       = ".tmp"
)

// FileStorage implements storage.Backend on top of an afero filesystem.
// Put writes a sibling temp file and renames it over the target so a
// reader never observes a half written value.
type FileStorage struct {
	mu      sync.RWMutex
	fs      afero.Fs
	rootDir string
	closed  bool
}

// New creates a store rooted at rootDir on the OS filesystem.
func New(rootDir string) (*FileStorage, error) {
	return NewWithFs(afero.NewOsFs(), rootDir)
}

// NewWithFs creates a store rooted at rootDir on the given filesystem.
// The root directory is created with 0700 permissions if missing.
func NewWithFs(afs afero.Fs, rootDir string) (*FileStorage, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("file storage: root directory cannot be empty")
	}
	if err := afs.MkdirAll(rootDir, defaultDirPerms); err != nil {
		return nil, fmt.Errorf("file storage: failed to create root directory: %w", err)
	}
	return &FileStorage{
		fs:      afs,
		rootDir: filepath.Clean(rootDir),
	}, nil
}

// Get returns storage.ErrNotFound if the key does not exist.
func (f *FileStorage) Get(key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, storage.ErrClosed
	}
	filePath, err := f.keyToPath(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(f.fs, filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("file storage: failed to read key %q: %w", key, err)
	}
	return data, nil
}

// Put atomically replaces the value stored under key. Files are
// written owner read/write only.
func (f *FileStorage) Put(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return storage.ErrClosed
	}
	filePath, err := f.keyToPath(key)
	if err != nil {
		return err
	}
	if err := f.fs.MkdirAll(filepath.Dir(filePath), defaultDirPerms); err != nil {
		return fmt.Errorf("file storage: failed to create directory for key %q: %w", key, err)
	}

	tmp := filePath + tempSuffix
	if err := afero.WriteFile(f.fs, tmp, value, defaultFilePerms); err != nil {
		_ = f.fs.Remove(tmp)
		return fmt.Errorf("file storage: failed to write key %q: %w", key, err)
	}
	if err := f.fs.Rename(tmp, filePath); err != nil {
		_ = f.fs.Remove(tmp)
		return fmt.Errorf("file storage: failed to commit key %q: %w", key, err)
	}
	return nil
}

// Delete returns storage.ErrNotFound if the key does not exist.
func (f *FileStorage) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return storage.ErrClosed
	}
	filePath, err := f.keyToPath(key)
	if err != nil {
		return err
	}
	if err := f.fs.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("file storage: failed to delete key %q: %w", key, err)
	}
	return nil
}

// List returns the keys under the root that start with prefix, sorted.
// Leftover temp files from interrupted writes are skipped.
func (f *FileStorage) List(prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, storage.ErrClosed
	}

	keys := make([]string, 0)
	err := afero.Walk(f.fs, f.rootDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, tempSuffix) {
			return nil
		}
		rel, err := filepath.Rel(f.rootDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file storage: failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed. Files are left in place.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// RootDir returns the directory the store writes into.
func (f *FileStorage) RootDir() string {
	return f.rootDir
}

func (f *FileStorage) keyToPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("%w: %q: %v", storage.ErrInvalidKey, key, err)
	}
	return filepath.Join(f.rootDir, filepath.FromSlash(key)), nil
}

// validateKey allows nested keys like "pairings/ab.json" but rejects
// anything that would resolve outside the root.
func validateKey(key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if strings.ContainsRune(key, 0) {
		return errors.New("key contains null byte")
	}
	if strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return errors.New("key cannot be an absolute path")
	}
	if strings.HasSuffix(key, tempSuffix) {
		return errors.New("key uses reserved suffix")
	}
	cleaned := path.Clean(filepath.ToSlash(key))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return errors.New("key contains path traversal attempt")
	}
	return nil
}
