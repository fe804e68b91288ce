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

package storage

import (
	"slices"
	"strings"
	"sync"
)

// MemoryBackend keeps pairing records and blobs in process memory. It is
// what tests and the "memory" storage driver use; nothing survives a
// restart. Values are copied in both directions and wiped when replaced,
// deleted or closed.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte // nil once closed
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{entries: map[string][]byte{}}
}

func (m *MemoryBackend) Get(key string) ([]byte, error) {
	var out []byte
	err := m.read(func(entries map[string][]byte) error {
		v, ok := entries[key]
		if !ok {
			return ErrNotFound
		}
		out = slices.Clone(v)
		return nil
	})
	return out, err
}

func (m *MemoryBackend) Put(key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	return m.write(func(entries map[string][]byte) error {
		clear(entries[key])
		entries[key] = slices.Clone(value)
		return nil
	})
}

func (m *MemoryBackend) Delete(key string) error {
	return m.write(func(entries map[string][]byte) error {
		v, ok := entries[key]
		if !ok {
			return ErrNotFound
		}
		clear(v)
		delete(entries, key)
		return nil
	})
}

func (m *MemoryBackend) List(prefix string) ([]string, error) {
	var keys []string
	err := m.read(func(entries map[string][]byte) error {
		keys = make([]string, 0, len(entries))
		for k := range entries {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	slices.Sort(keys)
	return keys, err
}

// Close wipes every stored value. A second Close is a no-op.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.entries {
		clear(v)
	}
	m.entries = nil
	return nil
}

func (m *MemoryBackend) read(fn func(map[string][]byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.entries == nil {
		return ErrClosed
	}
	return fn(m.entries)
}

func (m *MemoryBackend) write(fn func(map[string][]byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		return ErrClosed
	}
	return fn(m.entries)
}
