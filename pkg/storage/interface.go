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

// Package storage is the byte store under the pairing and session
// stores. Keys are slash separated, for example "pairings/<id>.json".
// MemoryBackend lives here; the file and sqlite subpackages persist.
package storage

// Backend must be safe for concurrent use. Put replaces a value
// atomically so a reader sees either the old bytes or the new ones.
type Backend interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error

	// List returns the keys with the given prefix, sorted.
	List(prefix string) ([]string, error)

	Close() error
}
