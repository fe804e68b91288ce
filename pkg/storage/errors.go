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

import "errors"

var (
	// ErrNotFound is returned by Get and Delete for a missing key.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidKey covers empty keys and keys that leave the root.
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrInvalidData marks a stored value that no longer decodes.
	ErrInvalidData = errors.New("storage: invalid data")

	ErrClosed = errors.New("storage: closed")
)
