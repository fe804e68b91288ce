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

package securitykey

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// IDLength is the size of every credential ID. PKCS#11 tokens use their
// serial number field, which has this width.
const IDLength = 16

// ErrInvalidID is returned for IDs that are not IDLength bytes of hex.
var ErrInvalidID = errors.New("securitykey: invalid credential id")

// ID is the opaque identifier of one credential instance.
type ID []byte

// ParseID decodes the hex form produced by String.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidID, s, err)
	}
	id := ID(b)
	if !id.Valid() {
		return nil, fmt.Errorf("%w %q: %d bytes, want %d", ErrInvalidID, s, len(b), IDLength)
	}
	return id, nil
}

// Valid reports whether the ID has the fixed length.
func (id ID) Valid() bool {
	return len(id) == IDLength
}

// String returns the lower case hex encoding used for storage keys.
func (id ID) String() string {
	return hex.EncodeToString(id)
}

func (id ID) Equal(other ID) bool {
	return len(id) > 0 && bytes.Equal(id, other)
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return len(id) == 0
}

// MarshalText encodes the ID as hex so it reads naturally in JSON.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
