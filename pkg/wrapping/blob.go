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

package wrapping

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
)

// BlobVersion is the current envelope version.
const BlobVersion = 1

// ErrMalformedBlob is returned when a stored blob cannot be decoded.
var ErrMalformedBlob = errors.New("wrapping: malformed blob")

// Blob is a session secret encrypted to one credential. It is stored as
// a CBOR map with integer keys.
type Blob struct {
	Version      int                   `cbor:"1,keyasint"`
	CredentialID securitykey.ID        `cbor:"2,keyasint"`
	Algorithm    securitykey.Algorithm `cbor:"3,keyasint"`
	SecretLength int                   `cbor:"4,keyasint"`
	Ciphertext   []byte                `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes the blob deterministically.
func (b *Blob) Marshal() ([]byte, error) {
	data, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("wrapping: encode blob: %w", err)
	}
	return data, nil
}

// ParseBlob decodes and sanity checks a stored blob.
func ParseBlob(data []byte) (*Blob, error) {
	var b Blob
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if b.Version != BlobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedBlob, b.Version)
	}
	if b.CredentialID.IsZero() || len(b.Ciphertext) == 0 || b.SecretLength <= 0 {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformedBlob)
	}
	if !b.CredentialID.Valid() {
		return nil, fmt.Errorf("%w: credential id is %d bytes", ErrMalformedBlob, len(b.CredentialID))
	}
	return &b, nil
}
