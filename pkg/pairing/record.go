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

// Package pairing associates the application with one security key. A
// pairing produces a Record holding the credential's identifier and the
// public half of its wrapping key.
package pairing

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/validation"
)

// ErrInvalidRecord is returned by Validate.
var ErrInvalidRecord = errors.New("pairing: invalid record")

// Record is the durable association with one credential. It is created
// once per pairing and never modified.
type Record struct {
	CredentialID securitykey.ID        `json:"credential_id"`
	PublicKey    []byte                `json:"public_key"`
	Algorithm    securitykey.Algorithm `json:"algorithm"`
	Label        string                `json:"label,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

// NewRecord builds a record for pub, choosing the wrapping algorithm from
// the key type.
func NewRecord(id securitykey.ID, pub crypto.PublicKey, label string, now time.Time) (*Record, error) {
	alg, err := securitykey.AlgorithmFor(pub)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("pairing: encode public key: %w", err)
	}
	return &Record{
		CredentialID: append(securitykey.ID(nil), id...),
		PublicKey:    der,
		Algorithm:    alg,
		Label:        validation.CleanLabel(label),
		CreatedAt:    now.UTC(),
	}, nil
}

// Public parses the stored public key.
func (r *Record) Public() (crypto.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(r.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidRecord, err)
	}
	return pub, nil
}

// Validate checks that the record is internally consistent.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil", ErrInvalidRecord)
	}
	if r.CredentialID.IsZero() {
		return fmt.Errorf("%w: missing credential id", ErrInvalidRecord)
	}
	if !r.CredentialID.Valid() {
		return fmt.Errorf("%w: credential id is %d bytes", ErrInvalidRecord, len(r.CredentialID))
	}
	pub, err := r.Public()
	if err != nil {
		return err
	}
	alg, err := securitykey.AlgorithmFor(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if alg != r.Algorithm {
		return fmt.Errorf("%w: algorithm %s does not match key type", ErrInvalidRecord, r.Algorithm)
	}
	return nil
}
