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

// Package keystore persists pairing records and wrapped session secrets,
// keyed by credential identifier, on top of a storage.Backend.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-pairedkey/pkg/pairing"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/storage"
	"github.com/jeremyhahn/go-pairedkey/pkg/wrapping"
)

// ErrNotFound is returned when no entry exists for a credential.
var ErrNotFound = errors.New("keystore: not found")

// PairingStore maps credential IDs to pairing records.
type PairingStore struct {
	backend storage.Backend
}

func NewPairingStore(backend storage.Backend) *PairingStore {
	return &PairingStore{backend: backend}
}

// Put stores rec under its credential ID, replacing any previous record.
func (s *PairingStore) Put(rec *pairing.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: encode pairing: %w", err)
	}
	if err := s.backend.Put(storage.PairingPath(rec.CredentialID.String()), data); err != nil {
		return fmt.Errorf("keystore: put pairing %s: %w", rec.CredentialID, err)
	}
	return nil
}

// Get returns ErrNotFound if id was never paired.
func (s *PairingStore) Get(id securitykey.ID) (*pairing.Record, error) {
	data, err := s.backend.Get(storage.PairingPath(id.String()))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: pairing %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("keystore: get pairing %s: %w", id, err)
	}
	var rec pairing.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("keystore: pairing %s: %w: %v", id, storage.ErrInvalidData, err)
	}
	if !rec.CredentialID.Equal(id) {
		return nil, fmt.Errorf("keystore: pairing %s: %w: stored under wrong id", id, storage.ErrInvalidData)
	}
	return &rec, nil
}

// ListAll returns every record ordered by credential ID.
func (s *PairingStore) ListAll() ([]*pairing.Record, error) {
	ids, err := storage.ListPairings(s.backend)
	if err != nil {
		return nil, fmt.Errorf("keystore: list pairings: %w", err)
	}
	records := make([]*pairing.Record, 0, len(ids))
	for _, raw := range ids {
		id, err := securitykey.ParseID(raw)
		if err != nil {
			return nil, fmt.Errorf("keystore: list pairings: %w", err)
		}
		rec, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// IsEmpty reports whether no credential is paired.
func (s *PairingStore) IsEmpty() (bool, error) {
	ids, err := storage.ListPairings(s.backend)
	if err != nil {
		return false, fmt.Errorf("keystore: list pairings: %w", err)
	}
	return len(ids) == 0, nil
}

// Delete returns ErrNotFound if id was never paired.
func (s *PairingStore) Delete(id securitykey.ID) error {
	return deleteKey(s.backend, storage.PairingPath(id.String()))
}

// SessionStore maps credential IDs to wrapped session secrets.
type SessionStore struct {
	backend storage.Backend
}

func NewSessionStore(backend storage.Backend) *SessionStore {
	return &SessionStore{backend: backend}
}

// Put stores blob under its credential ID, replacing any previous blob.
func (s *SessionStore) Put(blob *wrapping.Blob) error {
	data, err := blob.Marshal()
	if err != nil {
		return err
	}
	if err := s.backend.Put(storage.SessionPath(blob.CredentialID.String()), data); err != nil {
		return fmt.Errorf("keystore: put session %s: %w", blob.CredentialID, err)
	}
	return nil
}

// Get returns ErrNotFound if no blob exists for id.
func (s *SessionStore) Get(id securitykey.ID) (*wrapping.Blob, error) {
	data, err := s.backend.Get(storage.SessionPath(id.String()))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("keystore: get session %s: %w", id, err)
	}
	blob, err := wrapping.ParseBlob(data)
	if err != nil {
		return nil, err
	}
	if !blob.CredentialID.Equal(id) {
		return nil, fmt.Errorf("keystore: session %s: %w: stored under wrong id", id, storage.ErrInvalidData)
	}
	return blob, nil
}

// ListAll returns every blob ordered by credential ID.
func (s *SessionStore) ListAll() ([]*wrapping.Blob, error) {
	ids, err := storage.ListSessions(s.backend)
	if err != nil {
		return nil, fmt.Errorf("keystore: list sessions: %w", err)
	}
	blobs := make([]*wrapping.Blob, 0, len(ids))
	for _, raw := range ids {
		id, err := securitykey.ParseID(raw)
		if err != nil {
			return nil, fmt.Errorf("keystore: list sessions: %w", err)
		}
		blob, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}

// Delete returns ErrNotFound if no blob exists for id.
func (s *SessionStore) Delete(id securitykey.ID) error {
	return deleteKey(s.backend, storage.SessionPath(id.String()))
}

func deleteKey(backend storage.Backend, key string) error {
	if err := backend.Delete(key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("keystore: delete %s: %w", key, err)
	}
	return nil
}
