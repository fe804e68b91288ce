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
	"strings"
)

const (
	pairingPrefix = "pairings/"
	pairingSuffix = ".json"
	sessionPrefix = "sessions/"
	sessionSuffix = ".blob"
)

// PairingPath returns the key of the pairing record for a credential,
// following the convention pairings/{id}.json.
func PairingPath(id string) string {
	return pairingPrefix + id + pairingSuffix
}

// SessionPath returns the key of the wrapped session secret for a
// credential, following the convention sessions/{id}.blob.
func SessionPath(id string) string {
	return sessionPrefix + id + sessionSuffix
}

// ListPairings returns the credential IDs that have a pairing record.
func ListPairings(backend Backend) ([]string, error) {
	return listIDs(backend, pairingPrefix, pairingSuffix)
}

// ListSessions returns the credential IDs that have a wrapped secret.
func ListSessions(backend Backend) ([]string, error) {
	return listIDs(backend, sessionPrefix, sessionSuffix)
}

func listIDs(backend Backend, prefix, suffix string) ([]string, error) {
	keys, err := backend.List(prefix)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, prefix), suffix)
		if id != "" && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
