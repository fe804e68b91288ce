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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "pairings/0a0b.json", PairingPath("0a0b"))
	assert.Equal(t, "sessions/0a0b.blob", SessionPath("0a0b"))
}

func TestListPairingsAndSessions(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	require.NoError(t, backend.Put(PairingPath("aa"), []byte("{}")))
	require.NoError(t, backend.Put(PairingPath("bb"), []byte("{}")))
	require.NoError(t, backend.Put(SessionPath("aa"), []byte{1}))
	require.NoError(t, backend.Put("pairings/stray.tmp", []byte{1}))
	require.NoError(t, backend.Put("pairings/nested/cc.json", []byte{1}))

	pairings, err := ListPairings(backend)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb"}, pairings)

	sessions, err := ListSessions(backend)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa"}, sessions)
}

func TestListPairings_Empty(t *testing.T) {
	backend := NewMemory()
	defer func() { _ = backend.Close() }()

	ids, err := ListPairings(backend)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
