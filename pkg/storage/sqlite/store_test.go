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

package sqlite

import (
	"net/url"
	"path/filepath"
	"testing"

	"github.com/jeremyhahn/go-pairedkey/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenMemory(url.PathEscape(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutGet(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.Put(storage.SessionPath("ab"), []byte{0xde, 0xad}))
	got, err := store.Get(storage.SessionPath("ab"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, got)
}

func TestStore_PutReplaces(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.Put("k", []byte("one")))
	require.NoError(t, store.Put("k", []byte("two")))

	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	keys, err := store.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestStore_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.Delete("missing"), storage.ErrNotFound)
}

func TestStore_ListPrefix(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.Put(storage.PairingPath("bb"), []byte("{}")))
	require.NoError(t, store.Put(storage.PairingPath("aa"), []byte("{}")))
	require.NoError(t, store.Put(storage.SessionPath("aa"), []byte{1}))

	ids, err := storage.ListPairings(store)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb"}, ids)

	keys, err := store.List("sessions/")
	require.NoError(t, err)
	assert.Equal(t, []string{"sessions/aa.blob"}, keys)
}

func TestStore_Delete(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.Put("k", []byte{1}))
	require.NoError(t, store.Delete("k"))
	_, err := store.Get("k")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	keys, err := store.List("")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_ReopenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairkey.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Put("k", []byte("persisted")))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestStore_Closed(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.Get("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, store.Put("k", nil), storage.ErrClosed)
}
