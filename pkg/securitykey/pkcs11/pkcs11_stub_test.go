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

//go:build !pkcs11

package pkcs11

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenWithoutTag(t *testing.T) {
	_, err := Open(Config{Library: "/usr/lib/softhsm/libsofthsm2.so"})
	assert.ErrorIs(t, err, ErrNotCompiled)

	_, err = Open(Config{})
	assert.ErrorIs(t, err, ErrLibraryRequired)
}
