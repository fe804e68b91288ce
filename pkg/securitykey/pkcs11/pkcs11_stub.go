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

import "github.com/jeremyhahn/go-pairedkey/pkg/securitykey"

// Open always fails in builds without the pkcs11 tag.
func Open(cfg Config) (securitykey.Driver, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return nil, ErrNotCompiled
}
