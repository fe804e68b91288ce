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

// Package pkcs11 discovers security keys through a PKCS#11 module and
// uses an RSA keypair on the token as the wrapping key. It is only
// compiled with the pkcs11 build tag; without it Open returns
// ErrNotCompiled.
package pkcs11

import (
	"errors"
	"time"

	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
)

const (
	DefaultKeyLabel     = "pairedkey-wrapping"
	DefaultPollInterval = 500 * time.Millisecond
	DefaultRSABits      = 2048

	// idLength is the size of CK_TOKEN_INFO.serialNumber.
	idLength = securitykey.IDLength
)

var (
	// ErrNotCompiled is returned by Open in builds without the pkcs11 tag.
	ErrNotCompiled = errors.New("pkcs11: support not compiled in, rebuild with -tags pkcs11")

	ErrLibraryRequired = errors.New("pkcs11: library path is required")
)

type Config struct {
	// Library is the path of the PKCS#11 module, for example
	// /usr/lib/softhsm/libsofthsm2.so.
	Library string

	// KeyLabel names the wrapping keypair on the token.
	KeyLabel string

	PollInterval time.Duration
	RSABits      int
	Logger       *logging.Logger
}

func (c *Config) applyDefaults() error {
	if c.Library == "" {
		return ErrLibraryRequired
	}
	if c.KeyLabel == "" {
		c.KeyLabel = DefaultKeyLabel
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RSABits < 2048 {
		c.RSABits = DefaultRSABits
	}
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
	return nil
}

// serialID pads or truncates a token serial to a fixed-length ID.
func serialID(serial string) []byte {
	id := make([]byte, idLength)
	for i := range id {
		id[i] = ' '
	}
	copy(id, serial)
	return id
}
