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
	"crypto/subtle"
	"errors"
)

// ErrEmptyPIN is returned by NewPIN for empty input.
var ErrEmptyPIN = errors.New("securitykey: PIN cannot be empty")

// PIN holds a possession proof in memory until Clear is called. A nil
// *PIN means the credential has no PIN configured.
type PIN struct {
	value []byte
}

// NewPIN copies b into a new PIN.
func NewPIN(b []byte) (*PIN, error) {
	if len(b) == 0 {
		return nil, ErrEmptyPIN
	}
	p := make([]byte, len(b))
	copy(p, b)
	return &PIN{value: p}, nil
}

// PINFromString is NewPIN for string input.
func PINFromString(s string) (*PIN, error) {
	return NewPIN([]byte(s))
}

// Bytes returns a copy of the PIN. The caller should clear it after use.
func (p *PIN) Bytes() []byte {
	if p == nil || p.value == nil {
		return nil
	}
	out := make([]byte, len(p.value))
	copy(out, p.value)
	return out
}

// Len returns the PIN length in bytes.
func (p *PIN) Len() int {
	if p == nil {
		return 0
	}
	return len(p.value)
}

// Equal compares in constant time.
func (p *PIN) Equal(other *PIN) bool {
	if p == nil || other == nil {
		return p == other
	}
	return subtle.ConstantTimeCompare(p.value, other.value) == 1
}

// Clear zeroes the PIN. It is safe to call on nil and more than once.
func (p *PIN) Clear() {
	if p == nil || p.value == nil {
		return
	}
	subtle.ConstantTimeCopy(1, p.value, make([]byte, len(p.value)))
	p.value = nil
}

// Cleared reports whether Clear has been called.
func (p *PIN) Cleared() bool {
	return p != nil && p.value == nil
}
