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

// Package validation checks user supplied and device reported strings
// before they reach storage or logs.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxNameLength bounds user names stored in the database.
	MaxNameLength = 100

	// MaxLabelLength bounds credential labels kept in pairing records.
	MaxLabelLength = 64

	maxLogLength = 1000
)

var ErrInvalidInput = errors.New("validation: invalid input")

// ValidateName validates a person's name. field names the input in the
// error message.
// Rejects:
// - null bytes and other control characters
// - invalid UTF-8
// - names longer than MaxNameLength characters
// An empty name is allowed.
func ValidateName(field, name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidInput, field)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("%w: %s too long (max %d characters)", ErrInvalidInput, field, MaxNameLength)
	}
	if hasControl(name) {
		return fmt.Errorf("%w: %s contains control characters", ErrInvalidInput, field)
	}
	return nil
}

// CleanLabel returns a credential label safe to store and display:
// control characters removed, surrounding space trimmed and at most
// MaxLabelLength characters long.
func CleanLabel(label string) string {
	label = strings.TrimSpace(stripControl(strings.ToValidUTF8(label, "")))
	if utf8.RuneCountInString(label) > MaxLabelLength {
		label = string([]rune(label)[:MaxLabelLength])
	}
	return label
}

// SanitizeForLog sanitizes a string for safe logging (prevents log injection).
func SanitizeForLog(s string) string {
	s = stripControl(s)
	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}

func isControl(r rune) bool {
	return r < 32 || r == 127
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, isControl) >= 0
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if isControl(r) {
			return -1
		}
		return r
	}, s)
}
