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

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "Ada", false},
		{"empty", "", false},
		{"spaces and accents", "José María", false},
		{"apostrophe", "O'Neil", false},
		{"max length", strings.Repeat("é", MaxNameLength), false},
		{"too long", strings.Repeat("a", MaxNameLength+1), true},
		{"null byte", "Ada\x00", true},
		{"newline", "Ada\nLovelace", true},
		{"tab", "Ada\tLovelace", true},
		{"delete", "Ada\x7f", true},
		{"invalid utf8", "Ada\xff", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName("first name", tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				assert.Contains(t, err.Error(), "first name")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCleanLabel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "YubiKey 5 NFC", "YubiKey 5 NFC"},
		{"padded token label", "SoftHSM token                   ", "SoftHSM token"},
		{"control characters", "Key\x1b[31m\n", "Key[31m"},
		{"invalid utf8", "Key\xff", "Key"},
		{"long", strings.Repeat("x", MaxLabelLength+10), strings.Repeat("x", MaxLabelLength)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanLabel(tt.input))
		})
	}
}

func TestSanitizeForLog(t *testing.T) {
	assert.Equal(t, "normal text", SanitizeForLog("normal text"))
	assert.Equal(t, "linebreakinjected", SanitizeForLog("line\nbreak\rinjected"))
	assert.Equal(t, "nullbyte", SanitizeForLog("null\x00byte"))

	long := SanitizeForLog(strings.Repeat("a", 1500))
	assert.True(t, strings.HasSuffix(long, "...[truncated]"))
	assert.Len(t, long, 1000+len("...[truncated]"))
}
