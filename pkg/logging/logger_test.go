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

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"fatal":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWithOptions_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(Options{Level: "info", Format: "json", Output: &buf})

	log.With("task", "abc").Info("unlocked", "credential", "0102")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "unlocked", rec["msg"])
	assert.Equal(t, "abc", rec["task"])
	assert.Equal(t, "0102", rec["credential"])
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(Options{Level: "info", Output: &buf})

	log.Debug("hidden")
	log.Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	log.Warnf("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
}

func TestDebugEnabled(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(Options{Level: "debug", Output: &buf})

	log.Debugf("visible %s", "now")
	assert.Contains(t, buf.String(), "visible now")
}

func TestMaybeError(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(Options{Output: &buf})

	log.MaybeError(nil)
	assert.Empty(t, buf.String())

	log.MaybeError(errors.New("boom"))
	assert.Contains(t, buf.String(), "boom")
}
