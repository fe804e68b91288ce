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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"unresponsive", ErrCredentialUnresponsive, KindHardwareIO},
		{"wrapped unresponsive", fmt.Errorf("decrypt: %w", ErrCredentialUnresponsive), KindHardwareIO},
		{"wrong pin", ErrPossessionProofRejected, KindAuthenticationRejected},
		{"blocked", ErrPINBlocked, KindAuthenticationRejected},
		{"mismatch", ErrCredentialMismatch, KindIntegrityFailure},
		{"decryption", ErrDecryptionFailed, KindIntegrityFailure},
		{"length", ErrInvalidSecretLength, KindIntegrityFailure},
		{"aborted", ErrPairingAborted, KindUserAborted},
		{"cancelled", context.Canceled, KindHardwareIO},
		{"deadline", context.DeadlineExceeded, KindHardwareIO},
		{"typed", &Error{Kind: KindUserAborted, Err: errors.New("x")}, KindUserAborted},
		{"other", errors.New("other"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrCredentialUnresponsive))
	assert.True(t, Retryable(ErrPossessionProofRejected))
	assert.False(t, Retryable(ErrPINBlocked))
	assert.False(t, Retryable(ErrDecryptionFailed))
	assert.False(t, Retryable(ErrPairingAborted))
}

func TestNewError(t *testing.T) {
	assert.NoError(t, NewError("op", nil))

	err := NewError("unwrap", ErrCredentialMismatch)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindIntegrityFailure, typed.Kind)
	assert.Equal(t, "unwrap: securitykey: credential mismatch", err.Error())
	assert.ErrorIs(t, err, ErrCredentialMismatch)
}

func TestUnresponsive(t *testing.T) {
	err := Unresponsive("decrypt", context.Canceled)
	assert.ErrorIs(t, err, ErrCredentialUnresponsive)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindHardwareIO, KindOf(err))

	assert.ErrorIs(t, Unresponsive("x", nil), ErrCredentialUnresponsive)
}

func TestID(t *testing.T) {
	id := ID{0x0a, 0xff, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	assert.Equal(t, "0aff02030405060708090a0b0c0d0e0f", id.String())
	assert.True(t, id.Valid())

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
	assert.False(t, id.Equal(ID{0x0a}))
	assert.False(t, ID{}.Equal(ID{}))
	assert.True(t, ID(nil).IsZero())

	for _, s := range []string{"zz", "", "0aff", id.String() + "00"} {
		_, err = ParseID(s)
		assert.ErrorIs(t, err, ErrInvalidID, s)
	}
}

func TestID_TextRoundTrip(t *testing.T) {
	id := ID{15: 0x01}
	text, err := id.MarshalText()
	require.NoError(t, err)

	var got ID
	require.NoError(t, got.UnmarshalText(text))
	assert.True(t, id.Equal(got))

	assert.ErrorIs(t, got.UnmarshalText([]byte("0aff")), ErrInvalidID)
	assert.False(t, ID{1}.Valid())
}

func TestPIN(t *testing.T) {
	_, err := NewPIN(nil)
	assert.ErrorIs(t, err, ErrEmptyPIN)

	src := []byte("123456")
	pin, err := NewPIN(src)
	require.NoError(t, err)
	src[0] = '9'
	assert.Equal(t, []byte("123456"), pin.Bytes())
	assert.Equal(t, 6, pin.Len())

	other, err := PINFromString("123456")
	require.NoError(t, err)
	assert.True(t, pin.Equal(other))

	pin.Clear()
	pin.Clear()
	assert.True(t, pin.Cleared())
	assert.Nil(t, pin.Bytes())
	assert.False(t, pin.Equal(other))

	var none *PIN
	none.Clear()
	assert.Nil(t, none.Bytes())
	assert.True(t, none.Equal(nil))
}

func TestAlgorithmFor(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	alg, err := AlgorithmFor(&ec.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmECIESP256, alg)

	ecdhPub, err := ec.PublicKey.ECDH()
	require.NoError(t, err)
	alg, err = AlgorithmFor(ecdhPub)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmECIESP256, alg)

	rk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	alg, err = AlgorithmFor(&rk.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmRSAOAEP, alg)

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, err = AlgorithmFor(&p384.PublicKey)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "discovered", EventDiscovered.String())
	assert.Equal(t, "discovery_failed", EventDiscoveryFailed.String())
	assert.Equal(t, "disconnected", EventDisconnected.String())
	assert.Equal(t, "unknown", EventType(0).String())
}
