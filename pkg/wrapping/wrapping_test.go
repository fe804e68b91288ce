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

package wrapping

import (
	"bytes"
	"context"
	"testing"

	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/pairing"
	"github.com/jeremyhahn/go-pairedkey/pkg/secret"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey/software"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPIN = "123456"

type paired struct {
	dev *software.Device
	drv *software.Driver
	rec *pairing.Record
	pin *securitykey.PIN
}

func pairDevice(t *testing.T, alg securitykey.Algorithm) *paired {
	t.Helper()
	dev, err := software.NewDevice(software.Config{PIN: testPIN, Algorithm: alg})
	require.NoError(t, err)
	drv := software.NewDriver(logging.Discard())
	t.Cleanup(func() { _ = drv.Close() })
	require.NoError(t, drv.Insert(dev))

	pin, err := securitykey.PINFromString(testPIN)
	require.NoError(t, err)
	rec, err := pairing.NewManager(logging.Discard(), nil).Pair(context.Background(), dev, pin)
	require.NoError(t, err)
	return &paired{dev: dev, drv: drv, rec: rec, pin: pin}
}

func newSecret(t *testing.T, fill byte, n int) (*secret.SessionSecret, []byte) {
	t.Helper()
	want := bytes.Repeat([]byte{fill}, n)
	s, err := secret.FromBytes(append([]byte(nil), want...))
	require.NoError(t, err)
	return s, want
}

func TestWrapUnwrap_RoundTrip(t *testing.T) {
	for _, alg := range []securitykey.Algorithm{securitykey.AlgorithmECIESP256, securitykey.AlgorithmRSAOAEP} {
		t.Run(string(alg), func(t *testing.T) {
			p := pairDevice(t, alg)
			w := New(Config{Logger: logging.Discard()})

			s, want := newSecret(t, 0x5a, secret.DefaultLength)
			blob, err := w.Wrap(p.rec, s)
			require.NoError(t, err)
			assert.False(t, s.Consumed(), "wrap must not consume the secret")
			assert.Equal(t, alg, blob.Algorithm)

			data, err := blob.Marshal()
			require.NoError(t, err)
			parsed, err := ParseBlob(data)
			require.NoError(t, err)

			got, err := w.Unwrap(context.Background(), p.dev, p.pin, p.rec, parsed)
			require.NoError(t, err)
			plain, err := got.CopyAndDestroy()
			require.NoError(t, err)
			assert.Equal(t, want, plain)
		})
	}
}

func TestWrap_InvalidSecretLength(t *testing.T) {
	p := pairDevice(t, securitykey.AlgorithmECIESP256)
	w := New(Config{Logger: logging.Discard()})

	s, _ := newSecret(t, 1, 16)
	_, err := w.Wrap(p.rec, s)
	assert.ErrorIs(t, err, securitykey.ErrInvalidSecretLength)

	_, err = w.Wrap(p.rec, nil)
	assert.ErrorIs(t, err, securitykey.ErrInvalidSecretLength)
}

func TestWrap_SecretTooLongForRSA(t *testing.T) {
	p := pairDevice(t, securitykey.AlgorithmRSAOAEP)
	capacity := RSAOAEPCapacity(MinRSABits)
	require.Equal(t, 190, capacity)

	w := New(Config{SecretLength: 256, Logger: logging.Discard()})
	s, _ := newSecret(t, 3, 256)
	_, err := w.Wrap(p.rec, s)
	assert.ErrorIs(t, err, securitykey.ErrInvalidSecretLength)
	assert.Equal(t, securitykey.KindIntegrityFailure, securitykey.KindOf(err))
	assert.False(t, s.Consumed(), "a rejected secret stays usable")

	w = New(Config{SecretLength: capacity, Logger: logging.Discard()})
	s, want := newSecret(t, 4, capacity)
	blob, err := w.Wrap(p.rec, s)
	require.NoError(t, err)
	got, err := w.Unwrap(context.Background(), p.dev, p.pin, p.rec, blob)
	require.NoError(t, err)
	b, err := got.CopyAndDestroy()
	require.NoError(t, err)
	assert.Equal(t, want, b)
}

func TestCheckCredential(t *testing.T) {
	long := New(Config{SecretLength: 256, Logger: logging.Discard()})
	short := New(Config{Logger: logging.Discard()})

	tests := []struct {
		name string
		w    *Wrapper
		info securitykey.Info
		ok   bool
	}{
		{"ecies any length", long, securitykey.Info{Algorithm: securitykey.AlgorithmECIESP256}, true},
		{"unknown algorithm", long, securitykey.Info{}, true},
		{"rsa default size", short, securitykey.Info{Algorithm: securitykey.AlgorithmRSAOAEP}, true},
		{"rsa 2048 too small", long, securitykey.Info{Algorithm: securitykey.AlgorithmRSAOAEP, KeyBits: 2048}, false},
		{"rsa unknown size", long, securitykey.Info{Algorithm: securitykey.AlgorithmRSAOAEP}, false},
		{"rsa 3072 fits", long, securitykey.Info{Algorithm: securitykey.AlgorithmRSAOAEP, KeyBits: 3072}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.CheckCredential(tt.info)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, securitykey.ErrInvalidSecretLength)
			assert.Equal(t, securitykey.KindIntegrityFailure, securitykey.KindOf(err))
		})
	}
}

func TestWrap_InvalidRecord(t *testing.T) {
	w := New(Config{Logger: logging.Discard()})
	s, _ := newSecret(t, 1, secret.DefaultLength)

	_, err := w.Wrap(&pairing.Record{CredentialID: securitykey.ID{1}}, s)
	assert.ErrorIs(t, err, pairing.ErrInvalidRecord)
	assert.Equal(t, securitykey.KindIntegrityFailure, securitykey.KindOf(err))
}

func TestUnwrap_CredentialMismatch(t *testing.T) {
	p := pairDevice(t, securitykey.AlgorithmECIESP256)
	other := pairDevice(t, securitykey.AlgorithmECIESP256)
	w := New(Config{Logger: logging.Discard()})

	s, _ := newSecret(t, 2, secret.DefaultLength)
	blob, err := w.Wrap(p.rec, s)
	require.NoError(t, err)

	got, err := w.Unwrap(context.Background(), other.dev, other.pin, p.rec, blob)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, securitykey.ErrCredentialMismatch)
	assert.Equal(t, securitykey.KindIntegrityFailure, securitykey.KindOf(err))

	got, err = w.Unwrap(context.Background(), other.dev, other.pin, other.rec, blob)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, securitykey.ErrCredentialMismatch)
}

func TestUnwrap_WrongPIN(t *testing.T) {
	p := pairDevice(t, securitykey.AlgorithmECIESP256)
	w := New(Config{Logger: logging.Discard()})

	s, _ := newSecret(t, 3, secret.DefaultLength)
	blob, err := w.Wrap(p.rec, s)
	require.NoError(t, err)

	wrong, err := securitykey.PINFromString("000000")
	require.NoError(t, err)
	got, err := w.Unwrap(context.Background(), p.dev, wrong, p.rec, blob)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, securitykey.ErrPossessionProofRejected)
	assert.Equal(t, securitykey.KindAuthenticationRejected, securitykey.KindOf(err))
}

func TestUnwrap_CorruptedBlob(t *testing.T) {
	p := pairDevice(t, securitykey.AlgorithmECIESP256)
	w := New(Config{Logger: logging.Discard()})

	s, _ := newSecret(t, 4, secret.DefaultLength)
	blob, err := w.Wrap(p.rec, s)
	require.NoError(t, err)
	blob.Ciphertext[len(blob.Ciphertext)-1] ^= 0xff

	_, err = w.Unwrap(context.Background(), p.dev, p.pin, p.rec, blob)
	assert.ErrorIs(t, err, securitykey.ErrDecryptionFailed)
	assert.False(t, securitykey.Retryable(err))
}

func TestUnwrap_LengthAndAlgorithmChecks(t *testing.T) {
	p := pairDevice(t, securitykey.AlgorithmECIESP256)
	w := New(Config{Logger: logging.Discard()})

	s, _ := newSecret(t, 5, secret.DefaultLength)
	blob, err := w.Wrap(p.rec, s)
	require.NoError(t, err)

	short := *blob
	short.SecretLength = 16
	_, err = w.Unwrap(context.Background(), p.dev, p.pin, p.rec, &short)
	assert.ErrorIs(t, err, securitykey.ErrInvalidSecretLength)

	other := *blob
	other.Algorithm = securitykey.AlgorithmRSAOAEP
	_, err = w.Unwrap(context.Background(), p.dev, p.pin, p.rec, &other)
	assert.ErrorIs(t, err, securitykey.ErrDecryptionFailed)

	_, err = w.Unwrap(context.Background(), p.dev, p.pin, p.rec, nil)
	assert.ErrorIs(t, err, securitykey.ErrDecryptionFailed)
}

func TestUnwrap_CredentialRemoved(t *testing.T) {
	p := pairDevice(t, securitykey.AlgorithmECIESP256)
	w := New(Config{Logger: logging.Discard()})

	s, _ := newSecret(t, 6, secret.DefaultLength)
	blob, err := w.Wrap(p.rec, s)
	require.NoError(t, err)

	p.dev.OnOperation(func(op string) {
		if op == "decrypt" {
			_ = p.drv.Remove(p.dev)
		}
	})
	_, err = w.Unwrap(context.Background(), p.dev, p.pin, p.rec, blob)
	assert.ErrorIs(t, err, securitykey.ErrCredentialUnresponsive)
	assert.True(t, securitykey.Retryable(err))
}

func TestParseBlob(t *testing.T) {
	_, err := ParseBlob([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformedBlob)

	b := &Blob{Version: 2, CredentialID: securitykey.ID{1}, Algorithm: securitykey.AlgorithmRSAOAEP, SecretLength: 32, Ciphertext: []byte{1}}
	data, err := b.Marshal()
	require.NoError(t, err)
	_, err = ParseBlob(data)
	assert.ErrorIs(t, err, ErrMalformedBlob)

	b.Version = BlobVersion
	b.Ciphertext = nil
	data, err = b.Marshal()
	require.NoError(t, err)
	_, err = ParseBlob(data)
	assert.ErrorIs(t, err, ErrMalformedBlob)

	b.Ciphertext = []byte{1}
	data, err = b.Marshal()
	require.NoError(t, err)
	_, err = ParseBlob(data)
	assert.ErrorIs(t, err, ErrMalformedBlob, "short credential id")
}

func TestBlob_MarshalDeterministic(t *testing.T) {
	b := &Blob{Version: BlobVersion, CredentialID: securitykey.ID{1, 2}, Algorithm: securitykey.AlgorithmECIESP256, SecretLength: 32, Ciphertext: []byte{9}}
	a, err := b.Marshal()
	require.NoError(t, err)
	c, err := b.Marshal()
	require.NoError(t, err)
	assert.Equal(t, a, c)
}
