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

// Package wrapping encrypts a session secret to a paired credential and
// recovers it with that credential's private key.
//
// Wrapping only needs the public key stored in the pairing record, so it
// never touches the hardware. Unwrapping submits the ciphertext to the
// presented credential together with the PIN. The credential identifier
// is bound into every ciphertext (as GCM additional data for ECIES and as
// the OAEP label for RSA), so a blob cannot be replayed against another
// pairing.
package wrapping

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-pairedkey/pkg/crypto/ecies"
	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/pairing"
	"github.com/jeremyhahn/go-pairedkey/pkg/secret"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
)

// Config configures a Wrapper.
type Config struct {
	// SecretLength is the only secret size Wrap and Unwrap accept.
	// Defaults to secret.DefaultLength.
	SecretLength int

	// Random is used for ephemeral keys and padding. Defaults to
	// crypto/rand.
	Random io.Reader

	Logger *logging.Logger
}

// Wrapper wraps and unwraps session secrets.
type Wrapper struct {
	secretLength int
	random       io.Reader
	logger       *logging.Logger
}

// New returns a Wrapper for cfg.
func New(cfg Config) *Wrapper {
	if cfg.SecretLength <= 0 {
		cfg.SecretLength = secret.DefaultLength
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}
	return &Wrapper{
		secretLength: cfg.SecretLength,
		random:       cfg.Random,
		logger:       cfg.Logger,
	}
}

// SecretLength returns the accepted secret size.
func (w *Wrapper) SecretLength() int {
	return w.secretLength
}

// MinRSABits is the smallest RSA key a pairing accepts.
const MinRSABits = 2048

// RSAOAEPCapacity is the largest plaintext RSA-OAEP with SHA-256 can
// carry under a modulus of bits.
func RSAOAEPCapacity(bits int) int {
	return (bits+7)/8 - 2*sha256.Size - 2
}

// CheckCredential fails with ErrInvalidSecretLength when secrets of the
// configured length cannot be wrapped to the key info describes. Setup
// calls it before pairing so an unusable credential is never re-keyed.
// An RSA credential that does not report its key size is assumed to use
// MinRSABits.
func (w *Wrapper) CheckCredential(info securitykey.Info) error {
	if info.Algorithm != securitykey.AlgorithmRSAOAEP {
		return nil
	}
	bits := info.KeyBits
	if bits <= 0 {
		bits = MinRSABits
	}
	return w.checkCapacity("check_credential", RSAOAEPCapacity(bits))
}

func (w *Wrapper) checkCapacity(op string, capacity int) error {
	if w.secretLength <= capacity {
		return nil
	}
	return &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
		Err: fmt.Errorf("%w: %d bytes exceeds the %d bytes RSA-OAEP can carry", securitykey.ErrInvalidSecretLength, w.secretLength, capacity)}
}

// Wrap encrypts s under the public key of rec. s is read but not consumed.
//
// Parameters:
//   - rec: pairing record holding the credential ID and public key
//   - s: the session secret, which must be exactly SecretLength bytes
//
// Returns:
//   - the wrapped blob, ready to be stored under rec.CredentialID
//   - ErrInvalidSecretLength for a secret of the wrong size, or one too
//     long for the record's RSA key
func (w *Wrapper) Wrap(rec *pairing.Record, s *secret.SessionSecret) (*Blob, error) {
	const op = "wrap"
	if err := rec.Validate(); err != nil {
		return nil, &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op, Err: err}
	}
	if s == nil || s.Len() != w.secretLength {
		n := 0
		if s != nil {
			n = s.Len()
		}
		return nil, &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
			Err: fmt.Errorf("%w: got %d, want %d", securitykey.ErrInvalidSecretLength, n, w.secretLength)}
	}
	pub, err := rec.Public()
	if err != nil {
		return nil, securitykey.NewError(op, err)
	}
	if k, ok := pub.(*rsa.PublicKey); ok {
		if err := w.checkCapacity(op, RSAOAEPCapacity(k.N.BitLen())); err != nil {
			return nil, err
		}
	}

	var ciphertext []byte
	err = s.View(func(plaintext []byte) error {
		var encErr error
		ciphertext, encErr = w.encrypt(rec.Algorithm, pub, plaintext, rec.CredentialID)
		return encErr
	})
	if err != nil {
		return nil, securitykey.NewError(op, err)
	}

	w.logger.Debug("secret wrapped", "credential", rec.CredentialID.String(), "algorithm", rec.Algorithm)
	return &Blob{
		Version:      BlobVersion,
		CredentialID: append(securitykey.ID(nil), rec.CredentialID...),
		Algorithm:    rec.Algorithm,
		SecretLength: w.secretLength,
		Ciphertext:   ciphertext,
	}, nil
}

func (w *Wrapper) encrypt(alg securitykey.Algorithm, pub any, plaintext, label []byte) ([]byte, error) {
	switch alg {
	case securitykey.AlgorithmECIESP256:
		var recipient *ecdh.PublicKey
		switch k := pub.(type) {
		case *ecdsa.PublicKey:
			var err error
			if recipient, err = k.ECDH(); err != nil {
				return nil, fmt.Errorf("%w: %v", securitykey.ErrUnsupportedAlgorithm, err)
			}
		case *ecdh.PublicKey:
			recipient = k
		default:
			return nil, fmt.Errorf("%w: %T for %s", securitykey.ErrUnsupportedAlgorithm, pub, alg)
		}
		return ecies.Encrypt(w.random, recipient, plaintext, label)
	case securitykey.AlgorithmRSAOAEP:
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %T for %s", securitykey.ErrUnsupportedAlgorithm, pub, alg)
		}
		return rsa.EncryptOAEP(sha256.New(), w.random, k, plaintext, label)
	}
	return nil, fmt.Errorf("%w: %s", securitykey.ErrUnsupportedAlgorithm, alg)
}

// Unwrap recovers the secret in blob with the presented credential.
//
// The presented credential, the pairing record and the blob must all
// name the same credential, otherwise ErrCredentialMismatch is returned
// without touching the hardware. Decryption errors from the credential
// keep their classification. The returned secret is the only live copy
// of the plaintext.
func (w *Wrapper) Unwrap(ctx context.Context, cred securitykey.Credential, pin *securitykey.PIN, rec *pairing.Record, blob *Blob) (*secret.SessionSecret, error) {
	const op = "unwrap"
	if rec == nil || blob == nil {
		return nil, &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
			Err: fmt.Errorf("%w: missing record or blob", securitykey.ErrDecryptionFailed)}
	}
	if !cred.ID().Equal(rec.CredentialID) || !blob.CredentialID.Equal(rec.CredentialID) {
		return nil, &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
			Err: fmt.Errorf("%w: presented %s, paired %s", securitykey.ErrCredentialMismatch, cred.ID(), rec.CredentialID)}
	}
	if blob.Algorithm != rec.Algorithm {
		return nil, &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
			Err: fmt.Errorf("%w: blob algorithm %s, paired %s", securitykey.ErrDecryptionFailed, blob.Algorithm, rec.Algorithm)}
	}
	if blob.SecretLength != w.secretLength {
		return nil, &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
			Err: fmt.Errorf("%w: blob holds %d bytes, want %d", securitykey.ErrInvalidSecretLength, blob.SecretLength, w.secretLength)}
	}

	ciphertext := append([]byte(nil), blob.Ciphertext...)
	defer clear(ciphertext)

	plaintext, err := cred.Decrypt(ctx, pin, blob.Algorithm, ciphertext, rec.CredentialID)
	if err != nil {
		return nil, securitykey.NewError(op, err)
	}
	if len(plaintext) != w.secretLength {
		clear(plaintext)
		return nil, &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
			Err: fmt.Errorf("%w: plaintext has %d bytes", securitykey.ErrDecryptionFailed, len(plaintext))}
	}

	// FromBytes moves plaintext into guarded memory and wipes the slice.
	s, err := secret.FromBytes(plaintext)
	if err != nil {
		return nil, securitykey.NewError(op, err)
	}
	w.logger.Debug("secret unwrapped", "credential", rec.CredentialID.String())
	return s, nil
}
