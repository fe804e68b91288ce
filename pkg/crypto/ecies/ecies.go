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

// Package ecies implements the Elliptic Curve Integrated Encryption Scheme
// on P-256 with the recipient's half of the key agreement supplied as a
// function, so the private key can stay on a hardware credential.
//
// Encryption:
//  1. generate an ephemeral P-256 key pair
//  2. ECDH(ephemeral, recipient) -> shared secret
//  3. HKDF-SHA256(shared, salt=ephemeral public key, info) -> AES-256 key
//  4. AES-256-GCM seal with the caller's additional data
//
// The wire format is:
//
//	[ephemeral_public_key(65) || nonce(12) || tag(16) || ciphertext]
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	aesKeySize = 32
	nonceSize  = 12
	tagSize    = 16

	// PublicKeySize is the length of an uncompressed P-256 point.
	PublicKeySize = 65

	// Overhead is the number of bytes Encrypt adds to the plaintext.
	Overhead = PublicKeySize + nonceSize + tagSize
)

var info = []byte("pairedkey session secret v1")

var (
	// ErrCiphertextTooShort is returned for input shorter than Overhead.
	ErrCiphertextTooShort = errors.New("ecies: ciphertext too short")

	// ErrAuthentication is returned when the GCM tag does not verify.
	ErrAuthentication = errors.New("ecies: message authentication failed")
)

// Agreement performs ECDH between the recipient's private key and the
// ephemeral public key and returns the raw shared secret.
type Agreement func(ephemeral *ecdh.PublicKey) ([]byte, error)

// PrivateKeyAgreement adapts an in-memory private key to Agreement.
func PrivateKeyAgreement(priv *ecdh.PrivateKey) Agreement {
	return func(ephemeral *ecdh.PublicKey) ([]byte, error) {
		return priv.ECDH(ephemeral)
	}
}

// Encrypt seals plaintext to the recipient. aad is authenticated but not
// encrypted and must be presented again to Decrypt.
func Encrypt(random io.Reader, recipient *ecdh.PublicKey, plaintext, aad []byte) ([]byte, error) {
	if random == nil {
		return nil, errors.New("ecies: random source cannot be nil")
	}
	if recipient == nil {
		return nil, errors.New("ecies: public key cannot be nil")
	}
	if recipient.Curve() != ecdh.P256() {
		return nil, errors.New("ecies: only P-256 is supported")
	}
	if plaintext == nil {
		return nil, errors.New("ecies: plaintext cannot be nil")
	}

	ephemeral, err := ecdh.P256().GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("ecies: failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("ecies: ECDH failed: %w", err)
	}
	ephemeralBytes := ephemeral.PublicKey().Bytes()

	gcm, err := newGCM(shared, ephemeralBytes)
	clear(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("ecies: failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, Overhead+len(ciphertext))
	out = append(out, ephemeralBytes...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	clear(sealed)
	return out, nil
}

// Decrypt opens a message produced by Encrypt, delegating the key
// agreement to agree.
func Decrypt(agree Agreement, message, aad []byte) ([]byte, error) {
	if agree == nil {
		return nil, errors.New("ecies: agreement cannot be nil")
	}
	if len(message) < Overhead {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrCiphertextTooShort, len(message), Overhead)
	}

	ephemeralBytes := message[:PublicKeySize]
	nonce := message[PublicKeySize : PublicKeySize+nonceSize]
	tag := message[PublicKeySize+nonceSize : Overhead]
	ciphertext := message[Overhead:]

	ephemeral, err := ecdh.P256().NewPublicKey(ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("ecies: invalid ephemeral public key: %w", err)
	}
	shared, err := agree(ephemeral)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(shared, ephemeralBytes)
	clear(shared)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(shared, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, aesKeySize)
	defer clear(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, info), key); err != nil {
		return nil, fmt.Errorf("ecies: key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ecies: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ecies: failed to create GCM: %w", err)
	}
	return gcm, nil
}
