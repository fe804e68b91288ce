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

// Package securitykey defines the contract between the unlock protocol
// and a removable hardware credential: identity, presence, wrapping key
// management, private key decryption and asynchronous discovery events.
//
// Errors returned by drivers are classified into a small taxonomy (see
// Kind) so callers can decide whether an attempt may be retried.
package securitykey

import (
	"context"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"
)

// Algorithm names the scheme used to wrap a session secret under a
// credential's public key.
type Algorithm string

const (
	// AlgorithmECIESP256 is ephemeral ECDH on P-256, HKDF-SHA256 and
	// AES-256-GCM. The private half of the agreement runs on the credential.
	AlgorithmECIESP256 Algorithm = "ECIES-P256-HKDF-SHA256-AES256GCM"

	// AlgorithmRSAOAEP is RSA-OAEP with SHA-256 and MGF1-SHA256.
	AlgorithmRSAOAEP Algorithm = "RSA-OAEP-SHA256"
)

// AlgorithmFor returns the wrapping algorithm that matches a public key.
// Only P-256 EC keys and RSA keys of at least 2048 bits are accepted.
func AlgorithmFor(pub crypto.PublicKey) (Algorithm, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P256() {
			return AlgorithmECIESP256, nil
		}
	case *ecdh.PublicKey:
		if k.Curve() == ecdh.P256() {
			return AlgorithmECIESP256, nil
		}
	case *rsa.PublicKey:
		if k.N.BitLen() >= 2048 {
			return AlgorithmRSAOAEP, nil
		}
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
}

// Info describes a credential for display.
type Info struct {
	ID           ID     `json:"id"`
	Label        string `json:"label"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
	// PINRetries is the number of PIN attempts left, or -1 if unknown.
	PINRetries int `json:"pin_retries"`
	// PINRequired is false for credentials without a PIN; callers then
	// pass a nil *PIN.
	PINRequired bool `json:"pin_required"`
	// Algorithm is the wrapping scheme of the key the credential holds or
	// will generate. Empty if unknown.
	Algorithm Algorithm `json:"algorithm,omitempty"`
	// KeyBits is the RSA modulus size, zero for EC keys.
	KeyBits int `json:"key_bits,omitempty"`
}

// Credential is one physical security key. Every method that talks to the
// hardware takes a context and must return promptly with
// ErrCredentialUnresponsive once the context is cancelled or the key is
// removed.
type Credential interface {
	// ID returns the application instance identifier. It is stable for
	// the lifetime of the credential and never requires the PIN.
	ID() ID

	// IsPresent reports whether the credential is still connected.
	IsPresent() bool

	// Info returns descriptive metadata.
	Info() Info

	// IsEmpty reports whether the credential holds no key material or
	// other data that pairing would overwrite.
	IsEmpty(ctx context.Context) (bool, error)

	// GenerateOrFetchWrappingKey returns the public half of the wrapping
	// keypair, generating it on first use. pin may be nil for credentials
	// without a PIN.
	GenerateOrFetchWrappingKey(ctx context.Context, pin *PIN) (crypto.PublicKey, error)

	// Decrypt recovers a wrapped plaintext with the credential's private
	// key. label is bound into the ciphertext by the wrapping scheme.
	Decrypt(ctx context.Context, pin *PIN, alg Algorithm, ciphertext, label []byte) ([]byte, error)

	// Reset erases all application data on the credential.
	Reset(ctx context.Context, pin *PIN) error

	// Close releases the transport session.
	Close() error
}

// RandomSource is implemented by credentials with a hardware RNG.
type RandomSource interface {
	GenerateRandom(ctx context.Context, n int) ([]byte, error)
}

// CertificateSigner is implemented by credentials that hold a signing key
// and matching certificate, as used for TLS client authentication.
type CertificateSigner interface {
	Signer(ctx context.Context, pin *PIN) (crypto.Signer, error)
	Certificate(ctx context.Context) (*x509.Certificate, error)
}

// EventType enumerates discovery notifications.
type EventType int

const (
	EventDiscovered EventType = iota + 1
	EventDiscoveryFailed
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventDiscovered:
		return "discovered"
	case EventDiscoveryFailed:
		return "discovery_failed"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is delivered on Driver.Events. Credential is set for Discovered,
// ID for Discovered and Disconnected, Err for DiscoveryFailed.
type Event struct {
	Type       EventType
	Credential Credential
	ID         ID
	Err        error
	Time       time.Time
}

// Driver discovers credentials and reports presence changes. Events is the
// only notification path; the channel is closed by Close.
type Driver interface {
	Name() string

	// Start begins discovery. Credentials already connected are reported
	// as Discovered events.
	Start(ctx context.Context) error

	Events() <-chan Event

	Close() error
}
