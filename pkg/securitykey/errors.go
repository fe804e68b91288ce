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
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	KindUnknown Kind = iota

	// KindHardwareIO is a transient transport failure. Retry.
	KindHardwareIO

	// KindAuthenticationRejected is a wrong PIN. Retry while the
	// credential still allows attempts.
	KindAuthenticationRejected

	// KindIntegrityFailure is a corrupted blob or the wrong credential.
	// Never retried automatically.
	KindIntegrityFailure

	// KindUserAborted is an explicit decline by the user.
	KindUserAborted
)

func (k Kind) String() string {
	switch k {
	case KindHardwareIO:
		return "hardware_io"
	case KindAuthenticationRejected:
		return "authentication_rejected"
	case KindIntegrityFailure:
		return "integrity_failure"
	case KindUserAborted:
		return "user_aborted"
	default:
		return "unknown"
	}
}

var (
	// ErrCredentialUnresponsive is returned when the credential stops
	// answering, is removed, or the operation is cancelled.
	ErrCredentialUnresponsive = errors.New("securitykey: credential unresponsive")

	// ErrPossessionProofRejected is returned for a wrong PIN.
	ErrPossessionProofRejected = errors.New("securitykey: possession proof rejected")

	// ErrPINBlocked is returned once the credential has no PIN attempts left.
	ErrPINBlocked = errors.New("securitykey: PIN blocked")

	// ErrPairingAborted is returned when the user declines to overwrite a
	// credential that already holds data.
	ErrPairingAborted = errors.New("securitykey: pairing aborted")

	// ErrCredentialMismatch is returned when the presented credential is
	// not the one a blob was wrapped for.
	ErrCredentialMismatch = errors.New("securitykey: credential mismatch")

	// ErrDecryptionFailed is returned when a blob cannot be decrypted by
	// the right credential with the right PIN.
	ErrDecryptionFailed = errors.New("securitykey: decryption failed")

	// ErrInvalidSecretLength is returned when a secret or blob does not
	// have the expected length.
	ErrInvalidSecretLength = errors.New("securitykey: invalid secret length")

	// ErrUnsupportedAlgorithm is returned for key types and wrapping
	// schemes the credential cannot handle.
	ErrUnsupportedAlgorithm = errors.New("securitykey: unsupported algorithm")

	// ErrNoKey is returned when an operation needs the wrapping key but
	// the credential has none.
	ErrNoKey = errors.New("securitykey: no wrapping key on credential")
)

var sentinelKinds = map[error]Kind{
	ErrCredentialUnresponsive:  KindHardwareIO,
	ErrPossessionProofRejected: KindAuthenticationRejected,
	ErrPINBlocked:              KindAuthenticationRejected,
	ErrPairingAborted:          KindUserAborted,
	ErrCredentialMismatch:      KindIntegrityFailure,
	ErrDecryptionFailed:        KindIntegrityFailure,
	ErrInvalidSecretLength:     KindIntegrityFailure,
	ErrNoKey:                   KindIntegrityFailure,
	ErrUnsupportedAlgorithm:    KindIntegrityFailure,
}

// Error carries the classification of a failed operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err for op, classifying it with KindOf.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf classifies err. A wrapped *Error wins, then known sentinels, then
// context errors, which count as hardware I/O.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindHardwareIO
	}
	return KindUnknown
}

// Retryable reports whether the same operation may succeed if attempted
// again, possibly with a different PIN or after reinserting the key.
func Retryable(err error) bool {
	if errors.Is(err, ErrPINBlocked) {
		return false
	}
	switch KindOf(err) {
	case KindHardwareIO, KindAuthenticationRejected:
		return true
	default:
		return false
	}
}

// Unresponsive returns ErrCredentialUnresponsive wrapped with cause.
func Unresponsive(op string, cause error) error {
	if cause == nil {
		return &Error{Kind: KindHardwareIO, Op: op, Err: ErrCredentialUnresponsive}
	}
	return &Error{Kind: KindHardwareIO, Op: op, Err: fmt.Errorf("%w: %w", ErrCredentialUnresponsive, cause)}
}
