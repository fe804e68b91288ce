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

// Package secret generates session secrets and holds them in locked,
// guarded memory until a single consumer takes them.
package secret

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// DefaultLength is the size of a session secret in bytes.
const DefaultLength = 32

// MaxLength bounds Generate requests.
const MaxLength = 1024

var (
	// ErrInsufficientEntropy is returned when the random source cannot be
	// initialised or returns fewer bytes than requested.
	ErrInsufficientEntropy = errors.New("secret: insufficient entropy")

	// ErrInvalidLength is returned for lengths outside (0, MaxLength].
	ErrInvalidLength = errors.New("secret: invalid length")

	// ErrConsumed is returned once the secret has been taken or destroyed.
	ErrConsumed = errors.New("secret: already consumed")
)

// SessionSecret is a fixed length secret with one-shot ownership. The
// bytes live in a memguard buffer and are wiped when the secret is
// consumed or destroyed.
type SessionSecret struct {
	mu     sync.Mutex
	buf    *memguard.LockedBuffer
	length int
}

// FromBytes moves b into a new SessionSecret and wipes b.
func FromBytes(b []byte) (*SessionSecret, error) {
	if len(b) == 0 || len(b) > MaxLength {
		memguard.WipeBytes(b)
		return nil, ErrInvalidLength
	}
	n := len(b)
	return &SessionSecret{
		buf:    memguard.NewBufferFromBytes(b),
		length: n,
	}, nil
}

// Len returns the secret length. It stays valid after consumption.
func (s *SessionSecret) Len() int {
	return s.length
}

// View calls fn with a read-only view of the secret without consuming
// it. fn must not retain the slice.
func (s *SessionSecret) View(fn func(secret []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil || !s.buf.IsAlive() {
		return ErrConsumed
	}
	return fn(s.buf.Bytes())
}

// Consume hands the secret to fn and destroys it afterwards whether or
// not fn succeeds. A second call returns ErrConsumed.
func (s *SessionSecret) Consume(fn func(secret []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil || !s.buf.IsAlive() {
		return ErrConsumed
	}
	defer s.destroyLocked()
	return fn(s.buf.Bytes())
}

// CopyAndDestroy returns a plain copy of the secret and destroys the
// guarded buffer. The caller owns the copy and must wipe it.
func (s *SessionSecret) CopyAndDestroy() ([]byte, error) {
	var out []byte
	err := s.Consume(func(b []byte) error {
		out = make([]byte, len(b))
		copy(out, b)
		return nil
	})
	return out, err
}

// Destroy wipes the secret without handing it to anyone.
func (s *SessionSecret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
}

// Consumed reports whether the secret is no longer available.
func (s *SessionSecret) Consumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf == nil || !s.buf.IsAlive()
}

func (s *SessionSecret) destroyLocked() {
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
}
