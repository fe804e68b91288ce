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

package secret

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
)

// Mode selects where Generate draws entropy from.
type Mode string

const (
	// ModeSoftware uses crypto/rand.
	ModeSoftware Mode = "software"

	// ModeCredential uses the hardware RNG of a present credential and
	// fails if it has none.
	ModeCredential Mode = "credential"

	// ModeAuto prefers the credential RNG and falls back to software.
	ModeAuto Mode = "auto"
)

// ParseMode validates a configured mode. The empty string is ModeSoftware.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSoftware:
		return ModeSoftware, nil
	case ModeCredential, ModeAuto:
		return Mode(s), nil
	}
	return "", fmt.Errorf("secret: unknown rng mode %q", s)
}

// Source produces random bytes.
type Source interface {
	Rand(ctx context.Context, n int) ([]byte, error)
	Name() string
}

type readerSource struct {
	r    io.Reader
	name string
}

// SoftwareSource reads from crypto/rand.
func SoftwareSource() Source {
	return &readerSource{r: rand.Reader, name: string(ModeSoftware)}
}

// ReaderSource reads from r. It exists for tests and deterministic tools.
func ReaderSource(r io.Reader) Source {
	return &readerSource{r: r, name: "reader"}
}

func (s *readerSource) Name() string { return s.name }

func (s *readerSource) Rand(_ context.Context, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.r, b); err != nil {
		clear(b)
		return nil, err
	}
	return b, nil
}

type credentialSource struct {
	rng securitykey.RandomSource
}

// CredentialSource uses the credential's hardware RNG. ok is false when
// the credential has none.
func CredentialSource(cred securitykey.Credential) (src Source, ok bool) {
	rng, ok := cred.(securitykey.RandomSource)
	if !ok {
		return nil, false
	}
	return &credentialSource{rng: rng}, true
}

func (s *credentialSource) Name() string { return string(ModeCredential) }

func (s *credentialSource) Rand(ctx context.Context, n int) ([]byte, error) {
	return s.rng.GenerateRandom(ctx, n)
}

// Generator produces session secrets from a primary source and an
// optional fallback.
type Generator struct {
	primary  Source
	fallback Source
	logger   *logging.Logger
}

// NewGenerator creates a generator on crypto/rand.
func NewGenerator(logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Generator{primary: SoftwareSource(), logger: logger}
}

// NewGeneratorWithSource creates a generator that reads from source and,
// if fallback is non-nil, retries once on fallback when source fails.
func NewGeneratorWithSource(logger *logging.Logger, source, fallback Source) *Generator {
	g := NewGenerator(logger)
	if source != nil {
		g.primary = source
	}
	g.fallback = fallback
	return g
}

// ForCredential returns a generator configured for mode, drawing from
// cred where the mode asks for it.
func ForCredential(logger *logging.Logger, mode Mode, cred securitykey.Credential) (*Generator, error) {
	switch mode {
	case ModeSoftware, "":
		return NewGenerator(logger), nil
	case ModeCredential:
		src, ok := CredentialSource(cred)
		if !ok {
			return nil, fmt.Errorf("%w: credential has no hardware rng", ErrInsufficientEntropy)
		}
		return NewGeneratorWithSource(logger, src, nil), nil
	case ModeAuto:
		if src, ok := CredentialSource(cred); ok {
			return NewGeneratorWithSource(logger, src, SoftwareSource()), nil
		}
		return NewGenerator(logger), nil
	}
	return nil, fmt.Errorf("secret: unknown rng mode %q", mode)
}

// Generate returns a new secret of exactly length bytes.
func (g *Generator) Generate(ctx context.Context, length int) (*SessionSecret, error) {
	if length <= 0 || length > MaxLength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	b, err := g.read(ctx, g.primary, length)
	if err != nil && g.fallback != nil {
		g.logger.Warnf("secret: %s rng failed, falling back to %s: %v", g.primary.Name(), g.fallback.Name(), err)
		b, err = g.read(ctx, g.fallback, length)
	}
	if err != nil {
		return nil, err
	}
	return FromBytes(b)
}

func (g *Generator) read(ctx context.Context, src Source, n int) ([]byte, error) {
	b, err := src.Rand(ctx, n)
	if err != nil {
		if errors.Is(err, securitykey.ErrCredentialUnresponsive) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInsufficientEntropy, src.Name(), err)
	}
	if len(b) != n {
		clear(b)
		return nil, fmt.Errorf("%w: %s returned %d of %d bytes", ErrInsufficientEntropy, src.Name(), len(b), n)
	}
	return b, nil
}
