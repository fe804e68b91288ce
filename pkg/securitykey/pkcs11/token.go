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

//go:build pkcs11

package pkcs11

import (
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ThalesGroup/crypto11"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/validation"
	"github.com/miekg/pkcs11"
)

// Token is one PKCS#11 token. Its ID is the token serial number.
type Token struct {
	drv     *Driver
	slot    uint
	id      securitykey.ID
	serial  string
	info    securitykey.Info
	present atomic.Bool
}

var (
	_ securitykey.Credential   = (*Token)(nil)
	_ securitykey.RandomSource = (*Token)(nil)
)

func newToken(d *Driver, slot uint, ti pkcs11.TokenInfo) *Token {
	serial := strings.TrimSpace(ti.SerialNumber)
	id := serialID(serial)
	retries := -1
	switch {
	case ti.Flags&pkcs11.CKF_USER_PIN_LOCKED != 0:
		retries = 0
	case ti.Flags&pkcs11.CKF_USER_PIN_FINAL_TRY != 0:
		retries = 1
	}
	t := &Token{
		drv:    d,
		slot:   slot,
		id:     id,
		serial: serial,
		info: securitykey.Info{
			ID:           id,
			Label:        validation.CleanLabel(ti.Label),
			Manufacturer: strings.TrimSpace(ti.ManufacturerID),
			Model:        strings.TrimSpace(ti.Model),
			Firmware:     fmt.Sprintf("%d.%d", ti.FirmwareVersion.Major, ti.FirmwareVersion.Minor),
			PINRetries:   retries,
			PINRequired:  ti.Flags&pkcs11.CKF_LOGIN_REQUIRED != 0,
			Algorithm:    securitykey.AlgorithmRSAOAEP,
			KeyBits:      d.cfg.RSABits,
		},
	}
	t.present.Store(true)
	return t
}

func (t *Token) ID() securitykey.ID     { return t.id }
func (t *Token) IsPresent() bool        { return t.present.Load() }
func (t *Token) Info() securitykey.Info { return t.info }
func (t *Token) Close() error           { return nil }

func (t *Token) markRemoved() {
	t.present.Store(false)
}

func (t *Token) check(ctx context.Context, op string) error {
	if !t.IsPresent() {
		return securitykey.Unresponsive(op, errors.New("token not present"))
	}
	if err := ctx.Err(); err != nil {
		return securitykey.Unresponsive(op, err)
	}
	return nil
}

// IsEmpty reports whether the token holds no publicly visible objects.
// Private objects are only visible after login and are not counted.
func (t *Token) IsEmpty(ctx context.Context) (bool, error) {
	const op = "is_empty"
	if err := t.check(ctx, op); err != nil {
		return false, err
	}
	p := t.drv.p11
	session, err := p.OpenSession(t.slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return false, classify(op, err)
	}
	defer p.CloseSession(session)

	if err := p.FindObjectsInit(session, nil); err != nil {
		return false, classify(op, err)
	}
	objs, _, err := p.FindObjects(session, 1)
	if ferr := p.FindObjectsFinal(session); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return false, classify(op, err)
	}
	return len(objs) == 0, nil
}

// login opens a crypto11 context on this token. The caller closes it.
func (t *Token) login(ctx context.Context, op string, pin *securitykey.PIN) (*crypto11.Context, error) {
	if err := t.check(ctx, op); err != nil {
		return nil, err
	}
	cfg := &crypto11.Config{
		Path:        t.drv.cfg.Library,
		TokenSerial: t.serial,
	}
	if pin == nil {
		cfg.LoginNotSupported = true
	} else {
		pw := pin.Bytes()
		cfg.Pin = string(pw)
		clear(pw)
	}
	c11, err := crypto11.Configure(cfg)
	if err != nil {
		return nil, classify(op, err)
	}
	return c11, nil
}

func (t *Token) findKey(c11 *crypto11.Context) (crypto11.Signer, error) {
	return c11.FindKeyPair(nil, []byte(t.drv.cfg.KeyLabel))
}

// GenerateOrFetchWrappingKey returns the RSA wrapping key, generating it
// on the token when missing.
func (t *Token) GenerateOrFetchWrappingKey(ctx context.Context, pin *securitykey.PIN) (crypto.PublicKey, error) {
	const op = "generate_or_fetch_wrapping_key"
	c11, err := t.login(ctx, op, pin)
	if err != nil {
		return nil, err
	}
	defer c11.Close()

	key, err := t.findKey(c11)
	if err != nil {
		return nil, classify(op, err)
	}
	if key == nil {
		label := []byte(t.drv.cfg.KeyLabel)
		key, err = c11.GenerateRSAKeyPairWithLabel(label, label, t.drv.cfg.RSABits)
		if err != nil {
			return nil, classify(op, err)
		}
		t.drv.cfg.Logger.Info("wrapping key generated", "credential", t.id.String(), "bits", t.drv.cfg.RSABits)
	}
	if err := t.check(ctx, op); err != nil {
		return nil, err
	}
	return key.Public(), nil
}

// Decrypt unwraps RSA-OAEP-SHA256 ciphertext on the token.
func (t *Token) Decrypt(ctx context.Context, pin *securitykey.PIN, alg securitykey.Algorithm, ciphertext, label []byte) ([]byte, error) {
	const op = "decrypt"
	if alg != securitykey.AlgorithmRSAOAEP {
		return nil, securitykey.NewError(op, fmt.Errorf("%w: %s", securitykey.ErrUnsupportedAlgorithm, alg))
	}
	c11, err := t.login(ctx, op, pin)
	if err != nil {
		return nil, err
	}
	defer c11.Close()

	key, err := t.findKey(c11)
	if err != nil {
		return nil, classify(op, err)
	}
	if key == nil {
		return nil, securitykey.NewError(op, securitykey.ErrNoKey)
	}
	dec, ok := key.(crypto.Decrypter)
	if !ok {
		return nil, securitykey.NewError(op, securitykey.ErrUnsupportedAlgorithm)
	}
	plaintext, err := dec.Decrypt(nil, ciphertext, &rsa.OAEPOptions{Hash: crypto.SHA256, Label: label})
	if err != nil {
		err = classify(op, err)
		if securitykey.KindOf(err) == securitykey.KindUnknown {
			err = &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
				Err: fmt.Errorf("%w: %v", securitykey.ErrDecryptionFailed, err)}
		}
		return nil, err
	}
	if err := t.check(ctx, op); err != nil {
		clear(plaintext)
		return nil, err
	}
	return plaintext, nil
}

// Reset deletes the wrapping keypair. Other objects on the token are
// left alone.
func (t *Token) Reset(ctx context.Context, pin *securitykey.PIN) error {
	const op = "reset"
	c11, err := t.login(ctx, op, pin)
	if err != nil {
		return err
	}
	defer c11.Close()

	key, err := t.findKey(c11)
	if err != nil {
		return classify(op, err)
	}
	if key == nil {
		return nil
	}
	if err := key.Delete(); err != nil {
		return classify(op, err)
	}
	t.drv.cfg.Logger.Info("wrapping key deleted", "credential", t.id.String())
	return nil
}

// GenerateRandom reads from the token RNG without logging in.
func (t *Token) GenerateRandom(ctx context.Context, n int) ([]byte, error) {
	const op = "generate_random"
	if err := t.check(ctx, op); err != nil {
		return nil, err
	}
	p := t.drv.p11
	session, err := p.OpenSession(t.slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, classify(op, err)
	}
	defer p.CloseSession(session)

	b, err := p.GenerateRandom(session, n)
	if err != nil {
		return nil, classify(op, err)
	}
	return b, nil
}
