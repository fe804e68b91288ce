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

// Package software implements a security key in process memory. Its key
// material is stored PIN-encrypted as PKCS#8 in a storage.Backend and it
// enforces a PIN retry counter like a PIV applet does. Devices can be
// inserted and removed through Driver to exercise presence handling
// without hardware.
package software

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/jeremyhahn/go-pairedkey/pkg/crypto/ecies"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/storage"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/argon2"
)

const (
	idLength          = securitykey.IDLength
	defaultMaxRetries = 3
	defaultRSABits    = 2048
	saltLength        = 16
)

// Config describes a simulated security key.
type Config struct {
	// ID is the credential identifier. A random 16 byte ID is used if nil.
	ID securitykey.ID

	Label string

	// PIN protects the key. Empty means the device has no PIN.
	PIN string

	// MaxRetries is the number of wrong PINs before the PIN blocks.
	MaxRetries int

	// Algorithm selects the wrapping key type. Defaults to ECIES P-256.
	Algorithm securitykey.Algorithm

	RSABits int

	// ForeignData marks a new device as holding unrelated data so pairing
	// asks for confirmation before overwriting it.
	ForeignData bool

	// Store persists device state. A memory backend is used if nil.
	Store storage.Backend

	// Latency is added to every hardware operation.
	Latency time.Duration
}

type state struct {
	ID          string                `json:"id"`
	Label       string                `json:"label"`
	PINSalt     []byte                `json:"pin_salt,omitempty"`
	PINHash     []byte                `json:"pin_hash,omitempty"`
	Retries     int                   `json:"retries"`
	MaxRetries  int                   `json:"max_retries"`
	Algorithm   securitykey.Algorithm `json:"algorithm"`
	RSABits     int                   `json:"rsa_bits"`
	Key         []byte                `json:"key,omitempty"`
	Certificate []byte                `json:"certificate,omitempty"`
	ForeignData bool                  `json:"foreign_data"`
}

// Device is a simulated credential. It satisfies securitykey.Credential,
// securitykey.RandomSource and securitykey.CertificateSigner.
type Device struct {
	mu      sync.Mutex
	store   storage.Backend
	st      state
	id      securitykey.ID
	latency time.Duration

	presenceMu sync.Mutex
	present    bool
	removed    chan struct{}

	hookMu sync.Mutex
	hook   func(op string)
}

var (
	_ securitykey.Credential        = (*Device)(nil)
	_ securitykey.RandomSource      = (*Device)(nil)
	_ securitykey.CertificateSigner = (*Device)(nil)
)

// DeviceKey returns the storage key of a device's persisted state.
func DeviceKey(id securitykey.ID) string {
	return "devices/" + id.String() + ".json"
}

// NewDevice loads the device with cfg.ID from cfg.Store, or initialises
// and persists a new one. A new device starts removed; insert it through
// a Driver.
func NewDevice(cfg Config) (*Device, error) {
	store := cfg.Store
	if store == nil {
		store = storage.NewMemory()
	}
	id := cfg.ID
	switch {
	case id.IsZero():
		id = make(securitykey.ID, idLength)
		if _, err := rand.Read(id); err != nil {
			return nil, fmt.Errorf("software: generate id: %w", err)
		}
	case !id.Valid():
		return nil, fmt.Errorf("software: %w: %d bytes", securitykey.ErrInvalidID, len(id))
	}

	d := &Device{
		store:   store,
		id:      id,
		latency: cfg.Latency,
		removed: closedChan(),
	}

	data, err := store.Get(DeviceKey(id))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &d.st); err != nil {
			return nil, fmt.Errorf("software: %w: %v", storage.ErrInvalidData, err)
		}
		return d, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("software: load device: %w", err)
	}

	d.st = state{
		ID:          id.String(),
		Label:       cfg.Label,
		MaxRetries:  cfg.MaxRetries,
		Algorithm:   cfg.Algorithm,
		RSABits:     cfg.RSABits,
		ForeignData: cfg.ForeignData,
	}
	if d.st.MaxRetries <= 0 {
		d.st.MaxRetries = defaultMaxRetries
	}
	if d.st.Algorithm == "" {
		d.st.Algorithm = securitykey.AlgorithmECIESP256
	}
	if d.st.RSABits == 0 {
		d.st.RSABits = defaultRSABits
	}
	if d.st.Label == "" {
		d.st.Label = "Software Key " + id.String()[:8]
	}
	d.st.Retries = d.st.MaxRetries
	if cfg.PIN != "" {
		d.st.PINSalt = make([]byte, saltLength)
		if _, err := rand.Read(d.st.PINSalt); err != nil {
			return nil, fmt.Errorf("software: generate salt: %w", err)
		}
		d.st.PINHash = hashPIN([]byte(cfg.PIN), d.st.PINSalt)
	}
	if err := d.save(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) ID() securitykey.ID {
	return d.id
}

func (d *Device) IsPresent() bool {
	d.presenceMu.Lock()
	defer d.presenceMu.Unlock()
	return d.present
}

func (d *Device) Info() securitykey.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := securitykey.Info{
		ID:           d.id,
		Label:        d.st.Label,
		Manufacturer: "go-pairedkey",
		Model:        "software " + string(d.st.Algorithm),
		Firmware:     "1.0.0",
		PINRetries:   d.st.Retries,
		PINRequired:  len(d.st.PINHash) > 0,
		Algorithm:    d.st.Algorithm,
	}
	if d.st.Algorithm == securitykey.AlgorithmRSAOAEP {
		info.KeyBits = d.st.RSABits
	}
	return info
}

// OnOperation installs a hook that runs at the start of every hardware
// operation, before presence is rechecked.
func (d *Device) OnOperation(hook func(op string)) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.hook = hook
}

func (d *Device) IsEmpty(ctx context.Context) (bool, error) {
	if err := d.begin(ctx, "is_empty"); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.st.Key) == 0 && !d.st.ForeignData, nil
}

func (d *Device) GenerateOrFetchWrappingKey(ctx context.Context, pin *securitykey.PIN) (crypto.PublicKey, error) {
	const op = "generate_or_fetch_wrapping_key"
	if err := d.begin(ctx, op); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	pw, err := d.verifyPIN(op, pin)
	if err != nil {
		return nil, err
	}
	defer clear(pw)

	if len(d.st.Key) > 0 {
		priv, err := d.privateKey(pw)
		if err != nil {
			return nil, securitykey.NewError(op, err)
		}
		return priv.Public(), nil
	}

	priv, err := d.generate()
	if err != nil {
		return nil, securitykey.NewError(op, err)
	}
	der, err := pkcs8.MarshalPrivateKey(priv, pw, nil)
	if err != nil {
		return nil, fmt.Errorf("software: encode key: %w", err)
	}
	cert, err := selfSigned(priv, d.st.Label)
	if err != nil {
		return nil, fmt.Errorf("software: certificate: %w", err)
	}
	if err := d.endCheck(ctx, op); err != nil {
		return nil, err
	}
	d.st.Key = der
	d.st.Certificate = cert
	d.st.ForeignData = false
	if err := d.save(); err != nil {
		return nil, err
	}
	return priv.Public(), nil
}

func (d *Device) Decrypt(ctx context.Context, pin *securitykey.PIN, alg securitykey.Algorithm, ciphertext, label []byte) ([]byte, error) {
	const op = "decrypt"
	if err := d.begin(ctx, op); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	pw, err := d.verifyPIN(op, pin)
	if err != nil {
		return nil, err
	}
	defer clear(pw)

	if len(d.st.Key) == 0 {
		return nil, securitykey.NewError(op, securitykey.ErrNoKey)
	}
	priv, err := d.privateKey(pw)
	if err != nil {
		return nil, securitykey.NewError(op, err)
	}

	var plaintext []byte
	switch k := priv.(type) {
	case *ecdsa.PrivateKey:
		if alg != securitykey.AlgorithmECIESP256 {
			return nil, securitykey.NewError(op, fmt.Errorf("%w: %s on EC key", securitykey.ErrUnsupportedAlgorithm, alg))
		}
		ek, err := k.ECDH()
		if err != nil {
			return nil, securitykey.NewError(op, fmt.Errorf("%w: %v", securitykey.ErrUnsupportedAlgorithm, err))
		}
		plaintext, err = ecies.Decrypt(ecies.PrivateKeyAgreement(ek), ciphertext, label)
		if err != nil {
			return nil, securitykey.NewError(op, fmt.Errorf("%w: %v", securitykey.ErrDecryptionFailed, err))
		}
	case *rsa.PrivateKey:
		if alg != securitykey.AlgorithmRSAOAEP {
			return nil, securitykey.NewError(op, fmt.Errorf("%w: %s on RSA key", securitykey.ErrUnsupportedAlgorithm, alg))
		}
		plaintext, err = rsa.DecryptOAEP(sha256.New(), nil, k, ciphertext, label)
		if err != nil {
			return nil, securitykey.NewError(op, fmt.Errorf("%w: %v", securitykey.ErrDecryptionFailed, err))
		}
	default:
		return nil, securitykey.NewError(op, securitykey.ErrUnsupportedAlgorithm)
	}

	if err := d.endCheck(ctx, op); err != nil {
		clear(plaintext)
		return nil, err
	}
	return plaintext, nil
}

// Reset erases the wrapping key and any foreign data. It needs the PIN
// unless the PIN is blocked, which it then unblocks.
func (d *Device) Reset(ctx context.Context, pin *securitykey.PIN) error {
	const op = "reset"
	if err := d.begin(ctx, op); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.st.Retries > 0 {
		pw, err := d.verifyPIN(op, pin)
		if err != nil {
			return err
		}
		clear(pw)
	}
	d.st.Key = nil
	d.st.Certificate = nil
	d.st.ForeignData = false
	d.st.Retries = d.st.MaxRetries
	return d.save()
}

func (d *Device) GenerateRandom(ctx context.Context, n int) ([]byte, error) {
	if err := d.begin(ctx, "generate_random"); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *Device) Signer(ctx context.Context, pin *securitykey.PIN) (crypto.Signer, error) {
	const op = "signer"
	if err := d.begin(ctx, op); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	pw, err := d.verifyPIN(op, pin)
	if err != nil {
		return nil, err
	}
	defer clear(pw)
	if len(d.st.Key) == 0 {
		return nil, securitykey.NewError(op, securitykey.ErrNoKey)
	}
	priv, err := d.privateKey(pw)
	if err != nil {
		return nil, securitykey.NewError(op, err)
	}
	return &presenceSigner{Signer: priv, dev: d}, nil
}

func (d *Device) Certificate(ctx context.Context) (*x509.Certificate, error) {
	if err := d.begin(ctx, "certificate"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.st.Certificate) == 0 {
		return nil, securitykey.NewError("certificate", securitykey.ErrNoKey)
	}
	return x509.ParseCertificate(d.st.Certificate)
}

func (d *Device) Close() error {
	return nil
}

// begin runs the operation hook and fails if the device is absent, has
// been removed or ctx is done. It then waits out the simulated latency.
func (d *Device) begin(ctx context.Context, op string) error {
	d.hookMu.Lock()
	hook := d.hook
	d.hookMu.Unlock()
	if hook != nil {
		hook(op)
	}

	d.presenceMu.Lock()
	present, removed := d.present, d.removed
	d.presenceMu.Unlock()
	if !present {
		return securitykey.Unresponsive(op, errors.New("device not present"))
	}
	if err := ctx.Err(); err != nil {
		return securitykey.Unresponsive(op, err)
	}
	if d.latency <= 0 {
		return nil
	}

	timer := time.NewTimer(d.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-removed:
		return securitykey.Unresponsive(op, errors.New("device removed"))
	case <-ctx.Done():
		return securitykey.Unresponsive(op, ctx.Err())
	}
}

// endCheck makes an operation fail if the device went away while it ran,
// so nothing it produced is committed.
func (d *Device) endCheck(ctx context.Context, op string) error {
	if !d.IsPresent() {
		return securitykey.Unresponsive(op, errors.New("device removed"))
	}
	if err := ctx.Err(); err != nil {
		return securitykey.Unresponsive(op, err)
	}
	return nil
}

// verifyPIN checks pin against the stored verifier and maintains the
// retry counter. It returns the PIN bytes for unlocking the key; the
// caller clears them. Must be called with d.mu held.
func (d *Device) verifyPIN(op string, pin *securitykey.PIN) ([]byte, error) {
	if len(d.st.PINHash) == 0 {
		return nil, nil
	}
	if d.st.Retries <= 0 {
		return nil, &securitykey.Error{Kind: securitykey.KindAuthenticationRejected, Op: op, Err: securitykey.ErrPINBlocked}
	}
	pw := pin.Bytes()
	if len(pw) == 0 {
		return nil, &securitykey.Error{Kind: securitykey.KindAuthenticationRejected, Op: op,
			Err: fmt.Errorf("%w: PIN required", securitykey.ErrPossessionProofRejected)}
	}
	if subtle.ConstantTimeCompare(hashPIN(pw, d.st.PINSalt), d.st.PINHash) != 1 {
		clear(pw)
		d.st.Retries--
		if err := d.save(); err != nil {
			return nil, err
		}
		if d.st.Retries == 0 {
			return nil, &securitykey.Error{Kind: securitykey.KindAuthenticationRejected, Op: op, Err: securitykey.ErrPINBlocked}
		}
		return nil, &securitykey.Error{Kind: securitykey.KindAuthenticationRejected, Op: op,
			Err: fmt.Errorf("%w: %d attempts left", securitykey.ErrPossessionProofRejected, d.st.Retries)}
	}
	if d.st.Retries != d.st.MaxRetries {
		d.st.Retries = d.st.MaxRetries
		if err := d.save(); err != nil {
			clear(pw)
			return nil, err
		}
	}
	return pw, nil
}

func (d *Device) privateKey(pw []byte) (crypto.Signer, error) {
	var (
		key any
		err error
	)
	if pw == nil {
		key, err = pkcs8.ParsePKCS8PrivateKey(d.st.Key)
	} else {
		key, err = pkcs8.ParsePKCS8PrivateKey(d.st.Key, pw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: key unreadable: %v", securitykey.ErrDecryptionFailed, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", securitykey.ErrUnsupportedAlgorithm, key)
	}
	return signer, nil
}

func (d *Device) generate() (crypto.Signer, error) {
	switch d.st.Algorithm {
	case securitykey.AlgorithmECIESP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case securitykey.AlgorithmRSAOAEP:
		return rsa.GenerateKey(rand.Reader, d.st.RSABits)
	}
	return nil, fmt.Errorf("%w: %s", securitykey.ErrUnsupportedAlgorithm, d.st.Algorithm)
}

func (d *Device) save() error {
	data, err := json.Marshal(d.st)
	if err != nil {
		return fmt.Errorf("software: encode state: %w", err)
	}
	if err := d.store.Put(DeviceKey(d.id), data); err != nil {
		return fmt.Errorf("software: save state: %w", err)
	}
	return nil
}

func (d *Device) setPresent(present bool) {
	d.presenceMu.Lock()
	defer d.presenceMu.Unlock()
	if present == d.present {
		return
	}
	d.present = present
	if present {
		d.removed = make(chan struct{})
	} else {
		close(d.removed)
	}
}

func hashPIN(pin, salt []byte) []byte {
	return argon2.IDKey(pin, salt, 1, 8*1024, 1, 32)
}

func selfSigned(priv crypto.Signer, label string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: label},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(5, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// presenceSigner refuses to sign once the device is removed.
type presenceSigner struct {
	crypto.Signer
	dev *Device
}

func (s *presenceSigner) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if !s.dev.IsPresent() {
		return nil, securitykey.Unresponsive("sign", errors.New("device removed"))
	}
	return s.Signer.Sign(random, digest, opts)
}
