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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/miekg/pkcs11"
)

const eventBuffer = 32

// Driver polls the module's slot list and reports tokens as they are
// inserted and removed.
type Driver struct {
	cfg Config
	p11 *pkcs11.Ctx

	mu     sync.Mutex
	tokens map[uint]*Token

	events    chan securitykey.Event
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

var _ securitykey.Driver = (*Driver)(nil)

// Open loads the module and returns a driver that is not yet polling.
func Open(cfg Config) (securitykey.Driver, error) {
	return NewDriver(cfg)
}

func NewDriver(cfg Config) (*Driver, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	p := pkcs11.New(cfg.Library)
	if p == nil {
		return nil, fmt.Errorf("pkcs11: failed to load library %s", cfg.Library)
	}
	if err := p.Initialize(); err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)) {
		p.Destroy()
		return nil, fmt.Errorf("pkcs11: initialize %s: %w", cfg.Library, err)
	}
	return &Driver{
		cfg:    cfg,
		p11:    p,
		tokens: make(map[uint]*Token),
		events: make(chan securitykey.Event, eventBuffer),
		done:   make(chan struct{}),
	}, nil
}

func (d *Driver) Name() string { return "pkcs11" }

func (d *Driver) Events() <-chan securitykey.Event {
	return d.events
}

// Start polls once synchronously, so tokens already inserted are
// reported before it returns, then keeps polling in the background.
func (d *Driver) Start(ctx context.Context) error {
	select {
	case <-d.done:
		return errors.New("pkcs11: driver closed")
	default:
	}
	d.startOnce.Do(func() {
		d.poll()
		d.wg.Add(1)
		go d.run()
	})
	return nil
}

func (d *Driver) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.poll()
		}
	}
}

func (d *Driver) poll() {
	slots, err := d.p11.GetSlotList(true)
	if err != nil {
		d.emit(securitykey.Event{Type: securitykey.EventDiscoveryFailed, Err: fmt.Errorf("pkcs11: slot list: %w", err)})
		return
	}
	seen := make(map[uint]bool, len(slots))
	for _, slot := range slots {
		seen[slot] = true
		d.mu.Lock()
		_, known := d.tokens[slot]
		d.mu.Unlock()
		if known {
			continue
		}
		info, err := d.p11.GetTokenInfo(slot)
		if err != nil {
			d.emit(securitykey.Event{Type: securitykey.EventDiscoveryFailed, Err: fmt.Errorf("pkcs11: token info for slot %d: %w", slot, err)})
			continue
		}
		tok := newToken(d, slot, info)
		d.mu.Lock()
		d.tokens[slot] = tok
		d.mu.Unlock()
		d.cfg.Logger.Debug("token inserted", "slot", slot, "credential", tok.ID().String())
		d.emit(securitykey.Event{Type: securitykey.EventDiscovered, Credential: tok, ID: tok.ID()})
	}

	d.mu.Lock()
	var removed []*Token
	for slot, tok := range d.tokens {
		if !seen[slot] {
			delete(d.tokens, slot)
			removed = append(removed, tok)
		}
	}
	d.mu.Unlock()
	for _, tok := range removed {
		tok.markRemoved()
		d.cfg.Logger.Debug("token removed", "slot", tok.slot, "credential", tok.ID().String())
		d.emit(securitykey.Event{Type: securitykey.EventDisconnected, ID: tok.ID()})
	}
}

func (d *Driver) emit(ev securitykey.Event) {
	ev.Time = time.Now()
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

// Close stops polling, closes Events and unloads the module.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		close(d.events)

		d.mu.Lock()
		for _, tok := range d.tokens {
			tok.markRemoved()
		}
		d.mu.Unlock()

		err = d.p11.Finalize()
		d.p11.Destroy()
	})
	return err
}

// classify maps PKCS#11 return values onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rv pkcs11.Error
	if errors.As(err, &rv) {
		switch rv {
		case pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_LEN_RANGE, pkcs11.CKR_PIN_INVALID:
			return &securitykey.Error{Kind: securitykey.KindAuthenticationRejected, Op: op,
				Err: fmt.Errorf("%w: %v", securitykey.ErrPossessionProofRejected, err)}
		case pkcs11.CKR_PIN_LOCKED:
			return &securitykey.Error{Kind: securitykey.KindAuthenticationRejected, Op: op,
				Err: fmt.Errorf("%w: %v", securitykey.ErrPINBlocked, err)}
		case pkcs11.CKR_DEVICE_REMOVED, pkcs11.CKR_TOKEN_NOT_PRESENT, pkcs11.CKR_DEVICE_ERROR,
			pkcs11.CKR_SESSION_HANDLE_INVALID, pkcs11.CKR_SESSION_CLOSED, pkcs11.CKR_SLOT_ID_INVALID:
			return securitykey.Unresponsive(op, err)
		case pkcs11.CKR_ENCRYPTED_DATA_INVALID, pkcs11.CKR_ENCRYPTED_DATA_LEN_RANGE:
			return &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
				Err: fmt.Errorf("%w: %v", securitykey.ErrDecryptionFailed, err)}
		}
	}
	return securitykey.NewError(op, err)
}
