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

package pairing

import (
	"context"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
)

// Confirmer asks the user before a credential that already holds data is
// wiped for pairing.
type Confirmer interface {
	ConfirmOverwrite(ctx context.Context, info securitykey.Info) (bool, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, info securitykey.Info) (bool, error)

func (f ConfirmerFunc) ConfirmOverwrite(ctx context.Context, info securitykey.Info) (bool, error) {
	return f(ctx, info)
}

// Manager pairs credentials.
type Manager struct {
	logger    *logging.Logger
	confirmer Confirmer
	observers []Observer
	now       func() time.Time
}

// NewManager creates a Manager. A nil confirmer declines every overwrite.
func NewManager(logger *logging.Logger, confirmer Confirmer, observers ...Observer) *Manager {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if confirmer == nil {
		confirmer = ConfirmerFunc(func(context.Context, securitykey.Info) (bool, error) { return false, nil })
	}
	return &Manager{
		logger:    logger,
		confirmer: confirmer,
		observers: observers,
		now:       time.Now,
	}
}

// Pair runs the setup flow against a present credential and returns the
// new pairing record. The credential is wiped first when it holds data
// and the user confirms. Nothing is persisted here.
func (m *Manager) Pair(ctx context.Context, cred securitykey.Credential, pin *securitykey.PIN) (*Record, error) {
	log := m.logger.With("credential", cred.ID().String())
	machine := NewMachine(append([]Observer{func(from, to State, ev Event) {
		log.Debug("pairing transition", "from", from, "to", to, "event", ev)
	}}, m.observers...)...)

	if !cred.IsPresent() {
		return nil, securitykey.Unresponsive("pair", fmt.Errorf("credential not present"))
	}
	if _, err := machine.Fire(EventCredentialDetected); err != nil {
		return nil, err
	}

	empty, err := cred.IsEmpty(ctx)
	if err != nil {
		return nil, m.fail(machine, "pair: check empty", err)
	}

	if empty {
		if _, err := machine.Fire(EventEmpty); err != nil {
			return nil, err
		}
	} else {
		if _, err := machine.Fire(EventNotEmpty); err != nil {
			return nil, err
		}
		ok, err := m.confirmer.ConfirmOverwrite(ctx, cred.Info())
		if err != nil {
			return nil, m.fail(machine, "pair: confirm overwrite", err)
		}
		if !ok {
			if _, err := machine.Fire(EventDeclined); err != nil {
				return nil, err
			}
			log.Info("overwrite declined")
			return nil, &securitykey.Error{Kind: securitykey.KindUserAborted, Op: "pair", Err: securitykey.ErrPairingAborted}
		}
		if _, err := machine.Fire(EventConfirmed); err != nil {
			return nil, err
		}
		if err := cred.Reset(ctx, pin); err != nil {
			return nil, m.fail(machine, "pair: reset", err)
		}
		log.Info("credential wiped for pairing")
	}

	pub, err := cred.GenerateOrFetchWrappingKey(ctx, pin)
	if err != nil {
		return nil, m.fail(machine, "pair: wrapping key", err)
	}
	rec, err := NewRecord(cred.ID(), pub, cred.Info().Label, m.now())
	if err != nil {
		return nil, m.fail(machine, "pair: record", err)
	}
	if _, err := machine.Fire(EventSucceeded); err != nil {
		return nil, err
	}
	log.Info("credential paired", "algorithm", rec.Algorithm)
	return rec, nil
}

func (m *Manager) fail(machine *Machine, op string, err error) error {
	if _, ferr := machine.Fire(EventFailed); ferr != nil {
		m.logger.Error(ferr)
	}
	return securitykey.NewError(op, err)
}
