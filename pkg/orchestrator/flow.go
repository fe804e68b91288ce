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

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-pairedkey/pkg/keystore"
	"github.com/jeremyhahn/go-pairedkey/pkg/metrics"
	"github.com/jeremyhahn/go-pairedkey/pkg/pairing"
	"github.com/jeremyhahn/go-pairedkey/pkg/secret"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/wrapping"
)

// Status is a snapshot for display.
type Status struct {
	Paired   []*pairing.Record  `json:"paired"`
	Present  []securitykey.Info `json:"present"`
	InFlight bool               `json:"in_flight"`
}

// EnsureUnlocked returns the session secret, running setup when nothing
// is paired and recovery otherwise. It blocks until the task finishes.
// The caller owns the returned secret and must consume or destroy it.
func (o *Orchestrator) EnsureUnlocked(ctx context.Context) (*secret.SessionSecret, error) {
	empty, err := o.pairings.IsEmpty()
	if err != nil {
		return nil, err
	}
	if empty {
		return o.Setup(ctx)
	}
	return o.Recover(ctx)
}

// Unlock obtains the session secret and hands it to res. The secret is
// destroyed afterwards whether or not res consumed it.
func (o *Orchestrator) Unlock(ctx context.Context, res Resource) error {
	s, err := o.EnsureUnlocked(ctx)
	if err != nil {
		metrics.SetUnlocked(false)
		return err
	}
	defer s.Destroy()

	if err := res.Unlock(ctx, s); err != nil {
		metrics.SetUnlocked(false)
		return fmt.Errorf("orchestrator: unlock resource: %w", err)
	}
	metrics.SetUnlocked(true)
	return nil
}

// Setup pairs the first credential that is connected, generates a new
// session secret and persists it wrapped under the credential's key.
func (o *Orchestrator) Setup(ctx context.Context) (*secret.SessionSecret, error) {
	empty, err := o.pairings.IsEmpty()
	if err != nil {
		return nil, err
	}
	if !empty {
		return nil, ErrAlreadyPaired
	}
	return o.run(ctx, metrics.OpSetup, setupKey, o.setup)
}

func (o *Orchestrator) setup(ctx context.Context, t *task) (_ *secret.SessionSecret, err error) {
	const op = "setup"

	// Another setup may have completed since Setup checked.
	empty, err := o.pairings.IsEmpty()
	if err != nil {
		return nil, err
	}
	if !empty {
		return nil, ErrAlreadyPaired
	}

	cred, err := o.WaitForCredential(ctx, nil)
	if err != nil {
		return nil, err
	}
	t.bind(cred.ID())
	if !cred.IsPresent() {
		return nil, securitykey.Unresponsive(op, errCredentialRemoved)
	}
	log := o.logger.With("task", t.id, "credential", cred.ID().String())

	info := cred.Info()
	if err := o.wrapper.CheckCredential(info); err != nil {
		return nil, err
	}
	pin, err := o.prompter.PIN(ctx, PINRequest{Info: info, Attempt: 1, Setup: true})
	if err != nil {
		return nil, err
	}
	defer pin.Clear()
	if err := o.limiter.Wait(ctx, cred.ID().String()); err != nil {
		return nil, err
	}

	gen, err := secret.ForCredential(log, o.rng, cred)
	if err != nil {
		return nil, err
	}
	s, err := gen.Generate(ctx, o.wrapper.SecretLength())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.Destroy()
		}
	}()

	rec, err := pairing.NewManager(log, o.prompter, o.observers...).Pair(ctx, cred, pin)
	if err != nil {
		return nil, err
	}
	blob, err := o.wrapper.Wrap(rec, s)
	if err != nil {
		return nil, err
	}
	if err := committable(ctx, cred, op); err != nil {
		return nil, err
	}
	if err := o.persist(rec, blob); err != nil {
		return nil, err
	}
	log.Info("setup complete", "algorithm", rec.Algorithm)
	return s, nil
}

// committable fails if the task was cancelled or the credential went away
// while the flow ran.
func committable(ctx context.Context, cred securitykey.Credential, op string) error {
	if ctx.Err() != nil {
		return securitykey.Unresponsive(op, context.Cause(ctx))
	}
	if !cred.IsPresent() {
		return securitykey.Unresponsive(op, errCredentialRemoved)
	}
	return nil
}

// persist writes the record, then the blob. The record is removed again if
// the blob cannot be written so a half-finished pairing never survives.
func (o *Orchestrator) persist(rec *pairing.Record, blob *wrapping.Blob) error {
	if err := o.pairings.Put(rec); err != nil {
		return err
	}
	if err := o.sessions.Put(blob); err != nil {
		if derr := o.pairings.Delete(rec.CredentialID); derr != nil {
			o.logger.Error(derr)
		}
		return err
	}
	return nil
}

// Recover unwraps the session secret with the paired credential, waiting
// for it to be connected.
func (o *Orchestrator) Recover(ctx context.Context) (*secret.SessionSecret, error) {
	rec, err := o.selectRecord(ctx)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, metrics.OpRecover, rec.CredentialID.String(), func(ctx context.Context, t *task) (*secret.SessionSecret, error) {
		return o.recover(ctx, t, rec)
	})
}

func (o *Orchestrator) recover(ctx context.Context, t *task, rec *pairing.Record) (*secret.SessionSecret, error) {
	const op = "recover"
	t.bind(rec.CredentialID)
	log := o.logger.With("task", t.id, "credential", rec.CredentialID.String())

	blob, err := o.sessions.Get(rec.CredentialID)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, &securitykey.Error{Kind: securitykey.KindIntegrityFailure, Op: op,
				Err: fmt.Errorf("%w: %s", ErrSecretMissing, rec.CredentialID)}
		}
		return nil, err
	}

	cred, err := o.WaitForCredential(ctx, rec.CredentialID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		pin, err := o.prompter.PIN(ctx, PINRequest{Info: cred.Info(), Attempt: attempt})
		if err != nil {
			return nil, err
		}
		if err := o.limiter.Wait(ctx, rec.CredentialID.String()); err != nil {
			pin.Clear()
			return nil, err
		}
		s, err := o.wrapper.Unwrap(ctx, cred, pin, rec, blob)
		pin.Clear()
		if err == nil {
			o.limiter.Forget(rec.CredentialID.String())
			log.Info("session secret recovered")
			return s, nil
		}
		lastErr = err
		if securitykey.KindOf(err) != securitykey.KindAuthenticationRejected || errors.Is(err, securitykey.ErrPINBlocked) {
			return nil, err
		}
		log.Warn("PIN rejected", "attempt", attempt)
	}
	return nil, lastErr
}

func (o *Orchestrator) selectRecord(ctx context.Context) (*pairing.Record, error) {
	records, err := o.pairings.ListAll()
	if err != nil {
		return nil, err
	}
	switch {
	case len(records) == 0:
		return nil, ErrNotPaired
	case len(records) == 1:
		return records[0], nil
	case o.selector == nil:
		return nil, fmt.Errorf("%w: %d records", ErrMultiplePairings, len(records))
	}
	return o.selector(ctx, records)
}

// Reset forgets every pairing and wrapped secret. The next EnsureUnlocked
// runs setup. Data protected by the old secret becomes unrecoverable.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if len(o.tasks) > 0 {
		o.mu.Unlock()
		return ErrTaskInFlight
	}
	// Holding the setup slot keeps new tasks out while deleting.
	t := &task{id: uuid.NewString(), key: setupKey, cancel: func(error) {}}
	o.tasks[setupKey] = t
	o.mu.Unlock()
	defer o.release(t)

	records, err := o.pairings.ListAll()
	if err != nil {
		return err
	}
	blobs, err := o.sessions.ListAll()
	if err != nil {
		return err
	}
	for _, b := range blobs {
		if err := o.sessions.Delete(b.CredentialID); err != nil && !errors.Is(err, keystore.ErrNotFound) {
			return err
		}
	}
	for _, r := range records {
		if err := o.pairings.Delete(r.CredentialID); err != nil && !errors.Is(err, keystore.ErrNotFound) {
			return err
		}
	}
	metrics.SetUnlocked(false)
	o.logger.Info("pairing reset", "task", t.id, "records", len(records), "secrets", len(blobs))
	return ctx.Err()
}

// Status reports paired and connected credentials.
func (o *Orchestrator) Status() (*Status, error) {
	records, err := o.pairings.ListAll()
	if err != nil {
		return nil, err
	}
	st := &Status{Paired: records, InFlight: o.InFlight()}
	for _, c := range o.Present() {
		st.Present = append(st.Present, c.Info())
	}
	return st, nil
}
