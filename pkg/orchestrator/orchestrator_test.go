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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-pairedkey/pkg/health"
	"github.com/jeremyhahn/go-pairedkey/pkg/keystore"
	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/pairing"
	"github.com/jeremyhahn/go-pairedkey/pkg/ratelimit"
	"github.com/jeremyhahn/go-pairedkey/pkg/secret"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey/software"
	"github.com/jeremyhahn/go-pairedkey/pkg/storage"
	"github.com/jeremyhahn/go-pairedkey/pkg/wrapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testPIN = "123456"

type mockPrompter struct {
	mock.Mock
}

func (m *mockPrompter) ConfirmOverwrite(_ context.Context, info securitykey.Info) (bool, error) {
	args := m.Called(info.ID.String())
	return args.Bool(0), args.Error(1)
}

// PIN returns a fresh PIN per call because callers clear it.
func (m *mockPrompter) PIN(_ context.Context, req PINRequest) (*securitykey.PIN, error) {
	args := m.Called(req.Setup)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return securitykey.PINFromString(args.String(0))
}

func (m *mockPrompter) CredentialRequired(_ context.Context, want securitykey.ID) {
	m.Called(want.String())
}

type testEnv struct {
	backend  *storage.MemoryBackend
	pairings *keystore.PairingStore
	sessions *keystore.SessionStore
	driver   *software.Driver
	device   *software.Device
	prompter *mockPrompter
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, devCfg software.Config, opts ...Option) *testEnv {
	t.Helper()
	backend := storage.NewMemory()
	env := &testEnv{
		backend:  backend,
		pairings: keystore.NewPairingStore(backend),
		sessions: keystore.NewSessionStore(backend),
		prompter: &mockPrompter{},
	}
	env.prompter.On("CredentialRequired", mock.Anything).Maybe()

	if devCfg.PIN == "" {
		devCfg.PIN = testPIN
	}
	dev, err := software.NewDevice(devCfg)
	require.NoError(t, err)
	env.device = dev
	env.driver = software.NewDriver(logging.Discard())
	env.orch = env.newOrchestrator(t, opts...)
	return env
}

// newOrchestrator builds a started orchestrator over the env's stores
// and driver.
func (e *testEnv) newOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Driver:   e.driver,
		Pairings: e.pairings,
		Sessions: e.sessions,
		Prompter: e.prompter,
		Logger:   logging.Discard(),
	}, opts...)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func (e *testEnv) insert(t *testing.T) {
	t.Helper()
	require.NoError(t, e.driver.Insert(e.device))
	require.Eventually(t, func() bool { return len(e.orch.Present()) == 1 }, time.Second, time.Millisecond)
}

func (e *testEnv) remove(t *testing.T) {
	t.Helper()
	require.NoError(t, e.driver.Remove(e.device))
	e.waitAbsent(t)
}

func (e *testEnv) waitAbsent(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.orch.Present()) == 0 }, time.Second, time.Millisecond)
}

func (e *testEnv) snapshot(t *testing.T) map[string][]byte {
	t.Helper()
	keys, err := e.backend.List("")
	require.NoError(t, err)
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := e.backend.Get(k)
		require.NoError(t, err)
		out[k] = v
	}
	return out
}

func (e *testEnv) setup(t *testing.T) []byte {
	t.Helper()
	e.prompter.On("PIN", true).Return(testPIN, nil).Once()
	s, err := e.orch.EnsureUnlocked(context.Background())
	require.NoError(t, err)
	b, err := s.CopyAndDestroy()
	require.NoError(t, err)
	return b
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	backend := storage.NewMemory()
	_, err = New(Config{
		Driver:   software.NewDriver(nil),
		Pairings: keystore.NewPairingStore(backend),
		Sessions: keystore.NewSessionStore(backend),
	})
	assert.Error(t, err, "prompter is required")
}

func TestEnsureUnlocked_NotStarted(t *testing.T) {
	backend := storage.NewMemory()
	o, err := New(Config{
		Driver:   software.NewDriver(nil),
		Pairings: keystore.NewPairingStore(backend),
		Sessions: keystore.NewSessionStore(backend),
		Prompter: &mockPrompter{},
	})
	require.NoError(t, err)
	_, err = o.EnsureUnlocked(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

// Fresh install: setup leaves exactly one record and one blob.
func TestScenarioA_FreshSetup(t *testing.T) {
	env := newTestEnv(t, software.Config{Label: "setup key"})
	env.insert(t)

	b := env.setup(t)
	assert.Len(t, b, secret.DefaultLength)

	records, err := env.pairings.ListAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].CredentialID.Equal(env.device.ID()))
	assert.Equal(t, "setup key", records[0].Label)

	blobs, err := env.sessions.ListAll()
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.True(t, blobs[0].CredentialID.Equal(env.device.ID()))

	assert.Len(t, env.snapshot(t), 2)
	env.prompter.AssertExpectations(t)
}

// Correct credential and PIN return the secret generated at setup.
func TestScenarioB_Recovery(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)
	want := env.setup(t)

	env.prompter.On("PIN", false).Return(testPIN, nil).Once()
	s, err := env.orch.EnsureUnlocked(context.Background())
	require.NoError(t, err)
	got, err := s.CopyAndDestroy()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, got, 32)
}

func TestScenarioB_RecoveryRSA(t *testing.T) {
	env := newTestEnv(t, software.Config{Algorithm: securitykey.AlgorithmRSAOAEP})
	env.insert(t)
	want := env.setup(t)

	env.prompter.On("PIN", false).Return(testPIN, nil).Once()
	s, err := env.orch.Recover(context.Background())
	require.NoError(t, err)
	got, err := s.CopyAndDestroy()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// Wrong PIN is rejected and leaves the stores untouched.
func TestScenarioC_WrongPIN(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)
	env.setup(t)
	before := env.snapshot(t)

	env.prompter.On("PIN", false).Return("000000", nil).Once()
	s, err := env.orch.EnsureUnlocked(context.Background())
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Equal(t, securitykey.KindAuthenticationRejected, securitykey.KindOf(err))
	assert.ErrorIs(t, err, securitykey.ErrPossessionProofRejected)
	assert.True(t, securitykey.Retryable(err))
	assert.Equal(t, before, env.snapshot(t))
	assert.False(t, env.orch.InFlight())
}

func TestRecover_RetriesPIN(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.orch.attempts = 2
	env.insert(t)
	want := env.setup(t)

	env.prompter.On("PIN", false).Return("000000", nil).Once()
	env.prompter.On("PIN", false).Return(testPIN, nil).Once()
	s, err := env.orch.Recover(context.Background())
	require.NoError(t, err)
	got, err := s.CopyAndDestroy()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRecover_SuccessForgetsAttempts(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.orch.limiter = ratelimit.New(&ratelimit.Config{Enabled: true, AttemptsPerMinute: 1, Burst: 3})
	env.insert(t)
	env.setup(t)
	require.Equal(t, 1, env.orch.limiter.Keys())

	env.prompter.On("PIN", false).Return(testPIN, nil).Once()
	s, err := env.orch.Recover(context.Background())
	require.NoError(t, err)
	s.Destroy()
	assert.Equal(t, 0, env.orch.limiter.Keys())
}

// Removal mid-unwrap fails as hardware I/O, writes nothing, and a retry
// after reinsertion succeeds.
func TestScenarioD_RemovedMidUnwrap(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)
	want := env.setup(t)
	before := env.snapshot(t)

	var once sync.Once
	env.device.OnOperation(func(op string) {
		if op == "decrypt" {
			once.Do(func() { _ = env.driver.Remove(env.device) })
		}
	})

	env.prompter.On("PIN", false).Return(testPIN, nil).Once()
	s, err := env.orch.EnsureUnlocked(context.Background())
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Equal(t, securitykey.KindHardwareIO, securitykey.KindOf(err))
	assert.ErrorIs(t, err, securitykey.ErrCredentialUnresponsive)
	assert.Equal(t, before, env.snapshot(t))

	env.waitAbsent(t)
	env.device.OnOperation(nil)
	env.insert(t)

	env.prompter.On("PIN", false).Return(testPIN, nil).Once()
	s, err = env.orch.EnsureUnlocked(context.Background())
	require.NoError(t, err)
	got, err := s.CopyAndDestroy()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSetup_RemovedMidPairingPersistsNothing(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)

	var once sync.Once
	env.device.OnOperation(func(op string) {
		if op == "generate_or_fetch_wrapping_key" {
			once.Do(func() { _ = env.driver.Remove(env.device) })
		}
	})

	env.prompter.On("PIN", true).Return(testPIN, nil).Once()
	_, err := env.orch.EnsureUnlocked(context.Background())
	require.Error(t, err)
	assert.Equal(t, securitykey.KindHardwareIO, securitykey.KindOf(err))
	assert.Empty(t, env.snapshot(t))
}

func TestEnsureUnlocked_WaitsForCredential(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.prompter.On("PIN", true).Return(testPIN, nil).Once()

	done := make(chan error, 1)
	go func() {
		s, err := env.orch.EnsureUnlocked(context.Background())
		if err == nil {
			s.Destroy()
		}
		done <- err
	}()
	require.Eventually(t, env.orch.InFlight, time.Second, time.Millisecond)

	_, err := env.orch.EnsureUnlocked(context.Background())
	assert.ErrorIs(t, err, ErrTaskInFlight)
	assert.ErrorIs(t, env.orch.Reset(context.Background()), ErrTaskInFlight)

	require.NoError(t, env.driver.Insert(env.device))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("setup did not finish after the credential was inserted")
	}
	env.prompter.AssertCalled(t, "CredentialRequired", "")
}

func TestEnsureUnlocked_ContextTimeoutWhileWaiting(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.orch.EnsureUnlocked(ctx)
	require.Error(t, err)
	assert.Equal(t, securitykey.KindHardwareIO, securitykey.KindOf(err))
	assert.False(t, env.orch.InFlight())
}

// A secret longer than the RSA key can carry is refused before the PIN
// is asked for, so the credential is never wiped or re-keyed.
func TestSetup_SecretTooLongForRSAKey(t *testing.T) {
	env := newTestEnv(t, software.Config{Algorithm: securitykey.AlgorithmRSAOAEP})
	env.orch.wrapper = wrapping.New(wrapping.Config{SecretLength: 256, Logger: logging.Discard()})
	env.insert(t)

	_, err := env.orch.EnsureUnlocked(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, securitykey.ErrInvalidSecretLength)
	assert.Equal(t, securitykey.KindIntegrityFailure, securitykey.KindOf(err))
	assert.Empty(t, env.snapshot(t))

	empty, err := env.device.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.True(t, empty, "the credential must not be keyed")
	env.prompter.AssertNotCalled(t, "PIN", mock.Anything)
}

func TestSetup_OverwriteDeclined(t *testing.T) {
	env := newTestEnv(t, software.Config{ForeignData: true})
	env.insert(t)

	env.prompter.On("PIN", true).Return(testPIN, nil).Once()
	env.prompter.On("ConfirmOverwrite", env.device.ID().String()).Return(false, nil).Once()
	_, err := env.orch.EnsureUnlocked(context.Background())
	require.Error(t, err)
	assert.Equal(t, securitykey.KindUserAborted, securitykey.KindOf(err))
	assert.ErrorIs(t, err, securitykey.ErrPairingAborted)
	assert.Empty(t, env.snapshot(t))

	env.prompter.On("PIN", true).Return(testPIN, nil).Once()
	env.prompter.On("ConfirmOverwrite", env.device.ID().String()).Return(true, nil).Once()
	s, err := env.orch.EnsureUnlocked(context.Background())
	require.NoError(t, err)
	s.Destroy()
	assert.Len(t, env.snapshot(t), 2)
}

func TestSetup_AlreadyPaired(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)
	env.setup(t)

	_, err := env.orch.Setup(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyPaired)
}

func TestRecover_NotPaired(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	_, err := env.orch.Recover(context.Background())
	assert.ErrorIs(t, err, ErrNotPaired)
}

func TestRecover_SecretMissing(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)
	env.setup(t)
	require.NoError(t, env.sessions.Delete(env.device.ID()))

	_, err := env.orch.Recover(context.Background())
	assert.ErrorIs(t, err, ErrSecretMissing)
	assert.Equal(t, securitykey.KindIntegrityFailure, securitykey.KindOf(err))
}

func addForeignRecord(t *testing.T, env *testEnv) *pairing.Record {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	id := securitykey.ID{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	rec, err := pairing.NewRecord(id, &key.PublicKey, "other", time.Now())
	require.NoError(t, err)
	require.NoError(t, env.pairings.Put(rec))
	return rec
}

func TestRecover_MultiplePairings(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)
	want := env.setup(t)
	addForeignRecord(t, env)

	_, err := env.orch.Recover(context.Background())
	assert.ErrorIs(t, err, ErrMultiplePairings)

	require.NoError(t, env.orch.Close())
	env.driver = software.NewDriver(logging.Discard())
	selected := env.device.ID()
	env.orch = env.newOrchestrator(t, WithSelector(func(_ context.Context, records []*pairing.Record) (*pairing.Record, error) {
		for _, r := range records {
			if r.CredentialID.Equal(selected) {
				return r, nil
			}
		}
		return nil, errors.New("not found")
	}))
	env.insert(t)

	env.prompter.On("PIN", false).Return(testPIN, nil).Once()
	s, err := env.orch.Recover(context.Background())
	require.NoError(t, err)
	got, err := s.CopyAndDestroy()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReset_RunsSetupAgain(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)
	first := env.setup(t)

	require.NoError(t, env.orch.Reset(context.Background()))
	assert.Empty(t, env.snapshot(t))

	// The key now holds the old wrapping key, so pairing asks first.
	env.prompter.On("ConfirmOverwrite", env.device.ID().String()).Return(true, nil).Once()
	second := env.setup(t)
	assert.NotEqual(t, first, second)
}

type fakeResource struct {
	got []byte
	err error
}

func (r *fakeResource) Unlock(_ context.Context, s *secret.SessionSecret) error {
	if r.err != nil {
		return r.err
	}
	return s.Consume(func(b []byte) error {
		r.got = append([]byte(nil), b...)
		return nil
	})
}

func TestUnlock_HandsSecretToResource(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)
	want := env.setup(t)

	env.prompter.On("PIN", false).Return(testPIN, nil).Once()
	res := &fakeResource{}
	require.NoError(t, env.orch.Unlock(context.Background(), res))
	assert.Equal(t, want, res.got)

	env.prompter.On("PIN", false).Return(testPIN, nil).Once()
	res = &fakeResource{err: errors.New("bad key")}
	assert.Error(t, env.orch.Unlock(context.Background(), res))
}

func TestUnlock_FailureNeverOpensResource(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	env.insert(t)
	env.setup(t)

	env.prompter.On("PIN", false).Return("", errors.New("prompt closed")).Once()
	res := &fakeResource{}
	assert.Error(t, env.orch.Unlock(context.Background(), res))
	assert.Nil(t, res.got)
}

func TestStatusAndHealth(t *testing.T) {
	env := newTestEnv(t, software.Config{Label: "status key"})
	check := env.orch.CredentialCheck()

	assert.Equal(t, health.StatusDegraded, check(context.Background()).Status)

	env.insert(t)
	env.setup(t)
	assert.Equal(t, health.StatusHealthy, check(context.Background()).Status)

	st, err := env.orch.Status()
	require.NoError(t, err)
	require.Len(t, st.Paired, 1)
	require.Len(t, st.Present, 1)
	assert.Equal(t, "status key", st.Present[0].Label)
	assert.False(t, st.InFlight)

	env.remove(t)
	assert.Equal(t, health.StatusDegraded, check(context.Background()).Status)

	unlocked := false
	rc := ResourceCheck(func() bool { return unlocked })
	assert.Equal(t, health.StatusDegraded, rc(context.Background()).Status)
	unlocked = true
	assert.Equal(t, health.StatusHealthy, rc(context.Background()).Status)
}

func TestRemoved_ClosesOnDisconnect(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	id := env.device.ID()

	select {
	case <-env.orch.Removed(id):
	default:
		t.Fatal("channel for an absent credential should already be closed")
	}

	env.insert(t)
	env.setup(t)
	connected, err := env.orch.ConnectedPaired()
	require.NoError(t, err)
	require.Len(t, connected, 1)
	assert.True(t, connected[0].Equal(id))

	first, second := env.orch.Removed(id), env.orch.Removed(id)
	select {
	case <-first:
		t.Fatal("closed while the credential is connected")
	default:
	}

	require.NoError(t, env.driver.Remove(env.device))
	for _, ch := range []<-chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("not closed after disconnect")
		}
	}
	connected, err = env.orch.ConnectedPaired()
	require.NoError(t, err)
	assert.Empty(t, connected)
}

func TestClose(t *testing.T) {
	env := newTestEnv(t, software.Config{})
	require.NoError(t, env.orch.Close())
	require.NoError(t, env.orch.Close())

	_, err := env.orch.EnsureUnlocked(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, env.orch.Start(context.Background()), ErrClosed)
}
