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

// Package orchestrator decides on every start whether the application
// must pair a security key or recover its session secret from the key
// already paired, and runs that flow as a single cancellable task.
//
// Discovery events from the driver are consumed by one dispatcher
// goroutine. A task waiting for its credential is resumed when the
// credential is discovered and cancelled when it is removed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-pairedkey/pkg/keystore"
	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/metrics"
	"github.com/jeremyhahn/go-pairedkey/pkg/pairing"
	"github.com/jeremyhahn/go-pairedkey/pkg/ratelimit"
	"github.com/jeremyhahn/go-pairedkey/pkg/secret"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/wrapping"
)

var (
	// ErrTaskInFlight is returned when a setup or recovery task for the
	// same credential is already running.
	ErrTaskInFlight = errors.New("orchestrator: task already in flight")

	// ErrMultiplePairings is returned when more than one credential is
	// paired and no Selector was configured.
	ErrMultiplePairings = errors.New("orchestrator: multiple paired credentials")

	ErrNotStarted    = errors.New("orchestrator: not started")
	ErrClosed        = errors.New("orchestrator: closed")
	ErrAlreadyPaired = errors.New("orchestrator: a credential is already paired")
	ErrNotPaired     = errors.New("orchestrator: no credential is paired")

	// ErrSecretMissing is returned when a pairing record exists without
	// its wrapped secret. Only a reset recovers from this.
	ErrSecretMissing = errors.New("orchestrator: wrapped secret missing")

	errCredentialRemoved = errors.New("credential removed")
)

// setupKey is the task slot shared by all setup runs.
const setupKey = "setup"

// PINRequest describes the credential a PIN is requested for.
type PINRequest struct {
	Info    securitykey.Info
	Attempt int
	Setup   bool
}

// Prompter is the user-facing side of the flows. ConfirmOverwrite is
// asked before a credential holding data is wiped for pairing.
type Prompter interface {
	pairing.Confirmer

	// PIN returns the possession proof for the credential. A nil PIN is
	// passed through for credentials without one.
	PIN(ctx context.Context, req PINRequest) (*securitykey.PIN, error)

	// CredentialRequired tells the user to connect a credential. want is
	// empty during setup. It must not block.
	CredentialRequired(ctx context.Context, want securitykey.ID)
}

// Resource is the protected resource opened with the session secret. It
// must consume the secret.
type Resource interface {
	Unlock(ctx context.Context, s *secret.SessionSecret) error
}

// Selector chooses which record to recover when several credentials are
// paired.
type Selector func(ctx context.Context, records []*pairing.Record) (*pairing.Record, error)

type Config struct {
	Driver   securitykey.Driver
	Pairings *keystore.PairingStore
	Sessions *keystore.SessionStore
	Wrapper  *wrapping.Wrapper
	Prompter Prompter
	Logger   *logging.Logger

	// RNG selects the entropy source used during setup.
	RNG secret.Mode

	// PINAttempts is how many PINs a recovery asks for before giving up.
	// Defaults to 1.
	PINAttempts int
}

type Option func(*Orchestrator)

// WithSelector enables recovery with more than one paired credential.
func WithSelector(s Selector) Option {
	return func(o *Orchestrator) { o.selector = s }
}

// WithLimiter throttles PIN attempts per credential.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithObserver receives setup state transitions.
func WithObserver(obs pairing.Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

type task struct {
	id     string
	key    string
	cancel context.CancelCauseFunc

	mu   sync.Mutex
	cred securitykey.ID
}

// bind ties the task to a credential so removing it cancels the task.
func (t *task) bind(id securitykey.ID) {
	t.mu.Lock()
	t.cred = id
	t.mu.Unlock()
}

func (t *task) boundTo(id securitykey.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cred.Equal(id)
}

type waiter struct {
	want securitykey.ID
	ch   chan securitykey.Credential
}

// Orchestrator runs setup and recovery against one driver.
type Orchestrator struct {
	driver    securitykey.Driver
	pairings  *keystore.PairingStore
	sessions  *keystore.SessionStore
	wrapper   *wrapping.Wrapper
	prompter  Prompter
	logger    *logging.Logger
	rng       secret.Mode
	attempts  int
	selector  Selector
	limiter   *ratelimit.Limiter
	observers []pairing.Observer

	mu      sync.Mutex
	present map[string]securitykey.Credential
	tasks   map[string]*task
	waiters map[*waiter]struct{}
	removed map[string][]chan struct{}
	started bool
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and returns an orchestrator that is not yet
// receiving events. Call Start before EnsureUnlocked.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case cfg.Driver == nil:
		return nil, errors.New("orchestrator: driver is required")
	case cfg.Pairings == nil || cfg.Sessions == nil:
		return nil, errors.New("orchestrator: pairing and session stores are required")
	case cfg.Prompter == nil:
		return nil, errors.New("orchestrator: prompter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}
	if cfg.Wrapper == nil {
		cfg.Wrapper = wrapping.New(wrapping.Config{Logger: cfg.Logger})
	}
	if cfg.RNG == "" {
		cfg.RNG = secret.ModeSoftware
	}
	if cfg.PINAttempts <= 0 {
		cfg.PINAttempts = 1
	}

	o := &Orchestrator{
		driver:   cfg.Driver,
		pairings: cfg.Pairings,
		sessions: cfg.Sessions,
		wrapper:  cfg.Wrapper,
		prompter: cfg.Prompter,
		logger:   cfg.Logger,
		rng:      cfg.RNG,
		attempts: cfg.PINAttempts,
		present:  make(map[string]securitykey.Credential),
		tasks:    make(map[string]*task),
		waiters:  make(map[*waiter]struct{}),
		removed:  make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(nil)
	}
	return o, nil
}

// Start begins consuming driver events.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.dispatch(runCtx)

	if err := o.driver.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start %s driver: %w", o.driver.Name(), err)
	}
	o.logger.Debug("orchestrator started", "driver", o.driver.Name())
	return nil
}

// Close cancels running tasks, closes the driver and waits for the
// dispatcher to exit.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, t := range o.tasks {
		t.cancel(ErrClosed)
	}
	cancel := o.cancel
	o.mu.Unlock()

	err := o.driver.Close()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	return err
}

func (o *Orchestrator) dispatch(ctx context.Context) {
	defer o.wg.Done()
	events := o.driver.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev securitykey.Event) {
	driver := o.driver.Name()
	metrics.RecordDriverEvent(driver, ev.Type.String())

	switch ev.Type {
	case securitykey.EventDiscovered:
		if ev.Credential == nil {
			return
		}
		id := ev.Credential.ID()
		o.logger.Info("credential discovered", "credential", id.String())

		o.mu.Lock()
		o.present[id.String()] = ev.Credential
		for w := range o.waiters {
			if w.want.IsZero() || w.want.Equal(id) {
				w.ch <- ev.Credential
				delete(o.waiters, w)
			}
		}
		n := len(o.present)
		o.mu.Unlock()
		metrics.SetCredentialsPresent(driver, n)

	case securitykey.EventDisconnected:
		o.logger.Info("credential disconnected", "credential", ev.ID.String())

		o.mu.Lock()
		delete(o.present, ev.ID.String())
		for _, ch := range o.removed[ev.ID.String()] {
			close(ch)
		}
		delete(o.removed, ev.ID.String())
		for _, t := range o.tasks {
			if t.boundTo(ev.ID) {
				o.logger.Warn("cancelling task, credential removed", "task", t.id)
				t.cancel(errCredentialRemoved)
			}
		}
		n := len(o.present)
		o.mu.Unlock()
		metrics.SetCredentialsPresent(driver, n)

	case securitykey.EventDiscoveryFailed:
		o.logger.Warn("credential discovery failed", "error", ev.Err)
	}
}

// Present returns the credentials currently connected.
func (o *Orchestrator) Present() []securitykey.Credential {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]securitykey.Credential, 0, len(o.present))
	for _, c := range o.present {
		out = append(out, c)
	}
	return out
}

// Removed returns a channel that is closed when the credential with the
// given ID disconnects. It is already closed if the credential is not
// connected. Shutting down the orchestrator does not close it.
func (o *Orchestrator) Removed(id securitykey.ID) <-chan struct{} {
	ch := make(chan struct{})
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.present[id.String()]; !ok {
		close(ch)
		return ch
	}
	o.removed[id.String()] = append(o.removed[id.String()], ch)
	return ch
}

// WaitForCredential blocks until a credential with the given ID is
// connected. An empty want accepts any credential.
func (o *Orchestrator) WaitForCredential(ctx context.Context, want securitykey.ID) (securitykey.Credential, error) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil, ErrNotStarted
	}
	for _, c := range o.present {
		if (want.IsZero() || want.Equal(c.ID())) && c.IsPresent() {
			o.mu.Unlock()
			return c, nil
		}
	}
	w := &waiter{want: want, ch: make(chan securitykey.Credential, 1)}
	o.waiters[w] = struct{}{}
	o.mu.Unlock()

	o.prompter.CredentialRequired(ctx, want)

	select {
	case c := <-w.ch:
		return c, nil
	case <-ctx.Done():
		o.mu.Lock()
		delete(o.waiters, w)
		o.mu.Unlock()
		return nil, securitykey.Unresponsive("wait for credential", context.Cause(ctx))
	}
}

// acquire reserves the task slot for key. Any in-flight setup blocks
// every other task.
func (o *Orchestrator) acquire(ctx context.Context, key string) (*task, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, ErrClosed
	}
	if !o.started {
		return nil, nil, ErrNotStarted
	}
	if _, ok := o.tasks[key]; ok {
		return nil, nil, ErrTaskInFlight
	}
	if key == setupKey && len(o.tasks) > 0 {
		return nil, nil, ErrTaskInFlight
	}
	if _, ok := o.tasks[setupKey]; ok {
		return nil, nil, ErrTaskInFlight
	}
	tctx, cancel := context.WithCancelCause(ctx)
	t := &task{id: uuid.NewString(), key: key, cancel: cancel}
	o.tasks[key] = t
	return t, tctx, nil
}

func (o *Orchestrator) release(t *task) {
	o.mu.Lock()
	delete(o.tasks, t.key)
	o.mu.Unlock()
	t.cancel(nil)
}

// InFlight reports whether any task is running.
func (o *Orchestrator) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks) > 0
}

// run executes fn as the background task reserved under key and blocks
// until it finishes. Errors are classified; a removal of the bound
// credential always surfaces as ErrCredentialUnresponsive.
func (o *Orchestrator) run(ctx context.Context, op, key string, fn func(context.Context, *task) (*secret.SessionSecret, error)) (*secret.SessionSecret, error) {
	t, tctx, err := o.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer o.release(t)

	type result struct {
		s   *secret.SessionSecret
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		s, err := fn(tctx, t)
		done <- result{s, err}
	}()
	res := <-done

	status := metrics.StatusSuccess
	if res.err != nil {
		if cause := context.Cause(tctx); errors.Is(cause, errCredentialRemoved) && !errors.Is(res.err, securitykey.ErrCredentialUnresponsive) {
			res.err = securitykey.Unresponsive(op, res.err)
		}
		res.err = securitykey.NewError(op, res.err)
		status = metrics.StatusError
		metrics.RecordError(op, securitykey.KindOf(res.err).String())
		o.logger.Warn("task failed", "task", t.id, "op", op, "kind", securitykey.KindOf(res.err).String(), "error", res.err)
	} else {
		o.logger.Info("task complete", "task", t.id, "op", op)
	}
	metrics.RecordOperation(op, o.driver.Name(), status, time.Since(start).Seconds())
	return res.s, res.err
}
