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

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeremyhahn/go-pairedkey/pkg/correlation"
	"github.com/jeremyhahn/go-pairedkey/pkg/health"
	"github.com/jeremyhahn/go-pairedkey/pkg/metrics"
	"github.com/jeremyhahn/go-pairedkey/pkg/orchestrator"
	"github.com/jeremyhahn/go-pairedkey/pkg/ratelimit"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/validation"
)

const (
	agentShutdownTimeout = 5 * time.Second
	agentRetryInterval   = 2 * time.Second
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Keep the database unlocked while the paired key is connected",
	Long: `Run in the foreground, unlocking the database whenever the paired security
key is connected and locking it again when the key is removed.

The agent serves /healthz, /readyz, /status and the Prometheus metrics
endpoint on agent.listen. Set PAIRKEY_PIN to run unattended; a rejected
PIN stops the agent rather than using up the key's PIN attempts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnvironment(cmd.Context(), appConfig, newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), false))
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()

		a := newAgent(env)

		ln, err := net.Listen("tcp", env.cfg.Agent.Listen)
		if err != nil {
			return err
		}
		return a.Run(cmd.Context(), ln)
	},
}

type agent struct {
	env     *environment
	checker *health.Checker
	limiter *ratelimit.Limiter
	retry   time.Duration
}

func newAgent(env *environment) *agent {
	checker := health.NewChecker()
	checker.Register(health.CheckCredential, env.orch.CredentialCheck())
	checker.Register(health.CheckResource, orchestrator.ResourceCheck(env.db.IsUnlocked))
	return &agent{
		env:     env,
		checker: checker,
		limiter: ratelimit.New(&ratelimit.Config{
			Enabled:           env.cfg.Agent.RequestsPerMin > 0,
			AttemptsPerMinute: env.cfg.Agent.RequestsPerMin,
		}),
		retry: agentRetryInterval,
	}
}

func (a *agent) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation.Middleware)
	r.Use(a.logRequests)
	r.Use(metrics.HTTPMiddleware)
	r.Use(ratelimit.Middleware(a.limiter))

	r.Method(http.MethodGet, "/healthz", a.checker.LiveHandler())
	r.Method(http.MethodGet, "/readyz", a.checker.Handler())
	r.Method(http.MethodGet, a.env.cfg.Agent.MetricsPath, promhttp.Handler())
	r.Get("/status", a.handleStatus)
	return r
}

func (a *agent) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.env.logger.Debug("agent request",
			"request_id", correlation.RequestID(r.Context()),
			"method", r.Method,
			"path", validation.SanitizeForLog(r.URL.Path),
			"duration", time.Since(start).String())
	})
}

func (a *agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.env.orch.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"paired":    st.Paired,
		"present":   st.Present,
		"in_flight": st.InFlight,
		"unlocked":  a.env.db.IsUnlocked(),
	})
}

// Run serves on ln and keeps the database unlocked until ctx is done.
func (a *agent) Run(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger := a.env.logger

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("agent listening", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), agentShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return metrics.NewResourceCollector(0).Run(ctx)
	})
	g.Go(func() error {
		return a.limiter.Run(ctx)
	})
	g.Go(func() error {
		return a.keepUnlocked(ctx)
	})
	a.checker.MarkStarted()

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// keepUnlocked unlocks the database whenever the paired credential is
// connected and locks it when the credential goes away.
func (a *agent) keepUnlocked(ctx context.Context) error {
	logger := a.env.logger
	for {
		err := a.env.orch.Unlock(ctx, a.env.db)
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			logger.Info("database unlocked", "path", a.env.db.Path())
			if err := a.waitForRemoval(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := a.env.db.Lock(); err != nil {
				logger.Error(err)
			}
			metrics.SetUnlocked(false)
			logger.Info("paired credential removed, database locked")
			continue
		case securitykey.KindOf(err) == securitykey.KindAuthenticationRejected, errors.Is(err, errPINRejected):
			return err
		default:
			logger.Warn("unlock failed", "error", err, "retry_in", a.retry.String())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.retry):
		}
	}
}

// waitForRemoval returns once no paired credential is connected.
func (a *agent) waitForRemoval(ctx context.Context) error {
	for {
		connected, err := a.env.orch.ConnectedPaired()
		if err != nil {
			return err
		}
		if len(connected) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.env.orch.Removed(connected[0]):
		}
	}
}
