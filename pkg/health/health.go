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

// Package health reports liveness and readiness for the pairedkey agent.
// Readiness is driven by registered checks; the agent registers one for
// credential presence and one for the protected resource.
package health

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy Status = "healthy"
	// StatusDegraded means the agent works but cannot unlock right now,
	// for example because no credential is connected.
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses from best to worst.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

const (
	CheckCredential = "credential"
	CheckResource   = "resource"
)

// DefaultCheckTimeout bounds a single check. A PKCS#11 slot poll can
// hang on a misbehaving reader; the probe must still answer.
const DefaultCheckTimeout = 2 * time.Second

type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

type CheckFunc func(ctx context.Context) CheckResult

// Report is the JSON body served by Handler.
type Report struct {
	Status  Status        `json:"status"`
	Uptime  string        `json:"uptime"`
	Started bool          `json:"started"`
	Checks  []CheckResult `json:"checks"`
}

type Checker struct {
	timeout time.Duration
	since   time.Time

	mu      sync.RWMutex
	started bool
	checks  map[string]CheckFunc
}

func NewChecker() *Checker {
	return &Checker{
		timeout: DefaultCheckTimeout,
		since:   time.Now(),
		checks:  map[string]CheckFunc{},
	}
}

// Register adds or replaces a named readiness check. A nil check is
// ignored.
func (c *Checker) Register(name string, check CheckFunc) {
	if check == nil {
		return
	}
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// MarkStarted flips readiness on once the agent is serving.
func (c *Checker) MarkStarted() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
}

// Ready runs every registered check concurrently, each under the check
// timeout, and returns the results sorted by name. A check that does
// not return in time is reported unhealthy.
func (c *Checker) Ready(ctx context.Context) []CheckResult {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	funcs := make([]CheckFunc, 0, len(c.checks))
	for name, fn := range c.checks {
		names = append(names, name)
		funcs = append(funcs, fn)
	}
	c.mu.RUnlock()

	results := make([]CheckResult, len(funcs))
	var g errgroup.Group
	for i := range funcs {
		g.Go(func() error {
			results[i] = c.run(ctx, names[i], funcs[i])
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(results, func(a, b CheckResult) int { return cmp.Compare(a.Name, b.Name) })
	return results
}

func (c *Checker) run(ctx context.Context, name string, fn CheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() { done <- fn(ctx) }()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	}
	res.Latency = time.Since(start)
	if res.Name == "" {
		res.Name = name
	}
	return res
}

// Report aggregates Ready into a single status. An agent that has not
// finished starting is always unhealthy.
func (c *Checker) Report(ctx context.Context) Report {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()

	results := c.Ready(ctx)
	status := AggregateStatus(results)
	if !started {
		status = StatusUnhealthy
	}
	return Report{
		Status:  status,
		Uptime:  time.Since(c.since).Round(time.Second).String(),
		Started: started,
		Checks:  results,
	}
}

// Handler serves Report as JSON. Unhealthy reports get 503; degraded
// ones still get 200 so a missing credential does not restart the agent.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Report(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
}

// LiveHandler always answers 200 while the process can serve HTTP.
func (c *Checker) LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, CheckResult{Name: "liveness", Status: StatusHealthy})
	})
}

// AggregateStatus returns the worst status in results, or healthy when
// there are none.
func AggregateStatus(results []CheckResult) Status {
	worst := StatusHealthy
	for _, r := range results {
		if r.Status.rank() > worst.rank() {
			worst = r.Status
		}
		if worst.rank() == StatusUnhealthy.rank() {
			return StatusUnhealthy
		}
	}
	return worst
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
