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

// Package ratelimit throttles repeated attempts per key. The orchestrator
// keys it by credential so a script cannot burn through the PIN retry
// counter, and the agent keys it by remote address.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned by Wait when the next token lies beyond the
// context deadline.
var ErrLimited = errors.New("ratelimit: too many attempts")

type Config struct {
	Enabled bool

	// AttemptsPerMinute is the sustained rate per key.
	AttemptsPerMinute int

	// Burst defaults to AttemptsPerMinute.
	Burst int

	// SweepInterval and MaxIdle control how Run forgets idle keys.
	SweepInterval time.Duration
	MaxIdle       time.Duration
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter hands out one token bucket per key. The zero-config limiter
// (New(nil)) allows everything.
type Limiter struct {
	limit   rate.Limit
	burst   int
	enabled bool
	sweep   time.Duration
	maxIdle time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{}
	}
	l := &Limiter{
		limit:   rate.Limit(float64(cfg.AttemptsPerMinute) / 60),
		burst:   cfg.Burst,
		enabled: cfg.Enabled && cfg.AttemptsPerMinute > 0,
		sweep:   cfg.SweepInterval,
		maxIdle: cfg.MaxIdle,
		buckets: map[string]*bucket{},
	}
	if l.burst <= 0 {
		l.burst = cfg.AttemptsPerMinute
	}
	if l.sweep <= 0 {
		l.sweep = 10 * time.Minute
	}
	if l.maxIdle <= 0 {
		l.maxIdle = 30 * time.Minute
	}
	return l
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = time.Now()
	return b.lim
}

// Allow reports whether an attempt for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}
	return l.bucketFor(key).Allow()
}

// Wait blocks until an attempt for key may proceed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.enabled {
		return nil
	}
	err := l.bucketFor(key).Wait(ctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return ErrLimited
	}
}

// Forget drops the bucket for key, restoring its full burst. The
// orchestrator calls it after a successful unlock.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Keys returns how many keys currently hold a bucket.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run forgets keys idle for longer than MaxIdle until ctx ends. It
// returns nil so it can run in an errgroup.
func (l *Limiter) Run(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.prune(now)
		}
	}
}

func (l *Limiter) prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.seen) > l.maxIdle {
			delete(l.buckets, key)
		}
	}
}

// Middleware answers 429 with a Retry-After header once a client
// address runs out of tokens.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.enabled {
				next.ServeHTTP(w, r)
				return
			}
			res := l.bucketFor(remoteHost(r)).Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
