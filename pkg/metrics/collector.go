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

package metrics

import (
	"context"
	"runtime"
	"time"
)

// ResourceCollector periodically samples goroutines and uptime.
type ResourceCollector struct {
	interval time.Duration
	started  time.Time
}

func NewResourceCollector(interval time.Duration) *ResourceCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ResourceCollector{interval: interval, started: time.Now()}
}

// Run samples until ctx is done. It always returns nil so it can run in
// an errgroup.
func (rc *ResourceCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.collect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rc.collect()
		}
	}
}

func (rc *ResourceCollector) collect() {
	if !IsEnabled() {
		return
	}
	Goroutines.Set(float64(runtime.NumGoroutine()))
	AgentUptime.Set(time.Since(rc.started).Seconds())
}
