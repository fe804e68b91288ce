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

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticCheck(status Status) CheckFunc {
	return func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	}
}

func TestReadySortedAndNamed(t *testing.T) {
	c := NewChecker()
	c.Register(CheckResource, staticCheck(StatusHealthy))
	c.Register(CheckCredential, staticCheck(StatusDegraded))
	c.Register("nil", nil)

	results := c.Ready(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, CheckCredential, results[0].Name)
	assert.Equal(t, CheckResource, results[1].Name)
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []CheckResult
			for _, s := range tt.statuses {
				results = append(results, CheckResult{Status: s})
			}
			assert.Equal(t, tt.want, AggregateStatus(results))
		})
	}
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	c.Register(CheckCredential, staticCheck(StatusDegraded))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not started yet")

	c.MarkStarted()
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Started)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, CheckCredential, report.Checks[0].Name)
}

func TestReady_CheckTimeout(t *testing.T) {
	c := NewChecker()
	c.timeout = 10 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	c.Register(CheckCredential, func(ctx context.Context) CheckResult {
		<-release
		return CheckResult{Status: StatusHealthy}
	})
	c.Register(CheckResource, staticCheck(StatusHealthy))

	results := c.Ready(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusUnhealthy, results[0].Status)
	assert.NotEmpty(t, results[0].Error)
	assert.Equal(t, StatusHealthy, results[1].Status)
	assert.Equal(t, StatusUnhealthy, AggregateStatus(results))
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
