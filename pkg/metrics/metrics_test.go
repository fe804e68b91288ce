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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpRecover, "test", StatusSuccess))
	RecordOperation(OpRecover, "test", StatusSuccess, 0.2)
	after := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpRecover, "test", StatusSuccess))
	assert.Equal(t, before+1, after)
}

func TestRecordError(t *testing.T) {
	before := testutil.ToFloat64(ErrorsTotal.WithLabelValues(OpSetup, "hardware_io"))
	RecordError(OpSetup, "hardware_io")
	assert.Equal(t, before+1, testutil.ToFloat64(ErrorsTotal.WithLabelValues(OpSetup, "hardware_io")))
}

func TestGauges(t *testing.T) {
	SetUnlocked(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(Unlocked))
	SetUnlocked(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(Unlocked))

	SetCredentialsPresent("test", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(CredentialPresent.WithLabelValues("test")))
}

func TestDisable(t *testing.T) {
	Disable()
	defer Enable()
	assert.False(t, IsEnabled())

	before := testutil.ToFloat64(DriverEventsTotal.WithLabelValues("test", "discovered"))
	RecordDriverEvent("test", "discovered")
	assert.Equal(t, before, testutil.ToFloat64(DriverEventsTotal.WithLabelValues("test", "discovered")))
}

func TestHTTPMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})

	readyBefore := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/readyz", "503"))
	statusBefore := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/status", "200"))
	missBefore := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(unmatchedRoute, "404"))

	for _, path := range []string{"/readyz", "/status", "/nope/123"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, readyBefore+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/readyz", "503")))
	assert.Equal(t, statusBefore+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("/status", "200")))
	assert.Equal(t, missBefore+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(unmatchedRoute, "404")))
}

func TestResourceCollector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rc := NewResourceCollector(time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- rc.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Greater(t, testutil.ToFloat64(Goroutines), 0.0)
}
