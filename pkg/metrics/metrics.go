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

// Package metrics exposes Prometheus instrumentation for unlock flows,
// credential presence and the agent's HTTP endpoints.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all metrics.
	Namespace = "pairedkey"

	LabelOperation  = "operation"
	LabelDriver     = "driver"
	LabelStatus     = "status"
	LabelKind       = "kind"
	LabelEvent      = "event"
	LabelRoute      = "route"
	LabelStatusCode = "status_code"

	StatusSuccess = "success"
	StatusError   = "error"

	OpSetup    = "setup"
	OpRecover  = "recover"
	OpReset    = "reset"
	OpSign     = "sign"
	OpTLSAuth  = "tls_auth"
	OpDatabase = "database"
)

var (
	// OperationsTotal counts unlock flows by operation, driver and outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of operations by type, driver, and status",
		},
		[]string{LabelOperation, LabelDriver, LabelStatus},
	)

	// OperationDuration includes time spent waiting for the credential
	// and the PIN, so buckets reach into minutes.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{LabelOperation, LabelDriver},
	)

	// ErrorsTotal counts failures by operation and error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error kind",
		},
		[]string{LabelOperation, LabelKind},
	)

	DriverEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "driver_events_total",
			Help:      "Discovery events received from the security key driver",
		},
		[]string{LabelDriver, LabelEvent},
	)

	CredentialPresent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "credential_present",
			Help:      "Number of credentials currently connected",
		},
		[]string{LabelDriver},
	)

	Unlocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "unlocked",
			Help:      "Whether the protected resource is unlocked (1) or locked (0)",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Agent HTTP requests by route pattern and status code",
		},
		[]string{LabelRoute, LabelStatusCode},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Agent HTTP request latency by route pattern",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
		},
		[]string{LabelRoute},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	AgentUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "agent_uptime_seconds",
			Help:      "Agent uptime in seconds since startup",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation increments the operation counter and observes its
// duration in seconds.
func RecordOperation(operation, driver, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, driver, status).Inc()
	OperationDuration.WithLabelValues(operation, driver).Observe(duration)
}

// RecordError counts one failure of operation. kind is an error kind
// such as "hardware_io".
func RecordError(operation, kind string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, kind).Inc()
}

func RecordDriverEvent(driver, event string) {
	if !enabled.Load() {
		return
	}
	DriverEventsTotal.WithLabelValues(driver, event).Inc()
}

func SetCredentialsPresent(driver string, n int) {
	if !enabled.Load() {
		return
	}
	CredentialPresent.WithLabelValues(driver).Set(float64(n))
}

func SetUnlocked(unlocked bool) {
	if !enabled.Load() {
		return
	}
	if unlocked {
		Unlocked.Set(1)
		return
	}
	Unlocked.Set(0)
}

// RecordHTTPRequest is called by HTTPMiddleware; route is a chi pattern
// such as "/readyz", never a raw path.
func RecordHTTPRequest(route, statusCode string, seconds float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(route, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(seconds)
}

func Enable() {
	enabled.Store(true)
}

func Disable() {
	enabled.Store(false)
}

func IsEnabled() bool {
	return enabled.Load()
}
