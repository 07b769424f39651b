// Package obs provides the ambient logging and metrics surface shared
// across engines.
//
// Grounded on pkg/database/client.go's per-component prefixed
// log.Logger (log.New(log.Writer(), "[Database] ", log.LstdFlags)) —
// no pkg/* file in the teacher actually imports a structured logging
// library, so this repo follows the same stdlib-only convention.
package obs

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

// NewLogger returns a prefixed stdlib logger for one subsystem, e.g.
// NewLogger("ledger") logs lines prefixed "[ledger] ".
func NewLogger(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
}

// Metrics holds the Prometheus collectors exposed at /metrics, mirroring
// the original fida/metrics.py series (requests, request latency, events
// issued) under fes_-prefixed names (fes_requests_total,
// fes_request_latency_seconds, fes_events_issued_total) plus the
// ledger-specific counters this Go implementation adds.
type Metrics struct {
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	EventsIssued   *prometheus.CounterVec
	Checkpoints    *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
	VerifyResults  *prometheus.CounterVec
}

// NewMetrics registers and returns the collector set on the given
// registry. Pass prometheus.NewRegistry() for test isolation or
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fes_requests_total",
			Help: "Total HTTP requests by path, method, and status.",
		}, []string{"path", "method", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fes_request_latency_seconds",
			Help:    "Request latency in seconds by path and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
		EventsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fes_events_issued_total",
			Help: "Total ledger events issued, by tenant.",
		}, []string{"tenant_id"}),
		Checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fes_checkpoints_total",
			Help: "Total checkpoints sealed, by tenant.",
		}, []string{"tenant_id"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fes_rate_limited_total",
			Help: "Total requests rejected by the rate limiter, by key id.",
		}, []string{"key_id"}),
		VerifyResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fes_verify_results_total",
			Help: "Total /verify outcomes, by validity.",
		}, []string{"valid"}),
	}
	reg.MustRegister(m.Requests, m.RequestLatency, m.EventsIssued, m.Checkpoints, m.RateLimited, m.VerifyResults)
	return m
}
