// Package metrics holds the Prometheus collectors shared by the ledger, the
// sweeper and the HTTP server. A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry          *prometheus.Registry
	locksTotal        *prometheus.CounterVec
	claimsTotal       *prometheus.CounterVec
	refundsTotal      *prometheus.CounterVec
	transferAttempts  *prometheus.CounterVec
	sweepsTotal       *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	httpRequestsTotal *prometheus.CounterVec
	dlqDepth          prometheus.Gauge
}

func New() *Registry {
	locks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giftlock_locks_total",
		Help: "Total number of lock attempts",
	}, []string{"status"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giftlock_claims_total",
		Help: "Total number of claim attempts per gift",
	}, []string{"status"})

	refunds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giftlock_refunds_total",
		Help: "Refund outcomes per gift",
	}, []string{"status"})

	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giftlock_transfer_attempts_total",
		Help: "Custody push attempts by result",
	}, []string{"result"})

	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giftlock_sweeps_total",
		Help: "Expiry sweep runs by result",
	}, []string{"result"})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "giftlock_sweep_duration_seconds",
		Help:    "Duration of expiry sweep runs",
		Buckets: prometheus.DefBuckets,
	})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giftlock_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "giftlock_dlq_depth",
		Help: "Number of undelivered fee payments in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(locks, claims, refunds, transfers, sweeps, sweepDuration, httpRequests, dlq)

	return &Registry{
		registry:          r,
		locksTotal:        locks,
		claimsTotal:       claims,
		refundsTotal:      refunds,
		transferAttempts:  transfers,
		sweepsTotal:       sweeps,
		sweepDuration:     sweepDuration,
		httpRequestsTotal: httpRequests,
		dlqDepth:          dlq,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncLock(status string) {
	if m != nil {
		m.locksTotal.WithLabelValues(status).Inc()
	}
}

func (m *Registry) IncClaim(status string) {
	if m != nil {
		m.claimsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Registry) IncRefund(status string) {
	if m != nil {
		m.refundsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Registry) IncTransfer(result string) {
	if m != nil {
		m.transferAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Registry) ObserveSweep(result string, took time.Duration) {
	if m != nil {
		m.sweepsTotal.WithLabelValues(result).Inc()
		m.sweepDuration.Observe(took.Seconds())
	}
}

func (m *Registry) IncHTTP(route, code string) {
	if m != nil {
		m.httpRequestsTotal.WithLabelValues(route, code).Inc()
	}
}

func (m *Registry) SetDLQDepth(depth int) {
	if m != nil {
		m.dlqDepth.Set(float64(depth))
	}
}
