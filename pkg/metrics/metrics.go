// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chibi"

// Metrics groups the collectors registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	cacheLookups    *prometheus.CounterVec
	backendAttempts *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	ownershipChecks *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	imageJobs       *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		backendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "attempts_total",
			Help:      "Backend call attempts by capability and outcome.",
		}, []string{"capability", "outcome"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single backend attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"capability"}),
		ownershipChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ownership",
			Name:      "checks_total",
			Help:      "On-chain ownership checks by result.",
		}, []string{"result"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "decisions_total",
			Help:      "Handled updates by action, tier and status.",
		}, []string{"action", "tier", "status"}),
		imageJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "image",
			Name:      "jobs_total",
			Help:      "Image generation jobs by outcome.",
		}, []string{"outcome"}),
	}
	m.Registry.MustRegister(
		m.cacheLookups,
		m.backendAttempts,
		m.backendLatency,
		m.ownershipChecks,
		m.decisions,
		m.imageJobs,
	)
	return m
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) BackendAttempt(capability, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.backendAttempts.WithLabelValues(capability, outcome).Inc()
	m.backendLatency.WithLabelValues(capability).Observe(seconds)
}

func (m *Metrics) OwnershipCheck(result string) {
	if m == nil {
		return
	}
	m.ownershipChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) Decision(action, tier, status string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, tier, status).Inc()
}

func (m *Metrics) ImageJob(outcome string) {
	if m == nil {
		return
	}
	m.imageJobs.WithLabelValues(outcome).Inc()
}
