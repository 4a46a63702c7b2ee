// Package metrics exposes Prometheus counters for the registration flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	steps         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	commits       *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
}

// New registers all collectors under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_steps_total",
			Help:      "Registration step requests by step and outcome.",
		}, []string{"step", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_commits_total",
			Help:      "Registration commits by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"scope"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.steps,
		m.notifications,
		m.commits,
		m.rateLimited,
	)
	return m
}

// StepOutcome counts one step request.
func (m *Metrics) StepOutcome(step, outcome string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step, outcome).Inc()
}

// Notification counts one delivery attempt.
func (m *Metrics) Notification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

// Commit counts one commit attempt.
func (m *Metrics) Commit(outcome string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(outcome).Inc()
}

// RateLimited counts one rejected request.
func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
