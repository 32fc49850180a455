// Package metrics exposes prometheus counters for the job lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the job lifecycle counters. Each server instance
// carries its own registry so tests can construct metrics freely.
type Metrics struct {
	registry *prometheus.Registry

	JobsCreated    prometheus.Counter
	JobsClaimed    prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     prometheus.Counter
	JobsReleased   prometheus.Counter
	JobsReaped     prometheus.Counter
	JobsDead       prometheus.Counter
	LockContention prometheus.Counter
}

// New constructs and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	return &Metrics{
		registry:       reg,
		JobsCreated:    counter("spine_jobs_created_total", "Jobs created by the head."),
		JobsClaimed:    counter("spine_jobs_claimed_total", "Successful job claims."),
		JobsCompleted:  counter("spine_jobs_completed_total", "Jobs completed."),
		JobsFailed:     counter("spine_jobs_failed_total", "Jobs reported failed (including requeues)."),
		JobsReleased:   counter("spine_jobs_released_total", "Jobs voluntarily released."),
		JobsReaped:     counter("spine_jobs_reaped_total", "Expired leases returned to the queue by the reaper."),
		JobsDead:       counter("spine_jobs_dead_total", "Jobs moved to the dead state."),
		LockContention: counter("spine_lock_contention_total", "Claim mutex acquisitions refused because the lock was held."),
	}
}

// Handler serves the registry in prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
