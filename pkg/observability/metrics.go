// Package observability provides invocation metrics for the host adapter.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for invocation and build metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDefect  = "defect"
)

// Metrics records per-kind invocation activity. A nil *Metrics is valid and
// records nothing, so adapters never need to branch on whether metrics are
// enabled.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	builds      *prometheus.CounterVec
	deferred    *prometheus.CounterVec
}

// NewMetrics creates and registers the adapter collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgehost",
			Name:      "invocations_total",
			Help:      "Invocations handled per event kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgehost",
			Name:      "invocation_duration_seconds",
			Help:      "Invocation latency per event kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgehost",
			Name:      "handler_builds_total",
			Help:      "Entrypoint builds per event kind and outcome.",
		}, []string{"kind", "outcome"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgehost",
			Name:      "deferred_tasks_total",
			Help:      "Deferred-execution tasks scheduled per event kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.invocations, m.duration, m.builds, m.deferred)
	}
	return m
}

// RecordInvocation records one settled invocation.
func (m *Metrics) RecordInvocation(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(kind, outcome).Inc()
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordBuild records one entrypoint build attempt.
func (m *Metrics) RecordBuild(kind string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.builds.WithLabelValues(kind, outcome).Inc()
}

// RecordDeferred records one settled deferred-execution task.
func (m *Metrics) RecordDeferred(kind string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.deferred.WithLabelValues(kind, outcome).Inc()
}
