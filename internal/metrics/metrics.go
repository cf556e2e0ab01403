// Package metrics exposes execution, policy, saga, WAL and capability
// counters to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/govexec/internal/capability"
	"github.com/roach88/govexec/internal/engine"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/saga"
	"github.com/roach88/govexec/internal/wal"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "govexec"

// Metrics implements the engine, saga and capability observers and the WAL
// publisher interface.
type Metrics struct {
	// ExecutionsTotal counts finished executions.
	// Labels: status (completed, failed, rejected), kind (error kind or "none")
	ExecutionsTotal *prometheus.CounterVec

	// ExecutionDuration tracks submission latency.
	// Labels: status
	ExecutionDuration *prometheus.HistogramVec

	// PolicyDecisions counts gate outcomes.
	// Labels: outcome (allowed, denied, unavailable)
	PolicyDecisions *prometheus.CounterVec

	// SagaSteps counts step attempts.
	// Labels: step_type, outcome (completed, failed, retry)
	SagaSteps *prometheus.CounterVec

	// Compensations counts compensation outcomes.
	// Labels: outcome (compensated, failed, halted)
	Compensations *prometheus.CounterVec

	// SagasFinished counts sagas reaching a terminal status.
	// Labels: status
	SagasFinished *prometheus.CounterVec

	// WALAppends counts appended WAL events.
	// Labels: event_type
	WALAppends *prometheus.CounterVec

	// CapabilityLookups counts resolver cache results.
	// Labels: result (hit, miss, stale, error)
	CapabilityLookups *prometheus.CounterVec
}

var (
	_ engine.Observer          = (*Metrics)(nil)
	_ saga.Observer            = (*Metrics)(nil)
	_ capability.CacheObserver = (*Metrics)(nil)
	_ wal.Publisher            = (*Metrics)(nil)
)

// New registers the metrics with reg. A nil reg registers nothing, which
// suits tests that only read values back.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "executions_total",
				Help:      "Total number of finished executions by status and error kind",
			},
			[]string{"status", "kind"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "execution_duration_seconds",
				Help:      "Duration of intent submissions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		PolicyDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "decisions_total",
				Help:      "Total number of policy decisions by outcome",
			},
			[]string{"outcome"},
		),
		SagaSteps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "saga",
				Name:      "step_attempts_total",
				Help:      "Total number of saga step attempts by step type and outcome",
			},
			[]string{"step_type", "outcome"},
		),
		Compensations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "saga",
				Name:      "compensations_total",
				Help:      "Total number of compensation attempts by outcome",
			},
			[]string{"outcome"},
		),
		SagasFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "saga",
				Name:      "finished_total",
				Help:      "Total number of sagas reaching a terminal status",
			},
			[]string{"status"},
		),
		WALAppends: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "appends_total",
				Help:      "Total number of appended WAL events by event type",
			},
			[]string{"event_type"},
		),
		CapabilityLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capability",
				Name:      "lookups_total",
				Help:      "Total number of capability resolutions by cache result",
			},
			[]string{"result"},
		),
	}
}

// PolicyEvaluated implements engine.Observer.
func (m *Metrics) PolicyEvaluated(d policy.Decision) {
	outcome := "denied"
	switch {
	case d.Unavailable:
		outcome = "unavailable"
	case d.Allowed:
		outcome = "allowed"
	}
	m.PolicyDecisions.WithLabelValues(outcome).Inc()
}

// ExecutionFinished implements engine.Observer. Submissions rejected before
// an execution status was recorded are counted as "rejected".
func (m *Metrics) ExecutionFinished(_ string, status engine.Status, kind fault.Kind, elapsed time.Duration) {
	s := string(status)
	if s == "" {
		s = "rejected"
	}
	k := string(kind)
	if k == "" {
		k = "none"
	}
	m.ExecutionsTotal.WithLabelValues(s, k).Inc()
	m.ExecutionDuration.WithLabelValues(s).Observe(elapsed.Seconds())
}

// StepAttempt implements saga.Observer.
func (m *Metrics) StepAttempt(stepType, outcome string) {
	m.SagaSteps.WithLabelValues(stepType, outcome).Inc()
}

// Compensation implements saga.Observer.
func (m *Metrics) Compensation(outcome string) {
	m.Compensations.WithLabelValues(outcome).Inc()
}

// SagaFinished implements saga.Observer.
func (m *Metrics) SagaFinished(status saga.Status) {
	m.SagasFinished.WithLabelValues(string(status)).Inc()
}

// CapabilityLookup implements capability.CacheObserver.
func (m *Metrics) CapabilityLookup(result string) {
	m.CapabilityLookups.WithLabelValues(result).Inc()
}

// Publish implements wal.Publisher by counting the appended event.
func (m *Metrics) Publish(_ context.Context, e wal.Event) error {
	m.WALAppends.WithLabelValues(string(e.Type)).Inc()
	return nil
}
