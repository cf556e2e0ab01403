package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/engine"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/saga"
	"github.com/roach88/govexec/internal/wal"
)

func TestExecutionFinished(t *testing.T) {
	m := New(prometheus.NewRegistry(), "")

	m.ExecutionFinished("orders.create", engine.StatusCompleted, "", 20*time.Millisecond)
	m.ExecutionFinished("orders.create", engine.StatusFailed, fault.KindPolicyDenied, time.Millisecond)
	m.ExecutionFinished("orders.create", "", fault.KindMalformedIntent, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("completed", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("failed", string(fault.KindPolicyDenied))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("rejected", string(fault.KindMalformedIntent))))
	assert.Equal(t, 3, testutil.CollectAndCount(m.ExecutionDuration))
}

func TestPolicyEvaluated(t *testing.T) {
	m := New(nil, "test")

	m.PolicyEvaluated(policy.Allow("p", "ok"))
	m.PolicyEvaluated(policy.Deny("p", "no"))
	m.PolicyEvaluated(policy.Decision{Unavailable: true})

	for _, outcome := range []string{"allowed", "denied", "unavailable"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyDecisions.WithLabelValues(outcome)), outcome)
	}
}

func TestSagaObserver(t *testing.T) {
	m := New(nil, "")

	m.StepAttempt("state.put", "retry")
	m.StepAttempt("state.put", "completed")
	m.Compensation("compensated")
	m.SagaFinished(saga.StatusAborted)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SagaSteps.WithLabelValues("state.put", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SagaSteps.WithLabelValues("state.put", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compensations.WithLabelValues("compensated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SagasFinished.WithLabelValues(string(saga.StatusAborted))))
}

func TestPublishCountsAppends(t *testing.T) {
	m := New(nil, "")
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, wal.Event{Type: wal.EventIntentReceived}))
	require.NoError(t, m.Publish(ctx, wal.Event{Type: wal.EventIntentReceived}))
	m.CapabilityLookup("hit")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WALAppends.WithLabelValues(string(wal.EventIntentReceived))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CapabilityLookups.WithLabelValues("hit")))
}

func TestNewRegistersWithNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "acme")
	m.CapabilityLookup("miss")

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "acme_capability_lookups_total")

	assert.Panics(t, func() { New(reg, "acme") }, "duplicate registration")
}
