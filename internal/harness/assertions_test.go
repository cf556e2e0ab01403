package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/testutil"
)

func intp(i int) *int { return &i }

var sampleTrace = []TraceEvent{
	{Tenant: "t1", Seq: 1, Type: "intent_received", Execution: "flow[0]"},
	{Tenant: "t1", Seq: 2, Type: "policy_evaluated", Execution: "flow[0]", Status: "allowed"},
	{Tenant: "t1", Seq: 3, Type: "execution_started", Execution: "flow[0]"},
	{Tenant: "t1", Seq: 4, Type: "execution_completed", Execution: "flow[0]"},
	{Tenant: "t1", Seq: 5, Type: "intent_received", Execution: "flow[1]"},
	{Tenant: "t1", Seq: 6, Type: "policy_evaluated", Execution: "flow[1]", Status: "denied"},
	{Tenant: "t1", Seq: 7, Type: "execution_failed", Execution: "flow[1]", ErrorKind: "PolicyDenied"},
}

func TestAssertEventOrder(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		step   *int
		ok     bool
	}{
		{"full order", []string{"intent_received", "execution_started", "execution_failed"}, nil, true},
		{"gaps allowed", []string{"policy_evaluated", "execution_completed"}, nil, true},
		{"reversed", []string{"execution_completed", "execution_started"}, nil, false},
		{"scoped", []string{"intent_received", "execution_failed"}, intp(1), true},
		{"scoped excludes other steps", []string{"execution_started"}, intp(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertEventOrder(sampleTrace, Assertion{Type: AssertEventOrder, Events: tt.events, Step: tt.step})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, AssertEventOrder, ae.Type)
			assert.Contains(t, ae.Error(), "Full trace:")
		})
	}
}

func TestAssertEventCount(t *testing.T) {
	assert.NoError(t, assertEventCount(sampleTrace, Assertion{Event: "intent_received", Count: 2}))
	assert.NoError(t, assertEventCount(sampleTrace, Assertion{Event: "intent_received", Count: 1, Step: intp(0)}))
	assert.NoError(t, assertEventCount(sampleTrace, Assertion{Event: "saga_compensated", Count: 0}))

	err := assertEventCount(sampleTrace, Assertion{Event: "execution_failed", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "appeared 1 times")
}

func TestAssertFinalState(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore(testutil.NewStepClock())
	_, err := state.PutJSON(ctx, store, state.Key{TenantID: "t1", Namespace: "orders", ID: "o-1"},
		map[string]any{"total": 10, "lines": []any{"a", "b"}})
	require.NoError(t, err)
	_, err = state.PutJSON(ctx, store, state.Key{TenantID: "t2", Namespace: "flags", ID: "f"}, true)
	require.NoError(t, err)

	actx := &AssertionContext{Ctx: ctx, Store: store, Tenant: "t1"}

	tests := []struct {
		name    string
		a       Assertion
		wantErr string
	}{
		{"subset", Assertion{Namespace: "orders", ID: "o-1", Expect: map[string]any{"total": 10}}, ""},
		{"nested list", Assertion{Namespace: "orders", ID: "o-1", Expect: map[string]any{"lines": []any{"a", "b"}}}, ""},
		{"scalar on other tenant", Assertion{Tenant: "t2", Namespace: "flags", ID: "f", Expect: true}, ""},
		{"absent", Assertion{Namespace: "orders", ID: "o-2", Absent: true}, ""},
		{"wrong value", Assertion{Namespace: "orders", ID: "o-1", Expect: map[string]any{"total": 11}}, `"total":10`},
		{"missing", Assertion{Namespace: "orders", ID: "o-2", Expect: map[string]any{}}, "no entry"},
		{"present but absent expected", Assertion{Namespace: "orders", ID: "o-1", Absent: true}, "to be absent"},
		{"tenant scoped", Assertion{Namespace: "flags", ID: "f", Expect: true}, "no entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.a.Type = AssertFinalState
			err := assertFinalState(actx, tt.a)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluateAssertions_MissingContext(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertEventCount, Event: "intent_received", Count: 2},
		{Type: AssertFinalState, Namespace: "n", ID: "i", Absent: true},
		{Type: AssertExecutionStatus, Step: intp(0), Status: "completed"},
		{Type: "trace_contains"},
	}, nil)

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "final_state requires a state store")
	assert.Contains(t, errs[1], "execution_status requires an engine")
	assert.Contains(t, errs[2], `unknown assertion type "trace_contains"`)
}

func TestSubsetMatch(t *testing.T) {
	actual := map[string]any{"sku": "A-1", "qty": 2.0, "meta": map[string]any{"a": 1.0, "b": "x"}}

	assert.True(t, subsetMatch(actual, map[string]any{"qty": 2}))
	assert.True(t, subsetMatch(actual, map[string]any{"meta": map[string]any{"b": "x"}}))
	assert.False(t, subsetMatch(actual, map[string]any{"meta": map[string]any{"c": 1}}))
	assert.False(t, subsetMatch(actual, map[string]any{"sku": "A-2"}))
	assert.False(t, subsetMatch(nil, map[string]any{"sku": "A-1"}))
}
