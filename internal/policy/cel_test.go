package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELValidator(t *testing.T) {
	v, err := NewCELValidator([]Rule{
		{
			PolicyID: "no-exe",
			Match:    "content.*",
			Expr:     `!intent.payload.file.endsWith(".exe")`,
			Reason:   "executables not allowed",
		},
		{
			PolicyID: "saga-cap",
			Expr:     `session.active_saga_count < 2`,
			Reason:   "too_many_sagas",
		},
	}, false)
	require.NoError(t, err)
	ctx := context.Background()

	req := testRequest()
	d, err := v.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "no-exe,saga-cap", d.PolicyID)

	req.Intent.Payload = map[string]any{"file": "virus.exe"}
	d, err = v.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "no-exe", d.PolicyID)
	assert.Equal(t, "executables not allowed", d.Reason)

	req = testRequest()
	req.Session.ActiveSagaIDs = []string{"a", "b"}
	d, err = v.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "too_many_sagas", d.Reason)
}

func TestCELValidator_RuntimeErrorFailsClosed(t *testing.T) {
	v, err := NewCELValidator([]Rule{
		{PolicyID: "needs-size", Expr: `intent.payload.size < 100`},
	}, true)
	require.NoError(t, err)

	// payload has no "size" key: evaluation errors instead of silently passing.
	_, err = v.Evaluate(context.Background(), testRequest())
	assert.Error(t, err)
}

func TestCELValidator_Defaults(t *testing.T) {
	allow, err := NewCELValidator([]Rule{{PolicyID: "other", Match: "billing.*", Expr: "false"}}, true)
	require.NoError(t, err)
	d, err := allow.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, DefaultPolicyID, d.PolicyID)

	deny, err := NewCELValidator(nil, false)
	require.NoError(t, err)
	d, err = deny.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "no_matching_policy", d.Reason)
}

func TestCELValidator_RejectsBadRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"missing id", []Rule{{Expr: "true"}}},
		{"duplicate id", []Rule{{PolicyID: "a", Expr: "true"}, {PolicyID: "a", Expr: "true"}}},
		{"syntax", []Rule{{PolicyID: "a", Expr: "intent.("}}},
		{"bad glob", []Rule{{PolicyID: "a", Match: "[", Expr: "true"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCELValidator(tt.rules, true)
			assert.Error(t, err)
		})
	}
}

func TestCELValidatorWithGate(t *testing.T) {
	v, err := NewCELValidator([]Rule{{PolicyID: "quota", Expr: "false", Reason: "quota_exceeded"}}, true)
	require.NoError(t, err)

	d, err := NewGate(v, newLog(), 0, nil).Evaluate(context.Background(), testSubject, testRequest())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "quota_exceeded", d.Reason)
}
