package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindPolicyDenied, "quota_exceeded").WithExecution("exec-1").WithPolicy("p-quota")
	assert.Equal(t, "PolicyDenied: quota_exceeded (execution=exec-1, policy=p-quota)", err.Error())
}

func TestErrorMessageWithCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorageUnavailable, cause, "append failed")
	assert.Equal(t, "StorageUnavailable: append failed: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestKindOfWrapped(t *testing.T) {
	base := New(KindTenantMismatch, "session belongs to another tenant")
	wrapped := fmt.Errorf("get session: %w", base)

	assert.Equal(t, KindTenantMismatch, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindTenantMismatch))
	assert.False(t, Is(wrapped, KindUnknownSession))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil, KindHandlerFault))

	typed := New(KindUnknownCapability, "no handler")
	assert.Same(t, typed, Classify(typed, KindHandlerFault))

	plain := Classify(errors.New("boom"), KindHandlerFault)
	require.NotNil(t, plain)
	assert.Equal(t, KindHandlerFault, plain.Kind)
	assert.Equal(t, "boom", plain.Reason)
}

func TestWithDetailDoesNotMutate(t *testing.T) {
	base := New(KindMalformedIntent, "bad").WithDetail("field", "intent_type")
	derived := base.WithDetail("value", "X")

	assert.Len(t, base.Details, 1)
	assert.Len(t, derived.Details, 2)
}

func TestFields(t *testing.T) {
	err := Wrap(KindSagaCompensationFailed, errors.New("refund failed"), "compensation of step charge failed").
		WithSaga("saga-1").
		WithDetail("step_id", "charge")

	f := err.Fields()
	assert.Equal(t, "SagaCompensationFailed", f["kind"])
	assert.Equal(t, "saga-1", f["saga_id"])
	assert.Equal(t, "refund failed", f["cause"])
	assert.Equal(t, map[string]any{"step_id": "charge"}, f["details"])
}
