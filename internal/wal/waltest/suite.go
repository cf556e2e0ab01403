// Package waltest is a conformance suite shared by every wal.Log backend.
package waltest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/wal"
)

// Run exercises the wal.Log contract. newLog must return an empty log.
func Run(t *testing.T, newLog func(t *testing.T) wal.Log) {
	t.Run("AppendAndQuery", func(t *testing.T) {
		log := newLog(t)
		ctx := context.Background()

		stored, err := log.Append(ctx, wal.Event{
			TenantID:    "t1",
			ExecutionID: "e1",
			SessionID:   "s1",
			Type:        wal.EventIntentReceived,
			Payload:     map[string]any{"intent_type": "content.upload", "n": 2},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Sequence)
		assert.NotEmpty(t, stored.EventID)
		assert.False(t, stored.Timestamp.IsZero())

		events, err := log.Query(ctx, wal.Filter{TenantID: "t1", ExecutionID: "e1"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		got := events[0]
		assert.Equal(t, stored.EventID, got.EventID)
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, wal.EventIntentReceived, got.Type)
		assert.Equal(t, "content.upload", got.Payload["intent_type"])
		assert.Equal(t, stored.PayloadHash, got.PayloadHash)
		assert.NoError(t, wal.Verify(got))
	})

	t.Run("SequenceMonotonicPerTenant", func(t *testing.T) {
		log := newLog(t)
		ctx := context.Background()

		for i, tenant := range []string{"a", "b", "a", "a", "b"} {
			_, err := log.Append(ctx, wal.Event{
				TenantID:    tenant,
				ExecutionID: fmt.Sprintf("e%d", i),
				Type:        wal.EventStateTransition,
			})
			require.NoError(t, err)
		}

		for tenant, want := range map[string]int64{"a": 3, "b": 2, "c": 0} {
			last, err := log.LastSequence(ctx, tenant)
			require.NoError(t, err)
			assert.Equal(t, want, last, tenant)

			events, err := log.Query(ctx, wal.Filter{TenantID: tenant})
			require.NoError(t, err)
			for i, e := range events {
				assert.Equal(t, int64(i+1), e.Sequence)
			}
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		log := newLog(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := log.Append(ctx, wal.Event{
					TenantID:    "t1",
					ExecutionID: fmt.Sprintf("e%d", i),
					Type:        wal.EventIntentReceived,
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		events, err := log.Query(ctx, wal.Filter{TenantID: "t1"})
		require.NoError(t, err)
		require.Len(t, events, 20)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})

	t.Run("FilterTypesAfterLimit", func(t *testing.T) {
		log := newLog(t)
		ctx := context.Background()

		types := []wal.EventType{
			wal.EventIntentReceived,
			wal.EventPolicyEvaluated,
			wal.EventExecutionStarted,
			wal.EventExecutionCompleted,
		}
		for _, typ := range types {
			_, err := log.Append(ctx, wal.Event{TenantID: "t1", ExecutionID: "e1", Type: typ})
			require.NoError(t, err)
		}
		_, err := log.Append(ctx, wal.Event{TenantID: "t1", SagaID: "saga-1", Type: wal.EventSagaStepStarted})
		require.NoError(t, err)

		events, err := log.Query(ctx, wal.Filter{
			TenantID: "t1",
			Types:    []wal.EventType{wal.EventPolicyEvaluated, wal.EventExecutionCompleted},
		})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Sequence)
		assert.Equal(t, int64(4), events[1].Sequence)

		events, err = log.Query(ctx, wal.Filter{TenantID: "t1", AfterSequence: 3, Limit: 1})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(4), events[0].Sequence)

		events, err = log.Query(ctx, wal.Filter{TenantID: "t1", SagaID: "saga-1"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, wal.EventSagaStepStarted, events[0].Type)
	})

	t.Run("RejectsInvalidEvent", func(t *testing.T) {
		log := newLog(t)
		_, err := log.Append(context.Background(), wal.Event{ExecutionID: "e1", Type: wal.EventIntentReceived})
		assert.ErrorIs(t, err, wal.ErrInvalidEvent)
	})

	t.Run("QueryRequiresTenant", func(t *testing.T) {
		log := newLog(t)
		_, err := log.Query(context.Background(), wal.Filter{})
		assert.Error(t, err)
	})
}
