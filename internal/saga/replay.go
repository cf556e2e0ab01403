package saga

import (
	"context"
	"fmt"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/wal"
)

// ReplaySaga reconstructs a saga from its WAL events. No action is invoked.
func (c *Coordinator) ReplaySaga(ctx context.Context, tenantID, sagaID string) (Saga, error) {
	if tenantID == "" || sagaID == "" {
		return Saga{}, fault.New(fault.KindMalformedIntent, "tenant_id and saga_id are required")
	}
	events, err := c.log.Query(ctx, wal.Filter{TenantID: tenantID, SagaID: sagaID})
	if err != nil {
		return Saga{}, fault.Wrap(fault.KindStorageUnavailable, err, "query saga events").WithSaga(sagaID)
	}
	if len(events) == 0 {
		return Saga{}, fault.New(fault.KindMalformedIntent, "saga %s not found", sagaID).WithSaga(sagaID)
	}
	s, err := Rebuild(events)
	if err != nil {
		return Saga{}, fault.Wrap(fault.KindStorageUnavailable, err, "rebuild saga").WithSaga(sagaID)
	}
	return s, nil
}

// Rebuild folds the events of one saga, in sequence order, into its state.
func Rebuild(events []wal.Event) (Saga, error) {
	var s Saga
	for _, e := range events {
		if s.SagaID == "" {
			if e.Type != wal.EventStateTransition {
				return Saga{}, fmt.Errorf("saga %s: first event is %s, want %s", e.SagaID, e.Type, wal.EventStateTransition)
			}
			var err error
			if s, err = sagaFromCreation(e); err != nil {
				return Saga{}, err
			}
		}
		if e.SagaID != s.SagaID {
			return Saga{}, fmt.Errorf("saga %s: foreign event %s for saga %s", s.SagaID, e.EventID, e.SagaID)
		}
		s.UpdatedAt = e.Timestamp

		switch e.Type {
		case wal.EventStateTransition:
			s.Status = Status(e.PayloadString("to"))
			s.Reason = e.PayloadString("reason")

		case wal.EventSagaStepStarted:
			st, err := stepAt(&s, e)
			if err != nil {
				return Saga{}, err
			}
			st.Status = StepRunning
			st.RetryCount = attemptOf(e) - 1
			st.Exhausted = false

		case wal.EventSagaStepCompleted:
			st, err := stepAt(&s, e)
			if err != nil {
				return Saga{}, err
			}
			st.Status = StepCompleted
			st.RetryCount = attemptOf(e) - 1
			st.Output = e.PayloadMap("output")
			st.LastError = ""
			idx, _ := e.PayloadInt("step_index")
			s.CurrentStepIndex = int(idx) + 1

		case wal.EventSagaStepFailed:
			st, err := stepAt(&s, e)
			if err != nil {
				return Saga{}, err
			}
			st.LastError = e.PayloadString("error")
			if compensation, _ := e.Payload["compensation"].(bool); compensation {
				continue
			}
			st.Status = StepFailed
			st.RetryCount = attemptOf(e) - 1
			retry, _ := e.Payload["will_retry"].(bool)
			st.Exhausted = !retry

		case wal.EventSagaCompensated:
			st, err := stepAt(&s, e)
			if err != nil {
				return Saga{}, err
			}
			st.Status = StepCompensated
		}
	}
	return s, nil
}

func sagaFromCreation(e wal.Event) (Saga, error) {
	def, err := DefinitionFromRecord(e.PayloadMap("definition"))
	if err != nil {
		return Saga{}, fmt.Errorf("saga %s: %w", e.SagaID, err)
	}
	ordered, err := def.Ordered()
	if err != nil {
		return Saga{}, fmt.Errorf("saga %s: %w", e.SagaID, err)
	}
	input := e.PayloadMap("input")
	if input == nil {
		input = map[string]any{}
	}
	return Saga{
		SagaID:         e.SagaID,
		TenantID:       e.TenantID,
		SessionID:      e.SessionID,
		ExecutionID:    e.ExecutionID,
		ParentID:       e.PayloadString("parent_id"),
		Name:           def.Name,
		DefinitionHash: e.PayloadString("definition_hash"),
		Input:          input,
		Steps:          stepsFrom(ordered),
		CreatedAt:      e.Timestamp,
	}, nil
}

func stepAt(s *Saga, e wal.Event) (*Step, error) {
	idx, ok := e.PayloadInt("step_index")
	if !ok || idx < 0 || int(idx) >= len(s.Steps) {
		return nil, fmt.Errorf("saga %s: event %s has invalid step_index", s.SagaID, e.EventID)
	}
	st := &s.Steps[idx]
	if id := e.PayloadString("step_id"); id != st.StepID {
		return nil, fmt.Errorf("saga %s: event %s names step %q at index %d, want %q", s.SagaID, e.EventID, id, idx, st.StepID)
	}
	return st, nil
}

func attemptOf(e wal.Event) int {
	n, ok := e.PayloadInt("attempt")
	if !ok || n < 1 {
		return 1
	}
	return int(n)
}
