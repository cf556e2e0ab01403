package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/wal"
)

// rollback compensates completed steps in strict reverse order and moves
// the saga to aborted, or to failed if a compensation fails. The step that
// caused the rollback never completed and is not compensated.
//
// Compensation runs on a context detached from cancellation: cancelling a
// saga is what triggers its rollback.
func (c *Coordinator) rollback(ctx context.Context, r *run, cause error) (Saga, error) {
	ctx = context.WithoutCancel(ctx)
	sagaID := r.saga.SagaID
	reason := cause.Error()

	if r.saga.Status != StatusCompensating {
		if err := c.transition(ctx, r, StatusCompensating, reason, nil); err != nil {
			return r.saga.Clone(), err
		}
	}
	c.logger.Warn("compensating saga",
		zap.String("saga_id", sagaID),
		zap.String("tenant_id", r.saga.TenantID),
		zap.Error(cause),
	)

	var halted *Step
	for i := len(r.saga.Steps) - 1; i >= 0; i-- {
		st := &r.saga.Steps[i]
		if st.Status != StepCompleted {
			continue
		}
		if !st.Compensable() {
			halted = st
			break
		}
		if err := c.compensateStep(ctx, r, i); err != nil {
			return c.fail(ctx, r, i, err)
		}
	}

	if halted != nil {
		var pending []string
		for _, st := range r.saga.Steps {
			if st.Status == StepCompleted {
				pending = append(pending, st.StepID)
			}
		}
		abortReason := fmt.Sprintf("step %s is not compensable; uncompensated steps: %s",
			halted.StepID, strings.Join(pending, ","))
		if err := c.transition(ctx, r, StatusAborted, abortReason, map[string]any{
			"uncompensated": pending,
		}); err != nil {
			return r.saga.Clone(), err
		}
		c.observer.Compensation("halted")
		c.finishAborted(ctx, r)
		c.logger.Error("saga aborted without full rollback",
			zap.String("saga_id", sagaID),
			zap.String("tenant_id", r.saga.TenantID),
			zap.Strings("uncompensated", pending),
		)
		return r.saga.Clone(), fault.Wrap(fault.KindSagaStepExhausted, cause, "%s", abortReason).
			WithSaga(sagaID).
			WithExecution(r.saga.ExecutionID).
			WithDetail("compensated", "false").
			WithDetail("uncompensated", strings.Join(pending, ","))
	}

	if err := c.transition(ctx, r, StatusAborted, reason, nil); err != nil {
		return r.saga.Clone(), err
	}
	c.finishAborted(ctx, r)
	c.logger.Info("saga aborted after compensation",
		zap.String("saga_id", sagaID),
		zap.String("tenant_id", r.saga.TenantID),
	)
	f := fault.Wrap(fault.KindSagaStepExhausted, cause, "saga %s rolled back", r.saga.Name).
		WithSaga(sagaID).
		WithExecution(r.saga.ExecutionID).
		WithDetail("compensated", "true")
	if errors.Is(cause, ErrCancelled) {
		f = f.WithDetail("cancelled", "true")
	}
	return r.saga.Clone(), f
}

func (c *Coordinator) finishAborted(ctx context.Context, r *run) {
	c.detach(ctx, r)
	c.observer.SagaFinished(StatusAborted)
}

// compensateStep runs one compensation action exactly once.
func (c *Coordinator) compensateStep(ctx context.Context, r *run, idx int) error {
	st := &r.saga.Steps[idx]
	action, ok := c.actions.Lookup(st.CompensationType)
	if !ok {
		return fmt.Errorf("unknown compensation %q", st.CompensationType)
	}
	out, err := c.invoke(ctx, r, action, st.CompensationType, ActionRequest{
		StepID:  st.StepID,
		Attempt: 1,
		Input:   st.Input,
		Results: r.saga.Results(),
		Output:  st.Output,
	})
	if err == nil {
		err = validateChanges(out.StateChanges)
	}
	if err != nil {
		return err
	}
	if err := state.Apply(ctx, c.store, r.saga.TenantID, out.StateChanges); err != nil {
		return fmt.Errorf("apply compensation state changes: %w", err)
	}

	st.Status = StepCompensated
	_, err = c.emit(ctx, r, wal.EventSagaCompensated, map[string]any{
		"step_id":           st.StepID,
		"step_index":        idx,
		"compensation_type": st.CompensationType,
		"state_changes":     state.ChangesToPayload(out.StateChanges),
	})
	if err != nil {
		return err
	}
	c.observer.Compensation("compensated")
	return nil
}

// fail records a failed compensation. The saga stops in failed and needs
// operator intervention; nothing retries it.
func (c *Coordinator) fail(ctx context.Context, r *run, idx int, cause error) (Saga, error) {
	st := &r.saga.Steps[idx]
	st.LastError = cause.Error()
	sagaID := r.saga.SagaID

	if fault.Is(cause, fault.KindStorageUnavailable) {
		return r.saga.Clone(), cause
	}
	_, err := c.emit(ctx, r, wal.EventSagaStepFailed, map[string]any{
		"step_id":      st.StepID,
		"step_index":   idx,
		"attempt":      1,
		"error":        st.LastError,
		"compensation": true,
		"permanent":    true,
		"will_retry":   false,
	})
	if err != nil {
		return r.saga.Clone(), err
	}
	reason := fmt.Sprintf("compensation of step %s failed: %s", st.StepID, cause)
	if err := c.transition(ctx, r, StatusFailed, reason, nil); err != nil {
		return r.saga.Clone(), err
	}
	c.detach(ctx, r)
	c.observer.Compensation("failed")
	c.observer.SagaFinished(StatusFailed)
	c.logger.Error("saga compensation failed, manual intervention required",
		zap.String("saga_id", sagaID),
		zap.String("tenant_id", r.saga.TenantID),
		zap.String("execution_id", r.saga.ExecutionID),
		zap.String("step_id", st.StepID),
		zap.String("compensation_type", st.CompensationType),
		zap.Error(cause),
	)
	return r.saga.Clone(), fault.Wrap(fault.KindSagaCompensationFailed, cause, "%s", reason).
		WithSaga(sagaID).
		WithExecution(r.saga.ExecutionID).
		WithDetail("step_id", st.StepID)
}
