package saga

import (
	"context"
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/wal"
)

// announce appends saga_step_started for the current step.
func (c *Coordinator) announce(ctx context.Context, r *run, attempt int) error {
	idx := r.saga.CurrentStepIndex
	st := &r.saga.Steps[idx]
	st.Status = StepRunning
	st.RetryCount = attempt - 1
	st.Exhausted = false
	_, err := c.emit(ctx, r, wal.EventSagaStepStarted, map[string]any{
		"step_id":    st.StepID,
		"step_index": idx,
		"step_type":  st.StepType,
		"attempt":    attempt,
	})
	return err
}

// step executes the current step until it completes or runs out of
// attempts. A StepResult with Status StepFailed means the step failed for
// good; any other non-nil Err is a storage failure.
func (c *Coordinator) step(ctx context.Context, r *run) StepResult {
	idx := r.saga.CurrentStepIndex
	st := &r.saga.Steps[idx]
	res := StepResult{StepID: st.StepID, Index: idx}

	action, known := c.actions.Lookup(st.StepType)
	maxAttempts := st.MaxRetries + 1
	b := c.newBackoff()

	attempt := st.RetryCount + 1
	if st.Status == StepFailed {
		// A crash after a recorded failure: continue after that attempt, or
		// roll back if it was the last one.
		if st.Exhausted || attempt >= maxAttempts {
			res.Status = StepFailed
			res.Attempts = attempt
			res.Err = fmt.Errorf("step %s failed after %d attempt(s): %s", st.StepID, attempt, st.LastError)
			return res
		}
		attempt++
	}
	for {
		// Start and a crashed previous run leave the step announced.
		if st.Status != StepRunning {
			if err := c.announce(ctx, r, attempt); err != nil {
				res.Err = err
				return res
			}
		}
		res.Attempts = attempt

		var out Result
		var err error
		if known {
			out, err = c.invoke(ctx, r, action, st.StepType, ActionRequest{
				StepID:  st.StepID,
				Attempt: attempt,
				Input:   st.Input,
				Results: r.saga.Results(),
			})
		} else {
			err = Permanent(fmt.Errorf("unknown action %q", st.StepType))
		}
		if err == nil {
			err = validateChanges(out.StateChanges)
		}
		if err == nil {
			var output map[string]any
			if output, err = normalizeMap(out.Output); err != nil {
				err = Permanent(fmt.Errorf("step output: %w", err))
			}
			out.Output = output
		}
		if err == nil {
			if err := c.succeed(ctx, r, attempt, out); err != nil {
				res.Err = err
				return res
			}
			c.observer.StepAttempt(st.StepType, "completed")
			res.Status = StepCompleted
			res.Output = maps.Clone(st.Output)
			return res
		}

		permanent := IsPermanent(err) || ctx.Err() != nil
		willRetry := !permanent && attempt < maxAttempts
		st.Status = StepFailed
		st.LastError = err.Error()
		st.Exhausted = !willRetry
		_, appendErr := c.emit(ctx, r, wal.EventSagaStepFailed, map[string]any{
			"step_id":    st.StepID,
			"step_index": idx,
			"attempt":    attempt,
			"error":      st.LastError,
			"permanent":  permanent,
			"will_retry": willRetry,
		})
		if appendErr != nil {
			res.Err = appendErr
			return res
		}

		if !willRetry {
			c.observer.StepAttempt(st.StepType, "failed")
			c.logger.Warn("saga step failed",
				zap.String("saga_id", r.saga.SagaID),
				zap.String("step_id", st.StepID),
				zap.Int("attempts", attempt),
				zap.Bool("permanent", permanent),
				zap.Error(err),
			)
			res.Status = StepFailed
			res.Err = fmt.Errorf("step %s failed after %d attempt(s): %w", st.StepID, attempt, err)
			return res
		}

		c.observer.StepAttempt(st.StepType, "retry")
		delay := b.NextBackOff()
		c.logger.Info("retrying saga step",
			zap.String("saga_id", r.saga.SagaID),
			zap.String("step_id", st.StepID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			// The failed event already recorded will_retry; the step stays
			// failed and the saga rolls back.
			res.Status = StepFailed
			res.Err = fmt.Errorf("step %s interrupted before attempt %d: %w", st.StepID, attempt+1, sleepErr)
			return res
		}
		attempt++
	}
}

// succeed applies state changes and records saga_step_completed.
func (c *Coordinator) succeed(ctx context.Context, r *run, attempt int, out Result) error {
	idx := r.saga.CurrentStepIndex
	st := &r.saga.Steps[idx]
	if err := state.Apply(context.WithoutCancel(ctx), c.store, r.saga.TenantID, out.StateChanges); err != nil {
		return fault.Wrap(fault.KindStorageUnavailable, err, "apply step %s state changes", st.StepID).
			WithSaga(r.saga.SagaID)
	}

	st.Status = StepCompleted
	st.RetryCount = attempt - 1
	st.Output = out.Output
	st.LastError = ""
	r.saga.CurrentStepIndex = idx + 1
	_, err := c.emit(ctx, r, wal.EventSagaStepCompleted, map[string]any{
		"step_id":       st.StepID,
		"step_index":    idx,
		"attempt":       attempt,
		"output":        out.Output,
		"state_changes": state.ChangesToPayload(out.StateChanges),
	})
	if err != nil {
		return err
	}
	if r.saga.CurrentStepIndex < len(r.saga.Steps) {
		return c.announce(ctx, r, 1)
	}
	return nil
}

// invoke runs an action inside a span, converting panics into errors.
func (c *Coordinator) invoke(ctx context.Context, r *run, a Action, actionType string, req ActionRequest) (out Result, err error) {
	if cause := context.Cause(ctx); cause != nil {
		return Result{}, Permanent(cause)
	}

	req.SagaID = r.saga.SagaID
	req.ActionType = actionType
	req.TenantID = r.saga.TenantID
	req.SessionID = r.saga.SessionID
	req.ExecutionID = r.saga.ExecutionID
	req.SagaInput = r.saga.Input

	ctx, span := c.tracer.Start(ctx, "saga.action "+actionType, trace.WithAttributes(
		attribute.String("saga.id", r.saga.SagaID),
		attribute.String("saga.step_id", req.StepID),
		attribute.String("tenant.id", r.saga.TenantID),
		attribute.Int("saga.attempt", req.Attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action %s panicked: %v", actionType, rec)
		}
	}()
	return a.Run(ctx, req)
}

func validateChanges(changes []state.Change) error {
	for _, ch := range changes {
		if err := ch.Validate(); err != nil {
			return Permanent(err)
		}
	}
	return nil
}
