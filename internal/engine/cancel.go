package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/intent"
	"github.com/roach88/govexec/internal/wal"
)

// builtinCancel names the cancel handler in execution_started payloads.
const builtinCancel = "builtin:cancel"

// cancel handles a {realm}.cancel intent. The payload names an execution_id,
// a saga_id, or both. It runs in place of a resolved handler, after the
// policy gate allowed it.
func (e *Engine) cancel(ctx context.Context, x *Execution, res Result, in intent.Intent) (Result, error) {
	targetExec, _ := in.Payload["execution_id"].(string)
	targetSaga, _ := in.Payload["saga_id"].(string)
	switch {
	case targetExec == "" && targetSaga == "":
		return e.fail(ctx, x, res, stageCancel,
			fault.New(fault.KindMalformedIntent, "cancel requires execution_id or saga_id").WithDetail("field", "payload"))
	case targetExec == x.ExecutionID:
		return e.fail(ctx, x, res, stageCancel,
			fault.New(fault.KindMalformedIntent, "an execution cannot cancel itself").WithDetail("field", "execution_id"))
	case targetSaga != "" && e.sagas == nil:
		return e.fail(ctx, x, res, stageCancel,
			fault.New(fault.KindUnknownCapability, "sagas are not enabled").WithDetail("intent_type", in.IntentType))
	}

	x.Handler = builtinCancel
	e.advance(ctx, x, StatusResolved)
	_, err := e.appendEvent(ctx, x, wal.EventExecutionStarted, map[string]any{
		"handler": map[string]any{
			"intent_type": in.IntentType,
			"realm":       in.Realm(),
			"builtin":     "cancel",
		},
		"policy_decision_hash": res.Decision.Hash,
	})
	if err != nil {
		return e.reject(ctx, x, res, err)
	}
	e.advance(ctx, x, StatusExecuting)

	artifacts := map[string]any{}
	if targetExec != "" {
		status, err := e.cancelExecution(ctx, x, in.Realm(), targetExec)
		if err != nil {
			return e.fail(ctx, x, res, stageCancel, err)
		}
		artifacts["execution_id"] = targetExec
		artifacts["execution_status"] = string(status)
	}
	if targetSaga != "" {
		s, err := e.sagas.Cancel(ctx, x.TenantID, targetSaga)
		if err != nil {
			return e.fail(ctx, x, res, stageCancel, err)
		}
		artifacts["saga_id"] = targetSaga
		artifacts["saga_status"] = string(s.Status)
	}
	return e.complete(ctx, x, res, artifacts, nil, nil)
}

// cancelExecution cancels a running execution of the same tenant and realm
// and waits until it reached a terminal state.
func (e *Engine) cancelExecution(ctx context.Context, by *Execution, realm, targetID string) (Status, error) {
	target, err := e.GetExecutionStatus(ctx, targetID, by.TenantID)
	if err != nil {
		return "", err
	}
	targetRealm, _, _ := strings.Cut(target.IntentType, ".")
	if targetRealm != realm {
		return "", fault.New(fault.KindMalformedIntent,
			"execution %s belongs to realm %s, not %s", targetID, targetRealm, realm).
			WithDetail("field", "execution_id")
	}

	f := e.running(by.TenantID, targetID)
	if f == nil {
		if target.Status.Terminal() {
			return target.Status, fault.New(fault.KindMalformedIntent, "execution %s is already %s", targetID, target.Status).
				WithDetail("field", "execution_id")
		}
		return target.Status, fault.New(fault.KindMalformedIntent, "execution %s is not running", targetID).
			WithDetail("field", "execution_id")
	}

	e.logger.Info("cancelling execution",
		zap.String("execution_id", targetID),
		zap.String("tenant_id", by.TenantID),
		zap.String("cancelled_by", by.ExecutionID),
	)
	f.cancel(fmt.Errorf("%w by %s", ErrExecutionCancelled, by.ExecutionID))

	select {
	case <-f.done:
	case <-ctx.Done():
		return "", fault.Wrap(fault.KindHandlerFault, ctx.Err(), "waiting for execution %s to stop", targetID)
	}

	target, err = e.GetExecutionStatus(ctx, targetID, by.TenantID)
	if err != nil {
		return "", err
	}
	return target.Status, nil
}
