package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/canon"
	"github.com/roach88/govexec/internal/capability"
	"github.com/roach88/govexec/internal/execctx"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/intent"
	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/wal"
)

// Stages recorded in execution_failed payloads.
const (
	stagePolicy  = "policy"
	stageResolve = "resolve"
	stageHandler = "handler"
	stageOutput  = "output"
	stageCancel  = "cancel"
)

// Result is the outcome of a submission.
type Result struct {
	ExecutionID  string                `json:"execution_id"`
	Success      bool                  `json:"success"`
	Status       Status                `json:"status"`
	Artifacts    map[string]any        `json:"artifacts,omitempty"`
	Events       []execctx.DomainEvent `json:"events,omitempty"`
	StateChanges []state.Change        `json:"state_changes,omitempty"`
	SagaIDs      []string              `json:"saga_ids,omitempty"`
	Decision     policy.Decision       `json:"policy_decision"`
	Error        *fault.Error          `json:"-"`
}

// Submit accepts an intent and drives it to a terminal state.
//
// The returned error is always a *fault.Error and equals Result.Error. An
// error with a non-empty Result.ExecutionID was recorded in the WAL.
func (e *Engine) Submit(ctx context.Context, in intent.Intent) (Result, error) {
	started := e.clock.Now()
	ctx, span := e.tracer.Start(ctx, "engine.submit", trace.WithAttributes(
		attribute.String("intent.type", in.IntentType),
		attribute.String("tenant.id", in.TenantID),
	))
	defer span.End()

	res, err := e.submit(ctx, in)
	span.SetAttributes(attribute.String("execution.id", res.ExecutionID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(fault.KindOf(err)))
	}
	e.observer.ExecutionFinished(in.IntentType, res.Status, fault.KindOf(err), e.clock.Now().Sub(started))
	return res, err
}

func (e *Engine) submit(ctx context.Context, in intent.Intent) (Result, error) {
	// Without a tenant there is no log to record the intent in.
	if in.TenantID == "" {
		err := fault.New(fault.KindMalformedIntent, "tenant_id is required").WithDetail("field", "tenant_id")
		e.logger.Info("intent rejected", zap.String("intent_type", in.IntentType), zap.Error(err))
		return Result{Error: err}, err
	}
	cloned, cerr := in.Clone()
	if cerr != nil {
		err := fault.Wrap(fault.KindMalformedIntent, cerr, "payload is not encodable").WithDetail("field", "payload")
		e.logger.Info("intent rejected", zap.String("intent_type", in.IntentType), zap.Error(err))
		return Result{Error: err}, err
	}
	in = cloned
	if in.IntentID == "" {
		in.IntentID = e.ids.Generate()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = e.clock.Now()
	}

	now := e.clock.Now()
	x := &Execution{
		ExecutionID: e.ids.Generate(),
		TenantID:    in.TenantID,
		SessionID:   in.SessionID,
		IntentID:    in.IntentID,
		IntentType:  in.IntentType,
		Status:      StatusReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := Result{ExecutionID: x.ExecutionID, Status: StatusReceived}

	if _, err := e.appendEvent(ctx, x, wal.EventIntentReceived, map[string]any{"intent": in.Record()}); err != nil {
		return e.reject(ctx, x, res, err)
	}
	e.project(ctx, x)

	valid, err := e.validator.Validate(ctx, in)
	if err != nil {
		return e.reject(ctx, x, res, err)
	}
	e.advance(ctx, x, StatusValidated)

	d, err := e.gate.Evaluate(ctx,
		policy.Subject{ExecutionID: x.ExecutionID, TenantID: x.TenantID, SessionID: x.SessionID},
		policy.Request{Intent: valid.Intent, Session: valid.Session},
	)
	if err != nil {
		return e.reject(ctx, x, res, err)
	}
	e.observer.PolicyEvaluated(d)
	res.Decision = d
	x.PolicyID, x.DecisionHash = d.PolicyID, d.Hash
	e.advance(ctx, x, StatusPolicyEvaluated)

	if !d.Allowed {
		kind := fault.KindPolicyDenied
		if d.Unavailable {
			kind = fault.KindPolicyUnavailable
		}
		return e.fail(ctx, x, res, stagePolicy, fault.New(kind, "%s", d.Reason).WithPolicy(d.PolicyID))
	}

	if valid.Intent.IsCancel() {
		return e.cancel(ctx, x, res, valid.Intent)
	}

	ref, err := e.resolver.Resolve(ctx, valid.Intent.IntentType)
	if err != nil {
		return e.fail(ctx, x, res, stageResolve, err)
	}
	if err := ref.ValidateInput(valid.Intent.Payload); err != nil {
		return e.fail(ctx, x, res, stageResolve, err)
	}
	ec, err := e.builder.Build(x.ExecutionID, valid, d)
	if err != nil {
		return e.fail(ctx, x, res, stageResolve, err)
	}
	x.Handler = handlerName(ref)
	e.advance(ctx, x, StatusResolved)

	return e.execute(ctx, x, res, ref, ec)
}

func handlerName(ref *capability.HandlerRef) string {
	return ref.IntentType + "@" + ref.Version.String()
}

// execute runs the handler and commits its outcome.
func (e *Engine) execute(ctx context.Context, x *Execution, res Result, ref *capability.HandlerRef, ec *execctx.Context) (Result, error) {
	_, err := e.appendEvent(ctx, x, wal.EventExecutionStarted, map[string]any{
		"handler": map[string]any{
			"intent_type": ref.IntentType,
			"realm":       ref.Realm,
			"version":     ref.Version.String(),
		},
		"policy_decision_hash": res.Decision.Hash,
	})
	if err != nil {
		return e.reject(ctx, x, res, err)
	}
	e.advance(ctx, x, StatusExecuting)

	runCtx, release := e.track(ctx, x.TenantID, x.ExecutionID)
	defer release()

	out, herr := e.invoke(runCtx, ref, ec)
	cause := context.Cause(runCtx)

	staged := ec.Staged()
	x.SagaIDs = staged.SagaIDs
	res.SagaIDs = staged.SagaIDs

	if herr != nil {
		ferr := handlerFault(herr)
		if errors.Is(cause, ErrExecutionCancelled) {
			ferr = ferr.WithDetail("cancelled", "true")
		}
		return e.fail(ctx, x, res, stageHandler, ferr)
	}

	changes := append(staged.StateChanges, out.StateChanges...)
	events := append(staged.Events, out.Events...)
	artifacts, err := checkOutcome(ref, out.Artifacts, changes, events)
	if err == nil {
		err = e.quota.check(x.ExecutionID, len(changes), len(events))
	}
	if err != nil {
		return e.fail(ctx, x, res, stageOutput, err)
	}
	return e.complete(ctx, x, res, artifacts, events, changes)
}

// invoke calls the handler, converting a panic into a HandlerFault.
func (e *Engine) invoke(ctx context.Context, ref *capability.HandlerRef, ec *execctx.Context) (out capability.Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.handler", trace.WithAttributes(
		attribute.String("intent.type", ref.IntentType),
		attribute.String("handler.version", ref.Version.String()),
		attribute.String("execution.id", ec.ExecutionID()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panic",
				zap.String("execution_id", ec.ExecutionID()),
				zap.String("intent_type", ref.IntentType),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			out, err = capability.Outcome{}, fault.New(fault.KindHandlerFault, "handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
		}
	}()

	return ref.Handler.Handle(execctx.WithContext(ctx, ec), ec)
}

// handlerFault classifies a handler error. Saga and storage faults keep
// their kind; everything else is a HandlerFault.
func handlerFault(err error) *fault.Error {
	if fe, ok := fault.As(err); ok {
		switch fe.Kind {
		case fault.KindHandlerFault, fault.KindSagaStepExhausted,
			fault.KindSagaCompensationFailed, fault.KindStorageUnavailable:
			return fe
		}
	}
	return fault.Wrap(fault.KindHandlerFault, err, "handler failed")
}

// checkOutcome validates a handler outcome and returns the normalized
// artifacts.
func checkOutcome(ref *capability.HandlerRef, artifacts map[string]any, changes []state.Change, events []execctx.DomainEvent) (map[string]any, error) {
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return nil, fault.Wrap(fault.KindHandlerFault, err, "invalid state change")
		}
	}
	for _, ev := range events {
		if ev.Type == "" {
			return nil, fault.New(fault.KindHandlerFault, "domain event type is required")
		}
	}
	artifacts, err := normalizeMap(artifacts)
	if err != nil {
		return nil, fault.Wrap(fault.KindHandlerFault, err, "artifacts are not encodable")
	}
	if err := ref.ValidateOutput(artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// complete appends execution_completed and applies the state changes.
//
// Once execution_completed is durable the execution is committed. A failed
// state apply is reported with a successful result: the projection can be
// rebuilt from the WAL, and resubmitting would execute twice.
func (e *Engine) complete(ctx context.Context, x *Execution, res Result, artifacts map[string]any, events []execctx.DomainEvent, changes []state.Change) (Result, error) {
	_, err := e.appendEvent(ctx, x, wal.EventExecutionCompleted, map[string]any{
		"artifacts":       artifacts,
		"events":          eventsToPayload(events),
		"state_changes":   state.ChangesToPayload(changes),
		"saga_ids":        stringsToPayload(x.SagaIDs),
		"policy_decision": res.Decision.Record(),
	})
	if err != nil {
		return e.fail(ctx, x, res, stageOutput, err)
	}

	res.Success = true
	res.Artifacts = artifacts
	res.Events = events
	res.StateChanges = changes

	var applyErr error
	if err := state.Apply(context.WithoutCancel(ctx), e.store, x.TenantID, changes); err != nil {
		applyErr = fault.Wrap(fault.KindStorageUnavailable, err, "apply state changes").
			WithExecution(x.ExecutionID).
			WithDetail("committed", "true")
		e.logger.Error("state apply failed after commit",
			zap.String("execution_id", x.ExecutionID),
			zap.String("tenant_id", x.TenantID),
			zap.Int("changes", len(changes)),
			zap.Error(err),
		)
	}

	e.advance(ctx, x, StatusCompleted)
	res.Status = StatusCompleted
	e.logger.Info("execution completed",
		zap.String("execution_id", x.ExecutionID),
		zap.String("tenant_id", x.TenantID),
		zap.String("intent_type", x.IntentType),
		zap.Int("state_changes", len(changes)),
		zap.Int("events", len(events)),
		zap.Int("sagas", len(x.SagaIDs)),
	)
	if applyErr != nil {
		res.Error = fault.Classify(applyErr, fault.KindStorageUnavailable)
		return res, applyErr
	}
	return res, nil
}

// fail appends execution_failed with the decision record, if one exists,
// and marks the execution failed.
func (e *Engine) fail(ctx context.Context, x *Execution, res Result, stage string, err error) (Result, error) {
	ferr := fault.Classify(err, fault.KindHandlerFault).WithExecution(x.ExecutionID)
	payload := map[string]any{
		"stage":      stage,
		"error_kind": string(ferr.Kind),
		"reason":     ferr.Reason,
		"error":      ferr.Fields(),
	}
	if res.Decision.Hash != "" {
		payload["policy_decision"] = res.Decision.Record()
	}
	if len(x.SagaIDs) > 0 {
		payload["saga_ids"] = stringsToPayload(x.SagaIDs)
	}
	if _, aerr := e.appendEvent(ctx, x, wal.EventExecutionFailed, payload); aerr != nil {
		e.logger.Error("record execution failure",
			zap.String("execution_id", x.ExecutionID),
			zap.String("tenant_id", x.TenantID),
			zap.Error(aerr),
		)
	}
	return e.finishFailed(ctx, x, res, ferr)
}

// reject marks the execution failed without appending further events.
func (e *Engine) reject(ctx context.Context, x *Execution, res Result, err error) (Result, error) {
	ferr := fault.Classify(err, fault.KindMalformedIntent).WithExecution(x.ExecutionID)
	return e.finishFailed(ctx, x, res, ferr)
}

func (e *Engine) finishFailed(ctx context.Context, x *Execution, res Result, ferr *fault.Error) (Result, error) {
	x.ErrorKind, x.Reason = ferr.Kind, ferr.Reason
	e.advance(ctx, x, StatusFailed)

	res.Success = false
	res.Status = StatusFailed
	res.Error = ferr

	level := e.logger.Info
	switch ferr.Kind {
	case fault.KindHandlerFault, fault.KindStorageUnavailable, fault.KindSagaStepExhausted:
		level = e.logger.Warn
	case fault.KindSagaCompensationFailed:
		level = e.logger.Error
	}
	level("execution failed",
		zap.String("execution_id", x.ExecutionID),
		zap.String("tenant_id", x.TenantID),
		zap.String("intent_type", x.IntentType),
		zap.String("error_kind", string(ferr.Kind)),
		zap.String("reason", ferr.Reason),
	)
	return res, ferr
}

// appendEvent appends an execution event. Appends outlive the caller's
// context so a cancelled submission still records where it stopped.
func (e *Engine) appendEvent(ctx context.Context, x *Execution, typ wal.EventType, payload map[string]any) (wal.Event, error) {
	ev, err := e.log.Append(context.WithoutCancel(ctx), wal.Event{
		ExecutionID: x.ExecutionID,
		TenantID:    x.TenantID,
		SessionID:   x.SessionID,
		Type:        typ,
		Payload:     payload,
		Timestamp:   e.clock.Now(),
	})
	if err != nil {
		return wal.Event{}, fault.Wrap(fault.KindStorageUnavailable, err, "append %s", typ).
			WithExecution(x.ExecutionID)
	}
	return ev, nil
}

func eventsToPayload(events []execctx.DomainEvent) []any {
	out := make([]any, 0, len(events))
	for _, ev := range events {
		data := ev.Data
		if data == nil {
			data = map[string]any{}
		}
		out = append(out, map[string]any{"type": ev.Type, "data": data})
	}
	return out
}

func eventsFromPayload(raw any) []execctx.DomainEvent {
	items, _ := raw.([]any)
	out := make([]execctx.DomainEvent, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ev := execctx.DomainEvent{}
		ev.Type, _ = m["type"].(string)
		ev.Data, _ = m["data"].(map[string]any)
		out = append(out, ev)
	}
	return out
}

func stringsToPayload(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

func stringsFromPayload(raw any) []string {
	items, _ := raw.([]any)
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// normalizeMap returns the canonical JSON form of m; nil becomes empty.
func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	raw, err := canon.Marshal(m)
	if err != nil {
		return nil, err
	}
	return wal.DecodePayload(raw)
}
