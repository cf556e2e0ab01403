package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/wal"
)

// DefaultTimeout bounds a single validator call.
const DefaultTimeout = 2 * time.Second

// Gate evaluates policy once per execution and records the decision.
type Gate struct {
	validator Validator
	log       wal.Log
	timeout   time.Duration
	logger    *zap.Logger
}

// NewGate creates a gate. A zero timeout uses DefaultTimeout.
func NewGate(v Validator, log wal.Log, timeout time.Duration, logger *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{validator: v, log: log, timeout: timeout, logger: logger}
}

// Subject identifies the execution a decision is recorded against.
type Subject struct {
	ExecutionID string
	TenantID    string
	SessionID   string
}

// Evaluate consults the validator and appends policy_evaluated.
//
// The returned decision is sealed (hash populated) and is the only decision
// the execution will ever see. An error is returned only when the decision
// could not be recorded, in which case execution must not proceed.
func (g *Gate) Evaluate(ctx context.Context, subj Subject, req Request) (Decision, error) {
	d := g.decide(ctx, req).Sealed()

	// A decision that was reached is recorded even if the caller has gone.
	_, err := g.log.Append(context.WithoutCancel(ctx), wal.Event{
		ExecutionID: subj.ExecutionID,
		TenantID:    subj.TenantID,
		SessionID:   subj.SessionID,
		Type:        wal.EventPolicyEvaluated,
		Payload:     map[string]any{"decision": d.Record()},
	})
	if err != nil {
		return Decision{}, fault.Wrap(fault.KindStorageUnavailable, err, "record policy decision").
			WithExecution(subj.ExecutionID)
	}
	return d, nil
}

// decide runs the validator with a timeout, converting every failure mode
// into an unavailable denial.
func (g *Gate) decide(ctx context.Context, req Request) Decision {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		d   Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("validator panic: %v", r)}
			}
		}()
		d, err := g.validator.Evaluate(ctx, req)
		done <- result{d: d, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}

	if res.err != nil {
		level := g.logger.Warn
		if errors.Is(res.err, context.DeadlineExceeded) {
			level = g.logger.Error
		}
		level("policy validator unavailable",
			zap.String("intent_type", req.Intent.IntentType),
			zap.String("tenant_id", req.Intent.TenantID),
			zap.Error(res.err),
		)
		return unavailable(res.d.PolicyID)
	}
	// Hash is always computed by the gate, never trusted from the validator.
	res.d.Hash = ""
	return res.d
}
