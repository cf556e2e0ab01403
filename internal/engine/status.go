package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/state"
)

// Status is an execution lifecycle state.
type Status string

const (
	StatusReceived        Status = "received"
	StatusValidated       Status = "validated"
	StatusPolicyEvaluated Status = "policy_evaluated"
	StatusResolved        Status = "resolved"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

var statusRank = map[Status]int{
	StatusReceived:        1,
	StatusValidated:       2,
	StatusPolicyEvaluated: 3,
	StatusResolved:        4,
	StatusExecuting:       5,
	StatusCompleted:       6,
	StatusFailed:          6,
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canAdvance reports whether from → to moves strictly forward.
// Failed is reachable from every non-terminal state.
func canAdvance(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// Execution is the status projection of one execution.
type Execution struct {
	ExecutionID  string     `json:"execution_id"`
	TenantID     string     `json:"tenant_id"`
	SessionID    string     `json:"session_id"`
	IntentID     string     `json:"intent_id"`
	IntentType   string     `json:"intent_type"`
	Status       Status     `json:"status"`
	PolicyID     string     `json:"policy_id,omitempty"`
	DecisionHash string     `json:"decision_hash,omitempty"`
	Handler      string     `json:"handler,omitempty"`
	ErrorKind    fault.Kind `json:"error_kind,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	SagaIDs      []string   `json:"saga_ids,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func executionKey(tenantID, executionID string) state.Key {
	return state.Key{TenantID: tenantID, Namespace: state.NamespaceExecutions, ID: executionID}
}

// advance moves x to status and writes the projection. A projection write
// failure is logged: the WAL already holds the transition.
func (e *Engine) advance(ctx context.Context, x *Execution, to Status) {
	if !canAdvance(x.Status, to) {
		e.logger.Error("illegal execution transition",
			zap.String("execution_id", x.ExecutionID),
			zap.String("from", string(x.Status)),
			zap.String("to", string(to)),
		)
		return
	}
	x.Status = to
	x.UpdatedAt = e.clock.Now()
	e.project(ctx, x)
}

func (e *Engine) project(ctx context.Context, x *Execution) {
	ctx = context.WithoutCancel(ctx)
	if _, err := state.PutJSON(ctx, e.store, executionKey(x.TenantID, x.ExecutionID), x); err != nil {
		e.logger.Warn("execution projection write failed",
			zap.String("execution_id", x.ExecutionID),
			zap.String("tenant_id", x.TenantID),
			zap.String("status", string(x.Status)),
			zap.Error(err),
		)
	}
}

// GetExecutionStatus returns the status of an execution.
//
// The projection is read first; when it is missing the status is rebuilt
// from the WAL. Lookups are tenant-scoped: an execution of another tenant is
// reported as not found.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID, tenantID string) (Execution, error) {
	if executionID == "" || tenantID == "" {
		return Execution{}, fault.New(fault.KindMalformedIntent, "execution_id and tenant_id are required")
	}
	x, _, err := state.GetJSON[Execution](ctx, e.store, executionKey(tenantID, executionID))
	if err == nil {
		return x, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return Execution{}, fault.Wrap(fault.KindStorageUnavailable, err, "load execution status").
			WithExecution(executionID)
	}
	r, err := e.ReplayExecution(ctx, executionID, tenantID, ReplayStateOnly)
	if err != nil {
		return Execution{}, err
	}
	return r.Execution, nil
}
