package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/intent"
	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/saga"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/wal"
)

// ReplayMode selects what ReplayExecution reconstructs.
type ReplayMode string

const (
	ReplayFull       ReplayMode = "full"
	ReplayStateOnly  ReplayMode = "state_only"
	ReplayEventsOnly ReplayMode = "events_only"
)

// ParseReplayMode converts s to a ReplayMode. An empty string is full.
func ParseReplayMode(s string) (ReplayMode, error) {
	switch m := ReplayMode(s); m {
	case "":
		return ReplayFull, nil
	case ReplayFull, ReplayStateOnly, ReplayEventsOnly:
		return m, nil
	}
	return "", fmt.Errorf("unknown replay mode %q (want full, state_only or events_only)", s)
}

// ReplayResult is an execution rebuilt from the WAL.
//
// Events is set for full and events_only. Execution, State and Sagas are set
// for full and state_only.
type ReplayResult struct {
	ExecutionID string          `json:"execution_id"`
	TenantID    string          `json:"tenant_id"`
	Mode        ReplayMode      `json:"mode"`
	Intent      intent.Intent   `json:"intent"`
	Decision    policy.Decision `json:"policy_decision"`
	Execution   Execution       `json:"execution"`
	Artifacts   map[string]any  `json:"artifacts,omitempty"`
	State       []StateEntry    `json:"state,omitempty"`
	Sagas       []saga.Saga     `json:"sagas,omitempty"`
	Events      []wal.Event     `json:"events,omitempty"`
}

// StateEntry is one reconstructed state entry.
type StateEntry struct {
	Namespace string          `json:"namespace"`
	ID        string          `json:"id"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// eventClock reports the timestamp of the event being replayed.
type eventClock struct {
	now time.Time
}

func (c *eventClock) Now() time.Time { return c.now }

// ReplayExecution rebuilds an execution from its WAL events.
//
// The reconstructed state is what this execution and its sagas wrote,
// applied in log order to a scratch store. Nothing is written to the State
// Store or the WAL, and no handler or saga action runs.
func (e *Engine) ReplayExecution(ctx context.Context, executionID, tenantID string, mode ReplayMode) (ReplayResult, error) {
	if executionID == "" || tenantID == "" {
		return ReplayResult{}, fault.New(fault.KindMalformedIntent, "execution_id and tenant_id are required")
	}
	if mode == "" {
		mode = ReplayFull
	}
	if _, err := ParseReplayMode(string(mode)); err != nil {
		return ReplayResult{}, fault.Wrap(fault.KindMalformedIntent, err, "replay mode").WithExecution(executionID)
	}

	events, err := e.log.Query(ctx, wal.Filter{TenantID: tenantID, ExecutionID: executionID})
	if err != nil {
		return ReplayResult{}, fault.Wrap(fault.KindStorageUnavailable, err, "query execution events").
			WithExecution(executionID)
	}
	if len(events) == 0 {
		return ReplayResult{}, fault.New(fault.KindMalformedIntent, "execution %s not found", executionID).
			WithExecution(executionID)
	}

	r, err := Rebuild(ctx, events)
	if err != nil {
		return ReplayResult{}, fault.Wrap(fault.KindStorageUnavailable, err, "rebuild execution").
			WithExecution(executionID)
	}
	r.Mode = mode
	switch mode {
	case ReplayEventsOnly:
		r.State, r.Sagas = nil, nil
	case ReplayStateOnly:
		r.Events = nil
	}

	e.logger.Debug("execution replayed",
		zap.String("execution_id", executionID),
		zap.String("tenant_id", tenantID),
		zap.String("mode", string(mode)),
		zap.Int("events", len(events)),
	)
	return r, nil
}

// Rebuild folds the events of one execution, in sequence order, into a
// ReplayResult. It is pure apart from the scratch store it allocates.
func Rebuild(ctx context.Context, events []wal.Event) (ReplayResult, error) {
	clk := &eventClock{}
	scratch := state.NewMemoryStore(clk)

	var r ReplayResult
	var sagaOrder []string
	sagaEvents := map[string][]wal.Event{}

	for i, ev := range events {
		clk.now = ev.Timestamp
		if i == 0 {
			r.ExecutionID, r.TenantID = ev.ExecutionID, ev.TenantID
			r.Execution = Execution{
				ExecutionID: ev.ExecutionID,
				TenantID:    ev.TenantID,
				SessionID:   ev.SessionID,
				CreatedAt:   ev.Timestamp,
			}
		}
		if ev.ExecutionID != r.ExecutionID || ev.TenantID != r.TenantID {
			return ReplayResult{}, fmt.Errorf("event %s belongs to execution %s/%s", ev.EventID, ev.TenantID, ev.ExecutionID)
		}
		r.Execution.UpdatedAt = ev.Timestamp

		if ev.SagaID != "" {
			if _, seen := sagaEvents[ev.SagaID]; !seen {
				sagaOrder = append(sagaOrder, ev.SagaID)
			}
			sagaEvents[ev.SagaID] = append(sagaEvents[ev.SagaID], ev)
			if err := applySagaChanges(ctx, scratch, ev); err != nil {
				return ReplayResult{}, err
			}
			continue
		}

		x := &r.Execution
		switch ev.Type {
		case wal.EventIntentReceived:
			r.Intent = intent.FromRecord(ev.PayloadMap("intent"))
			x.IntentID, x.IntentType = r.Intent.IntentID, r.Intent.IntentType
			x.Status = StatusReceived
		case wal.EventPolicyEvaluated:
			r.Decision = policy.DecisionFromRecord(ev.PayloadMap("decision"))
			x.PolicyID, x.DecisionHash = r.Decision.PolicyID, r.Decision.Hash
			x.Status = StatusPolicyEvaluated
		case wal.EventExecutionStarted:
			x.Handler = handlerFromPayload(ev.PayloadMap("handler"))
			x.Status = StatusExecuting
		case wal.EventExecutionCompleted:
			r.Artifacts = ev.PayloadMap("artifacts")
			x.SagaIDs = stringsFromPayload(ev.Payload["saga_ids"])
			x.Status = StatusCompleted
			changes, err := state.ChangesFromPayload(ev.Payload["state_changes"])
			if err != nil {
				return ReplayResult{}, fmt.Errorf("event %s: %w", ev.EventID, err)
			}
			if err := state.Apply(ctx, scratch, ev.TenantID, changes); err != nil {
				return ReplayResult{}, fmt.Errorf("event %s: %w", ev.EventID, err)
			}
		case wal.EventExecutionFailed:
			x.ErrorKind = fault.Kind(ev.PayloadString("error_kind"))
			x.Reason = ev.PayloadString("reason")
			if ids := stringsFromPayload(ev.Payload["saga_ids"]); len(ids) > 0 {
				x.SagaIDs = ids
			}
			x.Status = StatusFailed
		}
	}

	// A rejected intent leaves only intent_received. Structural rejections
	// are found again here; a session rejection is indistinguishable from a
	// crash before validation and stays received.
	if x := &r.Execution; x.Status == StatusReceived {
		if err := intent.CheckStructure(r.Intent); err != nil {
			ferr := fault.Classify(err, fault.KindMalformedIntent)
			x.ErrorKind, x.Reason = ferr.Kind, ferr.Reason
			x.Status = StatusFailed
		}
	}

	for _, id := range sagaOrder {
		s, err := saga.Rebuild(sagaEvents[id])
		if err != nil {
			return ReplayResult{}, fmt.Errorf("saga %s: %w", id, err)
		}
		r.Sagas = append(r.Sagas, s)
	}
	r.Events = events

	for _, entry := range scratch.Snapshot() {
		r.State = append(r.State, StateEntry{
			Namespace: entry.Key.Namespace,
			ID:        entry.Key.ID,
			Value:     entry.Value,
			Version:   entry.Version,
			UpdatedAt: entry.UpdatedAt,
		})
	}
	return r, nil
}

// applySagaChanges re-applies what a saga step or compensation wrote.
func applySagaChanges(ctx context.Context, s state.Store, ev wal.Event) error {
	if ev.Type != wal.EventSagaStepCompleted && ev.Type != wal.EventSagaCompensated {
		return nil
	}
	changes, err := state.ChangesFromPayload(ev.Payload["state_changes"])
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	if err := state.Apply(ctx, s, ev.TenantID, changes); err != nil {
		return fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	return nil
}

func handlerFromPayload(m map[string]any) string {
	if b, _ := m["builtin"].(string); b != "" {
		return "builtin:" + b
	}
	t, _ := m["intent_type"].(string)
	v, _ := m["version"].(string)
	if t == "" {
		return ""
	}
	return t + "@" + v
}
