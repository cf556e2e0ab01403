package harness

import (
	"github.com/roach88/govexec/internal/engine"
	"github.com/roach88/govexec/internal/wal"
)

// TraceEvent is a WAL event reduced to the fields that are stable across
// runs. Generated ids are replaced by labels: executions by the flow step
// that submitted them ("flow[0]"), sagas by order of first appearance
// ("saga#1").
type TraceEvent struct {
	Tenant    string `json:"tenant"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Execution string `json:"execution,omitempty"`
	Saga      string `json:"saga,omitempty"`
	Step      string `json:"step,omitempty"`
	Status    string `json:"status,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// StepOutcome records what a flow step returned.
type StepOutcome struct {
	Index       int            `json:"index"`
	Tenant      string         `json:"tenant"`
	IntentType  string         `json:"intent_type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Success     bool           `json:"success"`
	Status      string         `json:"status"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the WAL of every tenant the scenario touched, tenant by
	// tenant in declaration order, each in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Steps holds one outcome per flow step.
	Steps []StepOutcome `json:"steps"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	events []wal.Event
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addStep records a flow step outcome.
func (r *Result) addStep(i int, tenant, intentType string, res engine.Result) {
	out := StepOutcome{
		Index:       i,
		Tenant:      tenant,
		IntentType:  intentType,
		ExecutionID: res.ExecutionID,
		Success:     res.Success,
		Status:      string(res.Status),
		Artifacts:   res.Artifacts,
	}
	if res.Error != nil {
		out.ErrorKind = string(res.Error.Kind)
	}
	r.Steps = append(r.Steps, out)
}

// buildTrace labels events with flow and saga labels.
func (r *Result) buildTrace() {
	execLabels := make(map[string]string, len(r.Steps))
	for _, st := range r.Steps {
		if st.ExecutionID != "" {
			execLabels[st.ExecutionID] = flowLabel(st.Index)
		}
	}
	sagaLabels := map[string]string{}

	r.Trace = make([]TraceEvent, 0, len(r.events))
	for _, e := range r.events {
		te := TraceEvent{
			Tenant: e.TenantID,
			Seq:    e.Sequence,
			Type:   string(e.Type),
		}
		if e.ExecutionID != "" {
			te.Execution = execLabels[e.ExecutionID]
			if te.Execution == "" {
				te.Execution = e.ExecutionID
			}
		}
		if e.SagaID != "" {
			label, ok := sagaLabels[e.SagaID]
			if !ok {
				label = sagaLabel(len(sagaLabels) + 1)
				sagaLabels[e.SagaID] = label
			}
			te.Saga = label
		}
		te.Step = e.PayloadString("step_id")
		te.ErrorKind = e.PayloadString("error_kind")
		switch e.Type {
		case wal.EventStateTransition:
			te.Status = e.PayloadString("to")
		case wal.EventPolicyEvaluated:
			te.Status = decisionLabel(e.PayloadMap("decision"))
		}
		r.Trace = append(r.Trace, te)
	}
}

func decisionLabel(d map[string]any) string {
	if unavailable, _ := d["unavailable"].(bool); unavailable {
		return "unavailable"
	}
	if allowed, _ := d["allowed"].(bool); allowed {
		return "allowed"
	}
	return "denied"
}
