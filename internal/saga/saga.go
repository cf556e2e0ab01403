package saga

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a saga.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusAborted      Status = "aborted"
	StatusFailed       Status = "failed"
)

// transitions lists the legal forward moves. completed -> compensating only
// happens when a sibling branch aborts.
var transitions = map[Status][]Status{
	"":                 {StatusPending},
	StatusPending:      {StatusRunning, StatusCompensating},
	StatusRunning:      {StatusCompleted, StatusCompensating},
	StatusCompleted:    {StatusCompensating},
	StatusCompensating: {StatusAborted, StatusFailed},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether no further step will run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Step is the runtime record of one saga step.
type Step struct {
	StepID           string         `json:"step_id"`
	StepType         string         `json:"step_type"`
	CompensationType string         `json:"compensation_type,omitempty"`
	Status           StepStatus     `json:"status"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	// Exhausted is set when the last recorded failure ended the step's
	// attempts.
	Exhausted        bool           `json:"exhausted,omitempty"`
}

// Compensable reports whether the step can be rolled back.
func (s Step) Compensable() bool {
	return s.CompensationType != ""
}

// Saga is the durable record of a multi-step workflow.
//
// Input and the step Input/Output maps are normalized JSON values and are
// treated as read-only once set.
type Saga struct {
	SagaID           string         `json:"saga_id"`
	TenantID         string         `json:"tenant_id"`
	SessionID        string         `json:"session_id,omitempty"`
	ExecutionID      string         `json:"execution_id,omitempty"`
	ParentID         string         `json:"parent_id,omitempty"`
	Name             string         `json:"name"`
	DefinitionHash   string         `json:"definition_hash"`
	Input            map[string]any `json:"input"`
	Steps            []Step         `json:"steps"`
	CurrentStepIndex int            `json:"current_step_index"`
	Status           Status         `json:"status"`
	Reason           string         `json:"reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone returns a copy whose step slice is not shared with s.
func (s Saga) Clone() Saga {
	s.Steps = slices.Clone(s.Steps)
	for i := range s.Steps {
		s.Steps[i].DependsOn = slices.Clone(s.Steps[i].DependsOn)
	}
	return s
}

// Step returns the step with the given id.
func (s Saga) Step(id string) (Step, bool) {
	for _, st := range s.Steps {
		if st.StepID == id {
			return st, true
		}
	}
	return Step{}, false
}

// Results returns the outputs of completed steps keyed by step id.
func (s Saga) Results() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, st := range s.Steps {
		if st.Status == StepCompleted || st.Status == StepCompensated {
			out[st.StepID] = maps.Clone(st.Output)
		}
	}
	return out
}

// StepIDs returns step ids in execution order.
func (s Saga) StepIDs() []string {
	out := make([]string, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.StepID
	}
	return out
}

func (s Saga) String() string {
	return fmt.Sprintf("saga %s %q (tenant=%s status=%s step=%d/%d)",
		s.SagaID, s.Name, s.TenantID, s.Status, s.CurrentStepIndex, len(s.Steps))
}

// StepResult reports the outcome of executing one step.
type StepResult struct {
	StepID   string
	Index    int
	Status   StepStatus
	Attempts int
	Output   map[string]any
	Err      error
}
