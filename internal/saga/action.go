package saga

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/govexec/internal/state"
)

// ActionRequest is passed to step and compensation actions.
type ActionRequest struct {
	SagaID      string
	StepID      string
	ActionType  string
	TenantID    string
	SessionID   string
	ExecutionID string
	Attempt     int

	// Input is the step's declared input; SagaInput is the input the saga
	// was started with.
	Input     map[string]any
	SagaInput map[string]any

	// Results holds outputs of steps completed so far.
	Results map[string]map[string]any

	// Output is the output of the step being compensated. Empty for
	// forward actions.
	Output map[string]any
}

// Result is what an action returns.
type Result struct {
	Output       map[string]any
	StateChanges []state.Change
}

// Action performs one step or compensation.
type Action interface {
	Run(ctx context.Context, req ActionRequest) (Result, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, req ActionRequest) (Result, error)

// Run implements Action.
func (f ActionFunc) Run(ctx context.Context, req ActionRequest) (Result, error) {
	return f(ctx, req)
}

// Permanent marks err as non-retryable: the step fails without spending
// its remaining retries.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// ActionRegistry maps step and compensation types to actions.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

// Register adds an action under name. Names are unique.
func (r *ActionRegistry) Register(name string, a Action) error {
	if name == "" || a == nil {
		return fmt.Errorf("register action: name and action are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[name]; ok {
		return fmt.Errorf("register action: %q already registered", name)
	}
	r.actions[name] = a
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *ActionRegistry) MustRegister(name string, a Action) {
	if err := r.Register(name, a); err != nil {
		panic(err)
	}
}

// Lookup returns the action registered under name.
func (r *ActionRegistry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns registered action names, sorted.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// CheckDefinition verifies every step and compensation type of d is
// registered.
func (r *ActionRegistry) CheckDefinition(d Definition) error {
	for _, st := range d.Steps {
		if _, ok := r.Lookup(st.Type); !ok {
			return fmt.Errorf("%w: step %q: unknown action %q", ErrInvalidDefinition, st.ID, st.Type)
		}
		if st.CompensationType == "" {
			continue
		}
		if _, ok := r.Lookup(st.CompensationType); !ok {
			return fmt.Errorf("%w: step %q: unknown compensation %q", ErrInvalidDefinition, st.ID, st.CompensationType)
		}
	}
	return nil
}
