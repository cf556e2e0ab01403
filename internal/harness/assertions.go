package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/govexec/internal/engine"
	"github.com/roach88/govexec/internal/state"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  %s#%d %s %s%s\n", ev.Tenant, ev.Seq, ev.Type, ev.Execution, sagaSuffix(ev))
		}
	}
	return buf.String()
}

func sagaSuffix(ev TraceEvent) string {
	if ev.Saga == "" {
		return ""
	}
	if ev.Step != "" {
		return " " + ev.Saga + "/" + ev.Step
	}
	return " " + ev.Saga
}

// scopedTrace returns the events of one flow step's execution, or the whole
// trace when step is nil.
func scopedTrace(trace []TraceEvent, step *int) []TraceEvent {
	if step == nil {
		return trace
	}
	label := flowLabel(*step)
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Execution == label {
			out = append(out, ev)
		}
	}
	return out
}

// assertEventOrder checks that events appear in the specified order.
// Events don't need to be consecutive (intervening events are allowed).
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	events := scopedTrace(trace, a.Step)
	next := 0
	for _, ev := range events {
		if next < len(a.Events) && ev.Type == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}

	actual := make([]string, len(events))
	for i, ev := range events {
		actual[i] = ev.Type
	}
	return &AssertionError{
		Type:     AssertEventOrder,
		Expected: strings.Join(a.Events, " -> "),
		Actual:   fmt.Sprintf("%s (missing %s)", strings.Join(actual, " -> "), a.Events[next]),
		Trace:    trace,
	}
}

// assertEventCount checks that an event type appears exactly Count times.
func assertEventCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range scopedTrace(trace, a.Step) {
		if ev.Type == a.Event {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Expected: fmt.Sprintf("%s to appear %d times", a.Event, a.Count),
		Actual:   fmt.Sprintf("appeared %d times", count),
		Trace:    trace,
	}
}

// assertFinalState reads one state entry and compares its JSON value.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	tenant := a.Tenant
	if tenant == "" {
		tenant = actx.Tenant
	}
	key := state.Key{TenantID: tenant, Namespace: a.Namespace, ID: a.ID}

	entry, err := actx.Store.Get(actx.Ctx, key)
	switch {
	case errors.Is(err, state.ErrNotFound):
		if a.Absent {
			return nil
		}
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %v", key, a.Expect),
			Actual:   "no entry",
		}
	case err != nil:
		return fmt.Errorf("final_state %s: %w", key, err)
	}

	if a.Absent {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s to be absent", key),
			Actual:   string(entry.Value),
		}
	}

	var actual any
	if err := json.Unmarshal(entry.Value, &actual); err != nil {
		return fmt.Errorf("final_state %s: decode: %w", key, err)
	}
	if !valuesMatch(actual, normalizeJSON(a.Expect)) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %v", key, a.Expect),
			Actual:   string(entry.Value),
		}
	}
	return nil
}

// assertExecutionStatus checks the status projection of a flow step's
// execution and that replaying its WAL arrives at the same status.
func assertExecutionStatus(actx *AssertionContext, steps []StepOutcome, a Assertion) error {
	st := steps[*a.Step]
	if st.ExecutionID == "" {
		return &AssertionError{
			Type:     AssertExecutionStatus,
			Expected: fmt.Sprintf("flow[%d] %s", st.Index, a.Status),
			Actual:   "no execution was recorded",
		}
	}

	x, err := actx.Engine.GetExecutionStatus(actx.Ctx, st.ExecutionID, st.Tenant)
	if err != nil {
		return fmt.Errorf("execution_status flow[%d]: %w", st.Index, err)
	}
	if string(x.Status) != a.Status {
		return &AssertionError{
			Type:     AssertExecutionStatus,
			Expected: fmt.Sprintf("flow[%d] %s", st.Index, a.Status),
			Actual:   string(x.Status),
		}
	}

	replayed, err := actx.Engine.ReplayExecution(actx.Ctx, st.ExecutionID, st.Tenant, engine.ReplayStateOnly)
	if err != nil {
		return fmt.Errorf("execution_status flow[%d]: replay: %w", st.Index, err)
	}
	if replayed.Execution.Status != x.Status {
		return &AssertionError{
			Type:     AssertExecutionStatus,
			Expected: fmt.Sprintf("flow[%d] replay to reach %s", st.Index, x.Status),
			Actual:   string(replayed.Execution.Status),
		}
	}
	return nil
}

// normalizeJSON converts YAML-decoded values to their JSON-decoded form, so
// 3 compares equal to 3.0.
func normalizeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// subsetMatch reports whether actual contains every key of expected with a
// matching value. Extra keys in actual are ignored.
func subsetMatch(actual, expected map[string]any) bool {
	return valuesMatch(normalizeJSON(actual), normalizeJSON(expected))
}

// valuesMatch compares normalized JSON values. Objects match as a subset,
// recursively; everything else must be equal.
func valuesMatch(actual, expected any) bool {
	exp, ok := expected.(map[string]any)
	if !ok {
		return reflect.DeepEqual(actual, expected)
	}
	act, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for k, ev := range exp {
		av, exists := act[k]
		if !exists || !valuesMatch(av, ev) {
			return false
		}
	}
	return true
}

// AssertionContext provides what state and status assertions read.
type AssertionContext struct {
	Ctx    context.Context
	Store  state.Store
	Engine *engine.Engine
	// Tenant is the default tenant of final_state assertions.
	Tenant string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter is required for final_state and execution_status.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertEventOrder:
			err = assertEventOrder(result.Trace, a)
		case AssertEventCount:
			err = assertEventCount(result.Trace, a)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a state store", i)
			} else {
				err = assertFinalState(actx, a)
			}
		case AssertExecutionStatus:
			switch {
			case actx == nil || actx.Engine == nil:
				err = fmt.Errorf("assertion[%d]: execution_status requires an engine", i)
			case a.Step == nil || *a.Step < 0 || *a.Step >= len(result.Steps):
				err = fmt.Errorf("assertion[%d]: execution_status step out of range", i)
			default:
				err = assertExecutionStatus(actx, result.Steps, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
