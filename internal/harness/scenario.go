package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/wal"
)

// Scenario defines a conformance test scenario.
// A scenario wires capabilities, policy and sagas into a fresh engine,
// submits a flow of intents and asserts on the resulting WAL and state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Sagas lists CUE files with saga definitions.
	// Paths are relative to the scenario file location.
	Sagas []string `yaml:"sagas,omitempty"`

	// Sessions are opened before the flow, in order. Without any, a single
	// session "default" for tenant t1 and user u1 is opened.
	Sessions []SessionSpec `yaml:"sessions,omitempty"`

	// Capabilities registers handlers by intent type.
	Capabilities []CapabilitySpec `yaml:"capabilities"`

	// Policy configures the validator. Intents are allowed by default.
	Policy PolicySpec `yaml:"policy,omitempty"`

	// Flow contains the intents to submit, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: event_order, event_count, final_state, execution_status
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// SessionSpec declares a session by name.
type SessionSpec struct {
	Name   string `yaml:"name"`
	Tenant string `yaml:"tenant"`
	User   string `yaml:"user"`
}

// CapabilitySpec registers a handler for an intent type.
type CapabilitySpec struct {
	IntentType string `yaml:"intent_type"`
	Version    string `yaml:"version,omitempty"`

	// Handler is "echo", "saga:<name>" or "script".
	Handler string `yaml:"handler"`

	// Script is the behaviour of a "script" handler.
	Script *Script `yaml:"script,omitempty"`

	InputContract  string `yaml:"input_contract,omitempty"`
	OutputContract string `yaml:"output_contract,omitempty"`
}

// HandlerScript names a scripted capability handler.
const HandlerScript = "script"

// Script is a canned handler: it stages state changes and domain events and
// returns fixed artifacts, or fails with Fail as its error message.
type Script struct {
	Artifacts map[string]any `yaml:"artifacts,omitempty"`
	State     []ScriptChange `yaml:"state,omitempty"`
	Events    []ScriptEvent  `yaml:"events,omitempty"`
	Fail      string         `yaml:"fail,omitempty"`
}

// ScriptChange is a staged state write. Op is "put" (default) or "delete".
type ScriptChange struct {
	Op        string `yaml:"op,omitempty"`
	Namespace string `yaml:"namespace"`
	ID        string `yaml:"id"`
	Value     any    `yaml:"value,omitempty"`
}

// ScriptEvent is a staged domain event.
type ScriptEvent struct {
	Type string         `yaml:"type"`
	Data map[string]any `yaml:"data,omitempty"`
}

// PolicySpec configures the policy validator.
type PolicySpec struct {
	// DefaultAllow applies when no rule matches; nil means true.
	DefaultAllow *bool `yaml:"default_allow,omitempty"`

	Rules []policy.Rule `yaml:"rules,omitempty"`

	// Unavailable makes every evaluation fail as if the validator were
	// unreachable.
	Unavailable bool `yaml:"unavailable,omitempty"`
}

// FlowStep submits one intent.
type FlowStep struct {
	// Submit is the intent type.
	Submit string `yaml:"submit"`

	// Session names a declared session; empty means the first one.
	Session string `yaml:"session,omitempty"`

	// Tenant overrides the session's tenant.
	Tenant string `yaml:"tenant,omitempty"`

	Payload map[string]any `yaml:"payload"`

	// Expect specifies the expected result.
	// If nil, no validation is performed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected submission result.
type ExpectClause struct {
	Success   *bool  `yaml:"success,omitempty"`
	Status    string `yaml:"status,omitempty"`
	ErrorKind string `yaml:"error_kind,omitempty"`

	// Artifacts is a subset match against the returned artifacts.
	Artifacts map[string]any `yaml:"artifacts,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "event_order": Events appear in this order (gaps allowed)
	// - "event_count": Event appears exactly Count times
	// - "final_state": Namespace/ID holds Expect, or is Absent
	// - "execution_status": the execution of flow step Step has Status
	Type string `yaml:"type"`

	// Step restricts event assertions to one flow step's execution and
	// selects the execution for execution_status.
	Step *int `yaml:"step,omitempty"`

	// Events is the expected order (used by event_order).
	Events []string `yaml:"events,omitempty"`

	// Event and Count are used by event_count.
	Event string `yaml:"event,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Tenant defaults to the first session's tenant (used by final_state).
	Tenant    string `yaml:"tenant,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
	ID        string `yaml:"id,omitempty"`

	// Expect is the stored JSON value. Objects match as a subset.
	Expect any  `yaml:"expect,omitempty"`
	Absent bool `yaml:"absent,omitempty"`

	// Status is used by execution_status.
	Status string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertEventOrder      = "event_order"
	AssertEventCount      = "event_count"
	AssertFinalState      = "final_state"
	AssertExecutionStatus = "execution_status"
)

// Default session used when a scenario declares none.
var defaultSession = SessionSpec{Name: "default", Tenant: "t1", User: "u1"}

// LoadScenario reads and parses a scenario YAML file. Saga paths resolve
// relative to the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving saga paths relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, basePath)
}

// ParseScenario decodes a scenario document.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, p := range scenario.Sagas {
		if !filepath.IsAbs(p) && basePath != "" {
			scenario.Sagas[i] = filepath.Join(basePath, p)
		}
	}
	if len(scenario.Sessions) == 0 {
		scenario.Sessions = []SessionSpec{defaultSession}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for _, p := range s.Sagas {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("saga file not found: %s", p)
		}
	}

	sessions := map[string]bool{}
	for i, sess := range s.Sessions {
		if sess.Name == "" || sess.Tenant == "" || sess.User == "" {
			return fmt.Errorf("sessions[%d]: name, tenant and user are required", i)
		}
		if sessions[sess.Name] {
			return fmt.Errorf("sessions[%d]: duplicate session %q", i, sess.Name)
		}
		sessions[sess.Name] = true
	}

	for i, c := range s.Capabilities {
		if err := validateCapability(i, c); err != nil {
			return err
		}
	}

	for i, step := range s.Flow {
		if step.Submit == "" {
			return fmt.Errorf("flow[%d]: submit is required", i)
		}
		if step.Session != "" && !sessions[step.Session] {
			return fmt.Errorf("flow[%d]: unknown session %q", i, step.Session)
		}
		if step.Expect != nil && step.Expect.ErrorKind != "" && step.Expect.Success != nil && *step.Expect.Success {
			return fmt.Errorf("flow[%d].expect: error_kind contradicts success: true", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], len(s.Flow)); err != nil {
			return err
		}
	}
	return nil
}

func validateCapability(i int, c CapabilitySpec) error {
	if c.IntentType == "" {
		return fmt.Errorf("capabilities[%d]: intent_type is required", i)
	}
	switch {
	case c.Handler == HandlerScript:
		if c.Script == nil {
			return fmt.Errorf("capabilities[%d]: script handler needs a script", i)
		}
		for j, ch := range c.Script.State {
			if ch.Op != "" && ch.Op != string(state.OpPut) && ch.Op != string(state.OpDelete) {
				return fmt.Errorf("capabilities[%d].script.state[%d]: unknown op %q", i, j, ch.Op)
			}
		}
	case c.Handler == "echo", strings.HasPrefix(c.Handler, "saga:"):
		if c.Script != nil {
			return fmt.Errorf("capabilities[%d]: script is only valid with handler %q", i, HandlerScript)
		}
	default:
		return fmt.Errorf("capabilities[%d]: unknown handler %q", i, c.Handler)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, flowLen int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Step != nil && (*a.Step < 0 || *a.Step >= flowLen) {
		return fmt.Errorf("assertions[%d]: step %d is out of range", index, *a.Step)
	}

	switch a.Type {
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
		for _, e := range a.Events {
			if !wal.EventType(e).Valid() {
				return fmt.Errorf("assertions[%d]: unknown event type %q", index, e)
			}
		}
	case AssertEventCount:
		if !wal.EventType(a.Event).Valid() {
			return fmt.Errorf("assertions[%d]: event_count needs a known event, got %q", index, a.Event)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertFinalState:
		if a.Namespace == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: namespace and id are required for final_state", index)
		}
		if a.Expect == nil && !a.Absent {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	case AssertExecutionStatus:
		if a.Step == nil || a.Status == "" {
			return fmt.Errorf("assertions[%d]: step and status are required for execution_status", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func flowLabel(i int) string {
	return fmt.Sprintf("flow[%d]", i)
}

func sagaLabel(n int) string {
	return fmt.Sprintf("saga#%d", n)
}
