package harness

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/app"
	"github.com/roach88/govexec/internal/capability"
	"github.com/roach88/govexec/internal/compiler"
	"github.com/roach88/govexec/internal/config"
	"github.com/roach88/govexec/internal/engine"
	"github.com/roach88/govexec/internal/execctx"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/intent"
	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/session"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/testutil"
	"github.com/roach88/govexec/internal/wal"
)

// ErrPolicyUnreachable is the validator error of a scenario with
// policy.unavailable set.
var ErrPolicyUnreachable = errors.New("policy validator unreachable")

// Harness runs one scenario against a freshly wired engine.
type Harness struct {
	app      *app.App
	scenario *Scenario
	sessions map[string]session.Session
	tenants  []string
	logger   *zap.Logger
}

// Option configures Run.
type Option func(*Harness)

// WithLogger sends engine logs to l instead of discarding them.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory SQLite database, with sequential
// ids and a step clock, so two runs of one scenario produce the same trace.
//
// Execution flow:
// 1. Compile saga files and wire the engine
// 2. Open the declared sessions
// 3. Submit the flow, checking expect clauses
// 4. Collect the WAL of every tenant and evaluate assertions
//
// An error is returned only when the scenario cannot be set up or the WAL
// cannot be read; failed expectations are recorded in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{scenario: scenario, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.setup(ctx); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}
	defer h.app.Close()

	result := NewResult()
	h.executeFlow(ctx, result)

	if err := h.collect(ctx, result); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}
	actx := &AssertionContext{
		Ctx:    ctx,
		Store:  h.app.Store,
		Engine: h.app.Engine,
		Tenant: h.defaultTenant(),
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context) error {
	s := h.scenario
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = ":memory:"
	cfg.State.Backend = "database"
	cfg.WAL.NATSURL = ""
	cfg.Saga.DefinitionsDir = ""
	cfg.Policy.DefaultAllow = s.Policy.DefaultAllow == nil || *s.Policy.DefaultAllow
	cfg.Policy.Rules = s.Policy.Rules
	cfg.Policy.RateLimit = config.RateLimitConfig{}
	cfg.Capabilities.Entries = nil

	clk := testutil.NewStepClock()
	opts := []app.Option{
		app.WithIDs(ids.NewSequentialGenerator("id")),
		app.WithClock(clk),
		app.WithSagaSleep(func(context.Context, time.Duration) error { return nil }),
	}

	for _, path := range s.Sagas {
		defs, err := compiler.CompileSagaFile(path, compiler.WithDefaultMaxRetries(cfg.Saga.DefaultMaxRetries))
		if err != nil {
			return err
		}
		opts = append(opts, app.WithDefinitions(defs...))
	}

	for _, c := range s.Capabilities {
		if c.Handler == HandlerScript {
			opts = append(opts, app.WithHandlers(capability.Registration{
				IntentType:     c.IntentType,
				Version:        c.Version,
				Handler:        scriptHandler(c.Script),
				InputContract:  c.InputContract,
				OutputContract: c.OutputContract,
			}))
			continue
		}
		cfg.Capabilities.Entries = append(cfg.Capabilities.Entries, config.CapabilityEntry{
			IntentType:     c.IntentType,
			Handler:        c.Handler,
			Version:        c.Version,
			InputContract:  c.InputContract,
			OutputContract: c.OutputContract,
		})
	}

	if s.Policy.Unavailable {
		opts = append(opts, app.WithValidator(policy.ValidatorFunc(
			func(context.Context, policy.Request) (policy.Decision, error) {
				return policy.Decision{}, ErrPolicyUnreachable
			})))
	}

	a, err := app.Build(ctx, cfg, h.logger, opts...)
	if err != nil {
		return err
	}
	h.app = a

	h.sessions = make(map[string]session.Session, len(s.Sessions))
	for _, spec := range s.Sessions {
		sess, err := a.Engine.CreateSession(ctx, spec.Tenant, spec.User)
		if err != nil {
			a.Close()
			return fmt.Errorf("open session %s: %w", spec.Name, err)
		}
		h.sessions[spec.Name] = sess
		h.addTenant(spec.Tenant)
	}
	return nil
}

func (h *Harness) addTenant(tenant string) {
	for _, t := range h.tenants {
		if t == tenant {
			return
		}
	}
	h.tenants = append(h.tenants, tenant)
}

// executeFlow submits each flow step in order. Submissions that fail are
// part of the flow; only expect clauses decide pass or fail.
func (h *Harness) executeFlow(ctx context.Context, result *Result) {
	for i, step := range h.scenario.Flow {
		name := step.Session
		if name == "" {
			name = h.scenario.Sessions[0].Name
		}
		sess := h.sessions[name]
		tenant := sess.TenantID
		if step.Tenant != "" {
			tenant = step.Tenant
			h.addTenant(tenant)
		}

		res, _ := h.app.Engine.Submit(ctx, intent.Intent{
			IntentID:   fmt.Sprintf("intent-%d", i+1),
			IntentType: step.Submit,
			TenantID:   tenant,
			SessionID:  sess.SessionID,
			Payload:    step.Payload,
		})
		result.addStep(i, tenant, step.Submit, res)

		if step.Expect != nil {
			for _, msg := range checkExpect(i, step.Expect, res) {
				result.AddError(msg)
			}
		}
	}
}

// collect reads the WAL of every tenant the scenario touched.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	for _, tenant := range h.tenants {
		events, err := h.app.Log.Query(ctx, wal.Filter{TenantID: tenant})
		if err != nil {
			return fmt.Errorf("read wal of %s: %w", tenant, err)
		}
		result.events = append(result.events, events...)
	}
	result.buildTrace()
	return nil
}

func (h *Harness) defaultTenant() string {
	return h.scenario.Sessions[0].Tenant
}

// checkExpect compares a submission result with its expect clause.
func checkExpect(i int, exp *ExpectClause, res engine.Result) []string {
	var errs []string
	if exp.Success != nil && res.Success != *exp.Success {
		errs = append(errs, fmt.Sprintf("flow[%d]: expected success=%t, got %t (%v)", i, *exp.Success, res.Success, res.Error))
	}
	if exp.Status != "" && string(res.Status) != exp.Status {
		errs = append(errs, fmt.Sprintf("flow[%d]: expected status %s, got %s", i, exp.Status, res.Status))
	}
	if exp.ErrorKind != "" {
		got := ""
		if res.Error != nil {
			got = string(res.Error.Kind)
		}
		if got != exp.ErrorKind {
			errs = append(errs, fmt.Sprintf("flow[%d]: expected error_kind %s, got %q", i, exp.ErrorKind, got))
		}
	}
	if len(exp.Artifacts) > 0 && !subsetMatch(res.Artifacts, exp.Artifacts) {
		errs = append(errs, fmt.Sprintf("flow[%d]: artifacts %v do not contain %v", i, res.Artifacts, exp.Artifacts))
	}
	return errs
}

// scriptHandler replays a Script through the execution context.
func scriptHandler(s *Script) capability.Handler {
	return capability.HandlerFunc(func(_ context.Context, ec *execctx.Context) (capability.Outcome, error) {
		if s.Fail != "" {
			return capability.Outcome{}, errors.New(s.Fail)
		}
		for _, c := range s.State {
			var err error
			if c.Op == string(state.OpDelete) {
				err = ec.State().Delete(c.Namespace, c.ID)
			} else {
				err = ec.State().Put(c.Namespace, c.ID, c.Value)
			}
			if err != nil {
				return capability.Outcome{}, err
			}
		}
		for _, ev := range s.Events {
			if err := ec.Events().Emit(ev.Type, ev.Data); err != nil {
				return capability.Outcome{}, err
			}
		}
		return capability.Outcome{Artifacts: maps.Clone(s.Artifacts)}, nil
	})
}
