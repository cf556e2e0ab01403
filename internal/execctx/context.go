// Package execctx assembles the immutable context handed to intent handlers.
//
// A Context bundles the validated intent, a snapshot of its session and the
// sealed policy decision, plus handles scoped to (execution_id, tenant_id):
// State stages state changes, Events stages domain events and reads the
// execution's WAL history, and Sagas starts sagas bound to the execution.
// Nothing a handler does through these handles reaches the State Store or
// the WAL until the engine commits the execution's outcome.
package execctx

import (
	"context"
	"time"

	"github.com/roach88/govexec/internal/clock"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/intent"
	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/saga"
	"github.com/roach88/govexec/internal/session"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/wal"
)

// Context is the read-only view of an execution given to a handler.
type Context struct {
	executionID string
	intent      intent.Intent
	session     session.Session
	decision    policy.Decision
	createdAt   time.Time

	state  *StateHandle
	events *EventHandle
	sagas  *SagaHandle
}

// ExecutionID returns the id of the execution.
func (c *Context) ExecutionID() string { return c.executionID }

// TenantID returns the tenant the execution runs under.
func (c *Context) TenantID() string { return c.intent.TenantID }

// SessionID returns the session the intent was submitted in.
func (c *Context) SessionID() string { return c.intent.SessionID }

// CorrelationID returns the caller's correlation id, or the execution id
// when none was supplied.
func (c *Context) CorrelationID() string {
	if c.intent.Metadata.CorrelationID != "" {
		return c.intent.Metadata.CorrelationID
	}
	return c.executionID
}

// CreatedAt returns when the context was built.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Intent returns a deep copy of the intent.
func (c *Context) Intent() intent.Intent {
	in, err := c.intent.Clone()
	if err != nil {
		// The payload was normalized when the context was built.
		return c.intent
	}
	return in
}

// Payload returns a deep copy of the intent payload.
func (c *Context) Payload() map[string]any {
	return c.Intent().Payload
}

// Session returns a snapshot of the session taken at build time.
func (c *Context) Session() session.Session { return c.session.Snapshot() }

// PolicyDecision returns the decision sealed at acceptance time.
func (c *Context) PolicyDecision() policy.Decision { return c.decision }

// State returns the tenant-scoped state handle.
func (c *Context) State() *StateHandle { return c.state }

// Events returns the execution-scoped event handle.
func (c *Context) Events() *EventHandle { return c.events }

// Sagas returns the saga handle bound to this execution.
func (c *Context) Sagas() *SagaHandle { return c.sagas }

// Builder creates execution contexts. It performs no I/O beyond id
// generation.
type Builder struct {
	store state.Store
	log   wal.Log
	sagas *saga.Coordinator
	ids   ids.Generator
	clock clock.Clock
}

// Option configures a Builder.
type Option func(*Builder)

// WithIDs overrides execution id generation.
func WithIDs(g ids.Generator) Option {
	return func(b *Builder) { b.ids = g }
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(c clock.Clock) Option {
	return func(b *Builder) { b.clock = c }
}

// NewBuilder creates a builder. sagas may be nil, in which case handlers
// cannot start sagas.
func NewBuilder(store state.Store, log wal.Log, sagas *saga.Coordinator, opts ...Option) *Builder {
	b := &Builder{
		store: store,
		log:   log,
		sagas: sagas,
		ids:   ids.UUIDv7Generator{},
		clock: clock.System(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewExecutionID returns a fresh execution id.
func (b *Builder) NewExecutionID() string {
	return b.ids.Generate()
}

// Build assembles the context for a validated intent. An empty executionID
// is generated.
func (b *Builder) Build(executionID string, valid intent.ValidResult, decision policy.Decision) (*Context, error) {
	if executionID == "" {
		executionID = b.NewExecutionID()
	}
	in, err := valid.Intent.Clone()
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "intent payload").WithExecution(executionID)
	}
	tenantID := in.TenantID
	return &Context{
		executionID: executionID,
		intent:      in,
		session:     valid.Session.Snapshot(),
		decision:    decision,
		createdAt:   b.clock.Now(),
		state:       &StateHandle{store: b.store, tenantID: tenantID},
		events:      &EventHandle{log: b.log, tenantID: tenantID, executionID: executionID},
		sagas: &SagaHandle{coord: b.sagas, base: saga.StartRequest{
			TenantID:    tenantID,
			SessionID:   in.SessionID,
			ExecutionID: executionID,
		}},
	}, nil
}

// Outcome drains everything the handler staged through its handles.
type Outcome struct {
	StateChanges []state.Change
	Events       []DomainEvent
	SagaIDs      []string
}

// Staged returns what the handler staged so far.
func (c *Context) Staged() Outcome {
	return Outcome{
		StateChanges: c.state.Changes(),
		Events:       c.events.Emitted(),
		SagaIDs:      c.sagas.Started(),
	}
}

// WithContext returns ctx carrying c. Handlers receive a context built this
// way, so code below the handler can reach its execution.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the execution context stored by WithContext.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Context)
	return c, ok
}

type ctxKey struct{}
