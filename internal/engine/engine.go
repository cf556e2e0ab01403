package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/capability"
	"github.com/roach88/govexec/internal/clock"
	"github.com/roach88/govexec/internal/execctx"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/intent"
	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/saga"
	"github.com/roach88/govexec/internal/session"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/wal"
)

// ErrExecutionCancelled is the context cause seen by a handler whose
// execution was cancelled by a cancel intent.
var ErrExecutionCancelled = errors.New("execution cancelled")

// Observer receives lifecycle outcomes, typically for metrics.
type Observer interface {
	PolicyEvaluated(d policy.Decision)
	ExecutionFinished(intentType string, status Status, kind fault.Kind, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) PolicyEvaluated(policy.Decision)                             {}
func (nopObserver) ExecutionFinished(string, Status, fault.Kind, time.Duration) {}

// Deps are the components an Engine drives. Log, Store, Sessions, Gate and
// Resolver are required. Without Sagas, handlers cannot start sagas and
// cancel intents cannot target one. Without Broadcaster, Subscribe fails.
type Deps struct {
	Log         wal.Log
	Store       state.Store
	Sessions    *session.Manager
	Gate        *policy.Gate
	Resolver    *capability.Resolver
	Sagas       *saga.Coordinator
	Broadcaster *wal.Broadcaster
}

// Engine is the execution lifecycle manager.
//
// Thread-safety model:
//   - Submit, ReplayExecution, GetExecutionStatus: safe from any goroutine
//   - executions share no mutable state beyond the WAL, the State Store and
//     the in-flight registry, which is only held for map access
type Engine struct {
	log         wal.Log
	store       state.Store
	sessions    *session.Manager
	validator   *intent.Validator
	gate        *policy.Gate
	resolver    *capability.Resolver
	sagas       *saga.Coordinator
	broadcaster *wal.Broadcaster
	builder     *execctx.Builder

	ids      ids.Generator
	clock    clock.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
	quota    outputQuota

	mu       sync.Mutex
	inflight map[string]*inflight
}

// inflight is an execution whose handler is running in this process.
type inflight struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDs overrides execution and intent id generation.
func WithIDs(g ids.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer used for submission and handler spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithMaxOutputs sets the per-execution output quota.
//
// Default: 1000 (DefaultMaxOutputs). Zero disables the quota.
func WithMaxOutputs(n int) Option {
	return func(e *Engine) { e.quota = outputQuota{max: n} }
}

// New creates an Engine.
func New(d Deps, opts ...Option) (*Engine, error) {
	switch {
	case d.Log == nil:
		return nil, errors.New("engine: wal log is required")
	case d.Store == nil:
		return nil, errors.New("engine: state store is required")
	case d.Sessions == nil:
		return nil, errors.New("engine: session manager is required")
	case d.Gate == nil:
		return nil, errors.New("engine: policy gate is required")
	case d.Resolver == nil:
		return nil, errors.New("engine: capability resolver is required")
	}

	e := &Engine{
		log:         d.Log,
		store:       d.Store,
		sessions:    d.Sessions,
		validator:   intent.NewValidator(d.Sessions),
		gate:        d.Gate,
		resolver:    d.Resolver,
		sagas:       d.Sagas,
		broadcaster: d.Broadcaster,
		ids:         ids.UUIDv7Generator{},
		clock:       clock.System(),
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("github.com/roach88/govexec/internal/engine"),
		observer:    nopObserver{},
		quota:       outputQuota{max: DefaultMaxOutputs},
		inflight:    make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.builder = execctx.NewBuilder(e.store, e.log, e.sagas,
		execctx.WithIDs(e.ids),
		execctx.WithClock(e.clock),
	)
	return e, nil
}

// CreateSession starts a session for (tenantID, userID).
func (e *Engine) CreateSession(ctx context.Context, tenantID, userID string) (session.Session, error) {
	return e.sessions.Create(ctx, tenantID, userID)
}

// CloseSession closes a session. The tenant check applies.
func (e *Engine) CloseSession(ctx context.Context, sessionID, tenantID string) error {
	return e.sessions.Close(ctx, sessionID, tenantID)
}

// Sagas returns the saga coordinator, or nil.
func (e *Engine) Sagas() *saga.Coordinator {
	return e.sagas
}

func inflightKey(tenantID, executionID string) string {
	return tenantID + "/" + executionID
}

// track registers an execution as in flight. The returned context is
// cancelled with ErrExecutionCancelled by a cancel intent. release must be
// called once the execution reached a terminal state.
func (e *Engine) track(ctx context.Context, tenantID, executionID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	f := &inflight{cancel: cancel, done: make(chan struct{})}
	key := inflightKey(tenantID, executionID)

	e.mu.Lock()
	e.inflight[key] = f
	e.mu.Unlock()

	return runCtx, func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
		close(f.done)
		cancel(nil)
	}
}

func (e *Engine) running(tenantID, executionID string) *inflight {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[inflightKey(tenantID, executionID)]
}

// InFlight returns the number of executions whose handler is running.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}
