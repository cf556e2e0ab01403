package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/canon"
	"github.com/roach88/govexec/internal/clock"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/wal"
)

// Retry defaults.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitter         = 0.5
)

// ErrCancelled is the cause recorded when a saga is cancelled.
var ErrCancelled = errors.New("saga cancelled")

// SessionTracker records which sagas are active on a session.
type SessionTracker interface {
	AttachSaga(ctx context.Context, sessionID, tenantID, sagaID string) error
	DetachSaga(ctx context.Context, sessionID, tenantID, sagaID string) error
}

// Observer receives saga outcomes, typically for metrics.
type Observer interface {
	StepAttempt(stepType, outcome string)
	Compensation(outcome string)
	SagaFinished(status Status)
}

type nopObserver struct{}

func (nopObserver) StepAttempt(string, string) {}
func (nopObserver) Compensation(string)        {}
func (nopObserver) SagaFinished(Status)        {}

// StartRequest describes a saga to start.
type StartRequest struct {
	TenantID    string
	SessionID   string
	ExecutionID string
	ParentID    string
	Definition  Definition
	Input       map[string]any
}

// Coordinator runs sagas against a WAL and a state store.
//
// Transitions for one saga are serialized by a per-saga lock. No lock is
// shared between sagas, so independent sagas run fully in parallel.
type Coordinator struct {
	log      wal.Log
	store    state.Store
	actions  *ActionRegistry
	sessions SessionTracker
	ids      ids.Generator
	clock    clock.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer

	initialBackoff time.Duration
	maxBackoff     time.Duration
	jitter         float64
	sleep          func(ctx context.Context, d time.Duration) error

	locks   *keyedMutex
	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSessions attaches started sagas to their session.
func WithSessions(s SessionTracker) Option {
	return func(c *Coordinator) { c.sessions = s }
}

// WithIDs overrides saga id generation.
func WithIDs(g ids.Generator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// WithClock overrides the wall clock used for event timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTracer overrides the tracer used for step spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithBackoff sets the retry backoff base and cap. Zero values keep the
// defaults.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Coordinator) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithJitter sets the backoff randomization factor in [0, 1].
func WithJitter(f float64) Option {
	return func(c *Coordinator) { c.jitter = f }
}

// WithSleep replaces the function used to wait between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(log wal.Log, store state.Store, actions *ActionRegistry, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:            log,
		store:          store,
		actions:        actions,
		ids:            ids.UUIDv7Generator{},
		clock:          clock.System(),
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("github.com/roach88/govexec/internal/saga"),
		observer:       nopObserver{},
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		jitter:         DefaultJitter,
		sleep:          sleepContext,
		locks:          newKeyedMutex(),
		running:        make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Actions returns the action registry.
func (c *Coordinator) Actions() *ActionRegistry {
	return c.actions
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.RandomizationFactor = c.jitter
	b.Multiplier = 2
	b.Reset()
	return b
}

// run is the in-memory working copy of a saga held under its lock.
type run struct {
	saga    Saga
	version int64
}

func sagaKey(tenantID, sagaID string) state.Key {
	return state.Key{TenantID: tenantID, Namespace: state.NamespaceSagas, ID: sagaID}
}

// Start persists a new saga, moves it to running and announces its first
// step. It does not execute any step; use Run to start and drive a saga.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (Saga, error) {
	sagaID := c.ids.Generate()
	unlock := c.locks.Lock(sagaID)
	defer unlock()

	r, err := c.start(ctx, sagaID, req)
	if err != nil {
		return Saga{}, err
	}
	return r.saga.Clone(), nil
}

// Run starts a saga and drives it to a terminal status.
//
// The returned error is nil only when the saga completed. A saga that was
// rolled back returns SagaStepExhausted; a failed compensation returns
// SagaCompensationFailed. The saga record is returned in every case where
// it was created.
func (c *Coordinator) Run(ctx context.Context, req StartRequest) (Saga, error) {
	sagaID := c.ids.Generate()
	unlock := c.locks.Lock(sagaID)
	defer unlock()

	r, err := c.start(ctx, sagaID, req)
	if err != nil {
		return Saga{}, err
	}
	return c.drive(ctx, r)
}

// Resume rebuilds a saga from the WAL and drives it from its current step.
// Used to continue sagas interrupted by a restart.
func (c *Coordinator) Resume(ctx context.Context, tenantID, sagaID string) (Saga, error) {
	unlock := c.locks.Lock(sagaID)
	defer unlock()

	r, err := c.load(ctx, tenantID, sagaID)
	if err != nil {
		return Saga{}, err
	}
	switch r.saga.Status {
	case StatusRunning:
		return c.drive(ctx, r)
	case StatusPending:
		if err := c.transition(ctx, r, StatusRunning, "", nil); err != nil {
			return r.saga.Clone(), err
		}
		return c.drive(ctx, r)
	case StatusCompensating:
		return c.rollback(ctx, r, fmt.Errorf("resumed during compensation"))
	default:
		return r.saga.Clone(), nil
	}
}

// ExecuteStep executes the current step of a running saga, with retries.
// A step that fails for good triggers compensation; completing the last
// step completes the saga.
func (c *Coordinator) ExecuteStep(ctx context.Context, tenantID, sagaID string) (StepResult, error) {
	unlock := c.locks.Lock(sagaID)
	defer unlock()

	r, err := c.load(ctx, tenantID, sagaID)
	if err != nil {
		return StepResult{}, err
	}
	if r.saga.Status != StatusRunning {
		return StepResult{}, fault.New(fault.KindMalformedIntent, "saga %s is %s", sagaID, r.saga.Status).
			WithSaga(sagaID)
	}

	ctx, done := c.track(ctx, sagaID)
	defer done()

	res := c.step(ctx, r)
	if res.Err != nil {
		if res.Status != StepFailed {
			return res, res.Err
		}
		_, err := c.rollback(ctx, r, res.Err)
		return res, err
	}
	if r.saga.CurrentStepIndex >= len(r.saga.Steps) {
		if err := c.complete(ctx, r); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Get returns the current projection of a saga from the state store.
func (c *Coordinator) Get(ctx context.Context, tenantID, sagaID string) (Saga, error) {
	s, _, err := state.GetJSON[Saga](ctx, c.store, sagaKey(tenantID, sagaID))
	if errors.Is(err, state.ErrNotFound) {
		return Saga{}, fault.Wrap(fault.KindMalformedIntent, err, "saga %s not found", sagaID).WithSaga(sagaID)
	}
	if err != nil {
		return Saga{}, fault.Wrap(fault.KindStorageUnavailable, err, "load saga").WithSaga(sagaID)
	}
	return s, nil
}

// Cancel aborts a saga through compensation.
//
// A saga running in this process has its context cancelled and is rolled
// back by the goroutine driving it; Cancel waits for that to finish. A saga
// that is not in flight is rolled back directly.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, sagaID string) (Saga, error) {
	// Tenant-scoped load first: a saga of another tenant is never touched.
	if _, err := c.ReplaySaga(ctx, tenantID, sagaID); err != nil {
		return Saga{}, err
	}

	c.mu.Lock()
	cancel, inFlight := c.running[sagaID]
	c.mu.Unlock()
	if inFlight {
		cancel(ErrCancelled)
	}

	unlock := c.locks.Lock(sagaID)
	defer unlock()

	r, err := c.load(ctx, tenantID, sagaID)
	if err != nil {
		return Saga{}, err
	}
	if r.saga.Status.Terminal() {
		if inFlight {
			return r.saga.Clone(), nil
		}
		return r.saga.Clone(), fault.New(fault.KindMalformedIntent, "saga %s is already %s", sagaID, r.saga.Status).
			WithSaga(sagaID)
	}
	s, err := c.rollback(ctx, r, ErrCancelled)
	if fault.Is(err, fault.KindSagaStepExhausted) {
		return s, nil
	}
	return s, err
}

// Compensate rolls back every completed step of a saga that is not
// already rolled back. Completed sagas may be compensated; this is how
// sibling branches are undone.
func (c *Coordinator) Compensate(ctx context.Context, tenantID, sagaID string, cause error) (Saga, error) {
	unlock := c.locks.Lock(sagaID)
	defer unlock()

	r, err := c.load(ctx, tenantID, sagaID)
	if err != nil {
		return Saga{}, err
	}
	if r.saga.Status == StatusAborted || r.saga.Status == StatusFailed {
		return r.saga.Clone(), nil
	}
	return c.rollback(ctx, r, cause)
}

// track registers a cancel func for an in-flight saga.
func (c *Coordinator) track(ctx context.Context, sagaID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	c.mu.Lock()
	c.running[sagaID] = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.running, sagaID)
		c.mu.Unlock()
		cancel(nil)
	}
}

// start creates the saga record. Caller holds the saga lock.
func (c *Coordinator) start(ctx context.Context, sagaID string, req StartRequest) (_ *run, rerr error) {
	if req.TenantID == "" {
		return nil, fault.New(fault.KindMalformedIntent, "saga: tenant_id is required")
	}
	def, err := normalizeDefinition(req.Definition)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "saga %q", req.Definition.Name)
	}
	ordered, err := def.Ordered()
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "saga %q", def.Name)
	}
	if err := c.actions.CheckDefinition(def); err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "saga %q", def.Name)
	}
	hash, err := def.Hash()
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "saga %q", def.Name)
	}
	input, err := normalizeMap(req.Input)
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "saga %q input", def.Name)
	}
	defRecord, err := def.Record()
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedIntent, err, "saga %q", def.Name)
	}

	r := &run{saga: Saga{
		SagaID:         sagaID,
		TenantID:       req.TenantID,
		SessionID:      req.SessionID,
		ExecutionID:    req.ExecutionID,
		ParentID:       req.ParentID,
		Name:           def.Name,
		DefinitionHash: hash,
		Input:          input,
		Steps:          stepsFrom(ordered),
	}}

	// The session is checked before anything is written; a saga that then
	// fails to persist is detached again.
	if c.sessions != nil && req.SessionID != "" {
		if err := c.sessions.AttachSaga(ctx, req.SessionID, req.TenantID, sagaID); err != nil {
			return nil, err
		}
		defer func() {
			if rerr != nil {
				c.detach(ctx, r)
			}
		}()
	}

	err = c.transition(ctx, r, StatusPending, "", map[string]any{
		"name":            def.Name,
		"definition":      defRecord,
		"definition_hash": hash,
		"parent_id":       req.ParentID,
		"input":           input,
	})
	if err != nil {
		return nil, err
	}
	if err := c.transition(ctx, r, StatusRunning, "", nil); err != nil {
		return nil, err
	}
	if err := c.announce(ctx, r, 1); err != nil {
		return nil, err
	}

	c.logger.Info("saga started",
		zap.String("saga_id", sagaID),
		zap.String("saga", def.Name),
		zap.String("tenant_id", req.TenantID),
		zap.String("execution_id", req.ExecutionID),
		zap.Int("steps", len(ordered)),
	)
	return r, nil
}

func stepsFrom(defs []StepDef) []Step {
	steps := make([]Step, len(defs))
	for i, d := range defs {
		steps[i] = Step{
			StepID:           d.ID,
			StepType:         d.Type,
			CompensationType: d.CompensationType,
			Status:           StepPending,
			MaxRetries:       d.MaxRetries,
			DependsOn:        d.DependsOn,
			Input:            d.Input,
		}
	}
	return steps
}

// drive executes steps until the saga completes or is rolled back.
func (c *Coordinator) drive(ctx context.Context, r *run) (Saga, error) {
	ctx, done := c.track(ctx, r.saga.SagaID)
	defer done()

	for r.saga.CurrentStepIndex < len(r.saga.Steps) {
		res := c.step(ctx, r)
		if res.Err == nil {
			continue
		}
		if res.Status != StepFailed {
			// Storage failure: the log is the source of truth and Resume
			// continues from it.
			return r.saga.Clone(), res.Err
		}
		return c.rollback(ctx, r, res.Err)
	}
	if err := c.complete(ctx, r); err != nil {
		return r.saga.Clone(), err
	}
	return r.saga.Clone(), nil
}

func (c *Coordinator) complete(ctx context.Context, r *run) error {
	if err := c.transition(ctx, r, StatusCompleted, "", nil); err != nil {
		return err
	}
	c.detach(ctx, r)
	c.observer.SagaFinished(StatusCompleted)
	c.logger.Info("saga completed",
		zap.String("saga_id", r.saga.SagaID),
		zap.String("tenant_id", r.saga.TenantID),
	)
	return nil
}

func (c *Coordinator) detach(ctx context.Context, r *run) {
	if c.sessions == nil || r.saga.SessionID == "" {
		return
	}
	err := c.sessions.DetachSaga(context.WithoutCancel(ctx), r.saga.SessionID, r.saga.TenantID, r.saga.SagaID)
	if err != nil {
		c.logger.Warn("detach saga from session failed",
			zap.String("saga_id", r.saga.SagaID),
			zap.String("session_id", r.saga.SessionID),
			zap.Error(err),
		)
	}
}

// transition moves the saga to next and records a state_transition event.
func (c *Coordinator) transition(ctx context.Context, r *run, next Status, reason string, extra map[string]any) error {
	prev := r.saga.Status
	if !prev.CanTransition(next) {
		return fault.New(fault.KindMalformedIntent, "saga %s: illegal transition %q -> %q", r.saga.SagaID, prev, next).
			WithSaga(r.saga.SagaID)
	}
	payload := map[string]any{"from": string(prev), "to": string(next)}
	if reason != "" {
		payload["reason"] = reason
	}
	for k, v := range extra {
		payload[k] = v
	}
	r.saga.Status = next
	r.saga.Reason = reason
	_, err := c.emit(ctx, r, wal.EventStateTransition, payload)
	return err
}

// emit appends an event for the saga and saves the projection.
//
// Writes use a context detached from cancellation: a cancelled saga must
// still record what happened to it.
func (c *Coordinator) emit(ctx context.Context, r *run, typ wal.EventType, payload map[string]any) (wal.Event, error) {
	ctx = context.WithoutCancel(ctx)
	stored, err := c.log.Append(ctx, wal.Event{
		ExecutionID: r.saga.ExecutionID,
		SagaID:      r.saga.SagaID,
		SessionID:   r.saga.SessionID,
		TenantID:    r.saga.TenantID,
		Type:        typ,
		Payload:     payload,
		Timestamp:   c.clock.Now(),
	})
	if err != nil {
		return wal.Event{}, fault.Wrap(fault.KindStorageUnavailable, err, "append %s", typ).WithSaga(r.saga.SagaID)
	}
	if r.saga.CreatedAt.IsZero() {
		r.saga.CreatedAt = stored.Timestamp
	}
	r.saga.UpdatedAt = stored.Timestamp

	entry, err := state.CompareAndSwapJSON(ctx, c.store, sagaKey(r.saga.TenantID, r.saga.SagaID), r.version, r.saga)
	if err != nil {
		return stored, fault.Wrap(fault.KindStorageUnavailable, err, "save saga projection").WithSaga(r.saga.SagaID)
	}
	r.version = entry.Version
	return stored, nil
}

// load rebuilds a saga from the log and pairs it with the projection
// version so later saves can compare-and-swap.
func (c *Coordinator) load(ctx context.Context, tenantID, sagaID string) (*run, error) {
	s, err := c.ReplaySaga(ctx, tenantID, sagaID)
	if err != nil {
		return nil, err
	}
	r := &run{saga: s}
	entry, err := c.store.Get(ctx, sagaKey(tenantID, sagaID))
	switch {
	case errors.Is(err, state.ErrNotFound):
	case err != nil:
		return nil, fault.Wrap(fault.KindStorageUnavailable, err, "load saga projection").WithSaga(sagaID)
	default:
		r.version = entry.Version
	}
	return r, nil
}

// normalizeMap returns the canonical JSON form of m; nil becomes empty.
func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	raw, err := canon.Marshal(m)
	if err != nil {
		return nil, err
	}
	return wal.DecodePayload(raw)
}
