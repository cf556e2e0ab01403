// Package app assembles a runnable engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/capability"
	"github.com/roach88/govexec/internal/clock"
	"github.com/roach88/govexec/internal/compiler"
	"github.com/roach88/govexec/internal/config"
	"github.com/roach88/govexec/internal/engine"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/metrics"
	"github.com/roach88/govexec/internal/natsbus"
	"github.com/roach88/govexec/internal/policy"
	"github.com/roach88/govexec/internal/saga"
	"github.com/roach88/govexec/internal/session"
	"github.com/roach88/govexec/internal/state"
	"github.com/roach88/govexec/internal/store"
	"github.com/roach88/govexec/internal/store/pgwal"
	"github.com/roach88/govexec/internal/wal"
)

// App is a wired engine and the components behind it.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Log         wal.Log
	Store       state.Store
	Sessions    *session.Manager
	Gate        *policy.Gate
	Registry    *capability.StaticRegistry
	Resolver    *capability.Resolver
	Actions     *saga.ActionRegistry
	Sagas       *saga.Coordinator
	Engine      *engine.Engine
	Broadcaster *wal.Broadcaster
	Metrics     *metrics.Metrics

	// Definitions are the compiled sagas by name.
	Definitions map[string]saga.Definition

	closers []io.Closer
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	ids         ids.Generator
	clock       clock.Clock
	registerer  prometheus.Registerer
	validator   policy.Validator
	definitions []saga.Definition
	handlers    []capability.Registration
	actions     map[string]saga.Action
	sleep       func(ctx context.Context, d time.Duration) error
}

// WithIDs makes every component draw ids from g.
func WithIDs(g ids.Generator) Option {
	return func(o *buildOptions) { o.ids = g }
}

// WithClock makes every component read time from c.
func WithClock(c clock.Clock) Option {
	return func(o *buildOptions) { o.clock = c }
}

// WithRegisterer registers metrics with r instead of a private registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = r }
}

// WithValidator replaces the configured CEL validator. Rate limiting still
// applies on top of it.
func WithValidator(v policy.Validator) Option {
	return func(o *buildOptions) { o.validator = v }
}

// WithDefinitions adds saga definitions to those read from
// saga.definitions_dir.
func WithDefinitions(defs ...saga.Definition) Option {
	return func(o *buildOptions) { o.definitions = append(o.definitions, defs...) }
}

// WithHandlers registers extra capability handlers.
func WithHandlers(regs ...capability.Registration) Option {
	return func(o *buildOptions) { o.handlers = append(o.handlers, regs...) }
}

// WithAction registers an extra saga action.
func WithAction(name string, a saga.Action) Option {
	return func(o *buildOptions) {
		if o.actions == nil {
			o.actions = map[string]saga.Action{}
		}
		o.actions[name] = a
	}
}

// WithSagaSleep replaces the wait between saga step retries.
func WithSagaSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *buildOptions) { o.sleep = fn }
}

// Build wires storage, WAL fan-out, sessions, policy, capabilities, the saga
// coordinator and the engine. Close releases what it opened.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions{ids: ids.UUIDv7Generator{}, clock: clock.System()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Broadcaster: wal.NewBroadcaster(),
		Metrics:     metrics.New(o.registerer, cfg.Metrics.Namespace),
	}
	if err := a.build(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("engine ready",
		zap.String("database", cfg.Database.Driver),
		zap.String("state", cfg.State.Backend),
		zap.Int("capabilities", len(a.Registry.IntentTypes())),
		zap.Int("sagas", len(a.Definitions)),
	)
	return a, nil
}

func (a *App) build(ctx context.Context, o buildOptions) error {
	cfg := a.Config
	stamper := wal.Stamper{IDs: o.ids, Clock: o.clock}

	inner, err := a.openLog(ctx, stamper, o.clock)
	if err != nil {
		return err
	}
	if a.Store == nil {
		if a.Store, err = a.openState(ctx, o.clock); err != nil {
			return err
		}
	}

	publishers := []wal.Publisher{a.Broadcaster, a.Metrics}
	if cfg.WAL.NATSURL != "" {
		pub, err := natsbus.Connect(cfg.WAL.NATSURL, cfg.WAL.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, pub)
		publishers = append(publishers, pub)
	}
	a.Log = wal.NewPublishingLog(inner, a.Logger.Named("wal"), publishers...)

	a.Sessions = session.NewManager(a.Store,
		session.WithTTL(cfg.Session.TTL),
		session.WithIDs(o.ids),
		session.WithClock(o.clock),
		session.WithLogger(a.Logger.Named("session")),
	)

	validator := o.validator
	if validator == nil {
		if validator, err = policy.NewCELValidator(cfg.Policy.Rules, cfg.Policy.DefaultAllow); err != nil {
			return fmt.Errorf("app: policy rules: %w", err)
		}
	}
	if rl := cfg.Policy.RateLimit; rl.PerSecond > 0 {
		validator = policy.NewRateLimited(validator, rl.PerSecond, rl.Burst, o.clock)
	}
	a.Gate = policy.NewGate(validator, a.Log, cfg.Policy.Timeout, a.Logger.Named("policy"))

	if err := a.buildSagas(o); err != nil {
		return err
	}
	if err := a.buildCapabilities(o); err != nil {
		return err
	}

	a.Engine, err = engine.New(engine.Deps{
		Log:         a.Log,
		Store:       a.Store,
		Sessions:    a.Sessions,
		Gate:        a.Gate,
		Resolver:    a.Resolver,
		Sagas:       a.Sagas,
		Broadcaster: a.Broadcaster,
	},
		engine.WithIDs(o.ids),
		engine.WithClock(o.clock),
		engine.WithLogger(a.Logger.Named("engine")),
		engine.WithObserver(a.Metrics),
	)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// openLog opens the WAL backend. The SQLite store also serves as the state
// backend when state.backend is database.
func (a *App) openLog(ctx context.Context, stamper wal.Stamper, clk clock.Clock) (wal.Log, error) {
	cfg := a.Config
	switch cfg.Database.Driver {
	case "sqlite":
		st, err := store.Open(cfg.Database.DSN, store.WithStamper(stamper), store.WithClock(clk))
		if err != nil {
			return nil, fmt.Errorf("app: open sqlite %s: %w", cfg.Database.DSN, err)
		}
		a.closers = append(a.closers, st)
		if cfg.State.Backend == "database" {
			a.Store = st
		}
		return st, nil
	case "postgres":
		pg, err := pgwal.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open postgres: %w", err)
		}
		a.closers = append(a.closers, pg)
		return pg, nil
	default:
		return wal.NewMemoryLog(stamper), nil
	}
}

func (a *App) openState(ctx context.Context, clk clock.Clock) (state.Store, error) {
	cfg := a.Config.State
	switch cfg.Backend {
	case "redis":
		rs, err := state.NewRedisStore(ctx, state.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, clk)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, rs)
		return rs, nil
	default:
		return state.NewMemoryStore(clk), nil
	}
}

func (a *App) buildSagas(o buildOptions) error {
	cfg := a.Config.Saga

	a.Actions = saga.NewActionRegistry()
	if err := saga.RegisterBuiltins(a.Actions); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	for name, act := range o.actions {
		if err := a.Actions.Register(name, act); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	defs := o.definitions
	if cfg.DefinitionsDir != "" {
		loaded, err := compiler.LoadDir(cfg.DefinitionsDir, compiler.WithDefaultMaxRetries(cfg.DefaultMaxRetries))
		if err != nil {
			return fmt.Errorf("app: saga definitions: %w", err)
		}
		defs = append(defs, loaded...)
	}
	a.Definitions = make(map[string]saga.Definition, len(defs))
	for _, def := range defs {
		if problems := compiler.Validate(def, a.Actions); len(problems) > 0 {
			return fmt.Errorf("app: saga %s: %w", def.Name, problems[0])
		}
		if _, dup := a.Definitions[def.Name]; dup {
			return fmt.Errorf("app: saga %s defined twice", def.Name)
		}
		a.Definitions[def.Name] = def
	}

	copts := []saga.Option{
		saga.WithSessions(a.Sessions),
		saga.WithIDs(o.ids),
		saga.WithClock(o.clock),
		saga.WithLogger(a.Logger.Named("saga")),
		saga.WithObserver(a.Metrics),
		saga.WithBackoff(cfg.BaseBackoff, cfg.MaxBackoff),
	}
	if o.sleep != nil {
		copts = append(copts, saga.WithJitter(0), saga.WithSleep(o.sleep))
	}
	a.Sagas = saga.NewCoordinator(a.Log, a.Store, a.Actions, copts...)
	return nil
}

func (a *App) buildCapabilities(o buildOptions) error {
	cfg := a.Config.Capabilities

	a.Registry = capability.NewStaticRegistry()
	for _, entry := range cfg.Entries {
		h, err := a.builtinHandler(entry.Handler)
		if err != nil {
			return fmt.Errorf("app: capability %s: %w", entry.IntentType, err)
		}
		if _, err := a.Registry.Register(capability.Registration{
			IntentType:     entry.IntentType,
			Version:        entry.Version,
			Handler:        h,
			InputContract:  entry.InputContract,
			OutputContract: entry.OutputContract,
		}); err != nil {
			return fmt.Errorf("app: capability %s: %w", entry.IntentType, err)
		}
	}
	for _, reg := range o.handlers {
		if _, err := a.Registry.Register(reg); err != nil {
			return fmt.Errorf("app: capability %s: %w", reg.IntentType, err)
		}
	}

	a.Resolver = capability.NewResolver(a.Registry,
		capability.WithTTL(cfg.CacheTTL),
		capability.WithClock(o.clock),
		capability.WithLogger(a.Logger.Named("capability")),
		capability.WithObserver(a.Metrics),
	)
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
