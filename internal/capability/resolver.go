package capability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/govexec/internal/clock"
	"github.com/roach88/govexec/internal/fault"
)

// DefaultTTL is how long a resolved registration is served from cache.
const DefaultTTL = 30 * time.Second

// Cache lookup results reported to a CacheObserver.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupStale = "stale"
	LookupError = "error"
)

// CacheObserver is told the result of every resolution.
type CacheObserver interface {
	CapabilityLookup(result string)
}

type cacheEntry struct {
	ref       *HandlerRef
	fetchedAt time.Time
}

// Resolver resolves intent types through a Registry with a TTL cache.
//
// Entries are refreshed after the TTL. If the refresh fails for any reason
// other than ErrNotFound, the stale entry keeps being served. Concurrent
// misses for the same intent type share one registry call.
type Resolver struct {
	registry Registry
	ttl      time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	observer CacheObserver

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTTL sets the cache TTL. A negative TTL disables caching.
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl != 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the clock used for TTL checks.
func WithClock(c clock.Clock) ResolverOption {
	return func(r *Resolver) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithObserver sets the cache observer.
func WithObserver(o CacheObserver) ResolverOption {
	return func(r *Resolver) { r.observer = o }
}

// NewResolver creates a resolver over registry.
func NewResolver(registry Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		ttl:      DefaultTTL,
		clock:    clock.System(),
		logger:   zap.NewNop(),
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) observe(result string) {
	if r.observer != nil {
		r.observer.CapabilityLookup(result)
	}
}

// Resolve returns the handler for intentType or an UnknownCapability fault.
func (r *Resolver) Resolve(ctx context.Context, intentType string) (*HandlerRef, error) {
	now := r.clock.Now()

	r.mu.Lock()
	cached, ok := r.cache[intentType]
	r.mu.Unlock()
	if ok && r.ttl > 0 && now.Sub(cached.fetchedAt) < r.ttl {
		r.observe(LookupHit)
		return cached.ref, nil
	}

	v, err, _ := r.group.Do(intentType, func() (any, error) {
		reg, err := r.registry.Lookup(ctx, intentType)
		if err != nil {
			return nil, err
		}
		return Compile(reg)
	})
	if err == nil {
		ref := v.(*HandlerRef)
		if r.ttl > 0 {
			r.mu.Lock()
			r.cache[intentType] = cacheEntry{ref: ref, fetchedAt: now}
			r.mu.Unlock()
		}
		r.observe(LookupMiss)
		return ref, nil
	}

	if errors.Is(err, ErrNotFound) {
		r.Invalidate(intentType)
		r.observe(LookupError)
		return nil, fault.Wrap(fault.KindUnknownCapability, err, "no handler registered for %s", intentType).
			WithDetail("intent_type", intentType)
	}
	if ok {
		r.logger.Warn("capability registry unavailable, serving stale entry",
			zap.String("intent_type", intentType),
			zap.Duration("age", now.Sub(cached.fetchedAt)),
			zap.Error(err),
		)
		r.observe(LookupStale)
		return cached.ref, nil
	}
	r.observe(LookupError)
	return nil, fault.Wrap(fault.KindUnknownCapability, err, "cannot resolve %s", intentType).
		WithDetail("intent_type", intentType)
}

// Invalidate drops the cached entry for intentType.
func (r *Resolver) Invalidate(intentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, intentType)
}

// InvalidateAll drops every cached entry.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
}

// Cached returns the number of cached entries.
func (r *Resolver) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
