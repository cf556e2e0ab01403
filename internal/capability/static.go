package capability

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// StaticRegistry is an in-process registry populated by explicit Register
// calls at startup. When an intent type is registered more than once the
// newest semantic version wins.
type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[string]staticEntry
}

type staticEntry struct {
	reg Registration
	ref *HandlerRef
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{entries: make(map[string]staticEntry)}
}

// Register adds reg. It reports whether reg is now the active registration
// for its intent type: an older version than the one registered is ignored,
// and registering the same version twice is an error.
func (r *StaticRegistry) Register(reg Registration) (bool, error) {
	ref, err := Compile(reg)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[reg.IntentType]; ok {
		switch {
		case cur.ref.Version.Equal(ref.Version):
			return false, fmt.Errorf("registration %s: version %s already registered", reg.IntentType, ref.Version)
		case !ref.Version.GreaterThan(cur.ref.Version):
			return false, nil
		}
	}
	r.entries[reg.IntentType] = staticEntry{reg: reg, ref: ref}
	return true, nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *StaticRegistry) MustRegister(reg Registration) {
	if _, err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Unregister removes the registration for intentType.
func (r *StaticRegistry) Unregister(intentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, intentType)
}

// Lookup implements Registry.
func (r *StaticRegistry) Lookup(_ context.Context, intentType string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[intentType]
	if !ok {
		return Registration{}, fmt.Errorf("%s: %w", intentType, ErrNotFound)
	}
	return e.reg, nil
}

// IntentTypes returns the registered intent types, sorted.
func (r *StaticRegistry) IntentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
