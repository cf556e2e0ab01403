// Package capability resolves intent types to registered handlers.
//
// Handlers are registered explicitly, by intent type, in a Registry. The
// Resolver fronts a Registry with a TTL cache that keeps serving the last
// known registration while the registry is unreachable. Resolution answers
// only "who handles this intent type"; how the handler carries out the work
// is the handler's business.
//
// A registration may carry JSON Schema contracts for the intent payload and
// for the artifacts the handler returns.
package capability

import (
	"context"
	"errors"

	"github.com/roach88/govexec/internal/execctx"
	"github.com/roach88/govexec/internal/state"
)

// ErrNotFound is returned by a Registry that has no handler for an intent
// type.
var ErrNotFound = errors.New("capability not found")

// Outcome is what a handler returns on success.
type Outcome struct {
	Artifacts    map[string]any
	Events       []execctx.DomainEvent
	StateChanges []state.Change
}

// Handler carries out intents of one type.
type Handler interface {
	Handle(ctx context.Context, ec *execctx.Context) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ec *execctx.Context) (Outcome, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ec *execctx.Context) (Outcome, error) {
	return f(ctx, ec)
}

// Registration binds an intent type to a handler.
type Registration struct {
	IntentType string
	// Realm defaults to the intent type's realm prefix.
	Realm string
	// Version is a semantic version; empty means 0.0.0.
	Version string
	Handler Handler

	// InputContract and OutputContract are optional JSON Schema documents
	// for the intent payload and the returned artifacts.
	InputContract  string
	OutputContract string
}

// Registry looks up registrations.
type Registry interface {
	Lookup(ctx context.Context, intentType string) (Registration, error)
}

// RegistryFunc adapts a function to Registry.
type RegistryFunc func(ctx context.Context, intentType string) (Registration, error)

// Lookup implements Registry.
func (f RegistryFunc) Lookup(ctx context.Context, intentType string) (Registration, error) {
	return f(ctx, intentType)
}
