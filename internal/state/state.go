// Package state is the key/value store abstraction the runtime projects
// execution, session and saga state into.
//
// Every key is scoped by tenant. The store is a projection of the WAL and may
// lag it; compare-and-swap on entry versions serializes state transitions.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a key has no entry.
	ErrNotFound = errors.New("state: not found")

	// ErrVersionConflict is returned when a compare-and-swap sees a different version.
	ErrVersionConflict = errors.New("state: version conflict")

	// ErrInvalidKey is returned for keys with empty components.
	ErrInvalidKey = errors.New("state: invalid key")
)

// Engine-owned namespaces. Handlers cannot write to these through state changes.
const (
	NamespaceSessions      = "sessions"
	NamespaceSessionOwners = "_session_owners"
	NamespaceExecutions    = "executions"
	NamespaceSagas         = "sagas"
)

var reserved = map[string]bool{
	NamespaceSessions:      true,
	NamespaceSessionOwners: true,
	NamespaceExecutions:    true,
	NamespaceSagas:         true,
}

// IsReserved reports whether ns is owned by the engine.
func IsReserved(ns string) bool {
	return reserved[ns] || strings.HasPrefix(ns, "_")
}

// OwnerTenant is the pseudo-tenant that holds cross-tenant engine indexes.
// It is not a valid tenant id for intents.
const OwnerTenant = "_engine"

// Key addresses one entry.
type Key struct {
	TenantID  string
	Namespace string
	ID        string
}

// Validate rejects keys with empty components or separators.
func (k Key) Validate() error {
	if k.TenantID == "" || k.Namespace == "" || k.ID == "" {
		return fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	if strings.Contains(k.TenantID, "/") || strings.Contains(k.Namespace, "/") {
		return fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	return nil
}

func (k Key) String() string {
	return k.TenantID + "/" + k.Namespace + "/" + k.ID
}

// Entry is a stored value with its version.
//
// Version starts at 1 on creation and increments on every write.
type Entry struct {
	Key       Key
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}

// Store is the state backend contract.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, error)

	// Put writes value unconditionally.
	Put(ctx context.Context, key Key, value []byte) (Entry, error)

	// CompareAndSwap writes value only if the current version equals
	// expected. expected == 0 means "create if absent".
	CompareAndSwap(ctx context.Context, key Key, expected int64, value []byte) (Entry, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// List returns all entries in a tenant namespace ordered by ID.
	List(ctx context.Context, tenantID, namespace string) ([]Entry, error)
}
