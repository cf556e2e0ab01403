// Package session manages tenant-scoped execution sessions.
//
// Every lookup is keyed by (session_id, tenant_id). A lookup with the wrong
// tenant fails closed with TenantMismatch and never returns the session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/govexec/internal/clock"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/ids"
	"github.com/roach88/govexec/internal/state"
)

// maxCASAttempts bounds optimistic retry loops on concurrent attach/detach.
const maxCASAttempts = 16

// Session is a tenant-scoped execution boundary.
type Session struct {
	SessionID     string    `json:"session_id"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	ActiveSagaIDs []string  `json:"active_saga_ids"`
}

// Snapshot returns a deep copy that shares no memory with s.
func (s Session) Snapshot() Session {
	s.ActiveSagaIDs = slices.Clone(s.ActiveSagaIDs)
	if s.ActiveSagaIDs == nil {
		s.ActiveSagaIDs = []string{}
	}
	return s
}

// Expired reports whether the session has expired at now.
// A zero ExpiresAt never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Manager owns session lifecycle. Sessions are persisted in the state store.
type Manager struct {
	store  state.Store
	ids    ids.Generator
	clock  clock.Clock
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the session lifetime. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithIDs overrides session id generation.
func WithIDs(g ids.Generator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a session manager backed by store.
func NewManager(store state.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		ids:    ids.UUIDv7Generator{},
		clock:  clock.System(),
		ttl:    24 * time.Hour,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sessionKey(tenantID, sessionID string) state.Key {
	return state.Key{TenantID: tenantID, Namespace: state.NamespaceSessions, ID: sessionID}
}

func ownerKey(sessionID string) state.Key {
	return state.Key{TenantID: state.OwnerTenant, Namespace: state.NamespaceSessionOwners, ID: sessionID}
}

// Create starts a new session for (tenantID, userID).
func (m *Manager) Create(ctx context.Context, tenantID, userID string) (Session, error) {
	if tenantID == "" || tenantID == state.OwnerTenant {
		return Session{}, fault.New(fault.KindMalformedIntent, "tenant_id is required")
	}
	if userID == "" {
		return Session{}, fault.New(fault.KindMalformedIntent, "user_id is required")
	}

	now := m.clock.Now()
	s := Session{
		SessionID:     m.ids.Generate(),
		TenantID:      tenantID,
		UserID:        userID,
		CreatedAt:     now,
		ActiveSagaIDs: []string{},
	}
	if m.ttl > 0 {
		s.ExpiresAt = now.Add(m.ttl)
	}

	owner, _ := json.Marshal(tenantID)
	if _, err := m.store.CompareAndSwap(ctx, ownerKey(s.SessionID), 0, owner); err != nil {
		return Session{}, storageFault(err, "register session owner")
	}
	if _, err := state.CompareAndSwapJSON(ctx, m.store, sessionKey(tenantID, s.SessionID), 0, s); err != nil {
		return Session{}, storageFault(err, "create session")
	}

	m.logger.Info("session created",
		zap.String("session_id", s.SessionID),
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
	)
	return s.Snapshot(), nil
}

// Get returns a snapshot of the session.
//
// Fails with UnknownSession if the session does not exist or has expired, and
// TenantMismatch if it belongs to a different tenant.
func (m *Manager) Get(ctx context.Context, sessionID, tenantID string) (Session, error) {
	s, _, err := m.load(ctx, sessionID, tenantID)
	if err != nil {
		return Session{}, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) load(ctx context.Context, sessionID, tenantID string) (Session, int64, error) {
	if sessionID == "" || tenantID == "" {
		return Session{}, 0, fault.New(fault.KindUnknownSession, "session_id and tenant_id are required")
	}

	s, entry, err := state.GetJSON[Session](ctx, m.store, sessionKey(tenantID, sessionID))
	if errors.Is(err, state.ErrNotFound) {
		return Session{}, 0, m.missing(ctx, sessionID, tenantID)
	}
	if err != nil {
		return Session{}, 0, storageFault(err, "load session")
	}
	// Defense in depth: the key is tenant-scoped, but never trust the record.
	if s.TenantID != tenantID {
		return Session{}, 0, fault.New(fault.KindTenantMismatch, "session %s does not belong to tenant %s", sessionID, tenantID)
	}
	if s.Expired(m.clock.Now()) {
		return Session{}, 0, fault.New(fault.KindUnknownSession, "session %s expired", sessionID)
	}
	return s, entry.Version, nil
}

// missing distinguishes a session owned by another tenant from one that does
// not exist at all.
func (m *Manager) missing(ctx context.Context, sessionID, tenantID string) error {
	owner, _, err := state.GetJSON[string](ctx, m.store, ownerKey(sessionID))
	if errors.Is(err, state.ErrNotFound) {
		return fault.New(fault.KindUnknownSession, "session %s not found", sessionID)
	}
	if err != nil {
		return storageFault(err, "load session owner")
	}
	if owner != tenantID {
		m.logger.Warn("cross-tenant session lookup rejected",
			zap.String("session_id", sessionID),
			zap.String("tenant_id", tenantID),
		)
		return fault.New(fault.KindTenantMismatch, "session %s does not belong to tenant %s", sessionID, tenantID)
	}
	return fault.New(fault.KindUnknownSession, "session %s not found", sessionID)
}

// Close destroys the session. The tenant check applies; expired sessions can
// still be closed.
func (m *Manager) Close(ctx context.Context, sessionID, tenantID string) error {
	if sessionID == "" || tenantID == "" {
		return fault.New(fault.KindUnknownSession, "session_id and tenant_id are required")
	}
	s, _, err := state.GetJSON[Session](ctx, m.store, sessionKey(tenantID, sessionID))
	if errors.Is(err, state.ErrNotFound) {
		return m.missing(ctx, sessionID, tenantID)
	}
	if err != nil {
		return storageFault(err, "load session")
	}
	if s.TenantID != tenantID {
		return fault.New(fault.KindTenantMismatch, "session %s does not belong to tenant %s", sessionID, tenantID)
	}

	if err := m.store.Delete(ctx, sessionKey(tenantID, sessionID)); err != nil {
		return storageFault(err, "delete session")
	}
	if err := m.store.Delete(ctx, ownerKey(sessionID)); err != nil {
		return storageFault(err, "delete session owner")
	}
	m.logger.Info("session closed",
		zap.String("session_id", sessionID),
		zap.String("tenant_id", tenantID),
		zap.Int("active_sagas", len(s.ActiveSagaIDs)),
	)
	return nil
}

// AttachSaga records sagaID as active on the session. Idempotent.
func (m *Manager) AttachSaga(ctx context.Context, sessionID, tenantID, sagaID string) error {
	return m.update(ctx, sessionID, tenantID, func(s *Session) bool {
		if slices.Contains(s.ActiveSagaIDs, sagaID) {
			return false
		}
		s.ActiveSagaIDs = append(s.ActiveSagaIDs, sagaID)
		return true
	})
}

// DetachSaga removes sagaID from the session's active set. Idempotent.
func (m *Manager) DetachSaga(ctx context.Context, sessionID, tenantID, sagaID string) error {
	return m.update(ctx, sessionID, tenantID, func(s *Session) bool {
		i := slices.Index(s.ActiveSagaIDs, sagaID)
		if i < 0 {
			return false
		}
		s.ActiveSagaIDs = slices.Delete(s.ActiveSagaIDs, i, i+1)
		return true
	})
}

// update applies mutate under an optimistic CAS loop.
func (m *Manager) update(ctx context.Context, sessionID, tenantID string, mutate func(*Session) bool) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		s, version, err := m.load(ctx, sessionID, tenantID)
		if err != nil {
			return err
		}
		if !mutate(&s) {
			return nil
		}
		_, err = state.CompareAndSwapJSON(ctx, m.store, sessionKey(tenantID, sessionID), version, s)
		if errors.Is(err, state.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return storageFault(err, "update session")
		}
		return nil
	}
	return fault.New(fault.KindStorageUnavailable, "session %s: too many concurrent updates", sessionID)
}

func storageFault(err error, op string) error {
	if errors.Is(err, state.ErrVersionConflict) {
		return fault.Wrap(fault.KindStorageUnavailable, err, "%s: concurrent modification", op)
	}
	return fault.Wrap(fault.KindStorageUnavailable, err, "%s", op)
}

// String renders a session for logs and CLI output.
func (s Session) String() string {
	return fmt.Sprintf("session %s (tenant=%s user=%s sagas=%d)", s.SessionID, s.TenantID, s.UserID, len(s.ActiveSagaIDs))
}
