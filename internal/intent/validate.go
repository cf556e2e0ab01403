package intent

import (
	"context"

	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/session"
)

// SessionLookup resolves a session under the (session_id, tenant_id) key.
type SessionLookup interface {
	Get(ctx context.Context, sessionID, tenantID string) (session.Session, error)
}

// ValidResult is a validated intent with the session snapshot it refers to.
type ValidResult struct {
	Intent  Intent
	Session session.Session
}

// Validator checks intents structurally and against the session store.
// It has no side effects.
type Validator struct {
	sessions SessionLookup
}

// NewValidator creates a validator.
func NewValidator(sessions SessionLookup) *Validator {
	return &Validator{sessions: sessions}
}

// CheckStructure runs the checks that need no session lookup.
func CheckStructure(in Intent) error {
	if !ValidType(in.IntentType) {
		return fault.New(fault.KindMalformedIntent, "intent_type %q must match {realm}.{action}", in.IntentType).
			WithDetail("field", "intent_type")
	}
	if in.TenantID == "" {
		return fault.New(fault.KindMalformedIntent, "tenant_id is required").WithDetail("field", "tenant_id")
	}
	if in.SessionID == "" {
		return fault.New(fault.KindMalformedIntent, "session_id is required").WithDetail("field", "session_id")
	}
	if in.Payload == nil {
		return fault.New(fault.KindMalformedIntent, "payload is required").WithDetail("field", "payload")
	}
	return nil
}

// Validate returns the intent with its session snapshot, or a *fault.Error of
// kind MalformedIntent, UnknownSession, TenantMismatch or StorageUnavailable.
func (v *Validator) Validate(ctx context.Context, in Intent) (ValidResult, error) {
	if err := CheckStructure(in); err != nil {
		return ValidResult{}, err
	}
	s, err := v.sessions.Get(ctx, in.SessionID, in.TenantID)
	if err != nil {
		return ValidResult{}, fault.Classify(err, fault.KindUnknownSession)
	}
	return ValidResult{Intent: in, Session: s.Snapshot()}, nil
}
