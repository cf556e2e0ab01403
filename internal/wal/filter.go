package wal

import (
	"errors"
)

// Filter selects events from a single tenant's log.
//
// Zero-valued fields do not constrain the result. TenantID is required: there
// are no cross-tenant reads.
type Filter struct {
	TenantID      string
	ExecutionID   string
	SagaID        string
	SessionID     string
	Types         []EventType
	AfterSequence int64
	Limit         int
}

// Validate checks that the filter is well-formed.
func (f Filter) Validate() error {
	if f.TenantID == "" {
		return errors.New("filter: tenant_id is required")
	}
	if f.Limit < 0 {
		return errors.New("filter: limit must be >= 0")
	}
	if f.AfterSequence < 0 {
		return errors.New("filter: after_sequence must be >= 0")
	}
	for _, t := range f.Types {
		if !t.Valid() {
			return errors.New("filter: unknown event type " + string(t))
		}
	}
	return nil
}

// Matches reports whether e satisfies every constraint except Limit.
func (f Filter) Matches(e Event) bool {
	if e.TenantID != f.TenantID {
		return false
	}
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.SagaID != "" && e.SagaID != f.SagaID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if e.Sequence <= f.AfterSequence {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
	return true
}
