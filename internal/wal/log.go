package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/govexec/internal/canon"
	"github.com/roach88/govexec/internal/clock"
	"github.com/roach88/govexec/internal/ids"
)

var (
	// ErrInvalidEvent is returned when an event fails structural checks on append.
	ErrInvalidEvent = errors.New("invalid wal event")

	// ErrCorrupt is returned when a stored event's payload no longer matches its hash.
	ErrCorrupt = errors.New("wal event payload hash mismatch")
)

// Log is the append-only event log.
//
// Append assigns EventID (when empty), Sequence, Timestamp (when zero) and
// PayloadHash, and returns the stored event. Append must be linearizable per
// tenant. Query returns events ordered by sequence number.
type Log interface {
	Append(ctx context.Context, e Event) (Event, error)
	Query(ctx context.Context, f Filter) ([]Event, error)
	LastSequence(ctx context.Context, tenantID string) (int64, error)
}

// Stamper fills the backend-independent fields of an event before append.
type Stamper struct {
	IDs   ids.Generator
	Clock clock.Clock
}

// DefaultStamper uses UUIDv7 ids and the system clock.
func DefaultStamper() Stamper {
	return Stamper{IDs: ids.UUIDv7Generator{}, Clock: clock.System()}
}

// Prepare validates e and fills EventID, Timestamp, Payload and PayloadHash.
// The returned payload is a normalized deep copy of the caller's payload, so
// later mutation by the caller cannot reach the log. Sequence is left for the
// backend to assign.
func (s Stamper) Prepare(e Event) (Event, []byte, error) {
	if e.TenantID == "" {
		return Event{}, nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return Event{}, nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if e.ExecutionID == "" && e.SagaID == "" {
		return Event{}, nil, fmt.Errorf("%w: execution_id or saga_id is required", ErrInvalidEvent)
	}

	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := canon.Marshal(payload)
	if err != nil {
		return Event{}, nil, fmt.Errorf("%w: payload: %v", ErrInvalidEvent, err)
	}
	normalized, err := DecodePayload(raw)
	if err != nil {
		return Event{}, nil, fmt.Errorf("%w: payload: %v", ErrInvalidEvent, err)
	}

	e.Payload = normalized
	e.PayloadHash = canon.MustHash(canon.DomainPayload, normalized)
	if e.EventID == "" {
		e.EventID = s.IDs.Generate()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.Clock.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Sequence = 0
	return e, raw, nil
}

// DecodePayload decodes canonical payload bytes into a generic map.
func DecodePayload(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Verify recomputes the payload hash of a stored event.
func Verify(e Event) error {
	h, err := canon.Hash(canon.DomainPayload, e.Payload)
	if err != nil {
		return fmt.Errorf("%w: event %s: %v", ErrCorrupt, e.EventID, err)
	}
	if h != e.PayloadHash {
		return fmt.Errorf("%w: event %s (seq %d)", ErrCorrupt, e.EventID, e.Sequence)
	}
	return nil
}
