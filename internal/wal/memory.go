package wal

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/govexec/internal/clock"
)

// MemoryLog is an in-process Log used by tests, scenario runs and replay
// scratch space.
//
// Thread-safety: safe for concurrent use. A single mutex makes sequence
// assignment and append atomic, which keeps each tenant's log linearizable.
type MemoryLog struct {
	mu      sync.RWMutex
	stamper Stamper
	seq     *clock.Sequencer
	events  map[string][]Event
	raw     map[string][][]byte
}

// NewMemoryLog creates an empty log.
func NewMemoryLog(stamper Stamper) *MemoryLog {
	return &MemoryLog{
		stamper: stamper,
		seq:     clock.NewSequencer(),
		events:  make(map[string][]Event),
		raw:     make(map[string][][]byte),
	}
}

// Append stores e and returns it with all assigned fields populated.
func (l *MemoryLog) Append(ctx context.Context, e Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	prepared, raw, err := l.stamper.Prepare(e)
	if err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	prepared.Sequence = l.seq.Next(prepared.TenantID)
	l.events[prepared.TenantID] = append(l.events[prepared.TenantID], prepared)
	l.raw[prepared.TenantID] = append(l.raw[prepared.TenantID], raw)
	return cloneEvent(prepared, raw)
}

// Query returns matching events ordered by sequence.
func (l *MemoryLog) Query(ctx context.Context, f Filter) ([]Event, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Event{}
	for i, e := range l.events[f.TenantID] {
		if !f.Matches(e) {
			continue
		}
		cp, err := cloneEvent(e, l.raw[f.TenantID][i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// LastSequence returns the highest sequence number for tenantID, or 0.
func (l *MemoryLog) LastSequence(ctx context.Context, tenantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq.Current(tenantID), nil
}

// Tenants returns the tenants that have at least one event.
func (l *MemoryLog) Tenants() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.events))
	for t := range l.events {
		out = append(out, t)
	}
	return out
}

// cloneEvent returns a copy whose payload shares nothing with the stored one.
func cloneEvent(e Event, raw []byte) (Event, error) {
	payload, err := DecodePayload(raw)
	if err != nil {
		return Event{}, fmt.Errorf("decode stored payload: %w", err)
	}
	e.Payload = payload
	return e, nil
}
