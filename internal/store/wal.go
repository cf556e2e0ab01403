package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/govexec/internal/wal"
)

// Append inserts an event with the next sequence number for its tenant.
//
// Sequence assignment and insert run in one transaction, and the store holds
// a single connection, so appends are linearizable per tenant.
func (s *Store) Append(ctx context.Context, e wal.Event) (wal.Event, error) {
	prepared, raw, err := s.stamper.Prepare(e)
	if err != nil {
		return wal.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wal.Event{}, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM wal_events WHERE tenant_id = ?`,
		prepared.TenantID,
	).Scan(&last); err != nil {
		return wal.Event{}, fmt.Errorf("append: read sequence: %w", err)
	}
	prepared.Sequence = last + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wal_events
		(tenant_id, seq, event_id, execution_id, saga_id, session_id, event_type, payload, payload_hash, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		prepared.TenantID,
		prepared.Sequence,
		prepared.EventID,
		prepared.ExecutionID,
		prepared.SagaID,
		prepared.SessionID,
		string(prepared.Type),
		string(raw),
		prepared.PayloadHash,
		prepared.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return wal.Event{}, fmt.Errorf("append: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return wal.Event{}, fmt.Errorf("append: commit: %w", err)
	}
	return prepared, nil
}

// Query returns events matching f ordered by seq ASC.
// Each event's payload hash is verified; a mismatch returns wal.ErrCorrupt.
func (s *Store) Query(ctx context.Context, f wal.Filter) ([]wal.Event, error) {
	query, params, err := s.compiler.Select(f)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []wal.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if err := wal.Verify(e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LastSequence returns the highest seq for tenantID, or 0.
func (s *Store) LastSequence(ctx context.Context, tenantID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM wal_events WHERE tenant_id = ?`,
		tenantID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return last, nil
}

// scanEvent reads one row in querysql.EventColumns order.
func scanEvent(rows *sql.Rows) (wal.Event, error) {
	var (
		e       wal.Event
		typ     string
		payload string
		ts      string
	)
	if err := rows.Scan(
		&e.EventID, &e.TenantID, &e.Sequence, &e.ExecutionID, &e.SagaID,
		&e.SessionID, &typ, &payload, &e.PayloadHash, &ts,
	); err != nil {
		return wal.Event{}, fmt.Errorf("scan event: %w", err)
	}

	e.Type = wal.EventType(typ)
	p, err := wal.DecodePayload([]byte(payload))
	if err != nil {
		return wal.Event{}, fmt.Errorf("decode payload of %s: %w", e.EventID, err)
	}
	e.Payload = p

	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return wal.Event{}, fmt.Errorf("parse ts of %s: %w", e.EventID, err)
	}
	return e, nil
}
