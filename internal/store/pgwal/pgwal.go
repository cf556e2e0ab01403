// Package pgwal implements wal.Log on PostgreSQL.
//
// Per-tenant sequence numbers come from an upsert on tenant_sequences whose
// row lock serializes concurrent appends for the same tenant while leaving
// other tenants unblocked.
package pgwal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/roach88/govexec/internal/querysql"
	"github.com/roach88/govexec/internal/wal"
)

// Schema creates the tables used by Log. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS tenant_sequences (
	tenant_id TEXT PRIMARY KEY,
	last_seq  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS wal_events (
	tenant_id    TEXT        NOT NULL,
	seq          BIGINT      NOT NULL,
	event_id     TEXT        NOT NULL UNIQUE,
	execution_id TEXT        NOT NULL DEFAULT '',
	saga_id      TEXT        NOT NULL DEFAULT '',
	session_id   TEXT        NOT NULL DEFAULT '',
	event_type   TEXT        NOT NULL,
	payload      TEXT        NOT NULL,
	payload_hash TEXT        NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_wal_events_execution ON wal_events(tenant_id, execution_id, seq);
CREATE INDEX IF NOT EXISTS idx_wal_events_saga ON wal_events(tenant_id, saga_id, seq);

CREATE OR REPLACE FUNCTION wal_events_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'wal_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS wal_events_no_mutation ON wal_events;
CREATE TRIGGER wal_events_no_mutation
	BEFORE UPDATE OR DELETE ON wal_events
	FOR EACH ROW EXECUTE FUNCTION wal_events_append_only();
`

const (
	nextSequenceSQL = `
		INSERT INTO tenant_sequences (tenant_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET last_seq = tenant_sequences.last_seq + 1
		RETURNING last_seq`

	insertEventSQL = `
		INSERT INTO wal_events
		(tenant_id, seq, event_id, execution_id, saga_id, session_id, event_type, payload, payload_hash, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	lastSequenceSQL = `SELECT last_seq FROM tenant_sequences WHERE tenant_id = $1`
)

// Log is a PostgreSQL-backed wal.Log.
type Log struct {
	db       *sql.DB
	stamper  wal.Stamper
	compiler *querysql.Compiler
}

// New wraps an open database. The schema must already exist; see Migrate.
func New(db *sql.DB, stamper wal.Stamper) *Log {
	return &Log{
		db:       db,
		stamper:  stamper,
		compiler: querysql.NewCompiler(querysql.Postgres),
	}
}

// Open connects to dsn, verifies the connection and applies Schema.
func Open(ctx context.Context, dsn string) (*Log, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	l := New(db, wal.DefaultStamper())
	if err := l.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Migrate applies Schema.
func (l *Log) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append assigns the tenant's next sequence number and inserts e in one
// transaction.
func (l *Log) Append(ctx context.Context, e wal.Event) (wal.Event, error) {
	prepared, raw, err := l.stamper.Prepare(e)
	if err != nil {
		return wal.Event{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return wal.Event{}, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := tx.QueryRowContext(ctx, nextSequenceSQL, prepared.TenantID).Scan(&prepared.Sequence); err != nil {
		return wal.Event{}, fmt.Errorf("append: next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, insertEventSQL,
		prepared.TenantID,
		prepared.Sequence,
		prepared.EventID,
		prepared.ExecutionID,
		prepared.SagaID,
		prepared.SessionID,
		string(prepared.Type),
		string(raw),
		prepared.PayloadHash,
		prepared.Timestamp,
	)
	if err != nil {
		return wal.Event{}, fmt.Errorf("append: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return wal.Event{}, fmt.Errorf("append: commit: %w", err)
	}
	return prepared, nil
}

// Query returns events matching f ordered by seq, verifying payload hashes.
func (l *Log) Query(ctx context.Context, f wal.Filter) ([]wal.Event, error) {
	query, params, err := l.compiler.Select(f)
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []wal.Event{}
	for rows.Next() {
		var (
			e       wal.Event
			typ     string
			payload string
			ts      time.Time
		)
		if err := rows.Scan(
			&e.EventID, &e.TenantID, &e.Sequence, &e.ExecutionID, &e.SagaID,
			&e.SessionID, &typ, &payload, &e.PayloadHash, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = wal.EventType(typ)
		e.Timestamp = ts.UTC()
		if e.Payload, err = wal.DecodePayload([]byte(payload)); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", e.EventID, err)
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

// LastSequence returns the tenant's last assigned sequence number, or 0.
func (l *Log) LastSequence(ctx context.Context, tenantID string) (int64, error) {
	var last int64
	err := l.db.QueryRowContext(ctx, lastSequenceSQL, tenantID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return last, nil
}
