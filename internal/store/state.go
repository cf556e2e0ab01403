package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/govexec/internal/state"
)

// Get returns the entry for key or state.ErrNotFound.
func (s *Store) Get(ctx context.Context, key state.Key) (state.Entry, error) {
	if err := key.Validate(); err != nil {
		return state.Entry{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT value, version, updated_at
		FROM state_entries
		WHERE tenant_id = ? AND namespace = ? AND id = ?
	`, key.TenantID, key.Namespace, key.ID)

	e, err := scanEntry(key, row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Entry{}, state.ErrNotFound
	}
	return e, err
}

// Put upserts key, incrementing its version.
func (s *Store) Put(ctx context.Context, key state.Key, value []byte) (state.Entry, error) {
	if err := key.Validate(); err != nil {
		return state.Entry{}, err
	}
	now := s.clock.Now()

	var version int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO state_entries (tenant_id, namespace, id, value, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(tenant_id, namespace, id) DO UPDATE SET
			value = excluded.value,
			version = state_entries.version + 1,
			updated_at = excluded.updated_at
		RETURNING version
	`, key.TenantID, key.Namespace, key.ID, value, now.Format(time.RFC3339Nano)).Scan(&version)
	if err != nil {
		return state.Entry{}, fmt.Errorf("put %s: %w", key, err)
	}
	return newEntry(key, value, version, now), nil
}

// CompareAndSwap writes key only if its version equals expected (0 = absent).
func (s *Store) CompareAndSwap(ctx context.Context, key state.Key, expected int64, value []byte) (state.Entry, error) {
	if err := key.Validate(); err != nil {
		return state.Entry{}, err
	}
	now := s.clock.Now()
	ts := now.Format(time.RFC3339Nano)

	var (
		result sql.Result
		err    error
	)
	if expected == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO state_entries (tenant_id, namespace, id, value, version, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(tenant_id, namespace, id) DO NOTHING
		`, key.TenantID, key.Namespace, key.ID, value, ts)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE state_entries
			SET value = ?, version = version + 1, updated_at = ?
			WHERE tenant_id = ? AND namespace = ? AND id = ? AND version = ?
		`, value, ts, key.TenantID, key.Namespace, key.ID, expected)
	}
	if err != nil {
		return state.Entry{}, fmt.Errorf("cas %s: %w", key, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return state.Entry{}, fmt.Errorf("cas %s: rows affected: %w", key, err)
	}
	if n == 0 {
		return state.Entry{}, state.ErrVersionConflict
	}
	return newEntry(key, value, expected+1, now), nil
}

// Delete removes key. Absent keys are not an error.
func (s *Store) Delete(ctx context.Context, key state.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM state_entries
		WHERE tenant_id = ? AND namespace = ? AND id = ?
	`, key.TenantID, key.Namespace, key.ID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns a tenant namespace ordered by id.
func (s *Store) List(ctx context.Context, tenantID, namespace string) ([]state.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, value, version, updated_at
		FROM state_entries
		WHERE tenant_id = ? AND namespace = ?
		ORDER BY id COLLATE BINARY ASC
	`, tenantID, namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", tenantID, namespace, err)
	}
	defer rows.Close()

	entries := []state.Entry{}
	for rows.Next() {
		var (
			id, ts  string
			value   []byte
			version int64
		)
		if err := rows.Scan(&id, &value, &version, &ts); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		updated, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		key := state.Key{TenantID: tenantID, Namespace: namespace, ID: id}
		entries = append(entries, newEntry(key, value, version, updated))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func scanEntry(key state.Key, row *sql.Row) (state.Entry, error) {
	var (
		value   []byte
		version int64
		ts      string
	)
	if err := row.Scan(&value, &version, &ts); err != nil {
		return state.Entry{}, err
	}
	updated, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return state.Entry{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return newEntry(key, value, version, updated), nil
}

func newEntry(key state.Key, value []byte, version int64, updated time.Time) state.Entry {
	return state.Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   version,
		UpdatedAt: updated.UTC(),
	}
}
