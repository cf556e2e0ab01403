package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/govexec/internal/clock"
	"github.com/roach88/govexec/internal/querysql"
	"github.com/roach88/govexec/internal/wal"
)

//go:embed schema.sql
var schemaSQL string

// pragmas are applied to every connection, in order. journal_mode cannot
// change inside a transaction, so these run before the schema.
var pragmas = []struct{ name, value string }{
	{"journal_mode", "WAL"},
	{"synchronous", "NORMAL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
}

// migration upgrades the schema from version-1 to version.
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations run in order after schema.sql; PRAGMA user_version records the
// last one applied. Append only.
var migrations = []migration{
	{
		version: 1,
		name:    "session index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_wal_events_session ON wal_events(tenant_id, session_id, seq)`,
		},
	},
}

// Store is the SQLite backend: the WAL (wal.Log) and the state store
// (state.Store) share one database file.
type Store struct {
	db       *sql.DB
	stamper  wal.Stamper
	clock    clock.Clock
	compiler *querysql.Compiler
}

// Option configures Open.
type Option func(*Store)

// WithStamper overrides event id and timestamp generation.
func WithStamper(s wal.Stamper) Option {
	return func(st *Store) { st.stamper = s }
}

// WithClock overrides the clock used for state entry timestamps.
func WithClock(c clock.Clock) Option {
	return func(st *Store) { st.clock = c }
}

// Open opens the database at path, creating it if needed, and brings its
// schema up to date. Opening an existing database is safe.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection: SQLite has a single writer, and Append's MAX(seq)+1
	// relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare %s: %w", path, err)
	}

	s := &Store{
		db:       db,
		stamper:  wal.DefaultStamper(),
		clock:    clock.System(),
		compiler: querysql.NewCompiler(querysql.SQLite),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func prepare(db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := migrate(db, m); err != nil {
			return err
		}
	}
	return nil
}

func migrate(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("migration %d (%s): set user_version: %w", m.version, m.name, err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// pragma reads the current value of a pragma.
func (s *Store) pragma(name string) (string, error) {
	var value string
	err := s.db.QueryRow("PRAGMA " + name).Scan(&value)
	return value, err
}
