// Package querysql compiles WAL filters to parameterized SQL.
//
// Every query orders by seq so reads are deterministic, and every value is
// passed as a parameter, never interpolated.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/govexec/internal/wal"
)

// Dialect selects the placeholder style.
type Dialect int

const (
	// SQLite uses ? placeholders.
	SQLite Dialect = iota
	// Postgres uses $1, $2, ... placeholders.
	Postgres
)

// EventColumns is the column list every backend selects, in scan order.
const EventColumns = "event_id, tenant_id, seq, execution_id, saga_id, session_id, event_type, payload, payload_hash, ts"

// Compiler builds SQL for one dialect.
type Compiler struct {
	dialect Dialect
	table   string
}

// NewCompiler creates a compiler for the wal_events table.
func NewCompiler(d Dialect) *Compiler {
	return &Compiler{dialect: d, table: "wal_events"}
}

// builder accumulates parameters and renders placeholders.
type builder struct {
	dialect Dialect
	params  []any
}

func (b *builder) bind(v any) string {
	b.params = append(b.params, v)
	if b.dialect == Postgres {
		return fmt.Sprintf("$%d", len(b.params))
	}
	return "?"
}

// Where compiles the filter's predicates to a WHERE body and its parameters.
func (c *Compiler) Where(f wal.Filter) (string, []any, error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	b := &builder{dialect: c.dialect}

	clauses := []string{"tenant_id = " + b.bind(f.TenantID)}
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id = "+b.bind(f.ExecutionID))
	}
	if f.SagaID != "" {
		clauses = append(clauses, "saga_id = "+b.bind(f.SagaID))
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = "+b.bind(f.SessionID))
	}
	if f.AfterSequence > 0 {
		clauses = append(clauses, "seq > "+b.bind(f.AfterSequence))
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = b.bind(string(t))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	return strings.Join(clauses, " AND "), b.params, nil
}

// Select compiles a full query for f, ordered by seq with an optional limit.
func (c *Compiler) Select(f wal.Filter) (string, []any, error) {
	where, params, err := c.Where(f)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	b := &builder{dialect: c.dialect, params: params}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY seq ASC", EventColumns, c.table, where)
	if f.Limit > 0 {
		sql += " LIMIT " + b.bind(f.Limit)
	}
	return sql, b.params, nil
}
