// Package store provides SQLite-backed durable storage for the runtime: the
// write-ahead log and the state store live in one database file.
//
// # Write-ahead log
//
//   - wal_events is append-only: triggers abort any UPDATE or DELETE
//   - PRIMARY KEY (tenant_id, seq) makes per-tenant sequence numbers unique
//   - seq is assigned as MAX(seq)+1 inside the inserting transaction
//   - payloads are stored as canonical JSON with their hash
//   - all reads ORDER BY seq ASC
//
// # State store
//
//   - state_entries keyed by (tenant_id, namespace, id)
//   - version increments on every write; compare-and-swap is a conditional
//     UPDATE or an INSERT ... ON CONFLICT DO NOTHING for creation
//
// # Database Configuration
//
//   - WAL journal mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - a single open connection: SQLite allows one writer at a time
package store
