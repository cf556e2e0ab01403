// Package wal defines the write-ahead log: an append-only, per-tenant ordered
// record of every execution-affecting event.
//
// The log is the source of truth for the runtime. The state store, execution
// status and saga records are projections that can always be rebuilt from it.
//
// Invariants:
//   - Events are never updated or deleted once appended
//   - Sequence numbers strictly increase per tenant, starting at 1
//   - There is no ordering guarantee across tenants
//   - PayloadHash is the canonical hash of Payload and is verified on read
//
// Implementations: MemoryLog (this package), the SQLite store
// (internal/store) and the PostgreSQL log (internal/store/pgwal).
package wal
