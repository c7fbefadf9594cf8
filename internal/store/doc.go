// Package store is the SQLite-backed entity store.
//
// Every entity is one row holding its current version and JSON snapshot.
// Apply checks all invariants and writes all changes inside a single
// SQL transaction, so a transaction is either fully recorded or not at
// all. Deleted entities keep a tombstone row (NULL snapshot) so their
// version keeps increasing if the id is ever reused.
//
// Domain events emitted by a transaction are written to the outbox table
// in the same SQL transaction as the entity rows. A relay drains the
// outbox into the event bus afterwards, which makes "commit implies the
// events are eventually published" hold across crashes.
//
// # Database Configuration
//
//   - WAL mode: readers proceed while a writer commits
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//   - _txlock=immediate: writers serialize at BEGIN, so version checks
//     and writes are never interleaved
package store
