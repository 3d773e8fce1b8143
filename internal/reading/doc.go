// Package reading provides the durable local queue of collected meter
// readings awaiting upload to the client system.
//
// The queue is the agent's only shared mutable store. The collection cycle
// inserts rows; the upload manager dequeues, deletes confirmed rows and
// increments retry counts on rejected ones. Rows are never dropped on
// failure: a reading stays queued until the remote confirms it, however
// long that takes.
//
// # Backends
//
// Two implementations of the Queue interface are provided:
//
//   - SQLiteQueue: the default, backed by the agent's embedded SQLite
//     database (see internal/infrastructure/database)
//   - PostgresQueue: for sites that already run a local Postgres instance
//
// Both guarantee atomic batch inserts and deletes, and chronological
// dequeue order (oldest reading first, insertion id as tiebreaker).
//
// # Ordering
//
// SQLite stores timestamps as fixed-width UTC text so that lexical order
// equals chronological order; Postgres uses native TIMESTAMPTZ columns.
// DequeueBatch accepts a Cursor so a single upload cycle can walk the
// queue without revisiting rows it already handled (rejected rows remain
// queued and are picked up again from a fresh cursor next cycle).
package reading
