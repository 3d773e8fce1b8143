// Package database owns the agent's SQLite store.
//
// The store is a single file on the gateway's local disk holding the
// pending-readings queue. Open configures it for that one job: WAL
// journaling so status reads don't block upload deletes, a busy
// timeout sized for slow flash storage, and a one-connection pool
// because the queue is the only writer anyway.
//
// Schema changes ship as embedded migrations (see the migrations
// package) applied by Migrate at startup. Every *.up.sql file carries
// a matching *.down.sql so a bad deploy can step back one version.
package database
