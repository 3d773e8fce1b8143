package reading

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// postgresConnectTimeout bounds the startup connectivity check.
const postgresConnectTimeout = 10 * time.Second

// PostgresQueue implements Queue on a site-local PostgreSQL instance.
//
// Sites that already operate Postgres for other plant systems can point the
// agent at it instead of the embedded SQLite file; the queue semantics are
// identical. The schema is ensured at startup rather than migrated, since
// the agent does not own the server.
type PostgresQueue struct {
	db *sql.DB
}

var _ Queue = (*PostgresQueue)(nil)

// OpenPostgres opens and verifies a connection pool for the queue.
//
// Parameters:
//   - dsn: lib/pq connection string (postgres://... or key=value form)
//   - maxOpenConns: connection pool ceiling (minimum 1)
//
// Returns:
//   - *sql.DB: Verified connection pool
//   - error: If opening or pinging fails
func OpenPostgres(dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if maxOpenConns < 1 {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying postgres connection: %w", err)
	}

	return db, nil
}

// NewPostgresQueue creates a queue over an open connection pool.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

// EnsureSchema creates the pending_readings table and its indexes if they
// do not exist. Safe to call on every startup.
func (q *PostgresQueue) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pending_readings (
			id              BIGSERIAL PRIMARY KEY,
			device_id       TEXT             NOT NULL,
			data_point      TEXT             NOT NULL,
			value           DOUBLE PRECISION NOT NULL,
			unit            TEXT,
			"timestamp"     TIMESTAMPTZ      NOT NULL,
			is_synchronized BOOLEAN          NOT NULL DEFAULT FALSE,
			retry_count     INTEGER          NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ      NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_readings_order ON pending_readings ("timestamp", id)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_readings_device ON pending_readings (device_id)`,
	}

	for _, stmt := range statements {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring queue schema: %w", err)
		}
	}
	return nil
}

// Enqueue appends readings in a single transaction.
func (q *PostgresQueue) Enqueue(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}

	for _, r := range readings {
		if r.DeviceID == "" {
			return fmt.Errorf("reading device id is required")
		}
		if r.DataPoint == "" {
			return fmt.Errorf("reading data point is required")
		}
		if r.Timestamp.IsZero() {
			return fmt.Errorf("reading timestamp is required")
		}
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pending_readings
			(device_id, data_point, value, unit, "timestamp", is_synchronized, retry_count)
		VALUES ($1, $2, $3, $4, $5, FALSE, 0)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // Statement closed with transaction

	for _, r := range readings {
		var unit any
		if r.Unit != "" {
			unit = r.Unit
		}
		if _, err := stmt.ExecContext(ctx,
			r.DeviceID,
			r.DataPoint,
			r.Value,
			unit,
			r.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("inserting pending reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing enqueue: %w", err)
	}
	return nil
}

// DequeueBatch returns up to limit unsynchronised readings strictly after
// the cursor, ordered by timestamp then insertion id.
func (q *PostgresQueue) DequeueBatch(ctx context.Context, limit int, after Cursor) ([]Reading, error) {
	if limit <= 0 {
		limit = defaultDequeueLimit
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, device_id, data_point, value, unit, "timestamp", retry_count, created_at
		FROM pending_readings
		WHERE NOT is_synchronized
		  AND ("timestamp", id) > ($1, $2)
		ORDER BY "timestamp", id
		LIMIT $3
	`, after.Timestamp.UTC(), after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending readings: %w", err)
	}
	defer rows.Close()

	readings := make([]Reading, 0, limit)
	for rows.Next() {
		var (
			r    Reading
			unit sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.DataPoint, &r.Value, &unit, &r.Timestamp, &r.RetryCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending reading: %w", err)
		}
		r.Unit = unit.String
		r.Timestamp = r.Timestamp.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending readings: %w", err)
	}
	return readings, nil
}

// Delete permanently removes the given rows.
func (q *PostgresQueue) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := q.db.ExecContext(ctx,
		"DELETE FROM pending_readings WHERE id = ANY($1)",
		pq.Array(ids),
	); err != nil {
		return fmt.Errorf("deleting pending readings: %w", err)
	}
	return nil
}

// IncrementRetry bumps retry_count for the given rows.
func (q *PostgresQueue) IncrementRetry(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := q.db.ExecContext(ctx,
		"UPDATE pending_readings SET retry_count = retry_count + 1 WHERE id = ANY($1)",
		pq.Array(ids),
	); err != nil {
		return fmt.Errorf("incrementing retry count: %w", err)
	}
	return nil
}

// Stats reports queue depth, backlog age and the worst retry count.
func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	var (
		stats  Stats
		oldest sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN("timestamp"), COALESCE(MAX(retry_count), 0)
		FROM pending_readings
		WHERE NOT is_synchronized
	`).Scan(&stats.Depth, &oldest, &stats.MaxRetryCount)
	if err != nil {
		return Stats{}, fmt.Errorf("querying queue stats: %w", err)
	}

	if oldest.Valid {
		stats.OldestPending = oldest.Time.UTC()
	}
	return stats, nil
}
