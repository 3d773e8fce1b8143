package reading

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/meterpoint/metersync/internal/infrastructure/database"
)

// storageTimeLayout is the fixed-width UTC layout used for SQLite TEXT
// timestamps. Fixed width keeps lexical order identical to chronological
// order, which the dequeue index relies on.
const storageTimeLayout = "2006-01-02T15:04:05.000Z"

// defaultDequeueLimit bounds DequeueBatch when the caller passes no limit.
const defaultDequeueLimit = 1000

// SQLiteQueue implements Queue on the agent's embedded SQLite database.
//
// All rows live in the pending_readings table created by the embedded
// migrations. The database package opens SQLite with a single connection,
// so statements here never contend with each other.
type SQLiteQueue struct {
	db *database.DB
}

var _ Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue creates a queue over an open, migrated database.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteQueue: Queue instance ready for use
func NewSQLiteQueue(db *database.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db}
}

// Enqueue appends readings in a single transaction.
func (q *SQLiteQueue) Enqueue(ctx context.Context, readings []Reading) error {
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
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pending_readings
			(device_id, data_point, value, unit, timestamp, is_synchronized, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // Statement closed with transaction

	now := formatStorageTime(time.Now())
	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			r.DeviceID,
			r.DataPoint,
			r.Value,
			nullableUnit(r.Unit),
			formatStorageTime(r.Timestamp),
			now,
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
func (q *SQLiteQueue) DequeueBatch(ctx context.Context, limit int, after Cursor) ([]Reading, error) {
	if limit <= 0 {
		limit = defaultDequeueLimit
	}

	afterTS := formatStorageTime(after.Timestamp)
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, device_id, data_point, value, unit, timestamp, retry_count, created_at
		FROM pending_readings
		WHERE is_synchronized = 0
		  AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp, id
		LIMIT ?
	`, afterTS, afterTS, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending readings: %w", err)
	}
	defer rows.Close()

	readings := make([]Reading, 0, limit)
	for rows.Next() {
		var (
			r         Reading
			unit      sql.NullString
			ts        string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.DataPoint, &r.Value, &unit, &ts, &r.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning pending reading: %w", err)
		}
		r.Unit = unit.String

		r.Timestamp, err = parseStorageTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing reading timestamp: %w", err)
		}
		r.CreatedAt, err = parseStorageTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing reading created_at: %w", err)
		}

		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending readings: %w", err)
	}
	return readings, nil
}

// Delete permanently removes the given rows. Deleting an id that is
// already gone is not an error, so a re-run after a crash is harmless.
func (q *SQLiteQueue) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := "DELETE FROM pending_readings WHERE id IN (" + placeholders(len(ids)) + ")"
	if _, err := q.db.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("deleting pending readings: %w", err)
	}
	return nil
}

// IncrementRetry bumps retry_count for the given rows.
func (q *SQLiteQueue) IncrementRetry(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := "UPDATE pending_readings SET retry_count = retry_count + 1 WHERE id IN (" + placeholders(len(ids)) + ")"
	if _, err := q.db.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("incrementing retry count: %w", err)
	}
	return nil
}

// Stats reports queue depth, backlog age and the worst retry count.
func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	var (
		stats  Stats
		oldest sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(timestamp), COALESCE(MAX(retry_count), 0)
		FROM pending_readings
		WHERE is_synchronized = 0
	`).Scan(&stats.Depth, &oldest, &stats.MaxRetryCount)
	if err != nil {
		return Stats{}, fmt.Errorf("querying queue stats: %w", err)
	}

	if oldest.Valid && oldest.String != "" {
		stats.OldestPending, err = parseStorageTime(oldest.String)
		if err != nil {
			return Stats{}, fmt.Errorf("parsing oldest timestamp: %w", err)
		}
	}
	return stats, nil
}

// formatStorageTime renders a timestamp in the fixed-width UTC layout.
func formatStorageTime(t time.Time) string {
	return t.UTC().Format(storageTimeLayout)
}

// parseStorageTime parses a timestamp stored in SQLite.
func parseStorageTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	t, err := time.Parse(storageTimeLayout, value)
	if err == nil {
		return t, nil
	}

	fallback, fallbackErr := time.Parse(time.RFC3339, value)
	if fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
}

// nullableUnit maps the empty unit to NULL.
func nullableUnit(unit string) any {
	if unit == "" {
		return nil
	}
	return unit
}

// placeholders returns n comma-separated "?" markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// idArgs widens ids for ExecContext.
func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
