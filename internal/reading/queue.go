package reading

import (
	"context"
	"time"
)

// Reading is a single collected measurement awaiting upload.
type Reading struct {
	// ID is the queue-local row identifier, assigned on insert.
	ID int64

	// DeviceID identifies the source device.
	DeviceID string

	// DataPoint names the register/field this value was read from.
	DataPoint string

	// Value is the normalised measurement.
	Value float64

	// Unit is optional (empty string means none).
	Unit string

	// Timestamp is the collection time in UTC.
	Timestamp time.Time

	// RetryCount counts row-level upload rejections. Informational only:
	// it drives alerting, never expiry.
	RetryCount int

	// CreatedAt is when the row was inserted locally.
	CreatedAt time.Time
}

// Cursor marks a position in chronological dequeue order.
// The zero Cursor starts from the beginning of the queue.
type Cursor struct {
	Timestamp time.Time
	ID        int64
}

// NextCursor returns the cursor just past the last reading in batch,
// or the zero Cursor if batch is empty.
func NextCursor(batch []Reading) Cursor {
	if len(batch) == 0 {
		return Cursor{}
	}
	last := batch[len(batch)-1]
	return Cursor{Timestamp: last.Timestamp, ID: last.ID}
}

// Stats summarises queue state for status reporting.
type Stats struct {
	// Depth is the number of unsynchronised rows currently queued.
	Depth int64

	// OldestPending is the timestamp of the oldest queued reading
	// (zero when the queue is empty). A growing age signals a stuck uplink.
	OldestPending time.Time

	// MaxRetryCount is the highest per-row rejection count in the queue.
	MaxRetryCount int
}

// Queue is the durable store of pending readings.
//
// Implementations must make Enqueue and Delete atomic per call (a batch is
// inserted or removed completely or not at all) and must return readings
// from DequeueBatch in non-decreasing timestamp order with insertion id as
// tiebreaker.
type Queue interface {
	// Enqueue appends readings in a single transaction. Duplicate
	// measurements from a re-collected cycle are acceptable; the remote
	// endpoint is idempotent.
	Enqueue(ctx context.Context, readings []Reading) error

	// DequeueBatch returns up to limit unsynchronised readings positioned
	// strictly after the cursor, in chronological order. It does not mark
	// or lock rows; callers serialise cycles themselves.
	DequeueBatch(ctx context.Context, limit int, after Cursor) ([]Reading, error)

	// Delete permanently removes rows. Called only after the remote has
	// confirmed successful insertion of those exact rows.
	Delete(ctx context.Context, ids []int64) error

	// IncrementRetry bumps retry_count for rows rejected by the remote.
	// Rows are never deleted on failure.
	IncrementRetry(ctx context.Context, ids []int64) error

	// Stats reports queue depth and backlog age.
	Stats(ctx context.Context) (Stats, error)
}
