// Package uplink pushes queued meter readings to the remote sync
// service. It owns the upload cycle (chronological pages, delete on
// confirmation, reject bookkeeping), the failure backoff schedule and
// the connectivity monitor that forgives the backoff on reconnect.
package uplink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meterpoint/metersync/internal/infrastructure/logging"
	"github.com/meterpoint/metersync/internal/reading"
)

// Upload defaults.
const (
	defaultUploadInterval  = 5 * time.Minute
	defaultUploadBatchSize = 1000
)

// CycleStats summarises one completed upload cycle.
type CycleStats struct {
	// Trigger says what started the cycle: "interval", "manual" or
	// "reconnect".
	Trigger string

	// Batches is how many pages were dequeued.
	Batches int

	// Uploaded counts rows the remote confirmed and the queue deleted.
	Uploaded int

	// Rejected counts rows the remote refused; they remain queued with
	// their retry count bumped.
	Rejected int

	// Aborted is set when a failure cut the cycle short. Rows not yet
	// confirmed are untouched in the queue.
	Aborted bool

	// Err is the failure that aborted the cycle, if any.
	Err error

	Started  time.Time
	Duration time.Duration
}

// ManagerStatus is a snapshot of the manager for status reporting.
type ManagerStatus struct {
	Running     bool
	InFlight    bool
	Failures    int
	NextAttempt time.Time
	LastCycle   *CycleStats
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Queue is the durable reading store. Required.
	Queue reading.Queue

	// Remote is the sync service client. Required.
	Remote Remote

	// Logger is required.
	Logger *logging.Logger

	// Interval is the scheduled upload period. Default: 5 minutes.
	Interval time.Duration

	// BatchSize is the maximum rows per upload request. Default: 1000.
	BatchSize int

	// RetryBase and RetryCeiling shape the failure backoff.
	// Defaults: 2 minutes and 8 hours.
	RetryBase    time.Duration
	RetryCeiling time.Duration

	// OnCycle, when set, receives the stats of every finished cycle.
	OnCycle func(CycleStats)
}

// Manager drains the reading queue to the remote sync service: a fixed
// interval timer, an out-of-band manual trigger, and a reconnect hook
// all funnel into one cycle runner guarded against overlap.
//
// A cycle dequeues in chronological pages, uploads each page, deletes
// confirmed rows and bumps rejected ones, and stops at the first
// connectivity failure leaving everything unconfirmed still queued.
type Manager struct {
	opts     ManagerOptions
	schedule *RetrySchedule

	inFlight atomic.Bool

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	lastMu    sync.Mutex
	lastCycle *CycleStats
}

// NewManager validates options and returns a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Queue == nil {
		return nil, errors.New("uplink: queue is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("uplink: remote is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("uplink: logger is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultUploadInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultUploadBatchSize
	}

	return &Manager{
		opts:     opts,
		schedule: NewRetrySchedule(opts.RetryBase, opts.RetryCeiling),
	}, nil
}

// Start launches the interval timer. The first scheduled cycle runs a
// full interval after Start; callers wanting an immediate drain use
// TriggerUpload.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.started = true
	m.runCtx = runCtx
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.loop(runCtx, done)

	m.opts.Logger.Info("upload manager started",
		"interval", m.opts.Interval,
		"batch_size", m.opts.BatchSize,
	)
	return nil
}

// Stop halts the timer and waits for the loop to exit. A cycle caught
// mid-page finishes that page first, so rows the remote confirmed are
// always deleted locally; remaining pages are left for the next run.
// Safe to call multiple times.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.opts.Logger.Info("upload manager stopped")
}

// TriggerUpload runs one upload cycle immediately, regardless of the
// backoff gate and without disturbing the interval timer's phase. When
// a cycle is already in flight it returns ErrUploadInFlight and touches
// nothing.
func (m *Manager) TriggerUpload(ctx context.Context) error {
	return m.runCycle(ctx, "manual")
}

// HandleReconnect is wired as the connectivity monitor's OnConnect
// hook: the failure streak is forgiven and an upload attempt starts
// right away instead of waiting out a stale backoff.
func (m *Manager) HandleReconnect() {
	m.schedule.Reset()

	m.mu.Lock()
	running := m.started
	ctx := m.runCtx
	m.mu.Unlock()
	if !running {
		return
	}

	go func() {
		if err := m.runCycle(ctx, "reconnect"); err != nil && !errors.Is(err, ErrUploadInFlight) {
			m.opts.Logger.Warn("reconnect upload failed", "error", err)
		}
	}()
}

// Status returns a snapshot for status reporting.
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	running := m.started
	m.mu.Unlock()

	status := ManagerStatus{
		Running:     running,
		InFlight:    m.inFlight.Load(),
		Failures:    m.schedule.Failures(),
		NextAttempt: m.schedule.NextAttempt(),
	}

	m.lastMu.Lock()
	if m.lastCycle != nil {
		cycle := *m.lastCycle
		status.LastCycle = &cycle
	}
	m.lastMu.Unlock()
	return status
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.schedule.Ready(time.Now()) {
				m.opts.Logger.Debug("upload tick skipped by backoff",
					"failures", m.schedule.Failures(),
					"next_attempt", m.schedule.NextAttempt(),
				)
				continue
			}
			// Errors are logged inside the cycle; the timer carries on.
			m.runCycle(ctx, "interval") //nolint:errcheck
		}
	}
}

// runCycle performs one upload cycle. Only one cycle runs at a time;
// callers hitting an in-flight cycle get ErrUploadInFlight and no queue
// activity happens on their behalf.
func (m *Manager) runCycle(ctx context.Context, trigger string) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.opts.Logger.Debug("upload cycle already in flight", "trigger", trigger)
		return ErrUploadInFlight
	}
	defer m.inFlight.Store(false)

	stats := CycleStats{Trigger: trigger, Started: time.Now()}

	// Cancellation is honoured between pages, never inside one: an
	// interrupted page could leave remotely confirmed rows undeleted
	// locally. The HTTP client timeout and the store's busy timeout
	// bound how long a page can run after shutdown begins.
	pageCtx := context.WithoutCancel(ctx)

	// Rows rejected in this cycle sit behind the advancing cursor, so a
	// page of steady rejections cannot loop the cycle forever.
	var cursor reading.Cursor

	for {
		if err := ctx.Err(); err != nil {
			stats.Aborted, stats.Err = true, err
			break
		}

		batch, err := m.opts.Queue.DequeueBatch(pageCtx, m.opts.BatchSize, cursor)
		if err != nil {
			m.opts.Logger.Error("dequeue failed", "error", err)
			stats.Aborted, stats.Err = true, err
			break
		}
		if len(batch) == 0 {
			m.schedule.Reset()
			break
		}
		cursor = reading.NextCursor(batch)
		stats.Batches++

		outcome, err := m.opts.Remote.Upload(pageCtx, batch)
		if err != nil {
			// The batch was not confirmed: every row stays queued with
			// its retry count untouched, and the backoff advances.
			delay := m.schedule.Fail(time.Now())
			m.opts.Logger.Warn("upload failed, backing off",
				"trigger", trigger,
				"rows", len(batch),
				"failures", m.schedule.Failures(),
				"retry_in", delay,
				"error", err,
			)
			stats.Aborted, stats.Err = true, err
			break
		}

		if len(outcome.Accepted) > 0 {
			if err := m.opts.Queue.Delete(pageCtx, outcome.Accepted); err != nil {
				m.opts.Logger.Error("deleting confirmed readings failed",
					"rows", len(outcome.Accepted),
					"error", err,
				)
				stats.Aborted, stats.Err = true, err
				break
			}
			stats.Uploaded += len(outcome.Accepted)
		}

		if len(outcome.Rejected) > 0 {
			if err := m.opts.Queue.IncrementRetry(pageCtx, outcome.Rejected); err != nil {
				m.opts.Logger.Error("marking rejected readings failed",
					"rows", len(outcome.Rejected),
					"error", err,
				)
				stats.Aborted, stats.Err = true, err
				break
			}
			stats.Rejected += len(outcome.Rejected)
			for _, rowErr := range outcome.Errors {
				m.opts.Logger.Warn("reading rejected by remote",
					"reading_id", rowErr.ReadingID,
					"code", rowErr.Code,
					"message", rowErr.Message,
				)
			}
		}

		if len(batch) < m.opts.BatchSize {
			// Short page: the queue is drained past the cursor.
			m.schedule.Reset()
			break
		}
	}

	stats.Duration = time.Since(stats.Started)
	m.finishCycle(stats)
	if stats.Aborted {
		return stats.Err
	}
	return nil
}

// finishCycle records and reports one cycle's outcome.
func (m *Manager) finishCycle(stats CycleStats) {
	m.lastMu.Lock()
	m.lastCycle = &stats
	m.lastMu.Unlock()

	switch {
	case stats.Aborted:
		m.opts.Logger.Warn("upload cycle aborted",
			"trigger", stats.Trigger,
			"uploaded", stats.Uploaded,
			"rejected", stats.Rejected,
			"duration", stats.Duration,
			"error", stats.Err,
		)
	case stats.Uploaded > 0 || stats.Rejected > 0:
		m.opts.Logger.Info("upload cycle completed",
			"trigger", stats.Trigger,
			"uploaded", stats.Uploaded,
			"rejected", stats.Rejected,
			"batches", stats.Batches,
			"duration", stats.Duration,
		)
	default:
		m.opts.Logger.Debug("upload cycle found nothing to send", "trigger", stats.Trigger)
	}

	if m.opts.OnCycle != nil {
		m.opts.OnCycle(stats)
	}
}
