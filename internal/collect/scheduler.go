package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meterpoint/metersync/internal/infrastructure/logging"
)

// CycleRunner runs one collection cycle. Implemented by Runner.
type CycleRunner interface {
	RunCycle(ctx context.Context) (Summary, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Runner executes the scheduled cycles. Required.
	Runner CycleRunner

	// Schedule is a cron expression (robfig/cron v3 syntax; descriptors
	// like "@every 15m" are accepted). Required.
	Schedule string

	// Logger is required.
	Logger *logging.Logger
}

// Scheduler fires collection cycles on a cron schedule. A tick that
// lands while the previous cycle is still running is skipped, not
// queued; long cycles therefore stretch the effective period instead
// of piling up.
type Scheduler struct {
	opts  SchedulerOptions
	cron  *cron.Cron
	entry cron.EntryID

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewScheduler validates the schedule expression and returns a
// Scheduler ready to Start.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Runner == nil {
		return nil, errors.New("collect: runner is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("collect: logger is required")
	}
	if opts.Schedule == "" {
		return nil, errors.New("collect: schedule is required")
	}

	s := &Scheduler{opts: opts, cron: cron.New()}
	entry, err := s.cron.AddFunc(opts.Schedule, s.run)
	if err != nil {
		return nil, fmt.Errorf("collect: invalid schedule %q: %w", opts.Schedule, err)
	}
	s.entry = entry
	return s, nil
}

// Start begins firing cycles on the schedule. The first cycle runs at
// the next schedule boundary, not immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("collect: scheduler already running")
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.opts.Logger.Info("collection scheduler started",
		"schedule", s.opts.Schedule,
		"next_run", s.NextRun(),
	)
	return nil
}

// Stop halts the schedule, cancels the cycle context and waits for any
// running cycle to finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.opts.Logger.Info("collection scheduler stopped")
}

// NextRun reports when the next scheduled cycle fires. Zero before
// Start.
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	_, err := s.opts.Runner.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInFlight):
		s.opts.Logger.Warn("scheduled collection skipped, previous cycle still running")
	case errors.Is(err, context.Canceled):
		// Shutdown.
	default:
		s.opts.Logger.Error("scheduled collection failed", "error", err)
	}
}
