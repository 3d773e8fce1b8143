package uplink

import (
	"sync"
	"time"
)

// Retry schedule defaults.
const (
	defaultRetryBase    = 2 * time.Minute
	defaultRetryCeiling = 8 * time.Hour

	// maxBackoffShift caps the exponent so the doubling can never
	// overflow a Duration before the ceiling clamp applies.
	maxBackoffShift = 32
)

// RetrySchedule tracks consecutive upload failures and computes when
// the next automatic attempt is allowed: min(base * 2^(failures-1),
// ceiling) after the most recent failure.
//
// The schedule never expires a batch. It only spaces out attempts;
// readings stay queued until the remote confirms them, however long
// that takes.
type RetrySchedule struct {
	base    time.Duration
	ceiling time.Duration

	mu       sync.Mutex
	failures int
	nextAt   time.Time
}

// NewRetrySchedule returns a schedule with the given base delay and
// ceiling. Non-positive arguments fall back to the defaults (2 minutes
// and 8 hours); a ceiling below the base is raised to the base.
func NewRetrySchedule(base, ceiling time.Duration) *RetrySchedule {
	if base <= 0 {
		base = defaultRetryBase
	}
	if ceiling <= 0 {
		ceiling = defaultRetryCeiling
	}
	if ceiling < base {
		ceiling = base
	}
	return &RetrySchedule{base: base, ceiling: ceiling}
}

// Fail records one failed attempt at now and returns the delay until
// the next attempt is due.
func (s *RetrySchedule) Fail(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	delay := s.delayLocked()
	s.nextAt = now.Add(delay)
	return delay
}

// delayLocked computes the current delay. Callers hold the lock and
// guarantee failures >= 1.
func (s *RetrySchedule) delayLocked() time.Duration {
	shift := s.failures - 1
	if shift > maxBackoffShift {
		return s.ceiling
	}
	d := s.base << shift
	if d <= 0 || d > s.ceiling {
		return s.ceiling
	}
	return d
}

// Reset clears the failure streak. The next failure starts again from
// the base delay. Called when the queue drains or connectivity returns.
func (s *RetrySchedule) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.nextAt = time.Time{}
}

// Ready reports whether an automatic attempt is allowed at now.
func (s *RetrySchedule) Ready(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures == 0 || !now.Before(s.nextAt)
}

// Failures returns the current consecutive-failure count.
func (s *RetrySchedule) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// NextAttempt returns when the next automatic attempt is due. Zero when
// no failure is outstanding.
func (s *RetrySchedule) NextAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAt
}
