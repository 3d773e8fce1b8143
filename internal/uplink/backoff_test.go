package uplink

import (
	"testing"
	"time"
)

func TestRetrySchedule_Progression(t *testing.T) {
	s := NewRetrySchedule(2*time.Minute, 8*time.Hour)
	now := time.Now()

	// 2m, 4m, 8m, ..., 256m, then clamped at the 8h ceiling.
	want := []time.Duration{
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		32 * time.Minute,
		64 * time.Minute,
		128 * time.Minute,
		256 * time.Minute,
		8 * time.Hour,
		8 * time.Hour,
	}
	for i, w := range want {
		if got := s.Fail(now); got != w {
			t.Errorf("failure %d delay = %v, want %v", i+1, got, w)
		}
	}
	if got := s.Failures(); got != len(want) {
		t.Errorf("Failures() = %d, want %d", got, len(want))
	}
}

func TestRetrySchedule_ResetReturnsToBase(t *testing.T) {
	s := NewRetrySchedule(2*time.Minute, 8*time.Hour)
	now := time.Now()

	s.Fail(now)
	s.Fail(now)
	s.Fail(now)

	s.Reset()

	if got := s.Failures(); got != 0 {
		t.Errorf("Failures() after Reset = %d, want 0", got)
	}
	if !s.NextAttempt().IsZero() {
		t.Errorf("NextAttempt() after Reset = %v, want zero", s.NextAttempt())
	}
	if got := s.Fail(now); got != 2*time.Minute {
		t.Errorf("first delay after Reset = %v, want base 2m", got)
	}
}

func TestRetrySchedule_Ready(t *testing.T) {
	s := NewRetrySchedule(100*time.Millisecond, time.Hour)
	now := time.Now()

	if !s.Ready(now) {
		t.Error("Ready() = false with no failures")
	}

	s.Fail(now)

	if s.Ready(now) {
		t.Error("Ready() = true immediately after a failure")
	}
	if s.Ready(now.Add(99 * time.Millisecond)) {
		t.Error("Ready() = true before the delay elapsed")
	}
	if !s.Ready(now.Add(100 * time.Millisecond)) {
		t.Error("Ready() = false once the delay elapsed")
	}
}

func TestRetrySchedule_OverflowClampedAtCeiling(t *testing.T) {
	s := NewRetrySchedule(2*time.Minute, 8*time.Hour)
	now := time.Now()

	for i := 0; i < 70; i++ {
		if got := s.Fail(now); got <= 0 || got > 8*time.Hour {
			t.Fatalf("failure %d delay = %v, want within (0, 8h]", i+1, got)
		}
	}
	if got := s.Fail(now); got != 8*time.Hour {
		t.Errorf("delay after 70 failures = %v, want 8h", got)
	}
}

func TestRetrySchedule_Defaults(t *testing.T) {
	s := NewRetrySchedule(0, 0)
	if got := s.Fail(time.Now()); got != 2*time.Minute {
		t.Errorf("default base delay = %v, want 2m", got)
	}

	// A ceiling below the base is raised to the base.
	s = NewRetrySchedule(time.Hour, time.Minute)
	if got := s.Fail(time.Now()); got != time.Hour {
		t.Errorf("delay = %v, want base 1h when ceiling < base", got)
	}
	if got := s.Fail(time.Now()); got != time.Hour {
		t.Errorf("second delay = %v, want clamped at raised ceiling", got)
	}
}
