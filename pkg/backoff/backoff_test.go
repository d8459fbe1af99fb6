package backoff

import (
	"testing"
	"time"
)

func TestDelay_ReferenceSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 5 * time.Minute},
		{2, 30 * time.Minute},
		{3, 2 * time.Hour},
		{4, 12 * time.Hour},
		{5, 24 * time.Hour},
		{6, 48 * time.Hour},
		{7, 48 * time.Hour},   // clamped
		{100, 48 * time.Hour}, // clamped
	}

	for _, tt := range tests {
		got := Delay(tt.attempts)
		if got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestDelay_NegativeAttempts(t *testing.T) {
	t.Parallel()
	if got := Delay(-1); got != time.Minute {
		t.Errorf("Delay(-1) = %v, want 1m", got)
	}
}

func TestDelay_MonotonicNonDecreasing(t *testing.T) {
	t.Parallel()
	prev := Delay(0)
	for attempts := 1; attempts < 50; attempts++ {
		cur := Delay(attempts)
		if cur < prev {
			t.Fatalf("Delay(%d) = %v is less than Delay(%d) = %v", attempts, cur, attempts-1, prev)
		}
		prev = cur
	}
}

func TestSchedule_Custom(t *testing.T) {
	t.Parallel()
	s := Schedule{time.Second, 2 * time.Second}

	if got := s.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want 1s", got)
	}
	if got := s.Delay(1); got != 2*time.Second {
		t.Errorf("Delay(1) = %v, want 2s", got)
	}
	if got := s.Delay(9); got != 2*time.Second {
		t.Errorf("Delay(9) = %v, want 2s (clamped)", got)
	}

	var empty Schedule
	if got := empty.Delay(3); got != 0 {
		t.Errorf("empty schedule Delay(3) = %v, want 0", got)
	}
}

func TestJitter_Bounds(t *testing.T) {
	t.Parallel()
	base := time.Minute

	for i := 0; i < 1000; i++ {
		got := Jitter(base, 0.1)
		if got < base || got > base+6*time.Second {
			t.Fatalf("Jitter(1m, 0.1) = %v, want within [1m, 1m6s]", got)
		}
	}
}

func TestJitter_Disabled(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		d        time.Duration
		fraction float64
	}{
		{"zero fraction", time.Minute, 0},
		{"negative fraction", time.Minute, -0.5},
		{"zero duration", 0, 0.5},
	}

	for _, tt := range tests {
		if got := Jitter(tt.d, tt.fraction); got != tt.d {
			t.Errorf("%s: Jitter(%v, %v) = %v, want unchanged", tt.name, tt.d, tt.fraction, got)
		}
	}
}

func TestJitter_CapsFraction(t *testing.T) {
	t.Parallel()
	for i := 0; i < 100; i++ {
		if got := Jitter(time.Second, 5); got > 2*time.Second {
			t.Fatalf("Jitter(1s, 5) = %v, want <= 2s", got)
		}
	}
}
