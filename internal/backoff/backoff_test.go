package backoff_test

import (
	"testing"
	"time"

	"harvester/internal/backoff"
	"harvester/internal/config"
)

func TestExponential(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJitteredStaysInUpperHalf(t *testing.T) {
	low := backoff.Jittered{Initial: time.Second, Max: time.Minute, Rand: func() float64 { return 0 }}
	high := backoff.Jittered{Initial: time.Second, Max: time.Minute, Rand: func() float64 { return 0.999999 }}
	for attempt := 1; attempt <= 8; attempt++ {
		full := backoff.Exponential{Initial: time.Second, Max: time.Minute}.Delay(attempt)
		if got := low.Delay(attempt); got != full/2 {
			t.Fatalf("low Delay(%d) = %v, want %v", attempt, got, full/2)
		}
		if got := high.Delay(attempt); got < full/2 || got > full {
			t.Fatalf("high Delay(%d) = %v outside [%v, %v]", attempt, got, full/2, full)
		}
	}
	random := backoff.Jittered{Initial: 100 * time.Millisecond, Max: time.Second}
	for i := 0; i < 50; i++ {
		if got := random.Delay(3); got < 200*time.Millisecond || got > 400*time.Millisecond {
			t.Fatalf("random Delay(3) = %v", got)
		}
	}
}

func TestConstantAndZero(t *testing.T) {
	if got := (backoff.Constant{Interval: 3 * time.Second}).Delay(9); got != 3*time.Second {
		t.Fatalf("Constant = %v", got)
	}
	if got := (backoff.Zero{}).Delay(4); got != 0 {
		t.Fatalf("Zero = %v", got)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.BackoffInitialMS = 500
	cfg.Dispatch.BackoffMaxMS = 2000
	strategy := backoff.FromConfig(&cfg)
	j, ok := strategy.(backoff.Jittered)
	if !ok {
		t.Fatalf("FromConfig returned %T", strategy)
	}
	if j.Initial != 500*time.Millisecond || j.Max != 2*time.Second {
		t.Fatalf("unexpected policy %+v", j)
	}
}
