// Package backoff computes the delay before a failed job is re-published.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"harvester/internal/config"
)

// Strategy computes the delay before retry attempt n. Attempt 1 is the first
// retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return capped(e.Initial, e.Max, attempt)
}

// Jittered spreads retries over [d/2, d] where d is the Exponential delay, so
// a burst of failures does not come back as a burst of retries.
type Jittered struct {
	Initial time.Duration
	Max     time.Duration
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

func (j Jittered) Delay(attempt int) time.Duration {
	d := capped(j.Initial, j.Max, attempt)
	if d <= 0 {
		return 0
	}
	r := j.Rand
	if r == nil {
		r = rand.Float64
	}
	half := d / 2
	return half + time.Duration(r()*float64(d-half))
}

// Zero never waits. Sync test execution uses it.
type Zero struct{}

func (Zero) Delay(int) time.Duration { return 0 }

func capped(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// FromConfig returns the jittered exponential policy configured under
// [dispatch].
func FromConfig(cfg *config.Config) Strategy {
	if cfg == nil {
		return Jittered{Initial: time.Second, Max: time.Minute}
	}
	return Jittered{Initial: cfg.BackoffInitial(), Max: cfg.BackoffMax()}
}
