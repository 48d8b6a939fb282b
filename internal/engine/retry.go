package engine

import (
	"time"
)

// RetryPolicy bounds every retry loop the coordinator runs: transient page
// refetches, whole-run restarts after a pagination mutation, and optimistic
// commit retries. Exhausting a bound fails the run, never the target; the
// target stays eligible for a future attempt.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after a transient
	// failure of a single page fetch.
	MaxRetries int

	// BaseDelay seeds the exponential backoff between transient retries.
	BaseDelay time.Duration

	// MaxDelay caps the backoff regardless of attempt count.
	MaxDelay time.Duration

	// MaxRestarts bounds full-run restarts after PaginationMutated errors.
	MaxRestarts int

	// CommitRetries bounds re-read-and-retry cycles after an optimistic
	// commit conflict.
	CommitRetries int
}

// DefaultRetryPolicy returns the bounds used when the caller configures none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		MaxRestarts:   2,
		CommitRetries: 2,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseDelay·2^attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
