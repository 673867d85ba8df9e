package report

import "time"

// RetryPolicy governs failed-generation retries. The failure path and
// the sweep consume the same policy so the schedule and the attempt cap
// cannot drift apart.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy retries every two days and gives up after the
// third failed attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 48 * time.Hour}
}
