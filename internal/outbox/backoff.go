package outbox

import (
	"time"

	"ms-checkin/internal/config"
)

// NextRetryDelay computes the exponential backoff delay for the given
// attempt number (1-based: the delay applied after that attempt failed).
func NextRetryDelay(initial time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	return time.Duration(delay)
}

// NextAttemptAt returns the retry time for a message that just failed its
// attempt-th delivery.
func NextAttemptAt(now time.Time, policy config.RetryPolicy, attempt int) time.Time {
	return now.Add(NextRetryDelay(policy.InitialDelay, policy.Multiplier, attempt))
}
