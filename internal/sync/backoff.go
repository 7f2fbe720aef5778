package sync

import (
	"math"
	"time"
)

// RetryPolicy bounds automatic push-back retries. Values come from
// configuration; see config.Load.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns the delay before the given retry attempt:
// base * 2^(attempt-1), capped.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseBackoff
	}
	exp := float64(attempt - 1)
	delay := time.Duration(float64(p.BaseBackoff) * math.Pow(2, exp))
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Exhausted reports whether a row with the given retry count has spent its
// automatic retry budget and should be surfaced instead of retried again.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}
