// Package retry provides the exponential backoff policy and the per-message
// timer scheduler used when transport sends fail transiently.
package retry

import (
	"math/rand"
	"time"
)

// Policy computes retry delays: BaseDelay doubled per attempt, capped at
// MaxDelay, with optional ±10% jitter.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Jitter     bool
}

// DefaultPolicy returns 1s base, 30s cap, 3 retries, jitter on.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxRetries: 3,
		Jitter:     true,
	}
}

// Delay returns the backoff for the given completed attempt count. The first
// retry (retryCount 0) waits BaseDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}

	if p.Jitter {
		jitter := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitter
		if delay < float64(p.BaseDelay) {
			delay = float64(p.BaseDelay)
		}
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	return time.Duration(delay)
}
