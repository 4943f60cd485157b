// Package retry computes retry scheduling for the Task Store's retry
// path. Unlike the teacher's in-process sleep-and-retry loop
// (internal/errors.Retry), a task's retry crosses worker-process
// boundaries: the orchestrator does not hold a goroutine open between
// attempts, it schedules next_retry_at and lets the pending-task sweeper
// redispatch. The exponential-backoff-with-jitter math is ported
// directly from that loop.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy configures backoff scheduling for one task type. Image and
// video orchestration each carry a distinct Policy per spec.md §4.4(b).
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	JitterFrac float64 // fraction of the computed delay, e.g. 0.2 = ±20%
}

// DefaultPolicy matches the Task Store's documented defaults: base 30s,
// max 3600s, ±20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
		MaxDelay:   3600 * time.Second,
		JitterFrac: 0.2,
	}
}

// VideoPolicy reflects spec.md §4.4(b): longer base delay, fewer
// retries, because upstream video attempts are more expensive.
func VideoPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  2 * time.Minute,
		MaxDelay:   30 * time.Minute,
		JitterFrac: 0.2,
	}
}

// NextRetryAt computes next_retry_at for a task whose retry_count (prior
// to this attempt) is retryCount, anchored at now. Mirrors
// calculateBackoff from the teacher's retry helper, generalized to
// return an absolute instant instead of sleeping.
func NextRetryAt(now time.Time, retryCount int, p Policy) time.Time {
	return now.Add(Delay(retryCount, p))
}

// Delay computes the exponential-backoff-with-jitter duration for the
// given retry count, clamped to [0, MaxDelay].
func Delay(retryCount int, p Policy) time.Duration {
	multiplier := math.Pow(2, float64(retryCount))
	delay := time.Duration(float64(p.BaseDelay) * multiplier)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFrac <= 0 {
		return delay
	}
	jitter := float64(delay) * p.JitterFrac
	jittered := float64(delay) + (rand.Float64()*2-1)*jitter
	if jittered < 0 {
		jittered = float64(p.BaseDelay)
	}
	if jittered > float64(p.MaxDelay) {
		jittered = float64(p.MaxDelay)
	}
	return time.Duration(jittered)
}
