package worker

import (
	"math/rand"
	"time"
)

// retryDelay is the deterministic backoff floor: base doubled per attempt,
// capped at max. Keeping the floor deterministic makes the delay sequence
// non-decreasing across attempts regardless of jitter.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d < base {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// withJitter adds up to a quarter of the delay on top of the floor so
// synchronized retries spread out.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d/4)+1))
}
