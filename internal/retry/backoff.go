package retry

import "time"

// DefaultMaxDelay bounds ExponentialBackoff when no explicit cap is given.
const DefaultMaxDelay = 30 * time.Second

// ExponentialBackoff returns base * 2^attempt, capped at max.
// A non-positive max means DefaultMaxDelay.
func ExponentialBackoff(attempt int, base, max time.Duration) time.Duration {
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 32 {
		return max
	}
	d := base * (1 << attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
