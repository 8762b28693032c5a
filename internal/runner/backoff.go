package runner

import "time"

// Backoff returns base·2^(n-1) capped at max for the n-th consecutive failure.
func Backoff(base, max time.Duration, n int) time.Duration {
	if n <= 0 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
