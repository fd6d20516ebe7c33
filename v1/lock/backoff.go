package lock

import "time"

// BackoffFunc returns the pause before retry number attempt, counted from 0.
type BackoffFunc func(attempt int) time.Duration

// ConstantBackoff waits d before every retry.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles base on every retry, capped at max.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= max || d <= 0 {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}
