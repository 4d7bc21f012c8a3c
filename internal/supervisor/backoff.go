package supervisor

import "time"

// backoffDelay returns the delay before restart attempt n (1-based):
// base doubled per attempt, bounded by ceil.
func backoffDelay(base, ceil time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if ceil <= 0 {
		ceil = 60 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceil {
			return ceil
		}
	}
	if delay > ceil {
		return ceil
	}
	return delay
}
