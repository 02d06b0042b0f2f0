package syncqueue

import "time"

// backoffDelay returns the capped exponential retry delay for a mutation
// that has failed `attempts` times: base, 2*base, 4*base, ... up to max.
func backoffDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
