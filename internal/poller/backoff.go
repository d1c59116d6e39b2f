package poller

import "time"

const (
	DefaultBaseInterval = 60 * time.Second
	DefaultMaxInterval  = 900 * time.Second

	rateLimitGrowth = 2.0
	failureGrowth   = 1.5
)

// nextDelay computes the sleep after a cycle: reset to base when the source
// answered (relay or duplicate), grow when it did not, unchanged while idle.
func nextDelay(cur, base, maxDelay time.Duration, o Outcome) time.Duration {
	if cur <= 0 {
		cur = base
	}
	switch o {
	case OutcomeRelayed, OutcomeDuplicate:
		return base
	case OutcomeRateLimited:
		return grow(cur, rateLimitGrowth, maxDelay)
	case OutcomeFailed:
		return grow(cur, failureGrowth, maxDelay)
	default:
		return cur
	}
}

func grow(d time.Duration, factor float64, maxDelay time.Duration) time.Duration {
	n := time.Duration(float64(d) * factor)
	if n > maxDelay || n < d {
		return maxDelay
	}
	return n
}
