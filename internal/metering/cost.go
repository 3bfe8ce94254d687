package metering

import "time"

const msPerMinute = 60_000

// TickCost converts an elapsed interval to minor units at the given
// per-minute rate, rounding up. Integer arithmetic throughout: fractional
// minor units round against the caller once per tick instead of drifting
// over a long call the way floating point would.
func TickCost(elapsed time.Duration, ratePerMinute int64) int64 {
	if elapsed <= 0 || ratePerMinute <= 0 {
		return 0
	}
	ms := elapsed.Milliseconds()
	return (ms*ratePerMinute + msPerMinute - 1) / msPerMinute
}

// boundElapsed caps a wall-clock delta at the configured tick interval so a
// delayed scheduler wakeup cannot charge more than one tick's worth.
func boundElapsed(elapsed, interval time.Duration) time.Duration {
	if elapsed < 0 {
		return 0
	}
	if elapsed > interval {
		return interval
	}
	return elapsed
}
