package share

import (
	"time"

	"sharepilot/internal/job"
)

// Delay draws the pause between two listings uniformly from [MinMs, MaxMs].
// When MaxMs <= MinMs the pause is exactly MinMs.
// Both bounds are clamped to [0, job.MaxRateMs] first.
func Delay(r job.Rate, intN func(n int) int) time.Duration {
	lo, hi := clampMs(r.MinMs), clampMs(r.MaxMs)
	ms := lo
	if hi > lo {
		ms += intN(hi - lo + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func clampMs(ms int) int { return max(0, min(ms, job.MaxRateMs)) }
