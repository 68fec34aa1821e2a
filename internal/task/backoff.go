package task

import (
	"math/rand"
	"time"
)

// schedules maps each sub-kind to its ordered retry-delay ladder, in
// seconds. An attempt number beyond the ladder's length reuses the last
// entry rather than growing further.
var schedules = map[SubKind][]int{
	SubCreditsExhausted:   {300, 600, 1800},
	SubRateLimited:        {120, 300, 600, 1200},
	SubServiceUnavailable: {5, 10, 30, 60, 120},
	SubNetworkTimeout:     {2, 5, 10, 30, 60},
}

var defaultSchedule = []int{5, 15, 60, 300}

// jitterFraction matches spec.md §4.5's `+ uniform(0, base*0.1)`: jitter
// only ever adds to the ladder value, so a scenario asserting "delay >=
// schedule[n]" always holds.
const jitterFraction = 0.10

// Backoff computes the delay before retry attempt number retryCount
// (1-indexed: the delay before the first retry is Backoff(sub, 1)).
func Backoff(sub SubKind, retryCount int) time.Duration {
	ladder, ok := schedules[sub]
	if !ok {
		ladder = defaultSchedule
	}
	if retryCount < 1 {
		retryCount = 1
	}
	idx := retryCount - 1
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	base := float64(ladder[idx])

	jitter := rand.Float64() * base * jitterFraction
	delay := base + jitter
	return time.Duration(delay * float64(time.Second))
}
