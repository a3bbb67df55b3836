package jobs

import "time"

// backoffTable holds the retry delays applied after consecutive
// failures. The last entry repeats for every failure beyond the fifth.
var backoffTable = [...]time.Duration{
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// Backoff returns the delay before the next attempt after the given
// number of consecutive errors. Backoff only ever pushes the next run
// later than the schedule would naturally allow, never earlier.
func Backoff(consecutiveErrors int) time.Duration {
	if consecutiveErrors < 1 {
		consecutiveErrors = 1
	}
	idx := consecutiveErrors - 1
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	return backoffTable[idx]
}
