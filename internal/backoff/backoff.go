// Package backoff maps a failed attempt count to the delay before the item
// becomes claim-eligible again. The schedule is a fixed table, so the policy
// is stateless and safe to share between dispatchers.
package backoff

import (
	"time"
)

var schedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	24 * time.Hour,
}

// Delay returns the wait before retry number attempt. Attempts beyond the
// table clamp to the last entry.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// MaxAttempts returns the retry budget for a queue type.
func MaxAttempts(queueType string) int {
	if queueType == "critical" {
		return 5
	}
	return 3
}
