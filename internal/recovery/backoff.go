package recovery

import "time"

// Backoff returns the wait-and-retry delay for an attempt number:
// min(2^attempt, cap) seconds. Attempt 0 waits one second.
func Backoff(attempt, capSec int) time.Duration {
	if capSec < 1 {
		capSec = 1
	}
	// Guard the shift; beyond 30 the cap always wins anyway.
	if attempt > 30 {
		attempt = 30
	}
	secs := int64(1) << uint(attempt)
	if secs > int64(capSec) {
		secs = int64(capSec)
	}
	return time.Duration(secs) * time.Second
}
