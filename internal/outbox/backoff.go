package outbox

import "time"

const (
	backoffBase = time.Minute
	backoffCap  = time.Hour
)

// backoffDelay returns the wait before the next delivery attempt:
// min(2^retryCount * 60s, 3600s).
func backoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^6 minutes already exceeds the cap; avoid shifting into overflow.
	if retryCount > 6 {
		return backoffCap
	}
	delay := backoffBase << uint(retryCount)
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}
