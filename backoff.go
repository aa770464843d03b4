package delivery

import (
	"math"
	"time"
)

const maxBackoffShift = 62

// ExponentialBackoff returns base * 2^attempt, saturating instead of overflowing.
// A positive limit caps the result.
func ExponentialBackoff(base time.Duration, attempt int, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := time.Duration(math.MaxInt64)
	if attempt < maxBackoffShift && base <= time.Duration(math.MaxInt64>>uint(attempt)) {
		delay = base << uint(attempt)
	}
	if limit > 0 && delay > limit {
		delay = limit
	}

	return delay
}
