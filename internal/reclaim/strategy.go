package reclaim

import (
	"math"
	"time"
)

// Backoff doubles the delay per attempt, from Base up to Max. Attempt 1 gets
// Base; the ceiling keeps late reclaims from drifting into hours.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the redelivery delay after the given attempt (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.Max) || delay < 0 {
		return b.Max
	}
	return time.Duration(delay)
}
