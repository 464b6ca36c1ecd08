package domain

import "time"

// DistributedLock is one TTL-bound exclusive lock row, one per periodic job.
type DistributedLock struct {
	Name       string    `json:"name"        db:"name"`
	Holder     string    `json:"holder"      db:"holder"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"  db:"expires_at"`
}

// Expired reports whether the lock can be stolen at the given instant.
func (l *DistributedLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
