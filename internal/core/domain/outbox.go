package domain

import "time"

// OutboxEvent is one intended external side effect, written in the same
// transaction as the state change that triggered it and delivered exactly
// once by the outbox processor.
type OutboxEvent struct {
	ID            string     `json:"id"             db:"id"`
	AggregateType string     `json:"aggregate_type" db:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"   db:"aggregate_id"`
	EventType     string     `json:"event_type"     db:"event_type"`
	Payload       []byte     `json:"payload"        db:"payload"`
	PublishedAt   time.Time  `json:"published_at"   db:"published_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	RetryCount    int        `json:"retry_count"    db:"retry_count"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastError     string     `json:"last_error"     db:"last_error"`
}

const (
	AggregateCandidate = "candidate"

	EventCandidateExecuted = "candidate.executed"
	EventCandidateFailed   = "candidate.execution_failed"
)
