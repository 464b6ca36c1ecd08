package domain

import "time"

// QueueTask is the durable-fallback representation of one "evaluate candidate"
// unit of work. The stream transport carries the same logical task with
// consumer-group-tracked delivery state instead of an explicit claim column.
type QueueTask struct {
	ID          string     `json:"id"           db:"id"`
	CandidateID string     `json:"candidate_id" db:"candidate_id"`
	Priority    int        `json:"priority"     db:"priority"`
	EnqueuedAt  time.Time  `json:"enqueued_at"  db:"enqueued_at"`
	ClaimedBy   string     `json:"claimed_by"   db:"claimed_by"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"   db:"claimed_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Succeeded   bool       `json:"succeeded"    db:"succeeded"`
	LastError   string     `json:"last_error"   db:"last_error"`
	Attempts    int        `json:"attempts"     db:"attempts"`
}

// DeadLetterEntry is the archived envelope of a task that exhausted its
// reclaim budget. Payload preserves the original task verbatim.
type DeadLetterEntry struct {
	ID          string    `json:"id"           db:"id"`
	Kind        string    `json:"kind"         db:"kind"` // task or outbox
	CandidateID string    `json:"candidate_id" db:"candidate_id"`
	Payload     []byte    `json:"payload"      db:"payload"`
	Attempts    int       `json:"attempts"     db:"attempts"`
	LastError   string    `json:"last_error"   db:"last_error"`
	ArchivedAt  time.Time `json:"archived_at"  db:"archived_at"`
}

const (
	DeadLetterKindTask   = "task"
	DeadLetterKindOutbox = "outbox"
)
