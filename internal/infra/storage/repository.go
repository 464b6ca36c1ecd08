package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/mender/internal/core/domain"
)

var (
	// ErrNotFound is returned when a requested row doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned by Insert when the dedup key already exists
	ErrDuplicateKey = errors.New("duplicate dedup key")

	// ErrLockHeld is returned when a live lock is held by another contender
	ErrLockHeld = errors.New("lock held by another holder")

	// ErrNotHolder is returned when extend/release is attempted by a non-holder
	ErrNotHolder = errors.New("not the lock holder")
)

// CandidateRepository handles recovery candidate storage
type CandidateRepository interface {
	// Insert inserts a new candidate row. Returns a unique-violation error
	// if the dedup key already exists.
	Insert(ctx context.Context, c *domain.RecoveryCandidate) error

	// IncrementOccurrence atomically bumps occurrence_count for the candidate
	// matching the dedup key and returns the updated row.
	IncrementOccurrence(ctx context.Context, dedupKey string) (*domain.RecoveryCandidate, error)

	// FindByDedupKey retrieves a candidate by its dedup key, (nil, nil) if absent.
	FindByDedupKey(ctx context.Context, dedupKey string) (*domain.RecoveryCandidate, error)

	// GetByID retrieves a candidate by id
	GetByID(ctx context.Context, id string) (*domain.RecoveryCandidate, error)

	// ListPending lists pending-execution candidates ordered by confidence desc
	ListPending(ctx context.Context, limit int) ([]*domain.RecoveryCandidate, error)

	// SetSuggestion records the rule engine outcome for a candidate
	SetSuggestion(ctx context.Context, id, action string, confidence float64) error

	// ClaimExecution transitions execution state pending -> executing.
	// Returns false if another worker already won the transition.
	ClaimExecution(ctx context.Context, id string) (bool, error)

	// FinishExecution writes the terminal state, result payload and executed_at.
	FinishExecution(ctx context.Context, id string, state domain.ExecutionState, result string) error
}

// ProvenanceRepository is the append-only candidate event ledger
type ProvenanceRepository interface {
	// Append writes one event; entries are write-once
	Append(ctx context.Context, e *domain.ProvenanceEvent) error

	// ListByCandidate returns events for a candidate in write order
	ListByCandidate(ctx context.Context, candidateID string) ([]*domain.ProvenanceEvent, error)
}

// SuggestionInputRepository stores immutable evaluation audit rows
type SuggestionInputRepository interface {
	AppendBatch(ctx context.Context, inputs []*domain.SuggestionInput) error
	ListByCandidate(ctx context.Context, candidateID string) ([]*domain.SuggestionInput, error)
}

// CatalogRepository handles recovery action templates
type CatalogRepository interface {
	// List returns active catalog entries, optionally filtered by category
	List(ctx context.Context, category string) ([]*domain.ActionCatalogEntry, error)

	// GetByCode retrieves one entry, (nil, nil) if absent
	GetByCode(ctx context.Context, code string) (*domain.ActionCatalogEntry, error)

	// RecordOutcome atomically folds one execution outcome into the
	// entry's success_rate / application_count aggregates.
	RecordOutcome(ctx context.Context, code string, succeeded bool) error

	// RefreshStats recomputes aggregates from terminal candidates
	RefreshStats(ctx context.Context) error
}

// FallbackQueueRepository is the persisted secondary task transport
type FallbackQueueRepository interface {
	// Enqueue inserts an unclaimed task row
	Enqueue(ctx context.Context, t *domain.QueueTask) error

	// ClaimNext atomically claims the next unclaimed row for the worker,
	// skipping rows locked by other workers. (nil, nil) when no work.
	ClaimNext(ctx context.Context, workerID string) (*domain.QueueTask, error)

	// Complete marks a claimed task terminal
	Complete(ctx context.Context, id string, succeeded bool, errMsg string) error

	// ReleaseStale clears claims older than age, bumping attempts.
	// Returns the released tasks.
	ReleaseStale(ctx context.Context, age time.Duration) ([]*domain.QueueTask, error)

	// GetExhausted returns unfinished tasks with attempts >= max
	GetExhausted(ctx context.Context, maxAttempts int) ([]*domain.QueueTask, error)

	// Delete removes a task row (after archival)
	Delete(ctx context.Context, id string) error

	// CountPending returns the number of unclaimed, unfinished tasks
	CountPending(ctx context.Context) (int, error)

	// DeleteTerminalBefore removes completed tasks older than cutoff.
	// Used by retention; returns affected row count.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error)
}

// DeadLetterRepository archives exhausted tasks and guards replay
type DeadLetterRepository interface {
	// Archive stores the entry; must commit before the source is removed
	Archive(ctx context.Context, e *domain.DeadLetterEntry) error

	// GetByID retrieves an archived entry, (nil, nil) if absent
	GetByID(ctx context.Context, id string) (*domain.DeadLetterEntry, error)

	// List returns archived entries, newest first
	List(ctx context.Context, limit int) ([]*domain.DeadLetterEntry, error)

	// RecordReplay inserts into the replay ledger. Returns false if this
	// entry was already replayed.
	RecordReplay(ctx context.Context, entryID, actor string) (bool, error)

	// ClearReplay removes a ledger row so a failed replay can be retried.
	ClearReplay(ctx context.Context, entryID string) error
}

// LockRepository backs the leader election lock manager
type LockRepository interface {
	// Acquire grants the lock if absent or expired; ErrLockHeld otherwise
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) error

	// Extend pushes out expiry; ErrNotHolder unless holder owns a live lock
	Extend(ctx context.Context, name, holder string, ttl time.Duration) error

	// Release deletes the lock; ErrNotHolder unless holder owns it
	Release(ctx context.Context, name, holder string) error

	// List returns current lock rows
	List(ctx context.Context) ([]*domain.DistributedLock, error)
}

// OutboxRepository stores intended external side effects
type OutboxRepository interface {
	// Enqueue inserts an event, joining the surrounding transaction when tx
	// is non-nil (see postgres implementation)
	Enqueue(ctx context.Context, e *domain.OutboxEvent) error

	// ClaimDue claims up to limit unprocessed events whose retry time has
	// passed, invisible to concurrent processors
	ClaimDue(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)

	// MarkProcessed stamps processed_at
	MarkProcessed(ctx context.Context, id string) error

	// ScheduleRetry bumps retry_count and sets next_retry_at
	ScheduleRetry(ctx context.Context, id string, next time.Time, errMsg string) error

	// DeleteProcessedBefore removes delivered events older than cutoff
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error)
}

// ExecutionCommitter commits a candidate's terminal state atomically with
// its provenance event, outbox row and catalog aggregate update.
type ExecutionCommitter interface {
	CommitExecution(
		ctx context.Context,
		candidateID string,
		state domain.ExecutionState,
		result string,
		prov *domain.ProvenanceEvent,
		outbox *domain.OutboxEvent,
		actionCode string,
		succeeded bool,
	) error
}
