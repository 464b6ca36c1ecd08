package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vietddude/mender/internal/core/domain"
)

// FallbackQueueRepo implements storage.FallbackQueueRepository using
// PostgreSQL. It is the secondary task transport, used when the stream is
// unavailable at enqueue time.
type FallbackQueueRepo struct {
	db *DB
}

// NewFallbackQueueRepo creates a new PostgreSQL fallback queue repository.
func NewFallbackQueueRepo(db *DB) *FallbackQueueRepo {
	return &FallbackQueueRepo{db: db}
}

// Enqueue inserts an unclaimed task row.
func (r *FallbackQueueRepo) Enqueue(ctx context.Context, t *domain.QueueTask) error {
	query := `
		INSERT INTO queue_tasks (id, candidate_id, priority, enqueued_at, attempts)
		VALUES ($1, $2, $3, NOW(), $4)
	`
	_, err := r.db.ExecContext(ctx, query, t.ID, t.CandidateID, t.Priority, t.Attempts)
	if err != nil {
		return fmt.Errorf("failed to enqueue fallback task: %w", err)
	}
	return nil
}

// ClaimNext claims the next unclaimed row. FOR UPDATE SKIP LOCKED makes a row
// visible to exactly one concurrent worker, with no blocking wait.
func (r *FallbackQueueRepo) ClaimNext(ctx context.Context, workerID string) (*domain.QueueTask, error) {
	query := `
		UPDATE queue_tasks
		SET claimed_by = $1, claimed_at = NOW()
		WHERE id = (
			SELECT id FROM queue_tasks
			WHERE claimed_by = '' AND completed_at IS NULL
			ORDER BY priority DESC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, candidate_id, priority, enqueued_at, claimed_by, claimed_at,
		          completed_at, succeeded, last_error, attempts
	`
	var t domain.QueueTask
	err := r.db.QueryRowContext(ctx, query, workerID).Scan(
		&t.ID, &t.CandidateID, &t.Priority, &t.EnqueuedAt, &t.ClaimedBy,
		&t.ClaimedAt, &t.CompletedAt, &t.Succeeded, &t.LastError, &t.Attempts,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim fallback task: %w", err)
	}
	return &t, nil
}

// Complete marks a claimed task terminal.
func (r *FallbackQueueRepo) Complete(ctx context.Context, id string, succeeded bool, errMsg string) error {
	query := `
		UPDATE queue_tasks
		SET completed_at = NOW(), succeeded = $2, last_error = $3
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, succeeded, errMsg)
	return err
}

// ReleaseStale clears claims older than age so the task becomes claimable
// again, bumping the attempt counter.
func (r *FallbackQueueRepo) ReleaseStale(ctx context.Context, age time.Duration) ([]*domain.QueueTask, error) {
	query := `
		UPDATE queue_tasks
		SET claimed_by = '', claimed_at = NULL, attempts = attempts + 1
		WHERE claimed_by <> '' AND completed_at IS NULL AND claimed_at < $1
		RETURNING id, candidate_id, priority, enqueued_at, claimed_by, claimed_at,
		          completed_at, succeeded, last_error, attempts
	`
	cutoff := time.Now().Add(-age)
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to release stale claims: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueueTask
	for rows.Next() {
		var t domain.QueueTask
		if err := rows.Scan(
			&t.ID, &t.CandidateID, &t.Priority, &t.EnqueuedAt, &t.ClaimedBy,
			&t.ClaimedAt, &t.CompletedAt, &t.Succeeded, &t.LastError, &t.Attempts,
		); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// GetExhausted returns unfinished tasks whose attempts hit the reclaim budget.
func (r *FallbackQueueRepo) GetExhausted(ctx context.Context, maxAttempts int) ([]*domain.QueueTask, error) {
	query := `
		SELECT id, candidate_id, priority, enqueued_at, claimed_by, claimed_at,
		       completed_at, succeeded, last_error, attempts
		FROM queue_tasks
		WHERE completed_at IS NULL AND attempts >= $1
	`
	rows, err := r.db.QueryContext(ctx, query, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueueTask
	for rows.Next() {
		var t domain.QueueTask
		if err := rows.Scan(
			&t.ID, &t.CandidateID, &t.Priority, &t.EnqueuedAt, &t.ClaimedBy,
			&t.ClaimedAt, &t.CompletedAt, &t.Succeeded, &t.LastError, &t.Attempts,
		); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Delete removes a task row. Callers archive first; archival happens-before
// removal so no payload is ever lost.
func (r *FallbackQueueRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM queue_tasks WHERE id = $1", id)
	return err
}

// CountPending returns the number of unclaimed, unfinished tasks.
func (r *FallbackQueueRepo) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT count(*) FROM queue_tasks WHERE claimed_by = '' AND completed_at IS NULL",
	).Scan(&count)
	return count, err
}

// DeleteTerminalBefore removes completed tasks older than cutoff.
func (r *FallbackQueueRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	if dryRun {
		var count int
		err := r.db.QueryRowContext(ctx,
			"SELECT count(*) FROM queue_tasks WHERE completed_at IS NOT NULL AND completed_at < $1",
			cutoff,
		).Scan(&count)
		return count, err
	}
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM queue_tasks WHERE completed_at IS NOT NULL AND completed_at < $1",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
