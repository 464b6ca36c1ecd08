package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/mender/internal/core/domain"
)

// OutboxRepo implements storage.OutboxRepository using PostgreSQL.
type OutboxRepo struct {
	db *DB
}

// NewOutboxRepo creates a new PostgreSQL outbox repository.
func NewOutboxRepo(db *DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

const outboxInsert = `
	INSERT INTO outbox_events
		(id, aggregate_type, aggregate_id, event_type, payload, published_at, retry_count)
	VALUES ($1, $2, $3, $4, $5, NOW(), 0)
`

// Enqueue inserts an event outside a transaction. State-change writers use
// UnitOfWork.EnqueueOutbox instead so the event commits with the change.
func (r *OutboxRepo) Enqueue(ctx context.Context, e *domain.OutboxEvent) error {
	_, err := r.db.ExecContext(ctx, outboxInsert,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, e.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimDue claims up to limit unprocessed events that are due. The claim is
// a lease: next_retry_at is pushed out one minute in the same statement, so
// a concurrent processor skips the rows until the lease lapses.
func (r *OutboxRepo) ClaimDue(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		UPDATE outbox_events
		SET next_retry_at = NOW() + interval '1 minute'
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE processed_at IS NULL
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY published_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload,
		          published_at, processed_at, retry_count, next_retry_at, last_error
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
			&e.PublishedAt, &e.ProcessedAt, &e.RetryCount, &e.NextRetryAt, &e.LastError,
		); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkProcessed stamps processed_at.
func (r *OutboxRepo) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE outbox_events SET processed_at = NOW() WHERE id = $1", id)
	return err
}

// ScheduleRetry bumps retry_count and sets next_retry_at.
func (r *OutboxRepo) ScheduleRetry(ctx context.Context, id string, next time.Time, errMsg string) error {
	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1, next_retry_at = $2, last_error = $3
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, next, errMsg)
	return err
}

// DeleteProcessedBefore removes delivered events older than cutoff.
func (r *OutboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	if dryRun {
		var count int
		err := r.db.QueryRowContext(ctx,
			"SELECT count(*) FROM outbox_events WHERE processed_at IS NOT NULL AND processed_at < $1",
			cutoff,
		).Scan(&count)
		return count, err
	}
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM outbox_events WHERE processed_at IS NOT NULL AND processed_at < $1",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed outbox events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
