package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vietddude/mender/internal/core/domain"
)

// DeadLetterRepo implements storage.DeadLetterRepository using PostgreSQL.
type DeadLetterRepo struct {
	db *DB
}

// NewDeadLetterRepo creates a new PostgreSQL dead letter repository.
func NewDeadLetterRepo(db *DB) *DeadLetterRepo {
	return &DeadLetterRepo{db: db}
}

// Archive stores the entry. ON CONFLICT DO NOTHING keeps a retried archival
// of the same task from failing after a partial sweep.
func (r *DeadLetterRepo) Archive(ctx context.Context, e *domain.DeadLetterEntry) error {
	query := `
		INSERT INTO dead_letter_entries
			(id, kind, candidate_id, payload, attempts, last_error, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.Kind, e.CandidateID, e.Payload, e.Attempts, e.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to archive dead letter: %w", err)
	}
	return nil
}

// GetByID retrieves an archived entry.
func (r *DeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	query := `
		SELECT id, kind, candidate_id, payload, attempts, last_error, archived_at
		FROM dead_letter_entries WHERE id = $1
	`
	var e domain.DeadLetterEntry
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.Kind, &e.CandidateID, &e.Payload, &e.Attempts, &e.LastError, &e.ArchivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return &e, nil
}

// List returns archived entries, newest first.
func (r *DeadLetterRepo) List(ctx context.Context, limit int) ([]*domain.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, kind, candidate_id, payload, attempts, last_error, archived_at
		FROM dead_letter_entries
		ORDER BY archived_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeadLetterEntry
	for rows.Next() {
		var e domain.DeadLetterEntry
		if err := rows.Scan(
			&e.ID, &e.Kind, &e.CandidateID, &e.Payload, &e.Attempts, &e.LastError, &e.ArchivedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecordReplay inserts into the replay ledger. The primary key on entry_id
// makes a second replay of the same entry a no-op.
func (r *DeadLetterRepo) RecordReplay(ctx context.Context, entryID, actor string) (bool, error) {
	query := `
		INSERT INTO replay_ledger (entry_id, actor, replayed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (entry_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, entryID, actor)
	if err != nil {
		return false, fmt.Errorf("failed to record replay: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClearReplay removes a ledger row so a failed replay can be retried.
func (r *DeadLetterRepo) ClearReplay(ctx context.Context, entryID string) error {
	query := `DELETE FROM replay_ledger WHERE entry_id = $1`
	if _, err := r.db.ExecContext(ctx, query, entryID); err != nil {
		return fmt.Errorf("failed to clear replay ledger: %w", err)
	}
	return nil
}
