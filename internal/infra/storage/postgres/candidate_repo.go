package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/infra/storage"
)

// CandidateRepo implements storage.CandidateRepository using PostgreSQL.
type CandidateRepo struct {
	db *DB
}

// NewCandidateRepo creates a new PostgreSQL candidate repository.
func NewCandidateRepo(db *DB) *CandidateRepo {
	return &CandidateRepo{db: db}
}

const candidateColumns = `id, source_ref, idempotency_key, raw_signature, signature,
	occurrence_count, confidence, suggested_action, selected_action,
	decision, execution, executed_at, execution_result, created_at, updated_at`

func scanCandidate(row interface{ Scan(...any) error }) (*domain.RecoveryCandidate, error) {
	var c domain.RecoveryCandidate
	err := row.Scan(
		&c.ID, &c.SourceRef, &c.IdempotencyKey, &c.RawSignature, &c.Signature,
		&c.OccurrenceCount, &c.Confidence, &c.SuggestedAction, &c.SelectedAction,
		&c.Decision, &c.Execution, &c.ExecutedAt, &c.ExecutionResult,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Insert inserts a new candidate row. The unique index on dedup_key is the
// sole source of truth for dedup; callers catch unique violations and
// re-read the winning row.
func (r *CandidateRepo) Insert(ctx context.Context, c *domain.RecoveryCandidate) error {
	query := `
		INSERT INTO recovery_candidates
			(id, dedup_key, source_ref, idempotency_key, raw_signature, signature,
			 occurrence_count, decision, execution, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.DedupKey(), c.SourceRef, c.IdempotencyKey, c.RawSignature,
		c.Signature, c.OccurrenceCount, c.Decision, c.Execution,
	)
	if err != nil && IsUniqueViolation(err) {
		return fmt.Errorf("candidate %s: %w", c.DedupKey(), storage.ErrDuplicateKey)
	}
	return err
}

// IncrementOccurrence atomically bumps occurrence_count and returns the row.
func (r *CandidateRepo) IncrementOccurrence(ctx context.Context, dedupKey string) (*domain.RecoveryCandidate, error) {
	query := `
		UPDATE recovery_candidates
		SET occurrence_count = occurrence_count + 1, updated_at = NOW()
		WHERE dedup_key = $1
		RETURNING ` + candidateColumns
	c, err := scanCandidate(r.db.QueryRowContext(ctx, query, dedupKey))
	if err != nil {
		return nil, fmt.Errorf("failed to increment occurrence: %w", err)
	}
	return c, nil
}

// FindByDedupKey retrieves a candidate by its dedup key.
func (r *CandidateRepo) FindByDedupKey(ctx context.Context, dedupKey string) (*domain.RecoveryCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM recovery_candidates WHERE dedup_key = $1`
	return scanCandidate(r.db.QueryRowContext(ctx, query, dedupKey))
}

// GetByID retrieves a candidate by id.
func (r *CandidateRepo) GetByID(ctx context.Context, id string) (*domain.RecoveryCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM recovery_candidates WHERE id = $1`
	return scanCandidate(r.db.QueryRowContext(ctx, query, id))
}

// ListPending lists pending-execution candidates ordered by confidence.
func (r *CandidateRepo) ListPending(ctx context.Context, limit int) ([]*domain.RecoveryCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + candidateColumns + `
		FROM recovery_candidates
		WHERE execution = 'pending'
		ORDER BY confidence DESC, created_at ASC
		LIMIT $1
	`
	var out []*domain.RecoveryCandidate
	if err := r.db.X.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending candidates: %w", err)
	}
	return out, nil
}

// SetSuggestion records the rule engine outcome for a candidate.
func (r *CandidateRepo) SetSuggestion(ctx context.Context, id, action string, confidence float64) error {
	query := `
		UPDATE recovery_candidates
		SET suggested_action = $2, confidence = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, action, confidence)
	return err
}

// ClaimExecution transitions execution state pending -> executing in a single
// conditional write. Exactly one concurrent worker observes rows=1.
func (r *CandidateRepo) ClaimExecution(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE recovery_candidates
		SET execution = 'executing', updated_at = NOW()
		WHERE id = $1 AND execution = 'pending'
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishExecution writes the terminal state. The executing guard keeps a late
// duplicate write from overwriting an already-terminal candidate.
func (r *CandidateRepo) FinishExecution(ctx context.Context, id string, state domain.ExecutionState, result string) error {
	query := `
		UPDATE recovery_candidates
		SET execution = $2, selected_action = suggested_action,
		    execution_result = $3, executed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND execution = 'executing'
	`
	_, err := r.db.ExecContext(ctx, query, id, state, result)
	return err
}
