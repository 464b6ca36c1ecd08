package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/mender/internal/core/domain"
)

// ProvenanceRepo implements storage.ProvenanceRepository using PostgreSQL.
// The table is append-only; rows are never updated or deleted.
type ProvenanceRepo struct {
	db *DB
}

// NewProvenanceRepo creates a new PostgreSQL provenance repository.
func NewProvenanceRepo(db *DB) *ProvenanceRepo {
	return &ProvenanceRepo{db: db}
}

// Append writes one event.
func (r *ProvenanceRepo) Append(ctx context.Context, e *domain.ProvenanceEvent) error {
	query := `
		INSERT INTO provenance_events
			(id, candidate_id, event_type, actor, actor_type,
			 confidence_before, confidence_after, detail, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.CandidateID, e.EventType, e.Actor, e.ActorType,
		e.ConfidenceBefore, e.ConfidenceAfter, e.Detail, int64(e.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to append provenance event: %w", err)
	}
	return nil
}

// ListByCandidate returns events for a candidate in write order.
func (r *ProvenanceRepo) ListByCandidate(ctx context.Context, candidateID string) ([]*domain.ProvenanceEvent, error) {
	query := `
		SELECT id, candidate_id, event_type, actor, actor_type,
		       confidence_before, confidence_after, detail, duration_ns, created_at
		FROM provenance_events
		WHERE candidate_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, candidateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provenance events: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProvenanceEvent
	for rows.Next() {
		var e domain.ProvenanceEvent
		var durNs int64
		if err := rows.Scan(
			&e.ID, &e.CandidateID, &e.EventType, &e.Actor, &e.ActorType,
			&e.ConfidenceBefore, &e.ConfidenceAfter, &e.Detail, &durNs, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durNs)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SuggestionInputRepo implements storage.SuggestionInputRepository.
type SuggestionInputRepo struct {
	db *DB
}

// NewSuggestionInputRepo creates a new PostgreSQL suggestion input repository.
func NewSuggestionInputRepo(db *DB) *SuggestionInputRepo {
	return &SuggestionInputRepo{db: db}
}

// AppendBatch inserts evaluation audit rows. Rows are write-once.
func (r *SuggestionInputRepo) AppendBatch(ctx context.Context, inputs []*domain.SuggestionInput) error {
	if len(inputs) == 0 {
		return nil
	}
	query := `
		INSERT INTO suggestion_inputs
			(id, candidate_id, input_type, raw_value, normalized, weight, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, in := range inputs {
		if _, err := r.db.ExecContext(ctx, query,
			in.ID, in.CandidateID, in.InputType, in.RawValue, in.Normalized, in.Weight, in.Source,
		); err != nil {
			return fmt.Errorf("failed to append suggestion input: %w", err)
		}
	}
	return nil
}

// ListByCandidate returns audit rows for a candidate.
func (r *SuggestionInputRepo) ListByCandidate(ctx context.Context, candidateID string) ([]*domain.SuggestionInput, error) {
	query := `
		SELECT id, candidate_id, input_type, raw_value, normalized, weight, source
		FROM suggestion_inputs
		WHERE candidate_id = $1
		ORDER BY id ASC
	`
	var out []*domain.SuggestionInput
	if err := r.db.X.SelectContext(ctx, &out, query, candidateID); err != nil {
		return nil, fmt.Errorf("failed to list suggestion inputs: %w", err)
	}
	return out, nil
}
