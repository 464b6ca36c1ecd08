package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vietddude/mender/internal/core/domain"
)

// UnitOfWork bundles persistence operations into a single database
// transaction, ensuring atomicity (all succeed or all fail). The worker uses
// it to commit a candidate's terminal state together with its provenance
// event and outbox row.
type UnitOfWork struct {
	db *DB
	tx *sql.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &UnitOfWork{db: db, tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// FinishExecution writes the terminal state inside the transaction.
func (u *UnitOfWork) FinishExecution(ctx context.Context, id string, state domain.ExecutionState, result string) error {
	query := `
		UPDATE recovery_candidates
		SET execution = $2, selected_action = suggested_action,
		    execution_result = $3, executed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND execution = 'executing'
	`
	_, err := u.tx.ExecContext(ctx, query, id, state, result)
	return err
}

// AppendProvenance writes one ledger event inside the transaction.
func (u *UnitOfWork) AppendProvenance(ctx context.Context, e *domain.ProvenanceEvent) error {
	query := `
		INSERT INTO provenance_events
			(id, candidate_id, event_type, actor, actor_type,
			 confidence_before, confidence_after, detail, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err := u.tx.ExecContext(ctx, query,
		e.ID, e.CandidateID, e.EventType, e.Actor, e.ActorType,
		e.ConfidenceBefore, e.ConfidenceAfter, e.Detail, int64(e.Duration),
	)
	return err
}

// EnqueueOutbox writes the intended external side effect inside the
// transaction, so it commits atomically with the state change.
func (u *UnitOfWork) EnqueueOutbox(ctx context.Context, e *domain.OutboxEvent) error {
	_, err := u.tx.ExecContext(ctx, outboxInsert,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, e.Payload,
	)
	return err
}

// RecordOutcome folds one execution outcome into the catalog aggregates
// inside the transaction.
func (u *UnitOfWork) RecordOutcome(ctx context.Context, code string, succeeded bool) error {
	query := `
		UPDATE action_catalog
		SET application_count = application_count + 1,
		    success_rate = (success_rate * application_count + $2) / (application_count + 1)
		WHERE code = $1
	`
	win := 0.0
	if succeeded {
		win = 1.0
	}
	_, err := u.tx.ExecContext(ctx, query, code, win)
	return err
}
