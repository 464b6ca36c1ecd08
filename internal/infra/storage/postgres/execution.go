package postgres

import (
	"context"
	"fmt"

	"github.com/vietddude/mender/internal/core/domain"
)

// ExecutionCommitter implements storage.ExecutionCommitter over a single
// transaction, so the terminal state, provenance, outbox row and catalog
// aggregates commit or roll back together.
type ExecutionCommitter struct {
	db *DB
}

// NewExecutionCommitter creates the transactional committer.
func NewExecutionCommitter(db *DB) *ExecutionCommitter {
	return &ExecutionCommitter{db: db}
}

func (c *ExecutionCommitter) CommitExecution(
	ctx context.Context,
	candidateID string,
	state domain.ExecutionState,
	result string,
	prov *domain.ProvenanceEvent,
	outbox *domain.OutboxEvent,
	actionCode string,
	succeeded bool,
) error {
	uow, err := c.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback() }()

	if err := uow.FinishExecution(ctx, candidateID, state, result); err != nil {
		return fmt.Errorf("terminal state write failed: %w", err)
	}
	if prov != nil {
		if err := uow.AppendProvenance(ctx, prov); err != nil {
			return fmt.Errorf("provenance write failed: %w", err)
		}
	}
	if outbox != nil {
		if err := uow.EnqueueOutbox(ctx, outbox); err != nil {
			return fmt.Errorf("outbox write failed: %w", err)
		}
	}
	if actionCode != "" {
		if err := uow.RecordOutcome(ctx, actionCode, succeeded); err != nil {
			return fmt.Errorf("catalog aggregate update failed: %w", err)
		}
	}
	return uow.Commit()
}
