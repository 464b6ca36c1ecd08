package reclaim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/infra/storage"
)

// Enqueuer matches queue.DualQueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, candidateID string, priority int) error
}

// ReplayResult reports what a replay request did.
type ReplayResult struct {
	Replayed         bool   `json:"replayed"`
	AlreadyProcessed bool   `json:"already_processed"`
	Reason           string `json:"reason,omitempty"`
}

// Replayer re-enqueues archived dead-letter entries, idempotently: the
// replay ledger and the candidate's terminal state each independently veto a
// second processing attempt.
type Replayer struct {
	deadLetter storage.DeadLetterRepository
	candidates storage.CandidateRepository
	provenance storage.ProvenanceRepository
	enqueuer   Enqueuer
}

// NewReplayer creates the replay service.
func NewReplayer(
	deadLetter storage.DeadLetterRepository,
	candidates storage.CandidateRepository,
	provenance storage.ProvenanceRepository,
	enqueuer Enqueuer,
) *Replayer {
	return &Replayer{
		deadLetter: deadLetter,
		candidates: candidates,
		provenance: provenance,
		enqueuer:   enqueuer,
	}
}

// Replay re-enqueues one archived entry.
func (r *Replayer) Replay(ctx context.Context, entryID, actor string) (*ReplayResult, error) {
	entry, err := r.deadLetter.GetByID(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("dead letter lookup failed: %w", err)
	}
	if entry == nil {
		return nil, fmt.Errorf("dead letter entry %s: %w", entryID, storage.ErrNotFound)
	}

	if entry.CandidateID != "" {
		candidate, err := r.candidates.GetByID(ctx, entry.CandidateID)
		if err != nil {
			return nil, fmt.Errorf("candidate lookup failed: %w", err)
		}
		if candidate != nil && candidate.Execution.Terminal() {
			return &ReplayResult{
				AlreadyProcessed: true,
				Reason:           fmt.Sprintf("candidate already %s", candidate.Execution),
			}, nil
		}
	}

	// The ledger insert is the atomic dedup point for concurrent replays.
	fresh, err := r.deadLetter.RecordReplay(ctx, entryID, actor)
	if err != nil {
		return nil, fmt.Errorf("replay ledger write failed: %w", err)
	}
	if !fresh {
		return &ReplayResult{AlreadyProcessed: true, Reason: "already replayed"}, nil
	}

	if err := r.enqueuer.Enqueue(ctx, entry.CandidateID, 0); err != nil {
		// Undo the ledger row, otherwise a transient transport failure
		// leaves the entry permanently marked as replayed.
		if clearErr := r.deadLetter.ClearReplay(context.WithoutCancel(ctx), entryID); clearErr != nil {
			slog.Error("Failed to clear replay ledger after enqueue failure",
				"entry", entryID, "error", clearErr)
		}
		return nil, fmt.Errorf("replay enqueue failed: %w", err)
	}

	evt := &domain.ProvenanceEvent{
		ID:          uuid.New().String(),
		CandidateID: entry.CandidateID,
		EventType:   domain.ProvReplayed,
		Actor:       actor,
		ActorType:   domain.ActorHuman,
		Detail:      fmt.Sprintf("dead letter %s replayed", entryID),
	}
	if err := r.provenance.Append(ctx, evt); err != nil {
		slog.Warn("Failed to append replay provenance", "entry", entryID, "error", err)
	}

	return &ReplayResult{Replayed: true}, nil
}
