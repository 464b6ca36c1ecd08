package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/pipeline/metrics"
)

// Enqueuer pushes an evaluation task for a candidate. Satisfied by
// queue.DualQueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, candidateID string, priority int) error
}

// Result is what ingestion reports back to the caller.
type Result struct {
	CandidateID     string `json:"candidate_id"`
	Duplicate       bool   `json:"duplicate"`
	OccurrenceCount int    `json:"occurrence_count"`
}

// Service deduplicates failure reports into candidate rows. Correctness
// under concurrent duplicate submissions rests on the dedup uniqueness
// constraint, not on application-level locking.
type Service struct {
	candidates storage.CandidateRepository
	provenance storage.ProvenanceRepository
	normalizer *Normalizer
	enqueuer   Enqueuer
}

// NewService creates the ingestion service. enqueuer may be nil when
// evaluation enqueueing is disabled.
func NewService(
	candidates storage.CandidateRepository,
	provenance storage.ProvenanceRepository,
	normalizer *Normalizer,
	enqueuer Enqueuer,
) *Service {
	return &Service{
		candidates: candidates,
		provenance: provenance,
		normalizer: normalizer,
		enqueuer:   enqueuer,
	}
}

// Ingest records one failure report, deduplicating on the idempotency key
// when supplied, otherwise on (source ref, normalized signature).
func (s *Service) Ingest(ctx context.Context, report *domain.FailureReport) (*Result, error) {
	if report.SourceRef == "" {
		return nil, fmt.Errorf("source_ref is required")
	}

	raw, sig := s.normalizer.Normalize(report)
	candidate := &domain.RecoveryCandidate{
		ID:              uuid.New().String(),
		SourceRef:       report.SourceRef,
		IdempotencyKey:  report.IdempotencyKey,
		RawSignature:    raw,
		Signature:       sig,
		OccurrenceCount: 1,
		Decision:        domain.DecisionPending,
		Execution:       domain.ExecutionPending,
	}
	dedupKey := candidate.DedupKey()

	// Fast path: a candidate for this failure already exists.
	existing, err := s.candidates.FindByDedupKey(ctx, dedupKey)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}
	if existing != nil {
		return s.duplicate(ctx, report, dedupKey)
	}

	// Insert-then-reconcile: a concurrent duplicate may win the insert race;
	// the unique constraint converts that into a dedup hit, never a crash.
	if err := s.candidates.Insert(ctx, candidate); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return s.duplicate(ctx, report, dedupKey)
		}
		return nil, fmt.Errorf("candidate insert failed: %w", err)
	}

	s.appendEvent(ctx, candidate.ID, domain.ProvCreated, "failure report ingested")
	metrics.ReportsIngested.WithLabelValues("created").Inc()

	if report.Enqueue {
		s.enqueue(ctx, candidate.ID)
	}

	return &Result{CandidateID: candidate.ID, OccurrenceCount: 1}, nil
}

func (s *Service) duplicate(ctx context.Context, report *domain.FailureReport, dedupKey string) (*Result, error) {
	updated, err := s.candidates.IncrementOccurrence(ctx, dedupKey)
	if err != nil {
		return nil, fmt.Errorf("occurrence increment failed: %w", err)
	}
	if updated == nil {
		// The winning row vanished between insert failure and re-read. The
		// candidate table is never deleted from, so treat this as corruption.
		return nil, fmt.Errorf("dedup row disappeared for key %s", dedupKey)
	}

	s.appendEvent(ctx, updated.ID, domain.ProvDuplicateObserved,
		fmt.Sprintf("occurrence %d", updated.OccurrenceCount))
	metrics.ReportsIngested.WithLabelValues("duplicate").Inc()

	if report.Enqueue {
		s.enqueue(ctx, updated.ID)
	}

	return &Result{
		CandidateID:     updated.ID,
		Duplicate:       true,
		OccurrenceCount: updated.OccurrenceCount,
	}, nil
}

func (s *Service) enqueue(ctx context.Context, candidateID string) {
	if s.enqueuer == nil {
		return
	}
	if err := s.enqueuer.Enqueue(ctx, candidateID, 0); err != nil {
		// Enqueue failure is not an ingestion failure; the reconcile job
		// will pick the candidate up later.
		slog.Warn("Failed to enqueue evaluation task", "candidate", candidateID, "error", err)
	}
}

func (s *Service) appendEvent(ctx context.Context, candidateID string, typ domain.ProvenanceEventType, detail string) {
	evt := &domain.ProvenanceEvent{
		ID:          uuid.New().String(),
		CandidateID: candidateID,
		EventType:   typ,
		Actor:       "ingest",
		ActorType:   domain.ActorSystem,
		Detail:      detail,
	}
	if err := s.provenance.Append(ctx, evt); err != nil {
		slog.Warn("Failed to append provenance event", "candidate", candidateID, "error", err)
	}
}
