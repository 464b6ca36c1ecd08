package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/engine"
	"github.com/vietddude/mender/internal/infra/storage/memory"
	"github.com/vietddude/mender/internal/ingest"
	"github.com/vietddude/mender/internal/queue"
)

type fixture struct {
	store      *memory.MemoryStorage
	candidates *memory.CandidateRepo
	provenance *memory.ProvenanceRepo
	catalog    *memory.CatalogRepo
	outbox     *memory.OutboxRepo
	deps       Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	f := &fixture{
		store:      store,
		candidates: memory.NewCandidateRepo(store),
		provenance: memory.NewProvenanceRepo(store),
		catalog:    memory.NewCatalogRepo(store),
		outbox:     memory.NewOutboxRepo(store),
	}
	f.catalog.Seed(
		&domain.ActionCatalogEntry{
			Code: "retry_with_backoff", Name: "Retry with backoff",
			Template:     "retry {source_ref}",
			AutoEligible: true, Priority: 80, Active: true,
		},
		&domain.ActionCatalogEntry{
			Code: "escalate_to_operator", Name: "Escalate",
			Template:         "page on-call about {source_ref}",
			RequiresApproval: true, Priority: 100, Active: true,
		},
	)
	f.deps = Deps{
		Candidates:          f.candidates,
		Provenance:          f.provenance,
		Inputs:              memory.NewSuggestionInputRepo(store),
		Catalog:             f.catalog,
		Committer:           memory.NewExecutionCommitter(store),
		Engine:              engine.New(engine.DefaultRules()),
		Executor:            NewTemplateExecutor(),
		Queue:               queue.NewDualQueue(nil, memory.NewFallbackQueueRepo(store), 0),
		ConfidenceThreshold: 0.7,
	}
	return f
}

func (f *fixture) seedCandidate(t *testing.T, errorCode string, occurrences int) *domain.RecoveryCandidate {
	t.Helper()
	n := ingest.NewNormalizer(nil)
	raw, sig := n.Normalize(&domain.FailureReport{ErrorCode: errorCode, Skill: "http_call"})
	c := &domain.RecoveryCandidate{
		ID:              uuid.New().String(),
		SourceRef:       "task-1",
		RawSignature:    raw,
		Signature:       sig,
		OccurrenceCount: occurrences,
		Decision:        domain.DecisionPending,
		Execution:       domain.ExecutionPending,
	}
	if err := f.candidates.Insert(context.Background(), c); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}
	return c
}

func taskFor(c *domain.RecoveryCandidate) *queue.Task {
	return &queue.Task{
		ID:          uuid.New().String(),
		CandidateID: c.ID,
		Transport:   queue.TransportFallback,
	}
}

func TestProcessAutoExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.seedCandidate(t, "TIMEOUT", 1)

	w := New("worker-test", f.deps)
	if err := w.Process(ctx, taskFor(c)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	got, _ := f.candidates.GetByID(ctx, c.ID)
	if got.Execution != domain.ExecutionSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Execution)
	}
	if got.SelectedAction != "retry_with_backoff" {
		t.Errorf("selected action: got %q", got.SelectedAction)
	}
	if got.ExecutionResult == "" {
		t.Error("execution result should carry the rendered directive")
	}

	events, _ := f.provenance.ListByCandidate(ctx, c.ID)
	var sawEvaluated, sawExecuted bool
	for _, e := range events {
		switch e.EventType {
		case domain.ProvRuleEvaluated:
			sawEvaluated = true
		case domain.ProvExecuted:
			sawExecuted = true
		}
	}
	if !sawEvaluated || !sawExecuted {
		t.Errorf("missing provenance: evaluated=%v executed=%v", sawEvaluated, sawExecuted)
	}

	pending, _ := f.outbox.ClaimDue(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected one outbox event, got %d", len(pending))
	}
	if pending[0].EventType != domain.EventCandidateExecuted {
		t.Errorf("outbox event type: got %q", pending[0].EventType)
	}

	entry, _ := f.catalog.GetByCode(ctx, "retry_with_backoff")
	if entry.ApplicationCount != 1 {
		t.Errorf("expected one recorded application, got %d", entry.ApplicationCount)
	}
}

func TestProcessExactlyOnceUnderContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.seedCandidate(t, "TIMEOUT", 1)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := New("worker-race", f.deps)
			// Errors must not occur; losing the claim is a clean no-op.
			if err := w.Process(ctx, taskFor(c)); err != nil {
				t.Errorf("worker %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := f.candidates.GetByID(ctx, c.ID)
	if got.Execution != domain.ExecutionSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Execution)
	}

	pending, _ := f.outbox.ClaimDue(ctx, 100)
	if len(pending) != 1 {
		t.Errorf("expected exactly one outbox event, got %d", len(pending))
	}

	entry, _ := f.catalog.GetByCode(ctx, "retry_with_backoff")
	if entry.ApplicationCount != 1 {
		t.Errorf("side effect ran %d times", entry.ApplicationCount)
	}
}

func TestProcessApprovalRequiredBlocksAutoExec(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// 5 occurrences trips the escalation rule, whose catalog entry requires
	// approval.
	c := f.seedCandidate(t, "TIMEOUT", 5)

	w := New("worker-test", f.deps)
	if err := w.Process(ctx, taskFor(c)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	got, _ := f.candidates.GetByID(ctx, c.ID)
	if got.Execution != domain.ExecutionPending {
		t.Fatalf("approval-gated action must not auto-execute, state=%s", got.Execution)
	}
	if got.SuggestedAction != "escalate_to_operator" {
		t.Errorf("suggestion should still be recorded, got %q", got.SuggestedAction)
	}
}

func TestProcessRejectedDecisionBlocksAutoExec(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.seedCandidate(t, "TIMEOUT", 1)

	// Simulate an operator rejection before the worker gets to the task.
	f.store.SetDecision(c.ID, domain.DecisionRejected)

	w := New("worker-test", f.deps)
	if err := w.Process(ctx, taskFor(c)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	got, _ := f.candidates.GetByID(ctx, c.ID)
	if got.Execution != domain.ExecutionPending {
		t.Fatalf("rejected candidate must not execute, state=%s", got.Execution)
	}
}

func TestProcessNoMatchLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.seedCandidate(t, "SOMETHING_NOVEL", 1)

	w := New("worker-test", f.deps)
	if err := w.Process(ctx, taskFor(c)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	got, _ := f.candidates.GetByID(ctx, c.ID)
	if got.Execution != domain.ExecutionPending {
		t.Fatalf("unmatched candidate must stay pending, state=%s", got.Execution)
	}
	if got.SuggestedAction != "" {
		t.Errorf("no suggestion expected, got %q", got.SuggestedAction)
	}

	events, _ := f.provenance.ListByCandidate(ctx, c.ID)
	var sawSkipped bool
	for _, e := range events {
		if e.EventType == domain.ProvEvaluationSkipped {
			sawSkipped = true
		}
	}
	if !sawSkipped {
		t.Error("expected an evaluation_skipped event")
	}
}

func TestProcessLowConfidenceBlocksAutoExec(t *testing.T) {
	f := newFixture(t)
	f.deps.ConfidenceThreshold = 0.99
	ctx := context.Background()
	c := f.seedCandidate(t, "TIMEOUT", 1)

	w := New("worker-test", f.deps)
	if err := w.Process(ctx, taskFor(c)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	got, _ := f.candidates.GetByID(ctx, c.ID)
	if got.Execution != domain.ExecutionPending {
		t.Fatalf("below-threshold candidate must not execute, state=%s", got.Execution)
	}
	if got.SuggestedAction != "retry_with_backoff" {
		t.Errorf("suggestion should still be recorded, got %q", got.SuggestedAction)
	}
}

func TestProcessUnknownCandidateIsNoop(t *testing.T) {
	f := newFixture(t)
	w := New("worker-test", f.deps)

	task := &queue.Task{ID: uuid.New().String(), CandidateID: uuid.New().String(), Transport: queue.TransportFallback}
	if err := w.Process(context.Background(), task); err != nil {
		t.Fatalf("unknown candidate should be dropped quietly, got %v", err)
	}
}
