package reclaim

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/infra/storage/memory"
)

type mockEnqueuer struct {
	mu       sync.Mutex
	count    int
	failures int // fail the next N calls
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, candidateID string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("transport down")
	}
	m.count++
	return nil
}

func (m *mockEnqueuer) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

type replayFixture struct {
	store      *memory.MemoryStorage
	candidates *memory.CandidateRepo
	deadLetter *memory.DeadLetterRepo
	enqueuer   *mockEnqueuer
	replayer   *Replayer
}

func newReplayFixture() *replayFixture {
	store := memory.NewMemoryStorage()
	f := &replayFixture{
		store:      store,
		candidates: memory.NewCandidateRepo(store),
		deadLetter: memory.NewDeadLetterRepo(store),
		enqueuer:   &mockEnqueuer{},
	}
	f.replayer = NewReplayer(f.deadLetter, f.candidates, memory.NewProvenanceRepo(store), f.enqueuer)
	return f
}

func (f *replayFixture) archive(t *testing.T, execution domain.ExecutionState) *domain.DeadLetterEntry {
	t.Helper()
	ctx := context.Background()

	c := &domain.RecoveryCandidate{
		ID:        uuid.New().String(),
		SourceRef: "task-1",
		Signature: uuid.New().String(),
		Decision:  domain.DecisionPending,
		Execution: execution,
	}
	if err := f.candidates.Insert(ctx, c); err != nil {
		t.Fatalf("candidate insert failed: %v", err)
	}

	task := &domain.QueueTask{ID: uuid.New().String(), CandidateID: c.ID, Attempts: 6}
	entry := &domain.DeadLetterEntry{
		ID:          task.ID,
		Kind:        domain.DeadLetterKindTask,
		CandidateID: c.ID,
		Payload:     memory.MarshalTask(task),
		Attempts:    task.Attempts,
		LastError:   "gave up",
	}
	if err := f.deadLetter.Archive(ctx, entry); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	return entry
}

func TestReplayEnqueuesOnce(t *testing.T) {
	f := newReplayFixture()
	ctx := context.Background()
	entry := f.archive(t, domain.ExecutionPending)

	res, err := f.replayer.Replay(ctx, entry.ID, "operator")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !res.Replayed {
		t.Fatalf("expected replay, got %+v", res)
	}
	if f.enqueuer.total() != 1 {
		t.Errorf("expected one enqueue, got %d", f.enqueuer.total())
	}

	// Second replay of the same entry must be refused by the ledger.
	res, err = f.replayer.Replay(ctx, entry.ID, "operator")
	if err != nil {
		t.Fatalf("second replay errored: %v", err)
	}
	if !res.AlreadyProcessed || res.Replayed {
		t.Fatalf("expected already-processed, got %+v", res)
	}
	if f.enqueuer.total() != 1 {
		t.Errorf("duplicate replay enqueued again: %d", f.enqueuer.total())
	}
}

func TestReplayRetriesAfterEnqueueFailure(t *testing.T) {
	f := newReplayFixture()
	ctx := context.Background()
	entry := f.archive(t, domain.ExecutionPending)

	f.enqueuer.failures = 1
	if _, err := f.replayer.Replay(ctx, entry.ID, "operator"); err == nil {
		t.Fatal("expected enqueue failure to surface")
	}
	if f.enqueuer.total() != 0 {
		t.Fatalf("failed replay enqueued anyway: %d", f.enqueuer.total())
	}

	// The failed attempt must not poison the ledger: once the transport
	// recovers, the same entry is replayable.
	res, err := f.replayer.Replay(ctx, entry.ID, "operator")
	if err != nil {
		t.Fatalf("retry after transport recovery failed: %v", err)
	}
	if !res.Replayed || res.AlreadyProcessed {
		t.Fatalf("expected a fresh replay, got %+v", res)
	}
	if f.enqueuer.total() != 1 {
		t.Errorf("expected one enqueue after recovery, got %d", f.enqueuer.total())
	}
}

func TestReplayRefusesTerminalCandidate(t *testing.T) {
	f := newReplayFixture()
	entry := f.archive(t, domain.ExecutionSucceeded)

	res, err := f.replayer.Replay(context.Background(), entry.ID, "operator")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !res.AlreadyProcessed {
		t.Fatalf("terminal candidate must not be replayed: %+v", res)
	}
	if f.enqueuer.total() != 0 {
		t.Error("terminal candidate was enqueued")
	}
}

func TestReplayUnknownEntry(t *testing.T) {
	f := newReplayFixture()

	_, err := f.replayer.Replay(context.Background(), uuid.New().String(), "operator")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplayConcurrentRequestsEnqueueOnce(t *testing.T) {
	f := newReplayFixture()
	ctx := context.Background()
	entry := f.archive(t, domain.ExecutionPending)

	const requests = 10
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.replayer.Replay(ctx, entry.ID, "operator"); err != nil {
				t.Errorf("replay errored: %v", err)
			}
		}()
	}
	wg.Wait()

	if f.enqueuer.total() != 1 {
		t.Errorf("expected exactly one enqueue, got %d", f.enqueuer.total())
	}
}
