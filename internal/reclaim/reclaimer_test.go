package reclaim

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/mender/internal/core/config"
	"github.com/vietddude/mender/internal/core/domain"
	redisclient "github.com/vietddude/mender/internal/infra/redis"
	"github.com/vietddude/mender/internal/infra/storage/memory"
)

// fakeReclaimStream implements the reclaimer's Stream view over in-memory
// state: a pending list, a message store and the backoff gate hash.
type fakeReclaimStream struct {
	mu        sync.Mutex
	pending   []redisclient.PendingEntry
	entries   map[string]*redisclient.StreamEntry // by message id
	gates     map[string]time.Time                // by task id
	acked     map[string]bool
	requeued  []int              // attempt counts passed to Requeue
	beforeAck func(msgID string) // called with the lock released
}

func newFakeReclaimStream() *fakeReclaimStream {
	return &fakeReclaimStream{
		entries: make(map[string]*redisclient.StreamEntry),
		gates:   make(map[string]time.Time),
		acked:   make(map[string]bool),
	}
}

func (f *fakeReclaimStream) addPending(e *redisclient.StreamEntry, deliveries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.MsgID] = e
	f.pending = append(f.pending, redisclient.PendingEntry{
		MsgID:         e.MsgID,
		Consumer:      "crashed-worker",
		Idle:          time.Minute,
		DeliveryCount: deliveries,
	})
}

func (f *fakeReclaimStream) Pending(ctx context.Context, minIdle time.Duration, count int64) ([]redisclient.PendingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]redisclient.PendingEntry, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeReclaimStream) Fetch(ctx context.Context, msgID string) (*redisclient.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[msgID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeReclaimStream) Requeue(ctx context.Context, e *redisclient.StreamEntry, attempts int) error {
	f.mu.Lock()
	f.requeued = append(f.requeued, attempts)
	f.mu.Unlock()
	return f.Ack(ctx, e.MsgID)
}

func (f *fakeReclaimStream) Ack(ctx context.Context, msgID string) error {
	if f.beforeAck != nil {
		f.beforeAck(msgID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[msgID] = true
	for i, p := range f.pending {
		if p.MsgID == msgID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeReclaimStream) SetNextEligible(ctx context.Context, taskID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[taskID] = at
	return nil
}

func (f *fakeReclaimStream) NextEligible(ctx context.Context, taskID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gates[taskID], nil
}

func (f *fakeReclaimStream) ClearGate(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.gates, taskID)
	return nil
}

func reclaimConfig() config.ReclaimConfig {
	return config.ReclaimConfig{
		MinIdle:     time.Second,
		Base:        2 * time.Second,
		Max:         time.Minute,
		MaxAttempts: 5,
	}
}

func TestSweepReleasesStaleFallbackClaims(t *testing.T) {
	store := memory.NewMemoryStorage()
	fallback := memory.NewFallbackQueueRepo(store)
	deadLetter := memory.NewDeadLetterRepo(store)
	ctx := context.Background()

	task := &domain.QueueTask{ID: uuid.New().String(), CandidateID: uuid.New().String()}
	if err := fallback.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := fallback.ClaimNext(ctx, "crashed-worker"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Zero stale age makes the fresh claim immediately reclaimable.
	r := NewReclaimer(nil, fallback, deadLetter, reclaimConfig(), 0)
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	reclaimed, err := fallback.ClaimNext(ctx, "healthy-worker")
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != task.ID {
		t.Fatal("released task should be claimable again")
	}
	if reclaimed.Attempts != 1 {
		t.Errorf("release should bump attempts, got %d", reclaimed.Attempts)
	}
}

func TestSweepArchivesExhaustedTasks(t *testing.T) {
	store := memory.NewMemoryStorage()
	fallback := memory.NewFallbackQueueRepo(store)
	deadLetter := memory.NewDeadLetterRepo(store)
	ctx := context.Background()

	cfg := reclaimConfig()
	task := &domain.QueueTask{
		ID:          uuid.New().String(),
		CandidateID: uuid.New().String(),
		Attempts:    cfg.MaxAttempts + 1,
		LastError:   "kept timing out",
	}
	if err := fallback.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	r := NewReclaimer(nil, fallback, deadLetter, cfg, time.Hour)
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	// Task left the transport.
	if next, _ := fallback.ClaimNext(ctx, "w"); next != nil {
		t.Error("exhausted task still claimable")
	}

	entry, err := deadLetter.GetByID(ctx, task.ID)
	if err != nil || entry == nil {
		t.Fatalf("expected archived entry: %v", err)
	}
	if entry.Kind != domain.DeadLetterKindTask {
		t.Errorf("kind: got %q", entry.Kind)
	}
	if entry.CandidateID != task.CandidateID {
		t.Errorf("candidate id lost in archival")
	}

	// Payload preserves the task verbatim for replay tooling.
	var preserved domain.QueueTask
	if err := json.Unmarshal(entry.Payload, &preserved); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if preserved.ID != task.ID || preserved.LastError != task.LastError {
		t.Error("payload does not round-trip the original task")
	}
}

func TestSweepLeavesHealthyTasksAlone(t *testing.T) {
	store := memory.NewMemoryStorage()
	fallback := memory.NewFallbackQueueRepo(store)
	deadLetter := memory.NewDeadLetterRepo(store)
	ctx := context.Background()

	task := &domain.QueueTask{ID: uuid.New().String(), CandidateID: uuid.New().String(), Attempts: 1}
	if err := fallback.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	r := NewReclaimer(nil, fallback, deadLetter, reclaimConfig(), time.Hour)
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if entries, _ := deadLetter.List(ctx, 10); len(entries) != 0 {
		t.Errorf("healthy task was archived: %v", entries)
	}
	if next, _ := fallback.ClaimNext(ctx, "w"); next == nil || next.ID != task.ID {
		t.Error("healthy task should still be claimable")
	}
}

func TestSweepStreamStartsBackoffBeforeRedelivery(t *testing.T) {
	store := memory.NewMemoryStorage()
	stream := newFakeReclaimStream()
	ctx := context.Background()

	entry := &redisclient.StreamEntry{
		MsgID: "1-0", TaskID: uuid.New().String(), CandidateID: uuid.New().String(),
	}
	stream.addPending(entry, 1)

	r := NewReclaimer(stream, memory.NewFallbackQueueRepo(store), memory.NewDeadLetterRepo(store), reclaimConfig(), time.Hour)
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	// First observation of a stall must only start the backoff clock.
	gate, _ := stream.NextEligible(ctx, entry.TaskID)
	if gate.IsZero() || !gate.After(time.Now()) {
		t.Fatalf("expected a future backoff gate, got %v", gate)
	}
	if len(stream.requeued) != 0 {
		t.Error("stalled task redelivered before its backoff elapsed")
	}
	if stream.acked[entry.MsgID] {
		t.Error("stalled task acked while still backing off")
	}

	// A second sweep inside the backoff window is still a no-op.
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if len(stream.requeued) != 0 {
		t.Error("redelivered inside the backoff window")
	}
}

func TestSweepStreamRequeuesAfterBackoffElapsed(t *testing.T) {
	store := memory.NewMemoryStorage()
	stream := newFakeReclaimStream()
	ctx := context.Background()

	entry := &redisclient.StreamEntry{
		MsgID: "2-0", TaskID: uuid.New().String(), CandidateID: uuid.New().String(),
		Attempts: 1,
	}
	stream.addPending(entry, 2)
	if err := stream.SetNextEligible(ctx, entry.TaskID, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("gate seed failed: %v", err)
	}

	r := NewReclaimer(stream, memory.NewFallbackQueueRepo(store), memory.NewDeadLetterRepo(store), reclaimConfig(), time.Hour)
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	// Cumulative attempts = payload counter + delivery count.
	if len(stream.requeued) != 1 || stream.requeued[0] != 3 {
		t.Fatalf("expected one requeue with attempts 3, got %v", stream.requeued)
	}
	if !stream.acked[entry.MsgID] {
		t.Error("stalled delivery not acked after requeue")
	}
	if gate, _ := stream.NextEligible(ctx, entry.TaskID); !gate.IsZero() {
		t.Error("gate should be cleared after redelivery")
	}
}

func TestSweepStreamArchivesBeforeAck(t *testing.T) {
	store := memory.NewMemoryStorage()
	stream := newFakeReclaimStream()
	deadLetter := memory.NewDeadLetterRepo(store)
	ctx := context.Background()

	cfg := reclaimConfig()
	entry := &redisclient.StreamEntry{
		MsgID: "3-0", TaskID: uuid.New().String(), CandidateID: uuid.New().String(),
		Attempts: cfg.MaxAttempts,
	}
	stream.addPending(entry, 1)

	// The archive row must be durable by the time the task leaves the
	// transport.
	archivedAtAck := false
	stream.beforeAck = func(msgID string) {
		if e, _ := deadLetter.GetByID(ctx, entry.TaskID); e != nil {
			archivedAtAck = true
		}
	}

	r := NewReclaimer(stream, memory.NewFallbackQueueRepo(store), deadLetter, cfg, time.Hour)
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if !archivedAtAck {
		t.Fatal("task was acked before its archive row existed")
	}
	if !stream.acked[entry.MsgID] {
		t.Error("exhausted task still pending on the stream")
	}

	archived, err := deadLetter.GetByID(ctx, entry.TaskID)
	if err != nil || archived == nil {
		t.Fatalf("expected archived entry: %v", err)
	}
	if archived.Kind != domain.DeadLetterKindTask || archived.CandidateID != entry.CandidateID {
		t.Errorf("archive lost task identity: %+v", archived)
	}
	var preserved domain.QueueTask
	if err := json.Unmarshal(archived.Payload, &preserved); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if preserved.ID != entry.TaskID || preserved.Attempts != cfg.MaxAttempts+1 {
		t.Errorf("payload does not carry the task: %+v", preserved)
	}
	if gate, _ := stream.NextEligible(ctx, entry.TaskID); !gate.IsZero() {
		t.Error("gate should be cleared after archival")
	}
}

func TestSweepStreamAcksTrimmedMessages(t *testing.T) {
	store := memory.NewMemoryStorage()
	stream := newFakeReclaimStream()
	ctx := context.Background()

	// Pending reference whose message was trimmed out of the stream.
	stream.mu.Lock()
	stream.pending = append(stream.pending, redisclient.PendingEntry{
		MsgID: "4-0", Consumer: "crashed-worker", Idle: time.Minute, DeliveryCount: 1,
	})
	stream.mu.Unlock()

	r := NewReclaimer(stream, memory.NewFallbackQueueRepo(store), memory.NewDeadLetterRepo(store), reclaimConfig(), time.Hour)
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if !stream.acked["4-0"] {
		t.Error("dangling pending reference should be acked away")
	}
	if len(stream.requeued) != 0 {
		t.Error("trimmed message cannot be requeued")
	}
}
