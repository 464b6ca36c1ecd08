package outbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/mender/internal/core/config"
	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/infra/storage/memory"
)

type mockSink struct {
	mu    sync.Mutex
	seen  []string
	fail  bool
}

func (s *mockSink) Deliver(ctx context.Context, e *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unreachable")
	}
	s.seen = append(s.seen, e.ID)
	return nil
}

func outboxConfig() config.OutboxConfig {
	return config.OutboxConfig{
		Poll:       time.Second,
		Batch:      10,
		Base:       time.Minute,
		Max:        time.Hour,
		MaxRetries: 3,
	}
}

func newProcessorFixture(sink Sink) (*Processor, *memory.OutboxRepo, *memory.DeadLetterRepo) {
	store := memory.NewMemoryStorage()
	repo := memory.NewOutboxRepo(store)
	deadLetter := memory.NewDeadLetterRepo(store)
	return NewProcessor(repo, deadLetter, sink, outboxConfig()), repo, deadLetter
}

func seedEvent(t *testing.T, repo *memory.OutboxRepo) *domain.OutboxEvent {
	t.Helper()
	e := &domain.OutboxEvent{
		ID:            uuid.New().String(),
		AggregateType: domain.AggregateCandidate,
		AggregateID:   uuid.New().String(),
		EventType:     domain.EventCandidateExecuted,
		Payload:       []byte(`{"action":"retry_with_backoff"}`),
	}
	if err := repo.Enqueue(context.Background(), e); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return e
}

func TestDrainDeliversAndMarksProcessed(t *testing.T) {
	sink := &mockSink{}
	p, repo, _ := newProcessorFixture(sink)
	ctx := context.Background()

	e := seedEvent(t, repo)

	n, err := p.Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if len(sink.seen) != 1 || sink.seen[0] != e.ID {
		t.Errorf("sink saw %v", sink.seen)
	}

	// A second drain finds nothing: the event is stamped.
	if n, err := p.Drain(ctx); err != nil || n != 0 {
		t.Errorf("second drain: n=%d err=%v", n, err)
	}
}

func TestDrainSchedulesRetryOnFailure(t *testing.T) {
	sink := &mockSink{fail: true}
	p, repo, deadLetter := newProcessorFixture(sink)
	ctx := context.Background()

	seedEvent(t, repo)

	n, err := p.Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if n != 0 {
		t.Errorf("failed delivery counted as delivered: %d", n)
	}

	// First failure schedules a retry, well short of the dead letter.
	if entries, _ := deadLetter.List(ctx, 10); len(entries) != 0 {
		t.Errorf("event dead-lettered on first failure")
	}

	// Not due yet: the backoff gate holds the event back.
	if n, _ := p.Drain(ctx); n != 0 {
		t.Errorf("retrying before backoff elapsed")
	}
}

func TestDrainDeadLettersAfterMaxRetries(t *testing.T) {
	sink := &mockSink{fail: true}
	p, repo, deadLetter := newProcessorFixture(sink)
	ctx := context.Background()

	e := seedEvent(t, repo)

	// Walk the event to the edge of its budget, forcing each retry due.
	for attempt := 0; attempt < outboxConfig().MaxRetries; attempt++ {
		if _, err := p.Drain(ctx); err != nil {
			t.Fatalf("drain %d failed: %v", attempt, err)
		}
		if err := repo.ScheduleRetry(ctx, e.ID, time.Now().Add(-time.Second), "forced due"); err != nil {
			t.Fatalf("force due failed: %v", err)
		}
	}

	entries, _ := deadLetter.List(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("expected one dead letter entry, got %d", len(entries))
	}
	if entries[0].Kind != domain.DeadLetterKindOutbox {
		t.Errorf("kind: got %q", entries[0].Kind)
	}
	if entries[0].CandidateID != e.AggregateID {
		t.Error("aggregate id lost in archival")
	}

	// The exhausted event no longer circulates.
	if n, _ := p.Drain(ctx); n != 0 {
		t.Error("dead-lettered event still being drained")
	}
}

func TestHTTPSinkPostsEnvelope(t *testing.T) {
	var gotKey string
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := &domain.OutboxEvent{
		ID:            uuid.New().String(),
		AggregateType: domain.AggregateCandidate,
		AggregateID:   uuid.New().String(),
		EventType:     domain.EventCandidateExecuted,
		Payload:       []byte(`{}`),
	}

	sink := NewHTTPSink(srv.URL, time.Second)
	if err := sink.Deliver(context.Background(), e); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if gotKey != e.ID {
		t.Errorf("Idempotency-Key: got %q, want %q", gotKey, e.ID)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type: got %q", gotType)
	}
}

func TestHTTPSinkRejectionIsTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, time.Second)
	e := &domain.OutboxEvent{ID: uuid.New().String(), Payload: []byte(`{}`)}
	if err := sink.Deliver(context.Background(), e); err == nil {
		t.Fatal("expected an error for a 4xx response")
	}
	if calls != 1 {
		t.Errorf("4xx must not be retried in-attempt, got %d calls", calls)
	}
}
