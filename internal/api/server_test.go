package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/engine"
	"github.com/vietddude/mender/internal/infra/storage/memory"
	"github.com/vietddude/mender/internal/ingest"
	"github.com/vietddude/mender/internal/lock"
	"github.com/vietddude/mender/internal/maintenance"
	"github.com/vietddude/mender/internal/queue"
	"github.com/vietddude/mender/internal/reclaim"
)

func newTestServer(t *testing.T) (*Server, *memory.MemoryStorage) {
	t.Helper()
	store := memory.NewMemoryStorage()

	candidates := memory.NewCandidateRepo(store)
	provenance := memory.NewProvenanceRepo(store)
	inputs := memory.NewSuggestionInputRepo(store)
	catalog := memory.NewCatalogRepo(store)
	fallback := memory.NewFallbackQueueRepo(store)
	deadLetter := memory.NewDeadLetterRepo(store)
	outboxRepo := memory.NewOutboxRepo(store)
	lockRepo := memory.NewLockRepo(store)

	catalog.Seed(
		&domain.ActionCatalogEntry{Code: "retry_with_backoff", Category: "retry", Active: true, AutoEligible: true, SuccessRate: 0.9, ApplicationCount: 10},
		&domain.ActionCatalogEntry{Code: "escalate_to_operator", Category: "escalation", Active: true, RequiresApproval: true},
	)

	dq := queue.NewDualQueue(nil, fallback, time.Second)
	svc := ingest.NewService(candidates, provenance, ingest.NewNormalizer(nil), dq)

	deps := Deps{
		Ingest:     svc,
		Candidates: candidates,
		Provenance: provenance,
		Inputs:     inputs,
		Catalog:    catalog,
		DeadLetter: deadLetter,
		Replayer:   reclaim.NewReplayer(deadLetter, candidates, provenance, dq),
		Retention:  maintenance.NewRetention(fallback, outboxRepo, time.Hour),
		Locks:      lock.NewManager(lockRepo, time.Minute),
		Queue:      dq,
		Engine:     engine.New(engine.DefaultRules()),
	}
	return NewServer(deps, 0), store
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestIngestEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	report := `{"error_code":"TIMEOUT","error_category":"network","source_ref":"job-1"}`

	rec := do(t, s, http.MethodPost, "/api/v1/reports", report)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first ingest: got %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var first ingest.Result
	decode(t, rec, &first)
	if first.CandidateID == "" || first.Duplicate {
		t.Errorf("unexpected first result: %+v", first)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/reports", report)
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate ingest: got %d, want %d", rec.Code, http.StatusOK)
	}
	var second ingest.Result
	decode(t, rec, &second)
	if !second.Duplicate || second.CandidateID != first.CandidateID || second.OccurrenceCount != 2 {
		t.Errorf("unexpected duplicate result: %+v", second)
	}
}

func TestIngestRejectsMissingSourceRef(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/reports", `{"error_code":"TIMEOUT"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("got %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestIngestRejectsBadJSON(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/reports", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetCandidate(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/reports", `{"error_code":"TIMEOUT","error_category":"network","source_ref":"job-2"}`)
	var created ingest.Result
	decode(t, rec, &created)

	rec = do(t, s, http.MethodGet, "/api/v1/candidates/"+created.CandidateID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Candidate  *domain.RecoveryCandidate `json:"candidate"`
		Provenance []json.RawMessage         `json:"provenance"`
	}
	decode(t, rec, &body)
	if body.Candidate == nil || body.Candidate.ID != created.CandidateID {
		t.Errorf("unexpected candidate payload: %+v", body.Candidate)
	}
	if len(body.Provenance) == 0 {
		t.Error("expected at least the created provenance event")
	}

	rec = do(t, s, http.MethodGet, "/api/v1/candidates/no-such-id", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing candidate: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestListCandidatesRejectsUnknownState(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/candidates?state=executing", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestListActionsByCategory(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/actions?category=retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Actions []*domain.ActionCatalogEntry `json:"actions"`
	}
	decode(t, rec, &body)
	if len(body.Actions) != 1 || body.Actions[0].Code != "retry_with_backoff" {
		t.Errorf("unexpected filtered actions: %+v", body.Actions)
	}
}

func TestEvaluateDryRun(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/evaluate",
		`{"error_code":"TIMEOUT","error_category":"network","occurrence_count":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var result engine.Result
	decode(t, rec, &result)
	if result.Action != "retry_with_backoff" {
		t.Errorf("action: got %q, want retry_with_backoff", result.Action)
	}
	if result.Confidence <= 0 {
		t.Errorf("confidence: got %f", result.Confidence)
	}
}

func TestReplayUnknownEntry(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/ops/deadletter/no-such-entry/replay", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestQueueDepths(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, http.MethodPost, "/api/v1/reports", `{"error_code":"A","error_category":"x","source_ref":"j1","enqueue":true}`)
	do(t, s, http.MethodPost, "/api/v1/reports", `{"error_code":"B","error_category":"x","source_ref":"j2","enqueue":true}`)

	rec := do(t, s, http.MethodGet, "/api/v1/ops/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		StreamDepth   int64 `json:"stream_depth"`
		FallbackDepth int   `json:"fallback_depth"`
	}
	decode(t, rec, &body)
	if body.StreamDepth != 0 || body.FallbackDepth != 2 {
		t.Errorf("depths: got stream=%d fallback=%d", body.StreamDepth, body.FallbackDepth)
	}
}

func TestRetentionEndpointRespectsLeaderLock(t *testing.T) {
	s, store := newTestServer(t)

	// The scheduled retention job is mid-pass on another instance.
	lockRepo := memory.NewLockRepo(store)
	if err := lockRepo.Acquire(context.Background(), maintenance.JobRetention, "other-instance", time.Minute); err != nil {
		t.Fatalf("seed acquire failed: %v", err)
	}

	rec := do(t, s, http.MethodPost, "/api/v1/ops/retention", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("deleting pass under held lock: got %d, want %d", rec.Code, http.StatusConflict)
	}

	// Dry runs only count rows and skip the lock.
	rec = do(t, s, http.MethodPost, "/api/v1/ops/retention?dry_run=true", "")
	if rec.Code != http.StatusOK {
		t.Errorf("dry run under held lock: got %d, want %d", rec.Code, http.StatusOK)
	}

	if err := lockRepo.Release(context.Background(), maintenance.JobRetention, "other-instance"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	rec = do(t, s, http.MethodPost, "/api/v1/ops/retention", "")
	if rec.Code != http.StatusOK {
		t.Errorf("deleting pass after release: got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	s.deps.Health = func(ctx context.Context) error { return nil }

	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("got %d, want %d", rec.Code, http.StatusOK)
	}
}
