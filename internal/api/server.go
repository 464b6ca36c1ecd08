package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/engine"
	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/ingest"
	"github.com/vietddude/mender/internal/lock"
	"github.com/vietddude/mender/internal/maintenance"
	"github.com/vietddude/mender/internal/queue"
	"github.com/vietddude/mender/internal/reclaim"
)

// Deps bundles what the HTTP surface needs.
type Deps struct {
	Ingest     *ingest.Service
	Candidates storage.CandidateRepository
	Provenance storage.ProvenanceRepository
	Inputs     storage.SuggestionInputRepository
	Catalog    storage.CatalogRepository
	DeadLetter storage.DeadLetterRepository
	Replayer   *reclaim.Replayer
	Retention  *maintenance.Retention
	Locks      *lock.Manager
	Queue      *queue.DualQueue
	Engine     *engine.Engine
	Health     func(ctx context.Context) error
}

// Server exposes the ingestion, query, and ops endpoints.
type Server struct {
	deps   Deps
	server *http.Server
}

// NewServer creates the HTTP server on the given port.
func NewServer(deps Deps, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		deps: deps,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("POST /api/v1/reports", s.handleIngest)
	mux.HandleFunc("GET /api/v1/candidates/{id}", s.handleGetCandidate)
	mux.HandleFunc("GET /api/v1/candidates", s.handleListCandidates)
	mux.HandleFunc("GET /api/v1/actions", s.handleListActions)
	mux.HandleFunc("POST /api/v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /api/v1/ops/deadletter", s.handleListDeadLetter)
	mux.HandleFunc("POST /api/v1/ops/deadletter/{id}/replay", s.handleReplay)
	mux.HandleFunc("POST /api/v1/ops/retention", s.handleRetention)
	mux.HandleFunc("GET /api/v1/ops/locks", s.handleLocks)
	mux.HandleFunc("GET /api/v1/ops/queue", s.handleQueue)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var report domain.FailureReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.deps.Ingest.Ingest(r.Context(), &report)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleGetCandidate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	candidate, err := s.deps.Candidates.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if candidate == nil {
		writeError(w, http.StatusNotFound, "candidate not found")
		return
	}

	events, err := s.deps.Provenance.ListByCandidate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	inputs, err := s.deps.Inputs.ListByCandidate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"candidate":  candidate,
		"provenance": events,
		"inputs":     inputs,
	})
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state != "" && state != string(domain.ExecutionPending) {
		writeError(w, http.StatusBadRequest, "only state=pending is supported")
		return
	}
	limit := intQuery(r, "limit", 50)

	candidates, err := s.deps.Candidates.ListPending(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Catalog.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": entries})
}

// handleEvaluate runs a stateless dry-run evaluation; nothing is stored.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ErrorCode       string            `json:"error_code"`
		ErrorCategory   string            `json:"error_category"`
		Skill           string            `json:"skill"`
		Context         map[string]string `json:"context"`
		OccurrenceCount int               `json:"occurrence_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	entries, err := s.deps.Catalog.List(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats := make(map[string]domain.ActionStats, len(entries))
	for _, e := range entries {
		stats[e.Code] = domain.ActionStats{SuccessRate: e.SuccessRate, ApplicationCount: e.ApplicationCount}
	}

	result := s.deps.Engine.Evaluate(engine.Input{
		ErrorCode:       req.ErrorCode,
		ErrorCategory:   req.ErrorCategory,
		Skill:           req.Skill,
		Context:         req.Context,
		OccurrenceCount: req.OccurrenceCount,
		Stats:           stats,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListDeadLetter(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.DeadLetter.List(r.Context(), intQuery(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}

	result, err := s.deps.Replayer.Replay(r.Context(), id, actor)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dead letter entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if result.AlreadyProcessed {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	// Dry runs only count; deleting passes go through the retention leader
	// lock so they cannot overlap the scheduled job.
	if r.URL.Query().Get("dry_run") == "true" {
		report, err := s.deps.Retention.Run(r.Context(), true)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	report, err := s.deps.Retention.RunLocked(r.Context(), s.deps.Locks)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			writeError(w, http.StatusConflict, "retention is already running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.deps.Locks.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stream, fallback, err := s.deps.Queue.Depths(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_depth":   stream,
		"fallback_depth": fallback,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			slog.Warn("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
