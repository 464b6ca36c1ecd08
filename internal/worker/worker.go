package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/engine"
	"github.com/vietddude/mender/internal/ingest"
	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/pipeline/metrics"
	"github.com/vietddude/mender/internal/queue"
)

// Deps bundles what a worker needs to process one task.
type Deps struct {
	Candidates storage.CandidateRepository
	Provenance storage.ProvenanceRepository
	Inputs     storage.SuggestionInputRepository
	Catalog    storage.CatalogRepository
	Committer  storage.ExecutionCommitter
	Engine     *engine.Engine
	Executor   Executor
	Queue      *queue.DualQueue

	// ConfidenceThreshold gates auto-execution.
	ConfidenceThreshold float64
}

// Worker consumes evaluation tasks: evaluate, persist the suggestion, then
// attempt auto-execution behind the exclusive claim.
type Worker struct {
	id   string
	deps Deps
}

// New creates one worker.
func New(id string, deps Deps) *Worker {
	return &Worker{id: id, deps: deps}
}

// Step claims and processes at most one task. Returns false when no work was
// available.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	task, err := w.deps.Queue.Dequeue(ctx, w.id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	if err := w.Process(ctx, task); err != nil {
		metrics.TasksProcessed.WithLabelValues(task.Transport, "error").Inc()
		if ackErr := w.deps.Queue.Ack(ctx, task, false, err.Error()); ackErr != nil {
			slog.Warn("Failed to ack task after error", "task", task.ID, "error", ackErr)
		}
		return true, err
	}

	metrics.TasksProcessed.WithLabelValues(task.Transport, "ok").Inc()
	if err := w.deps.Queue.Ack(ctx, task, true, ""); err != nil {
		// The task will be redelivered; processing is idempotent because the
		// execution claim will refuse a second side effect.
		slog.Warn("Failed to ack task", "task", task.ID, "error", err)
	}
	return true, nil
}

// Process evaluates one candidate and conditionally auto-executes.
func (w *Worker) Process(ctx context.Context, task *queue.Task) error {
	candidate, err := w.deps.Candidates.GetByID(ctx, task.CandidateID)
	if err != nil {
		return fmt.Errorf("candidate load failed: %w", err)
	}
	if candidate == nil {
		slog.Warn("Task references unknown candidate", "task", task.ID, "candidate", task.CandidateID)
		return nil
	}
	if candidate.Execution != domain.ExecutionPending {
		// Already handled by another worker; redelivery is expected noise.
		return nil
	}

	report, err := ingest.ParseRaw(candidate.RawSignature)
	if err != nil {
		w.appendEvent(ctx, candidate, domain.ProvEvaluationFailed,
			fmt.Sprintf("unreadable signature: %v", err), 0)
		return nil
	}

	entries, err := w.deps.Catalog.List(ctx, "")
	if err != nil {
		return fmt.Errorf("catalog load failed: %w", err)
	}
	stats := make(map[string]domain.ActionStats, len(entries))
	for _, e := range entries {
		stats[e.Code] = domain.ActionStats{
			SuccessRate:      e.SuccessRate,
			ApplicationCount: e.ApplicationCount,
		}
	}

	start := time.Now()
	result := w.deps.Engine.Evaluate(engine.InputFromCandidate(candidate, report, stats))
	elapsed := time.Since(start)
	metrics.EvaluationLatency.Observe(elapsed.Seconds())

	w.recordInputs(ctx, candidate, report)

	if result.Action == "" {
		// No matching rule: leave the candidate pending for human triage.
		w.appendEvent(ctx, candidate, domain.ProvEvaluationSkipped,
			engine.TraceString(result.Trace), elapsed)
		return nil
	}

	if err := w.deps.Candidates.SetSuggestion(ctx, candidate.ID, result.Action, result.Confidence); err != nil {
		return fmt.Errorf("suggestion write failed: %w", err)
	}
	w.appendEvent(ctx, candidate, domain.ProvRuleEvaluated,
		fmt.Sprintf("%s (%.2f) %s", result.Action, result.Confidence, engine.TraceString(result.Trace)),
		elapsed)

	return w.maybeExecute(ctx, candidate, result)
}

func (w *Worker) maybeExecute(ctx context.Context, candidate *domain.RecoveryCandidate, result engine.Result) error {
	if candidate.Decision == domain.DecisionRejected {
		return nil
	}

	entry, err := w.deps.Catalog.GetByCode(ctx, result.Action)
	if err != nil {
		return fmt.Errorf("catalog lookup failed: %w", err)
	}
	if entry == nil || !entry.AutoEligible || entry.RequiresApproval {
		return nil
	}
	if result.Confidence < w.deps.ConfidenceThreshold {
		return nil
	}

	// The conditional state transition is the exactly-once guard: exactly one
	// worker sees the pending->executing write succeed.
	won, err := w.deps.Candidates.ClaimExecution(ctx, candidate.ID)
	if err != nil {
		return fmt.Errorf("execution claim failed: %w", err)
	}
	if !won {
		metrics.ClaimContention.Inc()
		return nil
	}
	candidate.SuggestedAction = result.Action
	candidate.Confidence = result.Confidence

	execStart := time.Now()
	payload, execErr := w.deps.Executor.Execute(ctx, entry, candidate)
	execElapsed := time.Since(execStart)

	state := domain.ExecutionSucceeded
	eventType := domain.ProvExecuted
	outboxType := domain.EventCandidateExecuted
	detail := result.Action
	if execErr != nil {
		state = domain.ExecutionFailed
		eventType = domain.ProvExecutionFailed
		outboxType = domain.EventCandidateFailed
		detail = execErr.Error()
		payload = fmt.Sprintf(`{"error":%q}`, execErr.Error())
	}

	outboxPayload, _ := json.Marshal(map[string]any{
		"candidate_id": candidate.ID,
		"source_ref":   candidate.SourceRef,
		"action":       result.Action,
		"state":        state,
		"result":       json.RawMessage(payload),
	})

	err = w.deps.Committer.CommitExecution(ctx,
		candidate.ID, state, payload,
		&domain.ProvenanceEvent{
			ID:               uuid.New().String(),
			CandidateID:      candidate.ID,
			EventType:        eventType,
			Actor:            w.id,
			ActorType:        domain.ActorSystem,
			ConfidenceBefore: candidate.Confidence,
			ConfidenceAfter:  candidate.Confidence,
			Detail:           detail,
			Duration:         execElapsed,
		},
		&domain.OutboxEvent{
			ID:            uuid.New().String(),
			AggregateType: domain.AggregateCandidate,
			AggregateID:   candidate.ID,
			EventType:     outboxType,
			Payload:       outboxPayload,
		},
		result.Action, execErr == nil,
	)
	if err != nil {
		return fmt.Errorf("execution commit failed: %w", err)
	}

	metrics.ExecutionsTotal.WithLabelValues(result.Action, string(state)).Inc()
	slog.Info("Candidate executed", "candidate", candidate.ID, "action", result.Action, "state", state)
	return nil
}

func (w *Worker) recordInputs(ctx context.Context, candidate *domain.RecoveryCandidate, report *domain.FailureReport) {
	inputs := []*domain.SuggestionInput{
		{
			ID: uuid.New().String(), CandidateID: candidate.ID,
			InputType: "error_code", RawValue: report.ErrorCode,
			Normalized: report.ErrorCode, Weight: 1.0, Source: "report",
		},
		{
			ID: uuid.New().String(), CandidateID: candidate.ID,
			InputType: "signature", RawValue: candidate.RawSignature,
			Normalized: candidate.Signature, Weight: 1.0, Source: "ingest",
		},
	}
	if report.Skill != "" {
		inputs = append(inputs, &domain.SuggestionInput{
			ID: uuid.New().String(), CandidateID: candidate.ID,
			InputType: "skill", RawValue: report.Skill,
			Normalized: report.Skill, Weight: 0.5, Source: "report",
		})
	}
	if err := w.deps.Inputs.AppendBatch(ctx, inputs); err != nil {
		slog.Warn("Failed to record suggestion inputs", "candidate", candidate.ID, "error", err)
	}
}

func (w *Worker) appendEvent(ctx context.Context, c *domain.RecoveryCandidate, typ domain.ProvenanceEventType, detail string, dur time.Duration) {
	evt := &domain.ProvenanceEvent{
		ID:               uuid.New().String(),
		CandidateID:      c.ID,
		EventType:        typ,
		Actor:            w.id,
		ActorType:        domain.ActorSystem,
		ConfidenceBefore: c.Confidence,
		ConfidenceAfter:  c.Confidence,
		Detail:           detail,
		Duration:         dur,
	}
	if err := w.deps.Provenance.Append(ctx, evt); err != nil {
		slog.Warn("Failed to append provenance event", "candidate", c.ID, "error", err)
	}
}
