package reclaim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/mender/internal/core/config"
	"github.com/vietddude/mender/internal/core/domain"
	redisclient "github.com/vietddude/mender/internal/infra/redis"
	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/pipeline/metrics"
)

// Stream is the subset of the stream transport the reclaimer needs.
type Stream interface {
	Pending(ctx context.Context, minIdle time.Duration, count int64) ([]redisclient.PendingEntry, error)
	Fetch(ctx context.Context, msgID string) (*redisclient.StreamEntry, error)
	Requeue(ctx context.Context, e *redisclient.StreamEntry, attempts int) error
	Ack(ctx context.Context, msgID string) error
	SetNextEligible(ctx context.Context, taskID string, at time.Time) error
	NextEligible(ctx context.Context, taskID string) (time.Time, error)
	ClearGate(ctx context.Context, taskID string) error
}

// Reclaimer detects stalled tasks, redelivers them with doubling backoff and
// archives the ones that exhaust their budget. It runs under the reconcile
// leader lock, so at most one instance sweeps at a time.
type Reclaimer struct {
	stream     Stream // nil when the stream transport is down or unconfigured
	fallback   storage.FallbackQueueRepository
	deadLetter storage.DeadLetterRepository
	cfg        config.ReclaimConfig
	staleAge   time.Duration
	backoff    Backoff
}

// NewReclaimer creates the reclaim sweeper.
func NewReclaimer(
	stream Stream,
	fallback storage.FallbackQueueRepository,
	deadLetter storage.DeadLetterRepository,
	cfg config.ReclaimConfig,
	staleAge time.Duration,
) *Reclaimer {
	return &Reclaimer{
		stream:     stream,
		fallback:   fallback,
		deadLetter: deadLetter,
		cfg:        cfg,
		staleAge:   staleAge,
		backoff:    Backoff{Base: cfg.Base, Max: cfg.Max},
	}
}

// Sweep runs one reclaim pass over both transports.
func (r *Reclaimer) Sweep(ctx context.Context) error {
	if err := r.sweepStream(ctx); err != nil {
		return fmt.Errorf("stream sweep failed: %w", err)
	}
	if err := r.sweepFallback(ctx); err != nil {
		return fmt.Errorf("fallback sweep failed: %w", err)
	}
	return nil
}

func (r *Reclaimer) sweepStream(ctx context.Context) error {
	if r.stream == nil {
		return nil
	}

	pending, err := r.stream.Pending(ctx, r.cfg.MinIdle, 100)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, p := range pending {
		entry, err := r.stream.Fetch(ctx, p.MsgID)
		if err != nil {
			return err
		}
		if entry == nil {
			// Message trimmed out from under the group; nothing to preserve.
			_ = r.stream.Ack(ctx, p.MsgID)
			continue
		}

		// Cumulative attempts survive re-appends via the payload counter.
		attempts := entry.Attempts + p.DeliveryCount

		if attempts > r.cfg.MaxAttempts {
			if err := r.archiveStreamTask(ctx, entry, attempts); err != nil {
				return err
			}
			// Archival committed; only now may the task leave the transport.
			if err := r.stream.Ack(ctx, p.MsgID); err != nil {
				return err
			}
			_ = r.stream.ClearGate(ctx, entry.TaskID)
			metrics.TasksDeadLettered.WithLabelValues(domain.DeadLetterKindTask).Inc()
			slog.Warn("Task archived to dead letter",
				"task", entry.TaskID, "candidate", entry.CandidateID, "attempts", attempts)
			continue
		}

		gate, err := r.stream.NextEligible(ctx, entry.TaskID)
		if err != nil {
			return err
		}
		if gate.IsZero() {
			// First stall observation: start the backoff clock.
			delay := r.backoff.Delay(attempts)
			if err := r.stream.SetNextEligible(ctx, entry.TaskID, now.Add(delay)); err != nil {
				return err
			}
			continue
		}
		if gate.After(now) {
			continue // still backing off
		}

		if err := r.stream.Requeue(ctx, entry, attempts); err != nil {
			return err
		}
		_ = r.stream.ClearGate(ctx, entry.TaskID)
		metrics.TasksReclaimed.Inc()
		slog.Info("Task reclaimed for redelivery",
			"task", entry.TaskID, "candidate", entry.CandidateID, "attempts", attempts)
	}
	return nil
}

func (r *Reclaimer) sweepFallback(ctx context.Context) error {
	released, err := r.fallback.ReleaseStale(ctx, r.staleAge)
	if err != nil {
		return err
	}
	for range released {
		metrics.TasksReclaimed.Inc()
	}

	exhausted, err := r.fallback.GetExhausted(ctx, r.cfg.MaxAttempts+1)
	if err != nil {
		return err
	}
	for _, t := range exhausted {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal task %s: %w", t.ID, err)
		}
		entry := &domain.DeadLetterEntry{
			ID:          t.ID,
			Kind:        domain.DeadLetterKindTask,
			CandidateID: t.CandidateID,
			Payload:     payload,
			Attempts:    t.Attempts,
			LastError:   t.LastError,
		}
		if err := r.deadLetter.Archive(ctx, entry); err != nil {
			return err
		}
		if err := r.fallback.Delete(ctx, t.ID); err != nil {
			return err
		}
		metrics.TasksDeadLettered.WithLabelValues(domain.DeadLetterKindTask).Inc()
		slog.Warn("Fallback task archived to dead letter", "task", t.ID, "attempts", t.Attempts)
	}
	return nil
}

func (r *Reclaimer) archiveStreamTask(ctx context.Context, e *redisclient.StreamEntry, attempts int) error {
	task := &domain.QueueTask{
		ID:          e.TaskID,
		CandidateID: e.CandidateID,
		Priority:    e.Priority,
		Attempts:    attempts,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", e.TaskID, err)
	}
	return r.deadLetter.Archive(ctx, &domain.DeadLetterEntry{
		ID:          e.TaskID,
		Kind:        domain.DeadLetterKindTask,
		CandidateID: e.CandidateID,
		Payload:     payload,
		Attempts:    attempts,
		LastError:   "reclaim budget exhausted",
	})
}
