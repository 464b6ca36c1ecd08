package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/mender/internal/core/domain"
	redisclient "github.com/vietddude/mender/internal/infra/redis"
	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/pipeline/metrics"
)

const (
	TransportStream   = "stream"
	TransportFallback = "fallback"
)

// Task is one unit of work as seen by a worker, normalized across
// transports. MsgID is the stream ack handle; empty for fallback tasks.
type Task struct {
	ID          string
	CandidateID string
	Priority    int
	Attempts    int
	Transport   string
	MsgID       string
}

// Stream is the subset of the stream transport the queue needs. Satisfied by
// redis.StreamQueue; faked in tests.
type Stream interface {
	Append(ctx context.Context, taskID, candidateID string, priority int) error
	Read(ctx context.Context, count int64, block time.Duration) ([]redisclient.StreamEntry, error)
	Ack(ctx context.Context, msgID string) error
	Depth(ctx context.Context) (int64, error)
}

// DualQueue carries evaluation tasks over the primary stream with the
// persisted table as fallback. The system stays correct as workers move
// between transports during an outage and recovery.
type DualQueue struct {
	stream   Stream
	fallback storage.FallbackQueueRepository
	block    time.Duration
}

// NewDualQueue creates the queue. stream may be nil to run fallback-only.
func NewDualQueue(stream Stream, fallback storage.FallbackQueueRepository, block time.Duration) *DualQueue {
	if block <= 0 {
		block = 2 * time.Second
	}
	return &DualQueue{stream: stream, fallback: fallback, block: block}
}

// Enqueue appends a task to the stream, falling back to the persisted table
// when the stream is unavailable. A transport failure is absorbed here and
// never surfaced to the caller.
func (q *DualQueue) Enqueue(ctx context.Context, candidateID string, priority int) error {
	taskID := uuid.New().String()

	if q.stream != nil {
		if err := q.stream.Append(ctx, taskID, candidateID, priority); err == nil {
			metrics.TasksEnqueued.WithLabelValues(TransportStream).Inc()
			return nil
		} else {
			slog.Warn("Stream enqueue failed, using fallback", "candidate", candidateID, "error", err)
		}
	}

	err := q.fallback.Enqueue(ctx, &domain.QueueTask{
		ID:          taskID,
		CandidateID: candidateID,
		Priority:    priority,
	})
	if err != nil {
		return fmt.Errorf("both transports failed: %w", err)
	}
	metrics.TasksEnqueued.WithLabelValues(TransportFallback).Inc()
	return nil
}

// Dequeue returns the next eligible task from whichever transport has work,
// or nil when both are empty. Non-blocking beyond the short stream read.
func (q *DualQueue) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	if q.stream != nil {
		entries, err := q.stream.Read(ctx, 1, q.block)
		if err != nil {
			slog.Warn("Stream read failed, trying fallback", "error", err)
		} else if len(entries) > 0 {
			e := entries[0]
			return &Task{
				ID:          e.TaskID,
				CandidateID: e.CandidateID,
				Priority:    e.Priority,
				Attempts:    e.Attempts,
				Transport:   TransportStream,
				MsgID:       e.MsgID,
			}, nil
		}
	}

	t, err := q.fallback.ClaimNext(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("fallback claim failed: %w", err)
	}
	if t == nil {
		return nil, nil
	}
	return &Task{
		ID:          t.ID,
		CandidateID: t.CandidateID,
		Priority:    t.Priority,
		Attempts:    t.Attempts,
		Transport:   TransportFallback,
	}, nil
}

// Ack marks a task done on its transport.
func (q *DualQueue) Ack(ctx context.Context, t *Task, succeeded bool, errMsg string) error {
	switch t.Transport {
	case TransportStream:
		if q.stream == nil {
			return fmt.Errorf("stream transport not configured")
		}
		return q.stream.Ack(ctx, t.MsgID)
	case TransportFallback:
		return q.fallback.Complete(ctx, t.ID, succeeded, errMsg)
	}
	return fmt.Errorf("unknown transport %q", t.Transport)
}

// Depths reports eligible work per transport and refreshes the gauges.
func (q *DualQueue) Depths(ctx context.Context) (stream int64, fallback int, err error) {
	if q.stream != nil {
		stream, err = q.stream.Depth(ctx)
		if err != nil {
			return 0, 0, err
		}
	}
	fallback, err = q.fallback.CountPending(ctx)
	if err != nil {
		return 0, 0, err
	}
	metrics.QueueDepth.WithLabelValues(TransportStream).Set(float64(stream))
	metrics.QueueDepth.WithLabelValues(TransportFallback).Set(float64(fallback))
	return stream, fallback, nil
}
