package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamQueue is the primary task transport: an append-only stream read by
// competing consumer groups. Unacknowledged entries become reclaimable after
// an idle threshold.
type StreamQueue struct {
	rdb      *redis.Client
	key      string
	group    string
	consumer string
}

// StreamEntry is one delivered stream message. Attempts carries the
// cumulative reclaim count across re-appends.
type StreamEntry struct {
	MsgID       string
	TaskID      string
	CandidateID string
	Priority    int
	Attempts    int
}

// PendingEntry describes one unacknowledged message.
type PendingEntry struct {
	MsgID         string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int
}

// NewStreamQueue creates the stream transport and ensures the consumer group
// exists (MKSTREAM creates the stream on first use).
func NewStreamQueue(ctx context.Context, client *Client, key, group, consumer string) (*StreamQueue, error) {
	q := &StreamQueue{rdb: client.rdb, key: key, group: group, consumer: consumer}

	err := q.rdb.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return q, nil
}

func (q *StreamQueue) gateKey() string {
	return q.key + ":backoff"
}

// Append adds a task to the stream.
func (q *StreamQueue) Append(ctx context.Context, taskID, candidateID string, priority int) error {
	return q.appendWithAttempts(ctx, taskID, candidateID, priority, 0)
}

func (q *StreamQueue) appendWithAttempts(ctx context.Context, taskID, candidateID string, priority, attempts int) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.key,
		Values: map[string]any{
			"task_id":      taskID,
			"candidate_id": candidateID,
			"priority":     priority,
			"attempts":     attempts,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Read fetches up to count new entries for this consumer, blocking for at
// most block. Returns an empty slice when nothing arrives.
func (q *StreamQueue) Read(ctx context.Context, count int64, block time.Duration) ([]StreamEntry, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var out []StreamEntry
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, parseEntry(m))
		}
	}
	return out, nil
}

// Ack acknowledges a delivered entry.
func (q *StreamQueue) Ack(ctx context.Context, msgID string) error {
	if err := q.rdb.XAck(ctx, q.key, q.group, msgID).Err(); err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	return nil
}

// Pending lists unacknowledged entries idle for at least minIdle.
func (q *StreamQueue) Pending(ctx context.Context, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.key,
		Group:  q.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending failed: %w", err)
	}

	out := make([]PendingEntry, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingEntry{
			MsgID:         p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: int(p.RetryCount),
		})
	}
	return out, nil
}

// Fetch reads one entry's payload by message id without affecting delivery
// state. (nil, nil) when the message no longer exists.
func (q *StreamQueue) Fetch(ctx context.Context, msgID string) (*StreamEntry, error) {
	msgs, err := q.rdb.XRange(ctx, q.key, msgID, msgID).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange failed: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	e := parseEntry(msgs[0])
	return &e, nil
}

// Requeue re-appends a stalled entry with its attempt count bumped and
// acknowledges the old delivery. The fresh entry is immediately readable by
// any worker.
func (q *StreamQueue) Requeue(ctx context.Context, e *StreamEntry, attempts int) error {
	if err := q.appendWithAttempts(ctx, e.TaskID, e.CandidateID, e.Priority, attempts); err != nil {
		return err
	}
	return q.Ack(ctx, e.MsgID)
}

// SetNextEligible records when a stalled task may be redelivered. Keyed by
// task id so the gate survives re-appends.
func (q *StreamQueue) SetNextEligible(ctx context.Context, taskID string, at time.Time) error {
	return q.rdb.HSet(ctx, q.gateKey(), taskID, at.UnixMilli()).Err()
}

// NextEligible returns the redelivery gate for a task; zero time when unset.
func (q *StreamQueue) NextEligible(ctx context.Context, taskID string) (time.Time, error) {
	val, err := q.rdb.HGet(ctx, q.gateKey(), taskID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("hget failed: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid backoff value: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// ClearGate removes a task's redelivery gate.
func (q *StreamQueue) ClearGate(ctx context.Context, taskID string) error {
	return q.rdb.HDel(ctx, q.gateKey(), taskID).Err()
}

// Depth returns the stream length.
func (q *StreamQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

func parseEntry(m redis.XMessage) StreamEntry {
	e := StreamEntry{MsgID: m.ID}
	if v, ok := m.Values["task_id"].(string); ok {
		e.TaskID = v
	}
	if v, ok := m.Values["candidate_id"].(string); ok {
		e.CandidateID = v
	}
	if v, ok := m.Values["priority"].(string); ok {
		if p, err := strconv.Atoi(v); err == nil {
			e.Priority = p
		}
	}
	if v, ok := m.Values["attempts"].(string); ok {
		if a, err := strconv.Atoi(v); err == nil {
			e.Attempts = a
		}
	}
	return e
}
