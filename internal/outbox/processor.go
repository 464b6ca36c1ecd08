package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/mender/internal/core/config"
	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/pipeline/metrics"
	"github.com/vietddude/mender/internal/reclaim"
)

// Sink delivers one event to the outside world. The default sink posts to an
// HTTP endpoint; tests substitute their own.
type Sink interface {
	Deliver(ctx context.Context, e *domain.OutboxEvent) error
}

// HTTPSink posts events as JSON to a webhook URL. The event id travels as
// Idempotency-Key so receivers can dedupe redeliveries.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates the sink.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{url: url, client: &http.Client{Timeout: timeout}}
}

type envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	PublishedAt   time.Time       `json:"published_at"`
	Payload       json.RawMessage `json:"payload"`
}

// Deliver posts the event, retrying transient failures within the attempt.
func (s *HTTPSink) Deliver(ctx context.Context, e *domain.OutboxEvent) error {
	body, err := json.Marshal(envelope{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		PublishedAt:   e.PublishedAt,
		Payload:       json.RawMessage(e.Payload),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", e.ID)

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("sink returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("sink rejected event: %d", resp.StatusCode)
		}
	})
}

// Processor drains the outbox table: claim due events, deliver, then mark
// processed or schedule the next retry. Events that exhaust their retry
// budget go to the dead letter archive.
type Processor struct {
	repo       storage.OutboxRepository
	deadLetter storage.DeadLetterRepository
	sink       Sink
	cfg        config.OutboxConfig
	backoff    reclaim.Backoff

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor creates the outbox processor.
func NewProcessor(repo storage.OutboxRepository, deadLetter storage.DeadLetterRepository, sink Sink, cfg config.OutboxConfig) *Processor {
	return &Processor{
		repo:       repo,
		deadLetter: deadLetter,
		sink:       sink,
		cfg:        cfg,
		backoff:    reclaim.Backoff{Base: cfg.Base, Max: cfg.Max},
	}
}

// Start launches the poll loop.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.Poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.Drain(ctx); err != nil {
					slog.Error("Outbox drain failed", "error", err)
				}
			}
		}
	}()
	slog.Info("Outbox processor started", "poll", p.cfg.Poll, "sink", p.cfg.SinkURL)
}

// Stop halts the loop and waits for the in-flight drain.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Drain runs one delivery pass. Returns the number of events delivered.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	events, err := p.repo.ClaimDue(ctx, p.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("outbox claim failed: %w", err)
	}

	delivered := 0
	for _, e := range events {
		if err := p.sink.Deliver(ctx, e); err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			if err := p.handleFailure(ctx, e, err); err != nil {
				return delivered, err
			}
			continue
		}
		if err := p.repo.MarkProcessed(ctx, e.ID); err != nil {
			// Delivered but not stamped; redelivery will be deduped downstream
			// via the Idempotency-Key header.
			return delivered, fmt.Errorf("failed to mark event %s processed: %w", e.ID, err)
		}
		metrics.OutboxDelivered.WithLabelValues("ok").Inc()
		delivered++
	}
	return delivered, nil
}

func (p *Processor) handleFailure(ctx context.Context, e *domain.OutboxEvent, cause error) error {
	attempts := e.RetryCount + 1
	if attempts >= p.cfg.MaxRetries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
		}
		entry := &domain.DeadLetterEntry{
			ID:          e.ID,
			Kind:        domain.DeadLetterKindOutbox,
			CandidateID: e.AggregateID,
			Payload:     payload,
			Attempts:    attempts,
			LastError:   cause.Error(),
		}
		if err := p.deadLetter.Archive(ctx, entry); err != nil {
			return err
		}
		if err := p.repo.MarkProcessed(ctx, e.ID); err != nil {
			return err
		}
		metrics.OutboxDelivered.WithLabelValues("dead_letter").Inc()
		metrics.TasksDeadLettered.WithLabelValues(domain.DeadLetterKindOutbox).Inc()
		slog.Warn("Outbox event archived to dead letter", "event", e.ID, "attempts", attempts, "error", cause)
		return nil
	}

	next := time.Now().Add(p.backoff.Delay(attempts))
	if err := p.repo.ScheduleRetry(ctx, e.ID, next, cause.Error()); err != nil {
		return err
	}
	metrics.OutboxDelivered.WithLabelValues("retry").Inc()
	slog.Warn("Outbox delivery failed, retry scheduled",
		"event", e.ID, "attempts", attempts, "next", next.Format(time.RFC3339), "error", cause)
	return nil
}
