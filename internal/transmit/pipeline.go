// Package transmit delivers queued messages over the message bus with
// bounded per-item timeouts, exponential retry backoff, and eventual
// abandonment. One stuck message never blocks the rest of a flush pass.
package transmit

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mrhat-cam/sentinel/internal/queue"
)

// Publisher is the message bus boundary. Connection lifecycle is owned by
// the implementation; the pipeline only publishes within a bounded timeout.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Policy carries the delivery tuning knobs.
type Policy struct {
	// MaxRetries is the number of delivery attempts a message gets before
	// it is abandoned.
	MaxRetries int

	// PublishTimeout bounds each publish attempt.
	PublishTimeout time.Duration

	// BackoffBase is the delay after the first failure; it doubles per
	// subsequent failure up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// FlushReport summarizes one flush pass.
type FlushReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`

	// Skipped counts eligible messages left untried because the flush was
	// cancelled mid-pass.
	Skipped int `json:"skipped"`

	// AbandonedIDs records which messages were dropped after exhausting
	// their retries.
	AbandonedIDs []string `json:"abandoned_ids,omitempty"`
}

// Pipeline owns the outbound queue. No other component reads or writes it.
type Pipeline struct {
	queue  *queue.Queue
	pub    Publisher
	policy Policy
	logger *slog.Logger

	// clock is overridable for tests. Nil means time.Now.
	clock func() time.Time
}

// New creates a pipeline over q and pub.
func New(q *queue.Queue, pub Publisher, policy Policy, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{queue: q, pub: pub, policy: policy, logger: logger}
}

// Enqueue buffers a payload for delivery and returns its message ID.
// Evictions forced by the capacity bound are logged as data loss.
func (p *Pipeline) Enqueue(topic, kind string, payload []byte) (string, error) {
	now := p.now()
	m := &queue.Message{
		ID:            ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Topic:         topic,
		Kind:          kind,
		Payload:       payload,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}

	evicted, err := p.queue.Enqueue(m)
	if err != nil {
		return "", err
	}
	for _, id := range evicted {
		p.logger.Warn("queue over capacity, evicted oldest pending message",
			"evicted_id", id, "capacity", p.queue.Capacity())
	}
	return m.ID, nil
}

// Flush attempts delivery of every eligible message, oldest first. Messages
// waiting out a backoff are skipped this pass; chronological delivery is
// best-effort, not strict. Flush never returns an error: delivery problems
// are recorded per item and surfaced in the report.
func (p *Pipeline) Flush(ctx context.Context) FlushReport {
	var report FlushReport

	items, err := p.queue.Eligible(p.now())
	if err != nil {
		p.logger.Error("failed to read outbound queue", "error", err)
		return report
	}

	for i, m := range items {
		if ctx.Err() != nil {
			report.Skipped = len(items) - i
			break
		}
		report.Attempted++
		p.deliver(ctx, m, &report)
	}
	return report
}

// deliver makes one bounded publish attempt for m and records the outcome.
func (p *Pipeline) deliver(ctx context.Context, m queue.Message, report *FlushReport) {
	if err := p.queue.MarkInFlight(m.ID); err != nil {
		p.logger.Error("failed to mark message in flight", "id", m.ID, "error", err)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.policy.PublishTimeout)
	err := p.pub.Publish(attemptCtx, m.Topic, m.Payload)
	cancel()

	if err == nil {
		if err := p.queue.Ack(m.ID); err != nil {
			p.logger.Error("failed to ack delivered message", "id", m.ID, "error", err)
			return
		}
		report.Delivered++
		p.logger.Debug("message delivered", "id", m.ID, "topic", m.Topic)
		return
	}

	retries := m.Retries + 1
	if retries >= p.policy.MaxRetries {
		if abandonErr := p.queue.Abandon(m.ID); abandonErr != nil {
			p.logger.Error("failed to abandon message", "id", m.ID, "error", abandonErr)
			return
		}
		report.Abandoned++
		report.AbandonedIDs = append(report.AbandonedIDs, m.ID)
		p.logger.Warn("message abandoned after exhausting retries",
			"id", m.ID, "topic", m.Topic, "retries", retries, "error", err)
		return
	}

	next := p.now().Add(p.backoff(retries))
	if failErr := p.queue.Fail(m.ID, retries, next); failErr != nil {
		p.logger.Error("failed to record delivery failure", "id", m.ID, "error", failErr)
		return
	}
	report.Failed++
	p.logger.Warn("delivery failed, will retry",
		"id", m.ID, "topic", m.Topic, "retries", retries,
		"next_attempt", next, "error", err)
}

// backoff returns the delay before attempt n+1: base doubled per failure,
// capped at BackoffMax.
func (p *Pipeline) backoff(retries int) time.Duration {
	d := p.policy.BackoffBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= p.policy.BackoffMax {
			return p.policy.BackoffMax
		}
	}
	if d > p.policy.BackoffMax {
		return p.policy.BackoffMax
	}
	return d
}

// Backlog returns the number of buffered messages.
func (p *Pipeline) Backlog() (int, error) {
	return p.queue.Len()
}

func (p *Pipeline) now() time.Time {
	if p.clock != nil {
		return p.clock()
	}
	return time.Now()
}
