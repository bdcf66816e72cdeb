package xbroker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is the durable job-queue schema: what the broker hands to the external
// collaborator for retry-capable processing across restarts. The broker itself
// never persists anything.
type Job struct {
	ID                string            `json:"id"`
	Tool              string            `json:"tool"`
	Type              string            `json:"type"`
	Source            string            `json:"source"`
	Priority          Priority          `json:"priority"`
	Attempt           int               `json:"attempt"`
	MaxAttempts       int               `json:"max_attempts"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	VisibilityTimeout time.Duration     `json:"visibility_timeout"`
	Payload           []byte            `json:"payload"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// DurableQueue is the narrow contract toward durable storage. Queue policy
// (retry backoff, dead-letter routing, batch size, retention) lives behind the
// adapter, not in the broker.
type DurableQueue interface {
	Enqueue(ctx context.Context, job Job) error
	Close(ctx context.Context) error
}

// DurableBridge adapts between the volatile in-process broker and a durable
// queue: Offload hands a message to durable storage, Reinject publishes a
// delivered durable job back into the broker.
type DurableBridge struct {
	bus   *Bus
	queue DurableQueue

	// VisibilityTimeout stamped onto offloaded jobs (0 = adapter default).
	VisibilityTimeout time.Duration
}

// NewDurableBridge wires a bus to durable storage.
func NewDurableBridge(bus *Bus, queue DurableQueue) *DurableBridge {
	return &DurableBridge{bus: bus, queue: queue}
}

// Offload hands a message to durable storage for retry-capable processing.
// Retry metadata passes through untouched.
func (br *DurableBridge) Offload(ctx context.Context, msg *Message, tool string) error {
	if br.bus.closed.Load() {
		return ErrBusClosed
	}
	return br.queue.Enqueue(ctx, Job{
		ID:                msg.ID,
		Tool:              tool,
		Type:              msg.Type,
		Source:            msg.Source,
		Priority:          msg.Priority,
		Attempt:           msg.RetryCount,
		MaxAttempts:       msg.MaxRetries,
		ScheduledAt:       msg.ProducedAt,
		VisibilityTimeout: br.VisibilityTimeout,
		Payload:           msg.Payload,
		Metadata:          msg.Metadata,
	})
}

// Reinject publishes a durable job back into the broker once delivered. The
// message takes a fresh id and timestamp; priority and retry metadata carry over.
func (br *DurableBridge) Reinject(ctx context.Context, job Job) (string, error) {
	if br.bus.closed.Load() {
		return "", ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Type:       job.Type,
		Source:     job.Source,
		Payload:    job.Payload,
		Metadata:   job.Metadata,
		Priority:   job.Priority,
		RetryCount: job.Attempt,
		MaxRetries: job.MaxAttempts,
		ProducedAt: br.bus.clock.Now(),
	}
	return br.bus.publishMessage(msg)
}
