// Package kafkaqueue implements the broker's DurableQueue contract on Kafka:
// jobs are persisted to a topic, consumed with bounded exponential backoff and
// routed to a dead-letter topic once retries are exhausted.
package kafkaqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
)

// Header keys stamped onto dead-lettered jobs.
const (
	headerAttempts      = "attempts"
	headerFailureReason = "failure-reason"
	headerOriginalTopic = "original-topic"
)

// Queue is a durable job queue backed by Kafka.
type Queue struct {
	cfg    Config
	writer *kafka.Writer
	dlq    *kafka.Writer
	logger *xlog.Logger

	closeOnce sync.Once

	enqueued     atomic.Uint64
	delivered    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
}

var _ xbroker.DurableQueue = (*Queue)(nil)

// Stats is point-in-time queue telemetry.
type Stats struct {
	Enqueued     uint64
	Delivered    uint64
	Retried      uint64
	DeadLettered uint64
}

// New validates the config and opens the writers. The consumer reader is
// opened per Consume call.
func New(cfg Config, logger *xlog.Logger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafkaqueue: invalid config: %w", err)
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = xlog.Default()
	}

	q := &Queue{
		cfg:    cfg,
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: cfg.WriteTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			RequiredAcks: cfg.RequiredAcks,
		},
	}
	if cfg.DeadLetterTopic != "" {
		q.dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: cfg.WriteTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			RequiredAcks: cfg.RequiredAcks,
		}
	}
	return q, nil
}

// Enqueue persists a job, keyed by job id so retries of the same job stay on
// one partition.
func (q *Queue) Enqueue(ctx context.Context, job xbroker.Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("kafkaqueue: encode job: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(job.ID),
		Value: value,
		Time:  job.ScheduledAt,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafkaqueue: enqueue: %w", err)
	}
	q.enqueued.Add(1)
	return nil
}

// Consume reads jobs and hands them to deliver, retrying per the configured
// policy and dead-lettering after exhaustion. Blocks until ctx is canceled.
// Typical wiring passes bridge.Reinject as deliver.
func (q *Queue) Consume(ctx context.Context, deliver func(ctx context.Context, job xbroker.Job) error) error {
	if q.cfg.GroupID == "" {
		return errors.New("kafkaqueue: groupID is required for consume")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        q.cfg.Brokers,
		GroupID:        q.cfg.GroupID,
		Topic:          q.cfg.Topic,
		MaxWait:        q.cfg.MaxWait,
		QueueCapacity:  q.cfg.BatchSize,
		CommitInterval: time.Second,
	})
	defer func() { _ = reader.Close() }()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kafkaqueue: fetch: %w", err)
		}

		var job xbroker.Job
		if err := json.Unmarshal(m.Value, &job); err != nil {
			// Poison message: dead-letter raw bytes, never block the partition.
			q.deadLetterRaw(ctx, m, err)
			if cerr := reader.CommitMessages(ctx, m); cerr != nil {
				return fmt.Errorf("kafkaqueue: commit: %w", cerr)
			}
			continue
		}

		q.process(ctx, job, deliver)

		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("kafkaqueue: commit: %w", err)
		}
	}
}

// process retries deliver with bounded backoff; the job's own MaxAttempts
// caps the policy when set.
func (q *Queue) process(ctx context.Context, job xbroker.Job, deliver func(ctx context.Context, job xbroker.Job) error) {
	attempts := q.cfg.Retry.MaxAttempts
	if job.MaxAttempts > 0 && job.MaxAttempts < attempts {
		attempts = job.MaxAttempts
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		job.Attempt = i
		if lastErr = deliver(ctx, job); lastErr == nil {
			q.delivered.Add(1)
			return
		}
		if ctx.Err() != nil {
			break
		}
		if i < attempts-1 {
			q.retried.Add(1)
			q.logger.Warn().
				Str("job_id", job.ID).
				Str("tool", job.Tool).
				Err(lastErr).
				Msg("kafkaqueue: delivery failed, backing off")
			select {
			case <-time.After(backoffFor(q.cfg.Retry, i)):
			case <-ctx.Done():
				return
			}
		}
	}

	q.deadLetter(ctx, job, lastErr)
}

func (q *Queue) deadLetter(ctx context.Context, job xbroker.Job, cause error) {
	if q.dlq == nil {
		q.logger.Error().
			Str("job_id", job.ID).
			Err(cause).
			Msg("kafkaqueue: retries exhausted, no dead-letter topic configured")
		return
	}
	value, err := json.Marshal(job)
	if err != nil {
		q.logger.Error().Str("job_id", job.ID).Err(err).Msg("kafkaqueue: encode dead letter")
		return
	}
	msg := kafka.Message{
		Key:   []byte(job.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerAttempts, Value: []byte(strconv.Itoa(job.Attempt + 1))},
			{Key: headerFailureReason, Value: []byte(fmt.Sprint(cause))},
			{Key: headerOriginalTopic, Value: []byte(q.cfg.Topic)},
		},
	}
	if err := q.dlq.WriteMessages(ctx, msg); err != nil {
		q.logger.Error().Str("job_id", job.ID).Err(err).Msg("kafkaqueue: dead-letter write failed")
		return
	}
	q.deadLettered.Add(1)
}

func (q *Queue) deadLetterRaw(ctx context.Context, m kafka.Message, cause error) {
	if q.dlq == nil {
		q.logger.Error().Err(cause).Msg("kafkaqueue: undecodable job dropped")
		return
	}
	m.Topic = "" // writer owns the topic
	m.Headers = append(m.Headers, kafka.Header{Key: headerFailureReason, Value: []byte(fmt.Sprint(cause))})
	if err := q.dlq.WriteMessages(ctx, m); err != nil {
		q.logger.Error().Err(err).Msg("kafkaqueue: dead-letter write failed")
		return
	}
	q.deadLettered.Add(1)
}

// Stats returns current queue telemetry.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:     q.enqueued.Load(),
		Delivered:    q.delivered.Load(),
		Retried:      q.retried.Load(),
		DeadLettered: q.deadLettered.Load(),
	}
}

// Close shuts the writers down, bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	var closeErr error
	q.closeOnce.Do(func() {
		done := make(chan error, 2)
		n := 1
		go func() { done <- q.writer.Close() }()
		if q.dlq != nil {
			n++
			go func() { done <- q.dlq.Close() }()
		}
		for i := 0; i < n; i++ {
			select {
			case err := <-done:
				if err != nil {
					closeErr = err
				}
			case <-ctx.Done():
				closeErr = ctx.Err()
				return
			}
		}
	})
	return closeErr
}
