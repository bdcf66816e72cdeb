// Package redisqueue implements the broker's DurableQueue contract on Redis
// Streams: XADD persistence, consumer-group delivery, a pending-entry reclaim
// sweep as the visibility timeout, and a dead-letter stream after retry
// exhaustion.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
)

// Stream field names.
const (
	fieldID          = "id"
	fieldTool        = "tool"
	fieldType        = "type"
	fieldSource      = "source"
	fieldPriority    = "priority"
	fieldAttempt     = "attempt"
	fieldMaxAttempts = "max_attempts"
	fieldScheduledAt = "scheduled_at" // int64 ns
	fieldVisibility  = "visibility"   // int64 ns
	fieldPayload     = "payload"      // raw bytes, binary-safe
	fieldMetaPrefix  = "meta:"

	fieldDLOrigin = "orig_id"
	fieldDLError  = "error"
)

// Queue is a durable job queue backed by a Redis stream.
type Queue struct {
	cfg    Config
	client *redis.Client
	logger *xlog.Logger

	closeOnce sync.Once
}

var _ xbroker.DurableQueue = (*Queue)(nil)

// New opens a client and verifies connectivity.
func New(cfg Config, logger *xlog.Logger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = xlog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := ping(client); err != nil {
		return nil, err
	}
	return &Queue{cfg: cfg, client: client, logger: logger}, nil
}

// Enqueue appends the job to the stream, trimming approximately to the
// configured retention length.
func (q *Queue) Enqueue(ctx context.Context, job xbroker.Job) error {
	vals := make(map[string]any, 10+len(job.Metadata))
	vals[fieldID] = job.ID
	vals[fieldTool] = job.Tool
	vals[fieldType] = job.Type
	vals[fieldSource] = job.Source
	vals[fieldPriority] = int(job.Priority)
	vals[fieldAttempt] = job.Attempt
	vals[fieldMaxAttempts] = job.MaxAttempts
	vals[fieldScheduledAt] = job.ScheduledAt.UnixNano()
	vals[fieldVisibility] = int64(job.VisibilityTimeout)
	vals[fieldPayload] = job.Payload
	for k, v := range job.Metadata {
		vals[fieldMetaPrefix+k] = v
	}

	args := &redis.XAddArgs{
		Stream: q.cfg.Stream,
		ID:     "*",
		Values: vals,
	}
	if q.cfg.MaxLenApprox > 0 {
		args.MaxLen = q.cfg.MaxLenApprox
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

// Consume reads jobs from the consumer group and hands them to deliver.
// Unacknowledged jobs reappear after the visibility timeout via the reclaim
// sweep; jobs failing past the attempt budget move to the dead-letter stream.
// Blocks until ctx is canceled.
func (q *Queue) Consume(ctx context.Context, deliver func(ctx context.Context, job xbroker.Job) error) error {
	if q.cfg.AutoCreate {
		// "$" starts from new messages; BUSYGROUP means it already exists.
		if err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "$").Err(); err != nil &&
			!strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("redisqueue: create group: %w", err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.claimLoop(innerCtx, deliver)
	}()
	defer wg.Wait()

	args := &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(q.cfg.BatchSize),
		Block:    q.cfg.Block,
	}

	for {
		select {
		case <-innerCtx.Done():
			return ctx.Err()
		default:
		}

		res, err := q.client.XReadGroup(innerCtx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || innerCtx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue // block timeout
			}
			// Transient error: small backoff.
			select {
			case <-time.After(200 * time.Millisecond):
			case <-innerCtx.Done():
				return ctx.Err()
			}
			continue
		}

		for i := range res {
			for j := range res[i].Messages {
				q.handle(innerCtx, res[i].Messages[j], 1, deliver)
			}
		}
	}
}

// handle delivers one stream entry. deliveries is how many times the entry has
// been handed out, including this one.
func (q *Queue) handle(ctx context.Context, x redis.XMessage, deliveries int64, deliver func(ctx context.Context, job xbroker.Job) error) {
	job := decodeJob(x.Values)
	job.Attempt = int(deliveries) - 1

	if err := deliver(ctx, job); err != nil {
		maxAttempts := q.cfg.MaxAttempts
		if job.MaxAttempts > 0 && job.MaxAttempts < maxAttempts {
			maxAttempts = job.MaxAttempts
		}
		if deliveries >= int64(maxAttempts) {
			q.deadLetter(ctx, x, job, err)
			return
		}
		q.logger.Warn().
			Str("job_id", job.ID).
			Str("tool", job.Tool).
			Err(err).
			Msg("redisqueue: delivery failed, leaving pending for reclaim")
		// Leave pending: the claim sweep redelivers after the visibility timeout.
		return
	}
	q.ack(ctx, x.ID)
}

func (q *Queue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		q.logger.Warn().Str("entry_id", id).Err(err).Msg("redisqueue: ack failed")
		return
	}
	if q.cfg.AutoDeleteOnAck {
		_ = q.client.XDel(ctx, q.cfg.Stream, id).Err()
	}
}

// deadLetter moves an exhausted job to the dead-letter stream, then acks the
// original to avoid a poison loop.
func (q *Queue) deadLetter(ctx context.Context, x redis.XMessage, job xbroker.Job, cause error) {
	if dl := q.cfg.DeadLetter; dl != "" {
		vals := make(map[string]any, len(x.Values)+2)
		for k, v := range x.Values {
			vals[k] = v
		}
		vals[fieldDLOrigin] = x.ID
		vals[fieldDLError] = fmt.Sprint(cause)
		vals[fieldAttempt] = job.Attempt + 1
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: vals,
		}).Err(); err != nil {
			q.logger.Error().Str("job_id", job.ID).Err(err).Msg("redisqueue: dead-letter write failed")
		}
	} else {
		q.logger.Error().
			Str("job_id", job.ID).
			Err(cause).
			Msg("redisqueue: retries exhausted, no dead-letter stream configured")
	}
	q.ack(ctx, x.ID)
}

// claimLoop is the visibility timeout: entries pending longer than the
// configured idle time are claimed back and redelivered.
func (q *Queue) claimLoop(ctx context.Context, deliver func(ctx context.Context, job xbroker.Job) error) {
	ticker := time.NewTicker(q.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: q.cfg.Stream,
			Group:  q.cfg.Group,
			Start:  "-",
			End:    "+",
			Count:  int64(q.cfg.BatchSize),
			Idle:   q.cfg.VisibilityTimeout,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		retries := make(map[string]int64, len(pending))
		ids := make([]string, 0, len(pending))
		for i := range pending {
			ids = append(ids, pending[i].ID)
			retries[pending[i].ID] = pending[i].RetryCount
		}

		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.VisibilityTimeout,
			Messages: ids,
		}).Result()
		if err != nil {
			continue
		}

		for i := range claimed {
			deliveries := retries[claimed[i].ID] + 1
			q.handle(ctx, claimed[i], deliveries, deliver)
		}
	}
}

// Close releases the client.
func (q *Queue) Close(_ context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		err = q.client.Close()
	})
	return err
}

func decodeJob(vals map[string]any) xbroker.Job {
	job := xbroker.Job{}
	job.ID = asString(vals[fieldID])
	job.Tool = asString(vals[fieldTool])
	job.Type = asString(vals[fieldType])
	job.Source = asString(vals[fieldSource])
	if n, ok := toInt64(vals[fieldPriority]); ok {
		job.Priority = xbroker.Priority(n)
	}
	if n, ok := toInt64(vals[fieldAttempt]); ok {
		job.Attempt = int(n)
	}
	if n, ok := toInt64(vals[fieldMaxAttempts]); ok {
		job.MaxAttempts = int(n)
	}
	if ns, ok := toInt64(vals[fieldScheduledAt]); ok && ns > 0 {
		job.ScheduledAt = time.Unix(0, ns)
	}
	if ns, ok := toInt64(vals[fieldVisibility]); ok && ns > 0 {
		job.VisibilityTimeout = time.Duration(ns)
	}
	switch p := vals[fieldPayload].(type) {
	case []byte:
		job.Payload = p
	case string:
		job.Payload = []byte(p)
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			if job.Metadata == nil {
				job.Metadata = make(map[string]string, 4)
			}
			job.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	return job
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redisqueue: ping timeout: %w", err)
		}
		return err
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("redisqueue: unexpected ping result: %s", res)
	}
	return nil
}
