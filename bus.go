package xbroker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Bus is the central Facade composing the bounded queue, the subscription
// registry, the history buffer, the metrics collector and the dispatcher, and
// owning their lifecycle. Construct via BusBuilder or New; dispose via Close.
type Bus struct {
	queue    *boundedQueue
	registry *subscriptionRegistry
	history  *historyBuffer
	metrics  *busMetrics
	disp     *dispatcher

	codec       Codec
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware

	pool        *observerPool
	observersMu sync.RWMutex
	observers   []Observer

	baseCtx   context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	seq       atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Publish validates, enqueues, records to history and counts the message, then
// wakes the dispatcher. Returns the generated message id.
func (b *Bus) Publish(ctx context.Context, eventType, source string, payload any, opts ...PublishOption) (string, error) {
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	po := publishOptions{priority: PriorityNormal}
	for _, opt := range opts {
		if opt != nil {
			opt(&po)
		}
	}

	data, err := b.codec.Marshal(payload)
	if err != nil {
		return "", err
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Type:       eventType,
		Source:     source,
		Target:     po.target,
		Payload:    data,
		Metadata:   po.meta,
		Priority:   po.priority,
		TTL:        po.ttl,
		RetryCount: po.retryCount,
		MaxRetries: po.maxRetries,
		ProducedAt: b.clock.Now(),
	}

	return b.publishMessage(msg)
}

// Send is sugar: publish addressed to a single subscriber.
func (b *Bus) Send(ctx context.Context, eventType, source, target string, payload any, opts ...PublishOption) (string, error) {
	return b.Publish(ctx, eventType, source, payload, append(opts, WithTarget(target))...)
}

// Broadcast is sugar: publish with no target.
func (b *Bus) Broadcast(ctx context.Context, eventType, source string, payload any, opts ...PublishOption) (string, error) {
	return b.Publish(ctx, eventType, source, payload, append(opts, WithTarget(""))...)
}

// publishMessage is the shared enqueue path used by Publish and the durable
// bridge re-injection. Rejection never reaches the dispatcher or history.
func (b *Bus) publishMessage(msg *Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}
	msg.seq = b.seq.Add(1)

	if evicted := b.queue.Enqueue(msg); evicted != nil {
		// Drop-oldest backpressure: an observability event, not an error.
		b.metrics.dropped.Add(1)
		b.notifyAsync(BusEvent{
			Type:        EventMessageDropped,
			MessageID:   evicted.ID,
			MessageType: evicted.Type,
			Source:      evicted.Source,
			Priority:    evicted.Priority,
		})
	}

	b.history.Append(msg)
	b.metrics.recordPublish(msg.Type, msg.Source)
	b.notifyAsync(BusEvent{
		Type:        EventMessagePublished,
		MessageID:   msg.ID,
		MessageType: msg.Type,
		Source:      msg.Source,
		Priority:    msg.Priority,
	})

	b.disp.signal()
	return msg.ID, nil
}

// Subscribe registers a handler for an event type. The handler is wrapped with
// the configured middlewares and is always protected by recovery.
func (b *Bus) Subscribe(subscriber, eventType string, h Handler, opts ...SubscribeOption) (string, error) {
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	if subscriber == "" {
		return "", &ValidationError{Field: "subscriber", Reason: "must not be empty"}
	}
	if eventType == "" {
		return "", &ValidationError{Field: "eventType", Reason: "must not be empty"}
	}
	if h == nil {
		return "", &ValidationError{Field: "handler", Reason: "must not be nil"}
	}

	so := subscribeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}

	base := RecoveryMiddleware()(h)
	sub := &Subscription{
		ID:         uuid.NewString(),
		Subscriber: subscriber,
		EventType:  eventType,
		Priority:   so.priority,
		Once:       so.once,
		CreatedAt:  b.clock.Now(),
		handler:    Chain(base, b.middlewares...),
		filter:     so.filter,
	}
	b.registry.Add(sub)

	b.notifyAsync(BusEvent{
		Type:           EventSubscriptionCreated,
		Subscriber:     subscriber,
		SubscriptionID: sub.ID,
		MessageType:    eventType,
	})
	return sub.ID, nil
}

// Unsubscribe cancels future delivery for the subscription id. Idempotent:
// true exactly once per id, false on every subsequent call. It does not
// interrupt a handler already executing.
func (b *Bus) Unsubscribe(id string) bool {
	if b.closed.Load() {
		return false
	}
	sub, ok := b.registry.Remove(id)
	if !ok {
		return false
	}
	b.notifyAsync(BusEvent{
		Type:           EventSubscriptionRemoved,
		Subscriber:     sub.Subscriber,
		SubscriptionID: sub.ID,
		MessageType:    sub.EventType,
	})
	return true
}

// UnsubscribeAll bulk-removes every subscription of a subscriber and returns
// the removed count.
func (b *Bus) UnsubscribeAll(subscriber string) int {
	if b.closed.Load() {
		return 0
	}
	removed := b.registry.RemoveBySubscriber(subscriber)
	if len(removed) > 0 {
		b.notifyAsync(BusEvent{
			Type:       EventSubscriberRemoved,
			Subscriber: subscriber,
			Count:      len(removed),
		})
	}
	return len(removed)
}

// Subscriptions returns snapshots of active subscriptions, optionally
// restricted to a single subscriber.
func (b *Bus) Subscriptions(subscriber ...string) []SubscriptionInfo {
	if b.closed.Load() {
		return nil
	}
	filter := ""
	if len(subscriber) > 0 {
		filter = subscriber[0]
	}
	return b.registry.Snapshot(filter)
}

// History queries the published-message log: type filter, then source filter,
// then the most recent Limit entries.
func (b *Bus) History(q HistoryQuery) []*Message {
	if b.closed.Load() {
		return nil
	}
	return b.history.Query(q)
}

// GetMetrics returns the current telemetry snapshot.
func (b *Bus) GetMetrics() Metrics {
	m := b.metrics.snapshot()
	m.QueueDepth = b.queue.Len()
	m.ActiveSubscriptions = b.registry.Len()
	if b.pool != nil {
		m.EventsDropped = b.pool.Stats().Dropped
	}
	return m
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: time.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if handler failure rate > 5%.
	if metrics.HandlerFailures > 0 && metrics.Published > 0 {
		failureRate := float64(metrics.HandlerFailures) / float64(metrics.Published)
		if failureRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: time.Now(),
	}
}

// ClearQueue discards pending messages and returns the evicted count.
func (b *Bus) ClearQueue() int {
	if b.closed.Load() {
		return 0
	}
	n := b.queue.Clear()
	b.notifyAsync(BusEvent{Type: EventQueueCleared, Count: n})
	return n
}

// ClearHistory discards the published-message log.
func (b *Bus) ClearHistory() {
	if b.closed.Load() {
		return
	}
	b.history.Clear()
	b.notifyAsync(BusEvent{Type: EventHistoryCleared})
}

// Close disposes the bus: stops the dispatcher, drains the observer pool and
// releases internal state. Idempotent; every later operation fails fast with
// ErrBusClosed.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.notifyAsync(BusEvent{Type: EventBusDisposed})
		b.closed.Store(true)

		// 1. Stop the dispatcher.
		b.runCancel()
		b.runWG.Wait()

		// 2. Drain the observer pool.
		if b.pool != nil {
			if err := b.pool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xbroker: observer pool shutdown timeout")
				closeErr = err
			}
		}

		// 3. Release internal state.
		b.queue.Clear()
		b.registry.Clear()
		b.history.Clear()
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches lifecycle events asynchronously (non-blocking).
func (b *Bus) notifyAsync(e BusEvent) {
	if b.pool == nil || (b.closed.Load() && e.Type != EventBusDisposed) {
		return
	}

	b.observersMu.RLock()
	n := len(b.observers)
	if n == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, n)
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.pool.Notify(e, observers)
}
