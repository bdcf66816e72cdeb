package xbroker

import (
	"context"
	"sort"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// dispatcher is the single logical thread of control draining the queue. It
// wakes on enqueue and on a periodic sweep tick (the sweep exists so TTLs
// expire even when nothing is published).
type dispatcher struct {
	queue    *boundedQueue
	registry *subscriptionRegistry
	metrics  *busMetrics
	clock    xclock.Clock
	logger   *xlog.Logger
	notify   func(BusEvent)

	wake  chan struct{}
	sweep time.Duration
}

func newDispatcher(
	queue *boundedQueue,
	registry *subscriptionRegistry,
	metrics *busMetrics,
	clock xclock.Clock,
	logger *xlog.Logger,
	notify func(BusEvent),
	sweep time.Duration,
) *dispatcher {
	if sweep <= 0 {
		sweep = 100 * time.Millisecond
	}
	return &dispatcher{
		queue:    queue,
		registry: registry,
		metrics:  metrics,
		clock:    clock,
		logger:   logger,
		notify:   notify,
		wake:     make(chan struct{}, 1),
		sweep:    sweep,
	}
}

// signal wakes the loop without blocking the publisher.
func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.cycle(ctx)
	}
}

// cycle drains the whole queue, orders the batch and dispatches it. The
// ordering contract: priority descending first, then publish order (FIFO)
// within equal priority, regardless of arrival order in the batch.
func (d *dispatcher) cycle(ctx context.Context) {
	batch := d.queue.DrainAll()
	if len(batch) == 0 {
		return
	}
	start := d.clock.Now()

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].seq < batch[j].seq
	})

	for _, msg := range batch {
		d.deliver(ctx, msg)
	}

	d.metrics.recordCycle(d.clock.Since(start))
}

// deliver runs one message's entire handler chain to completion before the
// dispatcher moves to the next message.
func (d *dispatcher) deliver(ctx context.Context, msg *Message) {
	if msg.expired(d.clock.Since(msg.ProducedAt)) {
		d.metrics.expired.Add(1)
		d.notify(BusEvent{
			Type:        EventMessageExpired,
			MessageID:   msg.ID,
			MessageType: msg.Type,
			Source:      msg.Source,
			Priority:    msg.Priority,
		})
		return
	}

	failed := 0
	var firstErr error
	for _, sub := range d.registry.Lookup(msg.Type) {
		if msg.Target != "" && sub.Subscriber != msg.Target {
			continue
		}
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}

		// Handlers run strictly sequentially in priority order; a failure
		// never stops sibling handlers or aborts the message.
		if err := sub.handler(ctx, msg); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			d.metrics.handlerFailures.Add(1)
			d.notify(BusEvent{
				Type:           EventHandlerError,
				MessageID:      msg.ID,
				MessageType:    msg.Type,
				Source:         msg.Source,
				Subscriber:     sub.Subscriber,
				SubscriptionID: sub.ID,
				Err:            err,
			})
			d.logger.Warn().
				Str("subscriber", sub.Subscriber).
				Str("type", msg.Type).
				Str("message_id", msg.ID).
				Err(err).
				Msg("xbroker: handler failed")
			// A failed once-handler stays registered: removal happens only
			// after a successful invocation.
			continue
		}

		d.registry.MarkTriggered(sub.ID, d.clock.Now())
		if sub.Once {
			if _, ok := d.registry.Remove(sub.ID); ok {
				d.notify(BusEvent{
					Type:           EventSubscriptionRemoved,
					Subscriber:     sub.Subscriber,
					SubscriptionID: sub.ID,
					MessageType:    sub.EventType,
				})
			}
		}
	}

	if failed > 0 {
		d.notify(BusEvent{
			Type:        EventMessageError,
			MessageID:   msg.ID,
			MessageType: msg.Type,
			Source:      msg.Source,
			Count:       failed,
			Err:         firstErr,
		})
	}

	d.metrics.dispatched.Add(1)
	d.notify(BusEvent{
		Type:        EventMessageProcessed,
		MessageID:   msg.ID,
		MessageType: msg.Type,
		Source:      msg.Source,
		Priority:    msg.Priority,
	})
}
