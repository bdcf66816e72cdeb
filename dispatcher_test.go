package xbroker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// dispatchHarness wires the dispatcher's collaborators directly so a test can
// drive cycles synchronously instead of racing the run loop.
type dispatchHarness struct {
	queue    *boundedQueue
	registry *subscriptionRegistry
	metrics  *busMetrics
	events   []BusEvent
	disp     *dispatcher
}

func newDispatchHarness() *dispatchHarness {
	h := &dispatchHarness{
		queue:    newBoundedQueue(64),
		registry: newSubscriptionRegistry(),
		metrics:  newBusMetrics(),
	}
	h.disp = newDispatcher(
		h.queue, h.registry, h.metrics,
		xclock.Default(), xlog.Default(),
		func(e BusEvent) { h.events = append(h.events, e) },
		time.Second,
	)
	return h
}

func (h *dispatchHarness) enqueue(id string, p Priority, seq uint64) {
	h.queue.Enqueue(&Message{
		ID: id, Type: "t", Source: "s",
		Priority: p, ProducedAt: time.Now(), seq: seq,
	})
}

func (h *dispatchHarness) eventsOf(typ EventType) []BusEvent {
	var out []BusEvent
	for _, e := range h.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestDispatcher_PriorityOrderWithFIFOTiebreak(t *testing.T) {
	h := newDispatchHarness()

	var got []string
	h.registry.Add(&Subscription{
		ID: "rec", Subscriber: "rec", EventType: "t",
		handler: func(ctx context.Context, m *Message) error {
			got = append(got, m.ID)
			return nil
		},
	})

	h.enqueue("low-1", PriorityLow, 1)
	h.enqueue("crit-2", PriorityCritical, 2)
	h.enqueue("norm-3", PriorityNormal, 3)
	h.enqueue("crit-4", PriorityCritical, 4)
	h.enqueue("high-5", PriorityHigh, 5)

	h.disp.cycle(context.Background())

	assert.Equal(t, []string{"crit-2", "crit-4", "high-5", "norm-3", "low-1"}, got)
}

func TestDispatcher_ExpiredMessageSkipsHandlers(t *testing.T) {
	h := newDispatchHarness()

	invoked := false
	h.registry.Add(&Subscription{
		ID: "rec", Subscriber: "rec", EventType: "t",
		handler: func(ctx context.Context, m *Message) error {
			invoked = true
			return nil
		},
	})

	h.queue.Enqueue(&Message{
		ID: "stale", Type: "t", Source: "s",
		TTL:        10 * time.Millisecond,
		ProducedAt: time.Now().Add(-time.Second),
	})
	h.disp.cycle(context.Background())

	assert.False(t, invoked)
	assert.Equal(t, uint64(1), h.metrics.expired.Load())

	expired := h.eventsOf(EventMessageExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].MessageID)
	assert.Empty(t, h.eventsOf(EventMessageProcessed))
}

func TestDispatcher_TargetRestrictsDelivery(t *testing.T) {
	h := newDispatchHarness()

	var got []string
	record := func(name string) Handler {
		return func(ctx context.Context, m *Message) error {
			got = append(got, name)
			return nil
		}
	}
	h.registry.Add(&Subscription{ID: "a", Subscriber: "alpha", EventType: "t", handler: record("alpha")})
	h.registry.Add(&Subscription{ID: "b", Subscriber: "beta", EventType: "t", handler: record("beta")})

	h.queue.Enqueue(&Message{
		ID: "m1", Type: "t", Source: "s", Target: "beta", ProducedAt: time.Now(),
	})
	h.disp.cycle(context.Background())

	assert.Equal(t, []string{"beta"}, got)
}

func TestDispatcher_FilterNarrowsDelivery(t *testing.T) {
	h := newDispatchHarness()

	var got []string
	h.registry.Add(&Subscription{
		ID: "f", Subscriber: "rec", EventType: "t",
		filter: func(m *Message) bool { return m.Metadata["kind"] == "wanted" },
		handler: func(ctx context.Context, m *Message) error {
			got = append(got, m.ID)
			return nil
		},
	})

	h.queue.Enqueue(&Message{
		ID: "skip", Type: "t", Source: "s", ProducedAt: time.Now(),
		Metadata: map[string]string{"kind": "other"},
	})
	h.queue.Enqueue(&Message{
		ID: "take", Type: "t", Source: "s", ProducedAt: time.Now(),
		Metadata: map[string]string{"kind": "wanted"}, seq: 1,
	})
	h.disp.cycle(context.Background())

	assert.Equal(t, []string{"take"}, got)
}

func TestDispatcher_HandlerPriorityOrdersInvocation(t *testing.T) {
	h := newDispatchHarness()

	var got []string
	record := func(name string) Handler {
		return func(ctx context.Context, m *Message) error {
			got = append(got, name)
			return nil
		}
	}
	h.registry.Add(&Subscription{ID: "lo", Subscriber: "lo", EventType: "t", Priority: 1, handler: record("lo")})
	h.registry.Add(&Subscription{ID: "hi", Subscriber: "hi", EventType: "t", Priority: 10, handler: record("hi")})

	h.enqueue("m1", PriorityNormal, 1)
	h.disp.cycle(context.Background())

	assert.Equal(t, []string{"hi", "lo"}, got)
}

func TestDispatcher_OnceRemovedAfterSuccess(t *testing.T) {
	h := newDispatchHarness()

	calls := 0
	h.registry.Add(&Subscription{
		ID: "once", Subscriber: "rec", EventType: "t", Once: true,
		handler: func(ctx context.Context, m *Message) error {
			calls++
			return nil
		},
	})

	h.enqueue("m1", PriorityNormal, 1)
	h.disp.cycle(context.Background())
	h.enqueue("m2", PriorityNormal, 2)
	h.disp.cycle(context.Background())

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, h.registry.Len())
	require.Len(t, h.eventsOf(EventSubscriptionRemoved), 1)
}

func TestDispatcher_OnceSurvivesFailedInvocation(t *testing.T) {
	h := newDispatchHarness()

	calls := 0
	h.registry.Add(&Subscription{
		ID: "once", Subscriber: "rec", EventType: "t", Once: true,
		handler: func(ctx context.Context, m *Message) error {
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		},
	})

	// The failed attempt must leave the subscription in place so a retry
	// publish can still reach it.
	h.enqueue("m1", PriorityNormal, 1)
	h.disp.cycle(context.Background())
	assert.Equal(t, 1, h.registry.Len())

	h.enqueue("m2", PriorityNormal, 2)
	h.disp.cycle(context.Background())

	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, h.registry.Len())
}

func TestDispatcher_HandlerFailureDoesNotStopSiblings(t *testing.T) {
	h := newDispatchHarness()

	var got []string
	h.registry.Add(&Subscription{
		ID: "bad", Subscriber: "bad", EventType: "t", Priority: 10,
		handler: func(ctx context.Context, m *Message) error {
			return errors.New("boom")
		},
	})
	h.registry.Add(&Subscription{
		ID: "good", Subscriber: "good", EventType: "t", Priority: 1,
		handler: func(ctx context.Context, m *Message) error {
			got = append(got, m.ID)
			return nil
		},
	})

	h.enqueue("m1", PriorityNormal, 1)
	h.disp.cycle(context.Background())

	assert.Equal(t, []string{"m1"}, got)
	assert.Equal(t, uint64(1), h.metrics.handlerFailures.Load())

	errs := h.eventsOf(EventHandlerError)
	require.Len(t, errs, 1)
	assert.Equal(t, "bad", errs[0].Subscriber)

	// One message-level error summarizing the failed handlers.
	msgErrs := h.eventsOf(EventMessageError)
	require.Len(t, msgErrs, 1)
	assert.Equal(t, 1, msgErrs[0].Count)

	// The message still completes its dispatch.
	require.Len(t, h.eventsOf(EventMessageProcessed), 1)
	assert.Equal(t, uint64(1), h.metrics.dispatched.Load())
}

func TestDispatcher_NoSubscribersStillConsumes(t *testing.T) {
	h := newDispatchHarness()

	h.enqueue("m1", PriorityNormal, 1)
	h.disp.cycle(context.Background())

	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, uint64(1), h.metrics.dispatched.Load())
	require.Len(t, h.eventsOf(EventMessageProcessed), 1)
}

func TestDispatcher_CycleRecordsAverage(t *testing.T) {
	h := newDispatchHarness()
	h.enqueue("m1", PriorityNormal, 1)
	h.disp.cycle(context.Background())

	assert.GreaterOrEqual(t, h.metrics.snapshot().AvgCycleTimeMs, 0.0)
}
