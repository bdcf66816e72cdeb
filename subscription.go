package xbroker

import (
	"time"
)

// Subscription is a registered interest in a message type. Handler and filter
// are owned by the dispatcher; callers observe subscriptions via SubscriptionInfo.
type Subscription struct {
	ID         string
	Subscriber string
	// EventType is exact-match only; there are no wildcards.
	EventType string
	// Priority orders handlers within a type: higher runs first, ties broken
	// by registration order.
	Priority int
	// Once auto-removes the subscription after its first successful invocation.
	Once      bool
	CreatedAt time.Time

	handler Handler
	filter  Filter

	// order is the registration sequence, the stable tiebreak for equal priority.
	order uint64

	// Guarded by the registry lock.
	lastTriggered time.Time
	triggerCount  uint64
}

// SubscriptionInfo is a point-in-time snapshot of a subscription, safe to
// retain after the subscription is removed.
type SubscriptionInfo struct {
	ID            string
	Subscriber    string
	EventType     string
	Priority      int
	Once          bool
	CreatedAt     time.Time
	LastTriggered time.Time
	TriggerCount  uint64
}

type subscribeOptions struct {
	priority int
	once     bool
	filter   Filter
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

// WithHandlerPriority orders this handler relative to others on the same type;
// higher runs first.
func WithHandlerPriority(p int) SubscribeOption {
	return func(o *subscribeOptions) { o.priority = p }
}

// WithOnce removes the subscription after its first successful invocation.
func WithOnce() SubscribeOption {
	return func(o *subscribeOptions) { o.once = true }
}

// WithFilter narrows delivery to messages matching the predicate.
func WithFilter(f Filter) SubscribeOption {
	return func(o *subscribeOptions) { o.filter = f }
}
