package xbroker

import (
	"context"
	"encoding/json"
	"time"
)

// Handler processes a single dispatched message. Returned errors are counted
// and reported but never stop sibling handlers or the dispatch loop.
type Handler func(ctx context.Context, msg *Message) error

// Filter is an optional predicate narrowing which messages a subscription sees.
type Filter func(msg *Message) bool

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Observer receives bus lifecycle events. Implementations should be non-blocking;
// dispatch happens on the observer pool.
type Observer interface {
	OnBusEvent(e BusEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete broker surface for extensibility.
type API interface {
	Publish(ctx context.Context, eventType, source string, payload any, opts ...PublishOption) (string, error)
	Send(ctx context.Context, eventType, source, target string, payload any, opts ...PublishOption) (string, error)
	Broadcast(ctx context.Context, eventType, source string, payload any, opts ...PublishOption) (string, error)
	Subscribe(subscriber, eventType string, h Handler, opts ...SubscribeOption) (string, error)
	Unsubscribe(id string) bool
	UnsubscribeAll(subscriber string) int
	Subscriptions(subscriber ...string) []SubscriptionInfo
	History(q HistoryQuery) []*Message
	Request(ctx context.Context, eventType, source, target string, payload any, timeout time.Duration) (json.RawMessage, error)
	Respond(ctx context.Context, req *Message, source string, result any, cause error) (string, error)
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	ClearQueue() int
	ClearHistory()
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	Close(ctx context.Context) error
}
