package xbroker

import (
	"time"
)

// Priority is the ordinal dispatch class of a message. Within a drain batch,
// higher priorities are always dispatched before lower ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Message is the envelope traveling the bus. The Payload is encoded via Codec.
// Messages are immutable once published.
type Message struct {
	// ID is a unique message identifier, assigned at publish time.
	ID string
	// Type is the logical event name used for routing.
	Type string
	// Source identifies the publisher.
	Source string
	// Target, when set, restricts delivery to subscriptions of that subscriber.
	Target string
	// Payload is the encoded bytes of the event.
	Payload []byte
	// Metadata is a bag for headers/tracing/correlation/etc.
	Metadata map[string]string
	// Priority controls dispatch order (default PriorityNormal).
	Priority Priority
	// TTL is the maximum age before the message expires undelivered (0 = none).
	TTL time.Duration
	// RetryCount and MaxRetries are pass-through metadata for the durable
	// bridge; the broker itself does not act on them.
	RetryCount int
	MaxRetries int
	// ProducedAt is the publish timestamp (from the injected clock).
	ProducedAt time.Time

	// seq is the enqueue order, the FIFO tiebreak within equal priority.
	seq uint64
}

// validate rejects malformed messages before they enter the queue.
func (m *Message) validate() error {
	if m.Type == "" {
		return &ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if m.Source == "" {
		return &ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if m.TTL < 0 {
		return &ValidationError{Field: "ttl", Reason: "must be positive"}
	}
	return nil
}

// expired reports whether the message has outlived its TTL at the given age.
func (m *Message) expired(age time.Duration) bool {
	return m.TTL > 0 && age > m.TTL
}

type publishOptions struct {
	priority   Priority
	ttl        time.Duration
	target     string
	meta       map[string]string
	retryCount int
	maxRetries int
}

// PublishOption customizes a single publish call.
type PublishOption func(*publishOptions)

// WithPriority sets the dispatch priority class.
func WithPriority(p Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithTTL bounds the message age; expired messages are dropped undelivered.
func WithTTL(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.ttl = d }
}

// WithTarget addresses the message to a single subscriber.
func WithTarget(subscriber string) PublishOption {
	return func(o *publishOptions) { o.target = subscriber }
}

// WithMeta attaches metadata entries to the message.
func WithMeta(meta map[string]string) PublishOption {
	return func(o *publishOptions) {
		if len(meta) == 0 {
			return
		}
		if o.meta == nil {
			o.meta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			o.meta[k] = v
		}
	}
}

// WithRetryLimit sets the max retry budget consumed by the durable bridge.
func WithRetryLimit(n int) PublishOption {
	return func(o *publishOptions) { o.maxRetries = n }
}

// WithRetryCount carries the current attempt number across a durable re-injection.
func WithRetryCount(n int) PublishOption {
	return func(o *publishOptions) { o.retryCount = n }
}
