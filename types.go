package xbroker

import (
	"time"
)

// EventType enumerates internal lifecycle notifications for the Observer pattern.
type EventType string

const (
	EventMessagePublished    EventType = "message:published"
	EventMessageDropped      EventType = "message:dropped"
	EventMessageExpired      EventType = "message:expired"
	EventMessageProcessed    EventType = "message:processed"
	EventMessageError        EventType = "message:error"
	EventHandlerError        EventType = "handler:error"
	EventSubscriptionCreated EventType = "subscription:created"
	EventSubscriptionRemoved EventType = "subscription:removed"
	EventSubscriberRemoved   EventType = "subscriber:removed"
	EventQueueCleared        EventType = "queue:cleared"
	EventHistoryCleared      EventType = "history:cleared"
	EventBusDisposed         EventType = "bus:disposed"
)

// BusEvent carries telemetry for observers. These are observability signals,
// never errors surfaced to callers.
type BusEvent struct {
	Type           EventType
	MessageID      string
	MessageType    string
	Source         string
	Subscriber     string
	SubscriptionID string
	Priority       Priority
	Count          int
	Duration       time.Duration
	Err            error

	// Internal: attached for async dispatch.
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics is a point-in-time snapshot of broker telemetry.
type Metrics struct {
	Published           uint64
	Dispatched          uint64
	Expired             uint64
	Dropped             uint64
	HandlerFailures     uint64
	ByType              map[string]uint64
	BySource            map[string]uint64
	AvgCycleTimeMs      float64
	QueueDepth          int
	ActiveSubscriptions int
	EventsDropped       uint64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
