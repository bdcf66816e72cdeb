package xbroker

import (
	"sync"
)

// boundedQueue holds pending messages between publish and dispatch. When full,
// Enqueue evicts the single oldest pending message (drop-oldest backpressure).
type boundedQueue struct {
	mu       sync.Mutex
	items    []*Message
	capacity int
}

func newBoundedQueue(capacity int) *boundedQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &boundedQueue{
		items:    make([]*Message, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue appends a message and returns the evicted oldest message, if any.
// Eviction is an observability event, not an error: the new message is always accepted.
func (q *boundedQueue) Enqueue(m *Message) (evicted *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append(q.items, m)
	return evicted
}

// DrainAll atomically removes and returns every pending message. Draining the
// whole queue per cycle bounds dispatcher latency: the queue cannot grow while
// being serviced one item at a time.
func (q *boundedQueue) DrainAll() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	batch := q.items
	q.items = make([]*Message, 0, q.capacity)
	return batch
}

// Len returns the current pending depth.
func (q *boundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all pending messages and returns how many were removed.
func (q *boundedQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = q.items[:0]
	return n
}
