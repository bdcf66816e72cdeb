package xbroker

import (
	"sync"
)

// HistoryQuery selects entries from the history buffer. Filters apply in
// order: Type, then Source, then Limit keeping the most recent N.
type HistoryQuery struct {
	Type   string
	Source string
	Limit  int
}

// historyBuffer is a bounded, query-able log of published messages,
// independent of the pending queue.
type historyBuffer struct {
	mu       sync.RWMutex
	entries  []*Message
	capacity int
}

func newHistoryBuffer(capacity int) *historyBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &historyBuffer{
		entries:  make([]*Message, 0, capacity),
		capacity: capacity,
	}
}

// Append records a published message, evicting the oldest entry when full.
func (h *historyBuffer) Append(m *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) >= h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, m)
}

// Query returns matching entries in chronological order.
func (h *historyBuffer) Query(q HistoryQuery) []*Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Message, 0, len(h.entries))
	for _, m := range h.entries {
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if q.Source != "" && m.Source != q.Source {
			continue
		}
		out = append(out, m)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Clear discards the buffer contents.
func (h *historyBuffer) Clear() {
	h.mu.Lock()
	h.entries = h.entries[:0]
	h.mu.Unlock()
}
