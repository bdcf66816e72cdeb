package xbroker

import (
	"sync"
	"sync/atomic"
	"time"
)

// busMetrics uses lock-free atomics for counters; the per-type and per-source
// maps are the only locked state.
type busMetrics struct {
	published       atomic.Uint64
	dispatched      atomic.Uint64
	expired         atomic.Uint64
	dropped         atomic.Uint64
	handlerFailures atomic.Uint64
	cycleNs         atomic.Int64

	mu       sync.Mutex
	byType   map[string]uint64
	bySource map[string]uint64
}

func newBusMetrics() *busMetrics {
	return &busMetrics{
		byType:   make(map[string]uint64),
		bySource: make(map[string]uint64),
	}
}

func (m *busMetrics) recordPublish(eventType, source string) {
	m.published.Add(1)
	m.mu.Lock()
	m.byType[eventType]++
	m.bySource[source]++
	m.mu.Unlock()
}

// recordCycle folds a drain-cycle duration into an exponential moving average.
func (m *busMetrics) recordCycle(d time.Duration) {
	const alpha = 0.2 // 20% weight to new sample
	ns := d.Nanoseconds()
	current := m.cycleNs.Load()
	if current == 0 {
		m.cycleNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	m.cycleNs.Store(newAvg)
}

func (m *busMetrics) snapshot() Metrics {
	m.mu.Lock()
	byType := make(map[string]uint64, len(m.byType))
	for k, v := range m.byType {
		byType[k] = v
	}
	bySource := make(map[string]uint64, len(m.bySource))
	for k, v := range m.bySource {
		bySource[k] = v
	}
	m.mu.Unlock()

	return Metrics{
		Published:       m.published.Load(),
		Dispatched:      m.dispatched.Load(),
		Expired:         m.expired.Load(),
		Dropped:         m.dropped.Load(),
		HandlerFailures: m.handlerFailures.Load(),
		ByType:          byType,
		BySource:        bySource,
		AvgCycleTimeMs:  float64(m.cycleNs.Load()) / 1e6,
	}
}
