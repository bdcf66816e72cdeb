package xbroker

import (
	"sort"
	"sync"
	"time"
)

// subscriptionRegistry stores handler registrations keyed by message type,
// sorted by handler priority. Mutated by the public API and read by the
// dispatcher, so all access goes through the lock.
type subscriptionRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*Subscription
	byType map[string][]*Subscription
	seq    uint64
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		byID:   make(map[string]*Subscription),
		byType: make(map[string][]*Subscription),
	}
}

// Add inserts the subscription into the type-indexed list and re-sorts that
// list by priority descending, stable w.r.t. registration order.
func (r *subscriptionRegistry) Add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	sub.order = r.seq
	r.byID[sub.ID] = sub

	list := append(r.byType[sub.EventType], sub)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].order < list[j].order
	})
	r.byType[sub.EventType] = list
}

// Remove deletes by id from both indexes. The bool result supports idempotent
// unsubscribe: true exactly once per id.
func (r *subscriptionRegistry) Remove(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	r.removeFromTypeIndex(sub)
	return sub, true
}

// RemoveBySubscriber bulk-removes every subscription owned by subscriber and
// returns the removed set.
func (r *subscriptionRegistry) RemoveBySubscriber(subscriber string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Subscription
	for id, sub := range r.byID {
		if sub.Subscriber != subscriber {
			continue
		}
		delete(r.byID, id)
		r.removeFromTypeIndex(sub)
		removed = append(removed, sub)
	}
	return removed
}

func (r *subscriptionRegistry) removeFromTypeIndex(sub *Subscription) {
	list := r.byType[sub.EventType]
	for i, s := range list {
		if s.ID == sub.ID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byType, sub.EventType)
	} else {
		r.byType[sub.EventType] = list
	}
}

// Lookup returns the priority-ordered subscriptions for a type. The returned
// slice is a copy; handlers are invoked outside the lock.
func (r *subscriptionRegistry) Lookup(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byType[eventType]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Subscription, len(list))
	copy(out, list)
	return out
}

// MarkTriggered records a successful handler invocation.
func (r *subscriptionRegistry) MarkTriggered(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.byID[id]; ok {
		sub.lastTriggered = at
		sub.triggerCount++
	}
}

// Len returns the number of active subscriptions.
func (r *subscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Snapshot returns subscription info, optionally filtered by subscriber.
func (r *subscriptionRegistry) Snapshot(subscriber string) []SubscriptionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SubscriptionInfo, 0, len(r.byID))
	for _, sub := range r.byID {
		if subscriber != "" && sub.Subscriber != subscriber {
			continue
		}
		out = append(out, SubscriptionInfo{
			ID:            sub.ID,
			Subscriber:    sub.Subscriber,
			EventType:     sub.EventType,
			Priority:      sub.Priority,
			Once:          sub.Once,
			CreatedAt:     sub.CreatedAt,
			LastTriggered: sub.lastTriggered,
			TriggerCount:  sub.triggerCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Clear drops every registration.
func (r *subscriptionRegistry) Clear() {
	r.mu.Lock()
	r.byID = make(map[string]*Subscription)
	r.byType = make(map[string][]*Subscription)
	r.mu.Unlock()
}
