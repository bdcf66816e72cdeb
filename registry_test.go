package xbroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rsub(id, subscriber, eventType string, priority int) *Subscription {
	return &Subscription{
		ID:         id,
		Subscriber: subscriber,
		EventType:  eventType,
		Priority:   priority,
		CreatedAt:  time.Now(),
		handler:    func(ctx context.Context, m *Message) error { return nil },
	}
}

func TestRegistry_LookupOrderedByPriority(t *testing.T) {
	r := newSubscriptionRegistry()
	r.Add(rsub("a", "s1", "t", 1))
	r.Add(rsub("b", "s2", "t", 10))
	r.Add(rsub("c", "s3", "t", 5))

	list := r.Lookup("t")
	require.Len(t, list, 3)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "c", list[1].ID)
	assert.Equal(t, "a", list[2].ID)
}

func TestRegistry_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	r := newSubscriptionRegistry()
	r.Add(rsub("first", "s1", "t", 7))
	r.Add(rsub("second", "s2", "t", 7))
	r.Add(rsub("third", "s3", "t", 7))

	list := r.Lookup("t")
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0].ID)
	assert.Equal(t, "second", list[1].ID)
	assert.Equal(t, "third", list[2].ID)
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := newSubscriptionRegistry()
	r.Add(rsub("a", "s1", "t", 0))

	_, ok := r.Remove("a")
	assert.True(t, ok)
	_, ok = r.Remove("a")
	assert.False(t, ok)
	_, ok = r.Remove("never-existed")
	assert.False(t, ok)
	assert.Nil(t, r.Lookup("t"))
}

func TestRegistry_RemoveBySubscriber(t *testing.T) {
	r := newSubscriptionRegistry()
	r.Add(rsub("a", "worker", "t1", 0))
	r.Add(rsub("b", "worker", "t2", 0))
	r.Add(rsub("c", "other", "t1", 0))

	removed := r.RemoveBySubscriber("worker")
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, r.Len())
	require.Len(t, r.Lookup("t1"), 1)
	assert.Equal(t, "c", r.Lookup("t1")[0].ID)
}

func TestRegistry_SnapshotFiltersAndCounts(t *testing.T) {
	r := newSubscriptionRegistry()
	a := rsub("a", "worker", "t", 0)
	r.Add(a)
	r.Add(rsub("b", "other", "t", 0))

	r.MarkTriggered("a", time.Now())
	r.MarkTriggered("a", time.Now())

	infos := r.Snapshot("worker")
	require.Len(t, infos, 1)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, uint64(2), infos[0].TriggerCount)
	assert.False(t, infos[0].LastTriggered.IsZero())

	all := r.Snapshot("")
	assert.Len(t, all, 2)
}

func TestRegistry_Clear(t *testing.T) {
	r := newSubscriptionRegistry()
	r.Add(rsub("a", "s", "t", 0))
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Lookup("t"))
}
