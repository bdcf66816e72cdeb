package xbroker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qmsg(id string) *Message {
	return &Message{ID: id, Type: "t", Source: "s"}
}

func TestBoundedQueue_EnqueueWithinCapacity(t *testing.T) {
	q := newBoundedQueue(3)

	require.Nil(t, q.Enqueue(qmsg("a")))
	require.Nil(t, q.Enqueue(qmsg("b")))
	require.Nil(t, q.Enqueue(qmsg("c")))
	assert.Equal(t, 3, q.Len())
}

func TestBoundedQueue_DropOldestBeyondCapacity(t *testing.T) {
	q := newBoundedQueue(2)

	require.Nil(t, q.Enqueue(qmsg("a")))
	require.Nil(t, q.Enqueue(qmsg("b")))

	evicted := q.Enqueue(qmsg("c"))
	require.NotNil(t, evicted)
	assert.Equal(t, "a", evicted.ID)
	assert.Equal(t, 2, q.Len())

	batch := q.DrainAll()
	require.Len(t, batch, 2)
	assert.Equal(t, "b", batch[0].ID)
	assert.Equal(t, "c", batch[1].ID)
}

func TestBoundedQueue_PublishNPlusOneLeavesExactlyN(t *testing.T) {
	const capacity = 5
	q := newBoundedQueue(capacity)

	evictions := 0
	for i := 0; i < capacity+1; i++ {
		if q.Enqueue(qmsg(fmt.Sprintf("m%d", i))) != nil {
			evictions++
		}
	}
	assert.Equal(t, capacity, q.Len())
	assert.Equal(t, 1, evictions)
}

func TestBoundedQueue_DrainAllResetsDepth(t *testing.T) {
	q := newBoundedQueue(4)
	q.Enqueue(qmsg("a"))
	q.Enqueue(qmsg("b"))

	batch := q.DrainAll()
	require.Len(t, batch, 2)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.DrainAll())
}

func TestBoundedQueue_Clear(t *testing.T) {
	q := newBoundedQueue(4)
	q.Enqueue(qmsg("a"))
	q.Enqueue(qmsg("b"))
	q.Enqueue(qmsg("c"))

	assert.Equal(t, 3, q.Clear())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Clear())
}
