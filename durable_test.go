package xbroker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDurableQueue captures enqueued jobs in memory.
type fakeDurableQueue struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (f *fakeDurableQueue) Enqueue(_ context.Context, job Job) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return nil
}

func (f *fakeDurableQueue) Close(context.Context) error { return nil }

func TestDurableBridge_OffloadMapsMessageToJob(t *testing.T) {
	bus := newTestBus(t)
	fq := &fakeDurableQueue{}
	bridge := NewDurableBridge(bus, fq)
	bridge.VisibilityTimeout = 45 * time.Second

	produced := time.Now()
	msg := &Message{
		ID:         "m1",
		Type:       "task",
		Source:     "scheduler",
		Payload:    []byte(`{"n":1}`),
		Metadata:   map[string]string{"trace": "abc"},
		Priority:   PriorityHigh,
		RetryCount: 2,
		MaxRetries: 5,
		ProducedAt: produced,
	}
	require.NoError(t, bridge.Offload(context.Background(), msg, "indexer"))

	require.Len(t, fq.jobs, 1)
	job := fq.jobs[0]
	assert.Equal(t, "m1", job.ID)
	assert.Equal(t, "indexer", job.Tool)
	assert.Equal(t, "task", job.Type)
	assert.Equal(t, "scheduler", job.Source)
	assert.Equal(t, PriorityHigh, job.Priority)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, produced, job.ScheduledAt)
	assert.Equal(t, 45*time.Second, job.VisibilityTimeout)
	assert.Equal(t, []byte(`{"n":1}`), job.Payload)
	assert.Equal(t, "abc", job.Metadata["trace"])
}

func TestDurableBridge_ReinjectPublishesFreshMessage(t *testing.T) {
	bus := newTestBus(t)
	bridge := NewDurableBridge(bus, &fakeDurableQueue{})

	got := make(chan *Message, 1)
	_, err := bus.Subscribe("worker", "task", func(ctx context.Context, msg *Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	job := Job{
		ID:          "durable-1",
		Tool:        "indexer",
		Type:        "task",
		Source:      "scheduler",
		Priority:    PriorityCritical,
		Attempt:     3,
		MaxAttempts: 5,
		Payload:     []byte(`{"n":2}`),
		Metadata:    map[string]string{"trace": "abc"},
	}
	id, err := bridge.Reinject(context.Background(), job)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, id)

	select {
	case msg := <-got:
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, PriorityCritical, msg.Priority)
		assert.Equal(t, 3, msg.RetryCount)
		assert.Equal(t, 5, msg.MaxRetries)
		assert.Equal(t, []byte(`{"n":2}`), msg.Payload)
		assert.Equal(t, "abc", msg.Metadata["trace"])
	case <-time.After(time.Second):
		t.Fatal("reinjected job never reached the subscriber")
	}
}

func TestDurableBridge_ClosedBusFailsFast(t *testing.T) {
	bus := newTestBus(t)
	bridge := NewDurableBridge(bus, &fakeDurableQueue{})
	require.NoError(t, bus.Close(context.Background()))

	err := bridge.Offload(context.Background(), &Message{Type: "t", Source: "s"}, "tool")
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = bridge.Reinject(context.Background(), Job{Type: "t", Source: "s"})
	assert.ErrorIs(t, err, ErrBusClosed)
}
