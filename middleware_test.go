package xbroker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain_AppliesInOrder(t *testing.T) {
	var trace []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg *Message) error {
				trace = append(trace, name)
				return next(ctx, msg)
			}
		}
	}

	h := Chain(func(ctx context.Context, msg *Message) error {
		trace = append(trace, "handler")
		return nil
	}, tag("outer"), tag("inner"))

	require.NoError(t, h(context.Background(), &Message{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestChain_SkipsNilMiddleware(t *testing.T) {
	h := Chain(func(ctx context.Context, msg *Message) error { return nil }, nil)
	assert.NoError(t, h(context.Background(), &Message{}))
}

func TestRecoveryMiddleware_ConvertsPanic(t *testing.T) {
	h := RecoveryMiddleware()(func(ctx context.Context, msg *Message) error {
		panic("boom")
	})

	err := h(context.Background(), &Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic recovered")
	assert.Contains(t, err.Error(), "boom")
}

func TestRetryMiddleware_RetriesUntilSuccess(t *testing.T) {
	attempts := 0
	h := RetryMiddleware(RetryConfig{MaxAttempts: 3})(func(ctx context.Context, msg *Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, h(context.Background(), &Message{}))
	assert.Equal(t, 3, attempts)
}

func TestRetryMiddleware_ExhaustsBudget(t *testing.T) {
	attempts := 0
	boom := errors.New("permanent")
	h := RetryMiddleware(RetryConfig{MaxAttempts: 2})(func(ctx context.Context, msg *Message) error {
		attempts++
		return boom
	})

	assert.ErrorIs(t, h(context.Background(), &Message{}), boom)
	assert.Equal(t, 2, attempts)
}

func TestRetryMiddleware_RespectsRetryIf(t *testing.T) {
	attempts := 0
	fatal := errors.New("fatal")
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, fatal) },
	})(func(ctx context.Context, msg *Message) error {
		attempts++
		return fatal
	})

	assert.ErrorIs(t, h(context.Background(), &Message{}), fatal)
	assert.Equal(t, 1, attempts)
}

func TestTimeoutMiddleware_CutsOffSlowHandler(t *testing.T) {
	h := TimeoutMiddleware(20 * time.Millisecond)(func(ctx context.Context, msg *Message) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	assert.ErrorIs(t, h(context.Background(), &Message{}), context.DeadlineExceeded)
}

func TestTimeoutMiddleware_ZeroIsPassthrough(t *testing.T) {
	h := TimeoutMiddleware(0)(func(ctx context.Context, msg *Message) error {
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
		return nil
	})
	assert.NoError(t, h(context.Background(), &Message{}))
}
