package xbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResponseSuffix is appended to a request type to form its response type.
const ResponseSuffix = ":response"

// requestEnvelope wraps a request payload with its correlation id.
type requestEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// responseEnvelope wraps a response with the correlation id it answers.
// Exactly one of Error/Result is meaningful.
type responseEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Error         string          `json:"error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// Request publishes a request addressed to target and waits for the correlated
// response on eventType+":response", arbitrated by a timer. Whichever happens
// first resolves the call; cleanup unsubscribes the waiting handler exactly
// once (the losing event is a no-op because Unsubscribe is idempotent).
func (b *Bus) Request(ctx context.Context, eventType, source, target string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if timeout <= 0 {
		return nil, &ValidationError{Field: "timeout", Reason: "must be positive"}
	}

	data, err := b.codec.Marshal(payload)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	respCh := make(chan responseEnvelope, 1)

	subID, err := b.Subscribe(source, eventType+ResponseSuffix,
		func(_ context.Context, msg *Message) error {
			var env responseEnvelope
			if uerr := b.codec.Unmarshal(msg.Payload, &env); uerr != nil {
				return uerr
			}
			select {
			case respCh <- env:
			default:
			}
			return nil
		},
		WithOnce(),
		WithFilter(func(msg *Message) bool {
			var env responseEnvelope
			if uerr := b.codec.Unmarshal(msg.Payload, &env); uerr != nil {
				return false
			}
			return env.CorrelationID == correlationID
		}),
	)
	if err != nil {
		return nil, err
	}
	defer b.Unsubscribe(subID)

	if _, err = b.Send(ctx, eventType, source, target, requestEnvelope{
		CorrelationID: correlationID,
		Data:          data,
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-respCh:
		if env.Error != "" {
			return nil, &ResponseError{Reason: env.Error}
		}
		return env.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond answers a request message: it publishes the correlated response back
// to the requester. Pass a nil cause for success, or a non-nil cause to reject
// the caller.
func (b *Bus) Respond(ctx context.Context, req *Message, source string, result any, cause error) (string, error) {
	var reqEnv requestEnvelope
	if err := b.codec.Unmarshal(req.Payload, &reqEnv); err != nil {
		return "", err
	}
	if reqEnv.CorrelationID == "" {
		return "", &ValidationError{Field: "correlation_id", Reason: "request carries no correlation id"}
	}

	env := responseEnvelope{CorrelationID: reqEnv.CorrelationID}
	if cause != nil {
		env.Error = cause.Error()
	} else {
		data, err := b.codec.Marshal(result)
		if err != nil {
			return "", err
		}
		env.Result = data
	}

	return b.Send(ctx, req.Type+ResponseSuffix, source, req.Source, env)
}

// DecodeRequest unwraps the payload of a request message into T.
func DecodeRequest[T any](ctx context.Context, msg *Message) (T, error) {
	var v T
	c, ok := CodecFromContext(ctx)
	if !ok || c == nil {
		c = JSONCodec{}
	}
	var env requestEnvelope
	if err := c.Unmarshal(msg.Payload, &env); err != nil {
		return v, err
	}
	if err := c.Unmarshal(env.Data, &v); err != nil {
		return v, err
	}
	return v, nil
}
