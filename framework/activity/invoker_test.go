package activity

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/furnel/framework/core"
)

func tinyPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:         attempts,
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          2,
		StartToCloseTimeout: time.Second,
	}
}

func newTestInvoker(t *testing.T, name string, fn Func, opts ...Option) *Invoker {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, registry.Register(name, fn))
	opts = append([]Option{WithPolicy(Fast, tinyPolicy(3)), WithPolicy(LongRunning, tinyPolicy(5))}, opts...)
	return NewInvoker(registry, opts...)
}

func TestInvoke_Success(t *testing.T) {
	inv := newTestInvoker(t, "echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})

	out, err := inv.Invoke(context.Background(), "echo", json.RawMessage(`{"a":1}`), Fast)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestInvoke_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	inv := newTestInvoker(t, "flaky", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, NewRetryableError("provider unavailable", nil)
		}
		return json.RawMessage(`true`), nil
	})

	out, err := inv.Invoke(context.Background(), "flaky", nil, Fast)
	require.NoError(t, err)
	assert.Equal(t, "true", string(out))
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvoke_NonRetryableStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	inv := newTestInvoker(t, "reject", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, NewProviderRejectedError("account closed")
	})

	_, err := inv.Invoke(context.Background(), "reject", nil, Fast)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, KindNonRetryable, Classify(err))
	assert.True(t, core.HasCode(err, ErrProviderRejected))
}

func TestInvoke_ExhaustedBecomesNonRetryable(t *testing.T) {
	var calls atomic.Int32
	cause := errors.New("503")
	inv := newTestInvoker(t, "down", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, NewRetryableError("provider down", cause)
	})

	_, err := inv.Invoke(context.Background(), "down", nil, Fast)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, KindNonRetryable, Classify(err))
	assert.ErrorIs(t, err, cause)
	assert.True(t, core.HasCode(err, ErrRetryable))
}

func TestInvoke_StartToCloseTimeout(t *testing.T) {
	var calls atomic.Int32
	inv := newTestInvoker(t, "slow", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithPolicy(Fast, Policy{
		MaxAttempts:         2,
		InitialInterval:     time.Millisecond,
		MaxInterval:         time.Millisecond,
		Multiplier:          1,
		StartToCloseTimeout: 20 * time.Millisecond,
	}))

	_, err := inv.Invoke(context.Background(), "slow", nil, Fast)
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, core.HasCode(err, ErrTimeout))
	assert.Equal(t, KindNonRetryable, Classify(err))
}

func TestInvoke_HeartbeatStall(t *testing.T) {
	var calls atomic.Int32
	policy := tinyPolicy(1)
	policy.HeartbeatInterval = 10 * time.Millisecond
	inv := newTestInvoker(t, "stall", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}, WithPolicy(LongRunning, policy))

	_, err := inv.Invoke(context.Background(), "stall", nil, LongRunning)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, core.HasCode(err, ErrTimeout))
}

func TestInvoke_HeartbeatKeepsAttemptAlive(t *testing.T) {
	policy := tinyPolicy(1)
	policy.HeartbeatInterval = 20 * time.Millisecond
	inv := newTestInvoker(t, "poll", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		interval := HeartbeatInterval(ctx)
		for i := 0; i < 6; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval / 2):
				RecordHeartbeat(ctx, i)
			}
		}
		return json.RawMessage(`"done"`), nil
	}, WithPolicy(LongRunning, policy))

	out, err := inv.Invoke(context.Background(), "poll", nil, LongRunning)
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(out))
}

func TestInvoke_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	inv := newTestInvoker(t, "cancel", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		cancel()
		return nil, NewRetryableError("interrupted", ctx.Err())
	})

	_, err := inv.Invoke(ctx, "cancel", nil, Fast)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvoke_UnknownActivity(t *testing.T) {
	inv := NewInvoker(NewRegistry())
	_, err := inv.Invoke(context.Background(), "missing", nil, Fast)
	require.Error(t, err)
	assert.Equal(t, KindNonRetryable, Classify(err))
}

func TestTyped_DecodeError(t *testing.T) {
	fn := Typed(func(ctx context.Context, args struct{ N int }) (int, error) {
		return args.N * 2, nil
	})

	out, err := fn(context.Background(), json.RawMessage(`{"N":21}`))
	require.NoError(t, err)
	assert.Equal(t, "42", string(out))

	_, err = fn(context.Background(), json.RawMessage(`{"N":"x"}`))
	require.Error(t, err)
	assert.Equal(t, KindNonRetryable, Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindRetryable, Classify(errors.New("plain")))
	assert.Equal(t, KindNonRetryable, Classify(context.Canceled))
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindCompensationFailure, Classify(NewCompensationFailureError("refund", nil)))
	assert.False(t, IsRetryable(NewNonRetryableError("bad", nil)))
	assert.True(t, IsRetryable(NewTimeoutError("slow", nil)))
}
