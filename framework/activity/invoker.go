package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/metrics"
)

// Invoker вызывает activity из реестра по политике класса
type Invoker struct {
	registry *Registry
	policies map[Class]Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option опция Invoker
type Option func(*Invoker)

// WithPolicy переопределяет политику класса
func WithPolicy(class Class, policy Policy) Option {
	return func(i *Invoker) {
		i.policies[class] = policy
	}
}

// WithLogger устанавливает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) {
		i.logger = logger
	}
}

// WithMetrics устанавливает сборщик метрик
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Invoker) {
		i.metrics = m
	}
}

// NewInvoker создает Invoker
func NewInvoker(registry *Registry, opts ...Option) *Invoker {
	i := &Invoker{
		registry: registry,
		policies: DefaultPolicies(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("furnel/activity"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Policy возвращает политику класса
func (i *Invoker) Policy(class Class) Policy {
	if p, ok := i.policies[class]; ok {
		return p
	}
	return FastPolicy()
}

// Invoke выполняет activity name с повторами.
// NonRetryable ошибка возвращается сразу; Retryable и Timeout повторяются,
// а после исчерпания попыток оборачиваются в NonRetryable с сохранением причины.
func (i *Invoker) Invoke(ctx context.Context, name string, args json.RawMessage, class Class) (json.RawMessage, error) {
	fn, ok := i.registry.Lookup(name)
	if !ok {
		return nil, core.NewError(ErrUnknownActivity, fmt.Sprintf("activity %s is not registered", name))
	}
	policy := i.Policy(class)
	logger := i.logger.With("activity", name, "class", string(class))

	attempt := 0
	operation := func() (json.RawMessage, error) {
		attempt++
		result, err := i.attempt(ctx, name, class, fn, args, policy, attempt)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy.newBackOff()),
		backoff.WithMaxTries(uint(max(policy.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("activity attempt failed, retrying",
				"attempt", attempt, "next_in", next, "error", err)
		}),
	)
	if err == nil {
		return result, nil
	}
	// на последней попытке Retry возвращает обертку как есть
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	if ctx.Err() != nil {
		return nil, err
	}
	if IsRetryable(err) {
		logger.Error("activity attempts exhausted", "attempts", attempt, "error", err)
		return nil, core.Wrap(err, ErrNonRetryable,
			fmt.Sprintf("activity %s failed after %d attempts", name, attempt))
	}
	logger.Error("activity failed", "attempt", attempt, "error", err)
	return nil, err
}

func (i *Invoker) attempt(ctx context.Context, name string, class Class, fn Func, args json.RawMessage, policy Policy, attempt int) (json.RawMessage, error) {
	ctx, span := i.tracer.Start(ctx, "activity."+name, trace.WithAttributes(
		attribute.String("activity.class", string(class)),
		attribute.Int("activity.attempt", attempt),
	))
	defer span.End()

	attemptCtx, cancelTimeout := context.WithTimeout(ctx, policy.StartToCloseTimeout)
	defer cancelTimeout()
	attemptCtx, cancel := context.WithCancelCause(attemptCtx)
	defer cancel(nil)

	if policy.HeartbeatInterval > 0 {
		var hb *heartbeat
		attemptCtx, hb = withHeartbeat(attemptCtx, policy.HeartbeatInterval)
		go hb.watch(attemptCtx, policy.HeartbeatTimeout(), cancel)
	}

	start := time.Now()
	result, err := fn(attemptCtx, args)
	duration := time.Since(start)

	if err == nil {
		i.metrics.RecordActivity(ctx, name, string(class), duration, "ok")
		return result, nil
	}

	switch {
	case errors.Is(context.Cause(attemptCtx), errHeartbeatMissed) && ctx.Err() == nil:
		err = NewTimeoutError(fmt.Sprintf("activity %s missed heartbeat for %s", name, policy.HeartbeatTimeout()), err)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err = NewTimeoutError(fmt.Sprintf("activity %s exceeded %s", name, policy.StartToCloseTimeout), err)
	}

	kind := Classify(err)
	i.metrics.RecordActivity(ctx, name, string(class), duration, string(kind))
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	return nil, err
}
