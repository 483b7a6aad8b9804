// Package metrics предоставляет систему метрик на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик оркестратора.
// Методы безопасны для nil-получателя: компоненты работают и без метрик.
type Metrics struct {
	transitionsTotal   metric.Int64Counter
	activityAttempts   metric.Int64Counter
	activityDuration   metric.Float64Histogram
	compensationsTotal metric.Int64Counter
	signalsTotal       metric.Int64Counter
	webhooksTotal      metric.Int64Counter
	errorsTotal        metric.Int64Counter
	transportDuration  metric.Float64Histogram
	activeSagas        metric.Int64UpDownCounter
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("furnel")
	m := &Metrics{}
	var err error

	if m.transitionsTotal, err = meter.Int64Counter(
		"saga_transitions_total",
		metric.WithDescription("Total number of saga status transitions"),
	); err != nil {
		return nil, err
	}

	if m.activityAttempts, err = meter.Int64Counter(
		"activity_attempts_total",
		metric.WithDescription("Total number of activity attempts by outcome"),
	); err != nil {
		return nil, err
	}

	if m.activityDuration, err = meter.Float64Histogram(
		"activity_duration_seconds",
		metric.WithDescription("Activity attempt duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.compensationsTotal, err = meter.Int64Counter(
		"saga_compensations_total",
		metric.WithDescription("Total number of compensated ledger steps"),
	); err != nil {
		return nil, err
	}

	if m.signalsTotal, err = meter.Int64Counter(
		"saga_signals_total",
		metric.WithDescription("Total number of signals delivered to sagas"),
	); err != nil {
		return nil, err
	}

	if m.webhooksTotal, err = meter.Int64Counter(
		"webhooks_total",
		metric.WithDescription("Total number of provider webhooks received"),
	); err != nil {
		return nil, err
	}

	if m.errorsTotal, err = meter.Int64Counter(
		"errors_total",
		metric.WithDescription("Total number of errors"),
	); err != nil {
		return nil, err
	}

	if m.transportDuration, err = meter.Float64Histogram(
		"transport_duration_seconds",
		metric.WithDescription("Message bus publish duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.activeSagas, err = meter.Int64UpDownCounter(
		"active_sagas",
		metric.WithDescription("Number of saga instances currently running"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTransition записывает смену статуса саги
func (m *Metrics) RecordTransition(ctx context.Context, definition, from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", definition),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordActivity записывает попытку activity
func (m *Metrics) RecordActivity(ctx context.Context, name, class string, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("activity", name),
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	}
	m.activityAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.activityDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if outcome != "ok" {
		m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", "activity"),
			attribute.String("activity", name),
		))
	}
}

// RecordCompensation записывает компенсацию шага
func (m *Metrics) RecordCompensation(ctx context.Context, kind string, success bool) {
	if m == nil {
		return
	}
	m.compensationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}

// RecordSignal записывает доставку сигнала
func (m *Metrics) RecordSignal(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.signalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", name)))
}

// RecordWebhook записывает прием webhook
func (m *Metrics) RecordWebhook(ctx context.Context, provider, eventType string, accepted bool) {
	if m == nil {
		return
	}
	m.webhooksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
		attribute.Bool("accepted", accepted),
	))
}

// RecordTransport записывает публикацию в шину сообщений
func (m *Metrics) RecordTransport(ctx context.Context, bus string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.transportDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("bus", bus),
		attribute.Bool("success", success),
	))
	if !success {
		m.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "transport")))
	}
}

// IncrementActiveSagas увеличивает счетчик активных саг
func (m *Metrics) IncrementActiveSagas(ctx context.Context, definition string) {
	if m == nil {
		return
	}
	m.activeSagas.Add(ctx, 1, metric.WithAttributes(attribute.String("saga", definition)))
}

// DecrementActiveSagas уменьшает счетчик активных саг
func (m *Metrics) DecrementActiveSagas(ctx context.Context, definition string) {
	if m == nil {
		return
	}
	m.activeSagas.Add(ctx, -1, metric.WithAttributes(attribute.String("saga", definition)))
}
