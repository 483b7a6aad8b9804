package infrastructure

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/furnel/framework/adapters/messagebus"
	"github.com/akriventsev/furnel/framework/events"
	"github.com/akriventsev/furnel/framework/saga"
	"github.com/akriventsev/furnel/framework/transport"
	"github.com/akriventsev/furnel/payment/application"
	"github.com/akriventsev/furnel/payment/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusPublisher_RepublishesPersistedStatus(t *testing.T) {
	ctx := context.Background()
	bus := messagebus.NewInMemoryAdapter(messagebus.DefaultInMemoryConfig(), quietLogger())
	eventBus := events.NewInMemoryEventBus()

	publisher := NewStatusPublisher(bus, quietLogger())
	require.NoError(t, publisher.Attach(eventBus))

	var got []*transport.Message
	require.NoError(t, bus.Subscribe(ctx, StatusSubjectPrefix+"*", func(_ context.Context, msg *transport.Message) error {
		got = append(got, msg)
		return nil
	}))

	args, err := json.Marshal(application.PersistStatusArgs{Record: record("pay-1", "0xa", domain.StatusFXLocked, base)})
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(ctx, events.NewBaseEvent(saga.EventStatusPersisted, "pay-1").WithPayload(args)))
	// завершение не публикуется
	require.NoError(t, eventBus.Publish(ctx, events.NewBaseEvent(saga.EventTerminated, "pay-1")))

	require.Len(t, got, 1)
	assert.Equal(t, "payments.status.pay-1", got[0].Subject)
	assert.Equal(t, "pay-1", got[0].Headers[HeaderPaymentID])
	assert.Equal(t, "application/json", got[0].Headers[transport.HeaderContentType])

	var rec domain.PaymentRecord
	require.NoError(t, json.Unmarshal(got[0].Data, &rec))
	assert.Equal(t, domain.StatusFXLocked, rec.Status)
}

func TestStatusPublisher_BadPayload(t *testing.T) {
	bus := messagebus.NewInMemoryAdapter(messagebus.DefaultInMemoryConfig(), quietLogger())
	publisher := NewStatusPublisher(bus, quietLogger())

	err := publisher.Handle(context.Background(), events.NewBaseEvent(saga.EventStatusPersisted, "pay-1").WithPayload([]byte("{")))
	assert.Error(t, err)
}

func TestSignalIntake_DropsUndeliverable(t *testing.T) {
	// до сервиса эти сообщения не доходят
	intake := NewSignalIntake(nil, nil, quietLogger())

	tests := []struct {
		name string
		msg  *transport.Message
	}{
		{"malformed body", &transport.Message{Subject: SignalSubject(domain.SignalCancelRequested), Data: []byte("{")}},
		{"no payment id", &transport.Message{Subject: SignalSubject(domain.SignalCancelRequested), Data: []byte(`{"payload":{}}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, intake.handle(context.Background(), tt.msg))
		})
	}
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "payments.status.pay-1", StatusSubject("pay-1"))
	assert.Equal(t, "payments.signal.cancelRequested", SignalSubject(domain.SignalCancelRequested))
	assert.True(t, transport.MatchSubject(SignalSubject(domain.SignalPayoutCompleted), SignalSubjects))
}
