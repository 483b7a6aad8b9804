package messagebus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/furnel/framework/metrics"
	"github.com/akriventsev/furnel/framework/transport"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInMemoryAdapter_WildcardDelivery(t *testing.T) {
	bus := NewInMemoryAdapter(DefaultInMemoryConfig(), discard())
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))

	var mu sync.Mutex
	var got []string
	record := func(ctx context.Context, msg *transport.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.Subject+"="+string(msg.Data))
		return nil
	}
	require.NoError(t, bus.Subscribe(ctx, "payments.status.*", record))
	require.NoError(t, bus.Subscribe(ctx, "payments.signal.>", func(ctx context.Context, msg *transport.Message) error {
		return errors.New("handler failure is logged, not returned")
	}))

	require.NoError(t, bus.Publish(ctx, "payments.status.pay-1", []byte("A"), nil))
	require.NoError(t, bus.Publish(ctx, "payments.signal.cancelRequested", []byte("B"), nil))
	require.NoError(t, bus.Publish(ctx, "payments.status.pay-2", []byte("C"), map[string]string{"k": "v"}))

	assert.Equal(t, []string{"payments.status.pay-1=A", "payments.status.pay-2=C"}, got)
	assert.Equal(t, 1, bus.SubscriberCount("payments.status.*"))

	require.NoError(t, bus.Unsubscribe("payments.status.*"))
	require.NoError(t, bus.Publish(ctx, "payments.status.pay-3", []byte("D"), nil))
	assert.Len(t, got, 2)

	require.NoError(t, bus.Stop(ctx))
	assert.False(t, bus.IsRunning())
}

func TestTopicOf(t *testing.T) {
	topic, err := topicOf("payments.status.pay-1")
	require.NoError(t, err)
	assert.Equal(t, "payments.status", topic)

	topic, err = topicOf("payments.signal.*")
	require.NoError(t, err)
	assert.Equal(t, "payments.signal", topic)

	topic, err = topicOf("single")
	require.NoError(t, err)
	assert.Equal(t, "single", topic)

	_, err = topicOf("payments.*.pay-1")
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	assert.Equal(t, []string{"inmemory", "kafka", "nats", "redis"}, f.ListRegistered())

	bus, err := f.Create(Config{Type: "inmemory", InMemory: DefaultInMemoryConfig()}, nil, discard())
	require.NoError(t, err)
	assert.Equal(t, "inmemory-adapter", bus.Name())

	_, err = f.Create(Config{Type: "amqp"}, nil, discard())
	assert.Error(t, err)

	_, err = f.Create(Config{Type: "nats", NATS: NATSConfig{URL: "http://bad"}}, nil, discard())
	assert.Error(t, err)

	_, err = f.Create(Config{Type: "kafka", Kafka: KafkaConfig{Brokers: []string{"localhost:9092"}}}, nil, discard())
	assert.Error(t, err, "group id is required")

	kafkaBus, err := f.Create(Config{Type: "kafka", Kafka: DefaultKafkaConfig()}, nil, discard())
	require.NoError(t, err)
	assert.Equal(t, "kafka-adapter", kafkaBus.Name())

	assert.Error(t, f.Register("inmemory", func(Config, *metrics.Metrics, *slog.Logger) (Bus, error) { return nil, nil }))
}
