package messagebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/metrics"
	"github.com/akriventsev/furnel/framework/transport"
)

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	Compression    string // none, gzip, snappy, lz4, zstd
	BatchSize      int
	FlushInterval  time.Duration
	RequiredAcks   int // 0, 1, -1 (all)
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	CommitInterval time.Duration
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		// Простая проверка формата host:port
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka GroupID is required")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "furnel",
		Compression:    "snappy",
		BatchSize:      100,
		FlushInterval:  10 * time.Millisecond,
		RequiredAcks:   -1,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0, // синхронный commit после обработки
	}
}

// KafkaAdapter реализация MessageBus через Kafka.
// Топик соответствует первым двум токенам subject, полный subject лежит в заголовке.
type KafkaAdapter struct {
	config  KafkaConfig
	writer  *kafka.Writer
	mu      sync.Mutex
	readers map[string]*kafka.Reader
	wg      sync.WaitGroup
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig, m *metrics.Metrics, logger *slog.Logger) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaAdapter{
		config: config,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
			BatchSize:              config.BatchSize,
			BatchTimeout:           config.FlushInterval,
			Compression:            compressionOf(config.Compression),
			AllowAutoTopicCreation: true,
		},
		readers: make(map[string]*kafka.Reader),
		metrics: m,
		logger:  logger.With("bus", "kafka"),
	}, nil
}

// compressionOf преобразует строку в kafka.Compression
func compressionOf(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	return nil
}

// Stop закрывает readers и writer (реализация core.Lifecycle)
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	for subject, reader := range k.readers {
		_ = reader.Close()
		delete(k.readers, subject)
	}
	k.mu.Unlock()
	k.wg.Wait()
	return k.writer.Close()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	return true
}

// Name возвращает имя компонента (реализация core.Component)
func (k *KafkaAdapter) Name() string {
	return "kafka-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (k *KafkaAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение; ключ сообщения subject, поэтому порядок по subject сохраняется
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()
	topic, err := topicOf(subject)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(subject),
		Value:   data,
		Headers: []kafka.Header{{Key: headerSubject, Value: []byte(subject)}},
	}
	for key, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(v)})
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.metrics.RecordTransport(ctx, "kafka", time.Since(start), false)
		return fmt.Errorf("failed to publish message: %w", err)
	}
	k.metrics.RecordTransport(ctx, "kafka", time.Since(start), true)
	return nil
}

// Subscribe читает топик в consumer group; offset фиксируется только после успешной обработки
func (k *KafkaAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	topic, err := topicOf(subject)
	if err != nil {
		return err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.config.Brokers,
		Topic:          topic,
		GroupID:        k.config.GroupID,
		MinBytes:       k.config.MinBytes,
		MaxBytes:       k.config.MaxBytes,
		MaxWait:        k.config.MaxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: k.config.CommitInterval,
	})

	k.mu.Lock()
	if prev, ok := k.readers[subject]; ok {
		_ = prev.Close()
	}
	k.readers[subject] = reader
	k.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.consume(ctx, reader, subject, handler)
	}()
	return nil
}

func (k *KafkaAdapter) consume(ctx context.Context, reader *kafka.Reader, pattern string, handler transport.MessageHandler) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			k.logger.Warn("fetch failed", "topic", reader.Config().Topic, "error", err)
			continue
		}

		mbMsg := &transport.Message{Data: msg.Value, Headers: make(map[string]string, len(msg.Headers))}
		for _, h := range msg.Headers {
			mbMsg.Headers[h.Key] = string(h.Value)
		}
		mbMsg.Subject = mbMsg.Headers[headerSubject]
		delete(mbMsg.Headers, headerSubject)

		if transport.MatchSubject(mbMsg.Subject, pattern) {
			if err := handler(ctx, mbMsg); err != nil {
				k.logger.Warn("message handler failed", "subject", mbMsg.Subject, "error", err)
				continue
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			k.logger.Warn("commit failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// Unsubscribe отписывается от subject
func (k *KafkaAdapter) Unsubscribe(subject string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	reader, exists := k.readers[subject]
	if !exists {
		return nil
	}
	delete(k.readers, subject)
	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}
