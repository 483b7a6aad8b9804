package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/metrics"
	"github.com/akriventsev/furnel/framework/transport"
)

// RedisConfig конфигурация для Redis Streams адаптера
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	MaxRetries    int
	StreamMaxLen  int64 // Максимальная длина stream (0 = без ограничений)
	ConsumerGroup string
	BlockTimeout  time.Duration
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("consumer group cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MaxRetries:    3,
		StreamMaxLen:  10000,
		ConsumerGroup: "furnel",
		BlockTimeout:  5 * time.Second,
	}
}

// RedisAdapter реализация MessageBus через Redis Streams.
// Stream соответствует первым двум токенам subject.
type RedisAdapter struct {
	config  RedisConfig
	client  *redis.Client
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRedisAdapter создает адаптер и проверяет подключение
func NewRedisAdapter(config RedisConfig, m *metrics.Metrics, logger *slog.Logger) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})
	return &RedisAdapter{
		config:  config,
		client:  client,
		cancels: make(map[string]context.CancelFunc),
		metrics: m,
		logger:  logger.With("bus", "redis"),
	}, nil
}

// Start проверяет доступность Redis (реализация core.Lifecycle)
func (r *RedisAdapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Stop останавливает чтение и закрывает клиент (реализация core.Lifecycle)
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	for subject, cancel := range r.cancels {
		cancel()
		delete(r.cancels, subject)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return r.client.Close()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) IsRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RedisAdapter) Name() string {
	return "redis-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RedisAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish добавляет сообщение в stream топика subject
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()
	stream, err := topicOf(subject)
	if err != nil {
		return err
	}

	values := map[string]any{
		"data":        string(data),
		headerSubject: subject,
	}
	if len(headers) > 0 {
		encoded, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to encode headers: %w", err)
		}
		values["headers"] = string(encoded)
	}

	args := &redis.XAddArgs{Stream: stream, Values: values}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true // Приблизительный MAXLEN для производительности
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		r.metrics.RecordTransport(ctx, "redis", time.Since(start), false)
		return fmt.Errorf("failed to publish message: %w", err)
	}
	r.metrics.RecordTransport(ctx, "redis", time.Since(start), true)
	return nil
}

// Subscribe читает stream через consumer group и подтверждает успешно обработанные сообщения
func (r *RedisAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	stream, err := topicOf(subject)
	if err != nil {
		return err
	}

	err = r.client.XGroupCreateMkStream(ctx, stream, r.config.ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if prev, ok := r.cancels[subject]; ok {
		prev()
	}
	r.cancels[subject] = cancel
	r.mu.Unlock()

	consumer := "consumer-" + uuid.NewString()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consume(subCtx, stream, consumer, subject, handler)
	}()
	return nil
}

func (r *RedisAdapter) consume(ctx context.Context, stream, consumer, pattern string, handler transport.MessageHandler) {
	for ctx.Err() == nil {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.config.ConsumerGroup,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    r.config.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			r.logger.Warn("stream read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				r.handle(ctx, s.Stream, pattern, msg, handler)
			}
		}
	}
}

func (r *RedisAdapter) handle(ctx context.Context, stream, pattern string, msg redis.XMessage, handler transport.MessageHandler) {
	subject, _ := msg.Values[headerSubject].(string)
	data, _ := msg.Values["data"].(string)
	mbMsg := &transport.Message{Subject: subject, Data: []byte(data), Headers: make(map[string]string)}
	if encoded, ok := msg.Values["headers"].(string); ok {
		_ = json.Unmarshal([]byte(encoded), &mbMsg.Headers)
	}

	// чужие subject того же stream подтверждаются без обработки
	if transport.MatchSubject(subject, pattern) {
		if err := handler(ctx, mbMsg); err != nil {
			r.logger.Warn("message handler failed", "subject", subject, "error", err)
			return
		}
	}
	if err := r.client.XAck(ctx, stream, r.config.ConsumerGroup, msg.ID).Err(); err != nil {
		r.logger.Warn("ack failed", "stream", stream, "id", msg.ID, "error", err)
	}
}

// Unsubscribe отписывается от subject
func (r *RedisAdapter) Unsubscribe(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[subject]; ok {
		cancel()
		delete(r.cancels, subject)
	}
	return nil
}
