package messagebus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/metrics"
	"github.com/akriventsev/furnel/framework/transport"
)

// Bus шина сообщений с жизненным циклом
type Bus interface {
	transport.MessageBus
	core.Lifecycle
	core.Component
}

// Config выбор и настройки шины
type Config struct {
	Type     string
	NATS     NATSConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	InMemory InMemoryConfig
}

// Creator создает шину по конфигурации
type Creator func(config Config, m *metrics.Metrics, logger *slog.Logger) (Bus, error)

// Factory фабрика шин сообщений
type Factory struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// NewFactory создает фабрику со встроенными адаптерами nats, redis, kafka, inmemory
func NewFactory() *Factory {
	f := &Factory{creators: make(map[string]Creator)}

	_ = f.Register("nats", func(config Config, m *metrics.Metrics, logger *slog.Logger) (Bus, error) {
		return NewNATSAdapter(config.NATS, m, logger)
	})
	_ = f.Register("redis", func(config Config, m *metrics.Metrics, logger *slog.Logger) (Bus, error) {
		return NewRedisAdapter(config.Redis, m, logger)
	})
	_ = f.Register("kafka", func(config Config, m *metrics.Metrics, logger *slog.Logger) (Bus, error) {
		return NewKafkaAdapter(config.Kafka, m, logger)
	})
	_ = f.Register("inmemory", func(config Config, m *metrics.Metrics, logger *slog.Logger) (Bus, error) {
		return NewInMemoryAdapter(config.InMemory, logger), nil
	})
	return f
}

// Create создает шину типа config.Type
func (f *Factory) Create(config Config, m *metrics.Metrics, logger *slog.Logger) (Bus, error) {
	f.mu.RLock()
	creator, exists := f.creators[config.Type]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown message bus type: %s", config.Type)
	}
	bus, err := creator(config, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", config.Type, err)
	}
	return bus, nil
}

// Register регистрирует custom адаптер
func (f *Factory) Register(name string, creator Creator) error {
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	f.creators[name] = creator
	return nil
}

// ListRegistered возвращает список зарегистрированных адаптеров
func (f *Factory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
