// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/transport"
)

// InMemoryConfig конфигурация для InMemory адаптера
type InMemoryConfig struct {
	// EnableOrdering синхронная доставка в порядке публикации
	EnableOrdering bool
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{EnableOrdering: true}
}

type subscription struct {
	pattern string
	handler transport.MessageHandler
}

// InMemoryAdapter реализация MessageBus в памяти
type InMemoryAdapter struct {
	config  InMemoryConfig
	logger  *slog.Logger
	mu      sync.RWMutex
	subs    []subscription
	running bool
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig, logger *slog.Logger) *InMemoryAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryAdapter{config: config, logger: logger}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subs = nil
	i.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) IsRunning() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

// Name возвращает имя компонента (реализация core.Component)
func (i *InMemoryAdapter) Name() string {
	return "inmemory-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (i *InMemoryAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение всем подписчикам, чей паттерн совпал с subject
func (i *InMemoryAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	i.mu.RLock()
	var handlers []transport.MessageHandler
	for _, sub := range i.subs {
		if transport.MatchSubject(subject, sub.pattern) {
			handlers = append(handlers, sub.handler)
		}
	}
	i.mu.RUnlock()

	msg := &transport.Message{Subject: subject, Data: data, Headers: headers}
	for _, handler := range handlers {
		if i.config.EnableOrdering {
			i.deliver(ctx, handler, msg)
			continue
		}
		go i.deliver(context.WithoutCancel(ctx), handler, msg)
	}
	return nil
}

func (i *InMemoryAdapter) deliver(ctx context.Context, handler transport.MessageHandler, msg *transport.Message) {
	if err := handler(ctx, msg); err != nil {
		i.logger.Warn("message handler failed", "subject", msg.Subject, "error", err)
	}
}

// Subscribe подписывается на subject
func (i *InMemoryAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subs = append(i.subs, subscription{pattern: subject, handler: handler})
	return nil
}

// Unsubscribe отписывается от subject
func (i *InMemoryAdapter) Unsubscribe(subject string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.subs[:0]
	for _, sub := range i.subs {
		if sub.pattern != subject {
			kept = append(kept, sub)
		}
	}
	i.subs = kept
	return nil
}

// SubscriberCount количество подписок на паттерн (для тестирования)
func (i *InMemoryAdapter) SubscriberCount(subject string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	n := 0
	for _, sub := range i.subs {
		if sub.pattern == subject {
			n++
		}
	}
	return n
}
