// Package eventsourcing предоставляет хранилища потоков событий и их воспроизведение.
package eventsourcing

import (
	"context"
	"errors"
	"time"

	"github.com/akriventsev/furnel/framework/events"
)

var (
	// ErrConcurrencyConflict возникает при конфликте версий при сохранении событий
	ErrConcurrencyConflict = errors.New("concurrency conflict: expected version does not match current version")
	// ErrStreamNotFound возникает когда поток событий не найден
	ErrStreamNotFound = errors.New("event stream not found")
)

// StoredEvent представляет сохраненное событие с метаданными
type StoredEvent struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Data          []byte
	Metadata      map[string]interface{}
	Version       int64
	Position      int64
	OccurredAt    time.Time
	CreatedAt     time.Time
}

// ToEvent восстанавливает доменное событие из записи хранилища
func (s StoredEvent) ToEvent() *events.BaseEvent {
	e := events.NewBaseEventAt(s.EventType, s.AggregateID, s.OccurredAt).
		WithID(s.ID).
		WithPayload(s.Data)
	for k, v := range s.Metadata {
		e.WithMetadata(k, v)
	}
	return e
}

// EventStore интерфейс для хранения событий
type EventStore interface {
	// AppendEvents добавляет события в поток с проверкой версии для оптимистичной конкурентности
	AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []events.Event) error

	// GetEvents возвращает события потока начиная с указанной версии
	GetEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]StoredEvent, error)

	// GetEventsByType возвращает события определенного типа начиная с указанного времени
	GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time) ([]StoredEvent, error)
}

func aggregateTypeOf(event events.Event) string {
	if t := event.Metadata().GetString("aggregate_type"); t != "" {
		return t
	}
	return "unknown"
}

func copyMetadata(metadata events.EventMetadata) map[string]interface{} {
	result := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		result[k] = v
	}
	return result
}
