package eventsourcing

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/events"
)

// MongoDBEventStoreConfig конфигурация для MongoDB Event Store
type MongoDBEventStoreConfig struct {
	Database   string
	Collection string
}

// DefaultMongoDBEventStoreConfig возвращает конфигурацию по умолчанию
func DefaultMongoDBEventStoreConfig() MongoDBEventStoreConfig {
	return MongoDBEventStoreConfig{
		Database:   "furnel",
		Collection: "events",
	}
}

type mongoEvent struct {
	ID            string                 `bson:"_id"`
	AggregateID   string                 `bson:"aggregate_id"`
	AggregateType string                 `bson:"aggregate_type"`
	EventType     string                 `bson:"event_type"`
	Data          []byte                 `bson:"event_data"`
	Metadata      map[string]interface{} `bson:"metadata"`
	Version       int64                  `bson:"version"`
	Position      int64                  `bson:"position"`
	OccurredAt    time.Time              `bson:"occurred_at"`
	CreatedAt     time.Time              `bson:"created_at"`
}

func (d mongoEvent) stored() StoredEvent {
	return StoredEvent{
		ID:            d.ID,
		AggregateID:   d.AggregateID,
		AggregateType: d.AggregateType,
		EventType:     d.EventType,
		Data:          d.Data,
		Metadata:      d.Metadata,
		Version:       d.Version,
		Position:      d.Position,
		OccurredAt:    d.OccurredAt,
		CreatedAt:     d.CreatedAt,
	}
}

// MongoDBEventStore реализация EventStore для MongoDB.
// Конфликты версий ловит уникальный индекс (aggregate_id, version).
type MongoDBEventStore struct {
	config     MongoDBEventStoreConfig
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoDBEventStore создает MongoDB Event Store поверх подключенного клиента
func NewMongoDBEventStore(client *mongo.Client, config MongoDBEventStoreConfig) (*MongoDBEventStore, error) {
	if client == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "mongodb client cannot be nil")
	}
	if config.Database == "" {
		config.Database = "furnel"
	}
	if config.Collection == "" {
		config.Collection = "events"
	}

	return &MongoDBEventStore{
		config:     config,
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
	}, nil
}

// EnsureIndexes создает индексы коллекции
func (s *MongoDBEventStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "aggregate_id", Value: 1},
				{Key: "version", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "occurred_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "position", Value: 1}},
		},
	}

	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Name возвращает имя компонента
func (s *MongoDBEventStore) Name() string {
	return "mongodb-event-store"
}

// Type возвращает тип компонента
func (s *MongoDBEventStore) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// HealthCheck проверяет доступность MongoDB
func (s *MongoDBEventStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// AppendEvents добавляет события в поток агрегата
func (s *MongoDBEventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []events.Event) error {
	var last mongoEvent
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	currentVersion := int64(0)
	err := s.collection.FindOne(ctx, bson.M{"aggregate_id": aggregateID}, opts).Decode(&last)
	switch {
	case err == nil:
		currentVersion = last.Version
	case err != mongo.ErrNoDocuments:
		return fmt.Errorf("failed to read stream version: %w", err)
	}

	if expectedVersion != currentVersion {
		return fmt.Errorf("%w: expected %d, got %d", ErrConcurrencyConflict, expectedVersion, currentVersion)
	}

	// Позиция глобальна; используем время записи в наносекундах как монотонный ключ
	position := time.Now().UnixNano()
	docs := make([]interface{}, len(events))
	for i, event := range events {
		docs[i] = mongoEvent{
			ID:            event.EventID(),
			AggregateID:   aggregateID,
			AggregateType: aggregateTypeOf(event),
			EventType:     event.EventType(),
			Data:          event.Payload(),
			Metadata:      copyMetadata(event.Metadata()),
			Version:       expectedVersion + int64(i) + 1,
			Position:      position + int64(i),
			OccurredAt:    event.OccurredAt(),
			CreatedAt:     time.Now().UTC(),
		}
	}

	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: concurrent append to %s", ErrConcurrencyConflict, aggregateID)
		}
		return fmt.Errorf("failed to insert events: %w", err)
	}
	return nil
}

// GetEvents возвращает события агрегата
func (s *MongoDBEventStore) GetEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]StoredEvent, error) {
	filter := bson.M{
		"aggregate_id": aggregateID,
		"version":      bson.M{"$gte": fromVersion},
	}
	result, err := s.find(ctx, filter, bson.D{{Key: "version", Value: 1}})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrStreamNotFound
	}
	return result, nil
}

// GetEventsByType возвращает события определенного типа
func (s *MongoDBEventStore) GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time) ([]StoredEvent, error) {
	filter := bson.M{
		"event_type":  eventType,
		"occurred_at": bson.M{"$gte": fromTimestamp},
	}
	return s.find(ctx, filter, bson.D{{Key: "position", Value: 1}})
}

func (s *MongoDBEventStore) find(ctx context.Context, filter bson.M, sort bson.D) ([]StoredEvent, error) {
	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoEvent
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	result := make([]StoredEvent, 0, len(docs))
	for _, d := range docs {
		result = append(result, d.stored())
	}
	return result, nil
}
