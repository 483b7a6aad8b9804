package eventsourcing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Driver тип хранилища событий
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverPostgres Driver = "postgres"
	DriverMongoDB  Driver = "mongodb"
)

// FactoryConfig конфигурация выбора хранилища событий
type FactoryConfig struct {
	Driver   Driver
	Memory   InMemoryEventStoreConfig
	Postgres PostgresEventStoreConfig
	MongoURI string
	MongoDB  MongoDBEventStoreConfig
}

// CloseFunc освобождает ресурсы, открытые фабрикой
type CloseFunc func(ctx context.Context) error

// EventStoreFactory фабрика для создания Event Store адаптеров.
// Пул PostgreSQL передается извне и фабрикой не закрывается.
type EventStoreFactory struct {
	pgPool *pgxpool.Pool
}

// NewEventStoreFactory создает новую фабрику Event Store
func NewEventStoreFactory() *EventStoreFactory {
	return &EventStoreFactory{}
}

// WithPostgresPool задает пул для драйвера postgres
func (f *EventStoreFactory) WithPostgresPool(pool *pgxpool.Pool) *EventStoreFactory {
	f.pgPool = pool
	return f
}

// Create создает хранилище по конфигурации
func (f *EventStoreFactory) Create(ctx context.Context, config FactoryConfig) (EventStore, CloseFunc, error) {
	noop := func(context.Context) error { return nil }

	switch config.Driver {
	case DriverMemory, "":
		return NewInMemoryEventStore(config.Memory), noop, nil

	case DriverPostgres:
		store, err := NewPostgresEventStore(f.pgPool, config.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case DriverMongoDB:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
		}

		store, err := NewMongoDBEventStore(client, config.MongoDB)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		if err := store.EnsureIndexes(connectCtx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		return store, client.Disconnect, nil

	default:
		return nil, nil, fmt.Errorf("unknown event store driver: %s", config.Driver)
	}
}
