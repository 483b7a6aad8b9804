package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/events"
)

// PostgresEventStoreConfig конфигурация для PostgreSQL Event Store
type PostgresEventStoreConfig struct {
	SchemaName string
	TableName  string
}

// DefaultPostgresEventStoreConfig возвращает конфигурацию по умолчанию
func DefaultPostgresEventStoreConfig() PostgresEventStoreConfig {
	return PostgresEventStoreConfig{
		SchemaName: "public",
		TableName:  "event_store",
	}
}

func (c PostgresEventStoreConfig) table() string {
	schema, table := c.SchemaName, c.TableName
	if schema == "" {
		schema = "public"
	}
	if table == "" {
		table = "event_store"
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

// PostgresEventStore реализация EventStore для PostgreSQL.
// Пул соединений принадлежит вызывающей стороне.
type PostgresEventStore struct {
	config PostgresEventStoreConfig
	pool   *pgxpool.Pool
}

// NewPostgresEventStore создает новый PostgreSQL Event Store поверх готового пула
func NewPostgresEventStore(pool *pgxpool.Pool, config PostgresEventStoreConfig) (*PostgresEventStore, error) {
	if pool == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "postgres pool cannot be nil")
	}
	return &PostgresEventStore{config: config, pool: pool}, nil
}

// Name возвращает имя компонента
func (s *PostgresEventStore) Name() string {
	return "postgres-event-store"
}

// Type возвращает тип компонента
func (s *PostgresEventStore) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// HealthCheck проверяет доступность базы
func (s *PostgresEventStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendEvents добавляет события в поток агрегата
func (s *PostgresEventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []events.Event) error {
	tableName := s.config.table()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var actualVersion int64
	checkQuery := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s WHERE aggregate_id = $1", tableName)
	if err := tx.QueryRow(ctx, checkQuery, aggregateID).Scan(&actualVersion); err != nil {
		return fmt.Errorf("failed to check version: %w", err)
	}

	if expectedVersion != actualVersion {
		return fmt.Errorf("%w: expected %d, got %d", ErrConcurrencyConflict, expectedVersion, actualVersion)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tableName)

	for i, event := range events {
		metadata, err := json.Marshal(copyMetadata(event.Metadata()))
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		data := event.Payload()
		if len(data) == 0 {
			data = []byte("{}")
		}

		_, err = tx.Exec(ctx, insertQuery,
			event.EventID(),
			aggregateID,
			aggregateTypeOf(event),
			event.EventType(),
			data,
			metadata,
			expectedVersion+int64(i)+1,
			event.OccurredAt(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: concurrent append to %s", ErrConcurrencyConflict, aggregateID)
			}
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetEvents возвращает события агрегата
func (s *PostgresEventStore) GetEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]StoredEvent, error) {
	query := fmt.Sprintf(`
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, position, occurred_at, created_at
		FROM %s
		WHERE aggregate_id = $1 AND version >= $2
		ORDER BY version ASC
	`, s.config.table())

	result, err := s.query(ctx, query, aggregateID, fromVersion)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrStreamNotFound
	}
	return result, nil
}

// GetEventsByType возвращает события определенного типа
func (s *PostgresEventStore) GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time) ([]StoredEvent, error) {
	query := fmt.Sprintf(`
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, position, occurred_at, created_at
		FROM %s
		WHERE event_type = $1 AND occurred_at >= $2
		ORDER BY position ASC
	`, s.config.table())

	return s.query(ctx, query, eventType, fromTimestamp)
}

func (s *PostgresEventStore) query(ctx context.Context, query string, args ...any) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var result []StoredEvent
	for rows.Next() {
		var stored StoredEvent
		var metadataJSON []byte

		err := rows.Scan(
			&stored.ID,
			&stored.AggregateID,
			&stored.AggregateType,
			&stored.EventType,
			&stored.Data,
			&metadataJSON,
			&stored.Version,
			&stored.Position,
			&stored.OccurredAt,
			&stored.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if err := json.Unmarshal(metadataJSON, &stored.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		result = append(result, stored)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return result, nil
}
