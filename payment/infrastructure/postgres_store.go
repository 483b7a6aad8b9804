// Package infrastructure адаптеры платежей: хранилища статусов, имитация
// провайдеров и мост между сагой и шиной сообщений.
package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/payment/application"
	"github.com/akriventsev/furnel/payment/domain"
)

const paymentColumns = `id, status, amount, source_currency, target_currency, deposit_address,
	recipient_id, deposit_tx_ref, fx_rate, quote_id, order_id, error_message, created_at, updated_at`

// numeric читается текстом, чтобы не терять точность
const selectPayment = `SELECT id, status, amount::text, source_currency, target_currency, deposit_address,
	recipient_id, deposit_tx_ref, fx_rate::text, quote_id, order_id, error_message, created_at, updated_at
	FROM payments`

// PostgresStore строки статуса и журнал webhook в PostgreSQL.
// Пул соединений принадлежит вызывающей стороне.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ application.StatusStore = (*PostgresStore)(nil)
	_ application.WebhookLog  = (*PostgresStore)(nil)
)

// NewPostgresStore создает хранилище поверх готового пула
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "postgres pool cannot be nil")
	}
	return &PostgresStore{pool: pool}, nil
}

// Name возвращает имя компонента
func (s *PostgresStore) Name() string {
	return "postgres-payment-store"
}

// Type возвращает тип компонента
func (s *PostgresStore) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// HealthCheck проверяет доступность базы
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save вставка или обновление строки по id
func (s *PostgresStore) Save(ctx context.Context, r domain.PaymentRecord) error {
	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			deposit_tx_ref = COALESCE(EXCLUDED.deposit_tx_ref, payments.deposit_tx_ref),
			fx_rate = COALESCE(EXCLUDED.fx_rate, payments.fx_rate),
			quote_id = COALESCE(EXCLUDED.quote_id, payments.quote_id),
			order_id = COALESCE(EXCLUDED.order_id, payments.order_id),
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at`

	var fxRate *string
	if r.FXRate != nil {
		v := r.FXRate.String()
		fxRate = &v
	}
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	_, err := s.pool.Exec(ctx, query,
		r.ID,
		string(r.Status),
		r.Amount.String(),
		r.SourceCurrency,
		r.TargetCurrency,
		r.DepositAddress,
		nullable(r.RecipientID),
		nullable(r.DepositTxRef),
		fxRate,
		nullable(r.QuoteID),
		nullable(r.OrderID),
		nullable(r.ErrorMessage),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save payment %s: %w", r.ID, err)
	}
	return nil
}

// Get строка статуса по id
func (s *PostgresStore) Get(ctx context.Context, id string) (domain.PaymentRecord, error) {
	row := s.pool.QueryRow(ctx, selectPayment+` WHERE id = $1`, id)
	return scanRecord(row)
}

// FindByDepositAddress последний платеж на адрес, еще ожидающий депозит
func (s *PostgresStore) FindByDepositAddress(ctx context.Context, address string) (domain.PaymentRecord, error) {
	row := s.pool.QueryRow(ctx, selectPayment+`
		WHERE deposit_address = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1`,
		address, string(domain.StatusInitiated), string(domain.StatusWaitingForUSDC))
	return scanRecord(row)
}

// ListRecent платежи по убыванию времени обновления
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, selectPayment+`
		ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var records []domain.PaymentRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return records, nil
}

// RecordWebhook сохраняет тело webhook до обработки
func (s *PostgresStore) RecordWebhook(ctx context.Context, provider, eventType string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, provider, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), provider, eventType, []byte(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record %s webhook: %w", provider, err)
	}
	return nil
}

func scanRecord(row pgx.Row) (domain.PaymentRecord, error) {
	var (
		r                                                     domain.PaymentRecord
		status, amount                                        string
		recipientID, txRef, fxRate, quoteID, orderID, message *string
	)
	err := row.Scan(&r.ID, &status, &amount, &r.SourceCurrency, &r.TargetCurrency, &r.DepositAddress,
		&recipientID, &txRef, &fxRate, &quoteID, &orderID, &message, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PaymentRecord{}, application.ErrRecordNotFound
	}
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("failed to scan payment: %w", err)
	}

	r.Status = domain.Status(status)
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if fxRate != nil {
		rate, err := decimal.NewFromString(*fxRate)
		if err != nil {
			return domain.PaymentRecord{}, fmt.Errorf("invalid fx rate %q: %w", *fxRate, err)
		}
		r.FXRate = &rate
	}
	r.RecipientID = deref(recipientID)
	r.DepositTxRef = deref(txRef)
	r.QuoteID = deref(quoteID)
	r.OrderID = deref(orderID)
	r.ErrorMessage = deref(message)
	return r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
