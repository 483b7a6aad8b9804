package application

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/akriventsev/furnel/payment/domain"
)

// ErrRecordNotFound строки статуса нет в хранилище
var ErrRecordNotFound = errors.New("payment record not found")

// StatusStore хранилище строк статуса платежей
type StatusStore interface {
	// Save вставка или обновление по id
	Save(ctx context.Context, record domain.PaymentRecord) error
	Get(ctx context.Context, id string) (domain.PaymentRecord, error)
	// FindByDepositAddress последний платеж на адрес, еще ожидающий депозит
	FindByDepositAddress(ctx context.Context, address string) (domain.PaymentRecord, error)
	// ListRecent платежи по убыванию времени обновления
	ListRecent(ctx context.Context, limit int) ([]domain.PaymentRecord, error)
}

// WebhookLog журнал входящих webhook
type WebhookLog interface {
	RecordWebhook(ctx context.Context, provider, eventType string, payload json.RawMessage) error
}
