// Package application содержит сагу платежа, дочерние процессы ожидания
// депозита и выплаты, контракт activity и фасад сервиса.
package application

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/metrics"
	"github.com/akriventsev/furnel/payment/domain"
)

// Имена activity
const (
	ActivityPersistStatus         = "persistStatus"
	ActivityWaitForDeposit        = "waitForDeposit"
	ActivityLockRate              = "lockRate"
	ActivityGeneratePayoutHandoff = "generatePayoutHandoff"
	ActivityConfirmDelivery       = "confirmDelivery"
	ActivityRefund                = "refund"
)

// PersistStatusArgs запись статуса
type PersistStatusArgs struct {
	Record domain.PaymentRecord `json:"record"`
}

// WaitForDepositArgs ожидание депозита на адрес
type WaitForDepositArgs struct {
	PaymentID      string          `json:"paymentId"`
	Address        string          `json:"address"`
	ExpectedAmount decimal.Decimal `json:"expectedAmount"`
}

// DepositResult найденный перевод
type DepositResult struct {
	TxRef  string          `json:"txRef"`
	Amount decimal.Decimal `json:"amount"`
}

// LockRateArgs фиксация курса
type LockRateArgs struct {
	PaymentID      string `json:"paymentId"`
	TargetCurrency string `json:"targetCurrency"`
}

// FXQuote зафиксированный курс
type FXQuote struct {
	Rate      decimal.Decimal `json:"rate"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// HandoffArgs генерация ссылки на выплату
type HandoffArgs struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	SourceAddress string          `json:"sourceAddress"`
	CorrelationID string          `json:"correlationId"`
	RedirectURL   string          `json:"redirectUrl,omitempty"`
}

// Handoff ссылка на выплату у провайдера
type Handoff struct {
	URL       string    `json:"url"`
	QuoteID   string    `json:"quoteId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ConfirmDeliveryArgs опрос доставки выплаты
type ConfirmDeliveryArgs struct {
	QuoteID string `json:"quoteId"`
}

// RefundArgs возврат депозита
type RefundArgs struct {
	PaymentID string          `json:"paymentId"`
	Amount    decimal.Decimal `json:"amount"`
	Address   string          `json:"address"`
}

// RefundReceipt квитанция возврата
type RefundReceipt struct {
	TxRef string `json:"txRef"`
}

// Activities внешние операции саги платежа.
// Реализации должны быть идемпотентны по идентификатору платежа:
// после рестарта незавершенный вызов повторяется.
type Activities interface {
	PersistStatus(ctx context.Context, args PersistStatusArgs) error
	WaitForDeposit(ctx context.Context, args WaitForDepositArgs) (DepositResult, error)
	LockRate(ctx context.Context, args LockRateArgs) (FXQuote, error)
	GeneratePayoutHandoff(ctx context.Context, args HandoffArgs) (Handoff, error)
	ConfirmDelivery(ctx context.Context, args ConfirmDeliveryArgs) (bool, error)
	Refund(ctx context.Context, args RefundArgs) (RefundReceipt, error)
}

// RegisterActivities регистрирует Activities в реестре под их именами.
// Возвраты депозита учитываются в метрике компенсаций; m может быть nil.
func RegisterActivities(registry *activity.Registry, acts Activities, m *metrics.Metrics) error {
	refund := func(ctx context.Context, args RefundArgs) (RefundReceipt, error) {
		receipt, err := acts.Refund(ctx, args)
		m.RecordCompensation(ctx, string(domain.StepDepositReceived), err == nil)
		return receipt, err
	}
	return errors.Join(
		registry.Register(ActivityPersistStatus, activity.Typed(func(ctx context.Context, args PersistStatusArgs) (struct{}, error) {
			return struct{}{}, acts.PersistStatus(ctx, args)
		})),
		registry.Register(ActivityWaitForDeposit, activity.Typed(acts.WaitForDeposit)),
		registry.Register(ActivityLockRate, activity.Typed(acts.LockRate)),
		registry.Register(ActivityGeneratePayoutHandoff, activity.Typed(acts.GeneratePayoutHandoff)),
		registry.Register(ActivityConfirmDelivery, activity.Typed(acts.ConfirmDelivery)),
		registry.Register(ActivityRefund, activity.Typed(refund)),
	)
}
