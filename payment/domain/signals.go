package domain

import (
	"github.com/shopspring/decimal"
)

// Имена сигналов саги платежа
const (
	SignalDepositObserved = "depositObserved"
	SignalPayoutCompleted = "payoutCompleted"
	SignalCancelRequested = "cancelRequested"
)

// Статусы выплаты в сигнале payoutCompleted
const (
	PayoutStatusCompleted = "completed"
	PayoutStatusFailed    = "failed"
)

// DepositObserved депозит замечен провайдером раньше опроса
type DepositObserved struct {
	TxRef  string          `json:"txRef"`
	Amount decimal.Decimal `json:"amount"`
}

// PayoutCompleted провайдер сообщил итог выплаты
type PayoutCompleted struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// CancelRequested пользователь отменил платеж
type CancelRequested struct {
	Reason string `json:"reason"`
}
