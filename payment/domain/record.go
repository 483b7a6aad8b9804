package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRecord строка статуса платежа в реляционном хранилище.
// Пишется идемпотентным upsert по ID при каждой смене статуса.
type PaymentRecord struct {
	ID             string           `json:"id"`
	Status         Status           `json:"status"`
	Amount         decimal.Decimal  `json:"amount"`
	SourceCurrency string           `json:"sourceCurrency"`
	TargetCurrency string           `json:"targetCurrency"`
	DepositAddress string           `json:"depositAddress"`
	RecipientID    string           `json:"recipientId,omitempty"`
	DepositTxRef   string           `json:"depositTxRef,omitempty"`
	FXRate         *decimal.Decimal `json:"fxRate,omitempty"`
	QuoteID        string           `json:"quoteId,omitempty"`
	OrderID        string           `json:"orderId,omitempty"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// AwaitingDeposit платеж еще ждет депозит
func (r PaymentRecord) AwaitingDeposit() bool {
	return r.Status == StatusInitiated || r.Status == StatusWaitingForUSDC
}
