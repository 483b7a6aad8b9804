package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentState состояние платежа, которым владеет один экземпляр саги
type PaymentState struct {
	PaymentID string `json:"paymentId"`
	Status    Status `json:"status"`

	DepositReceived bool             `json:"depositReceived"`
	DepositTxRef    string           `json:"depositTxRef,omitempty"`
	DepositAmount   *decimal.Decimal `json:"depositAmount,omitempty"`

	FXRate      *decimal.Decimal `json:"fxRate,omitempty"`
	FXExpiresAt *time.Time       `json:"fxExpiresAt,omitempty"`

	PayoutURL       string     `json:"payoutUrl,omitempty"`
	QuoteID         string     `json:"quoteId,omitempty"`
	PayoutExpiresAt *time.Time `json:"payoutExpiresAt,omitempty"`
	OrderID         string     `json:"orderId,omitempty"`
	PayoutStatus    string     `json:"payoutStatus,omitempty"`
	// PayoutIrreversible выплату уже нельзя отозвать; нужна ручная обработка
	PayoutIrreversible bool `json:"payoutIrreversible"`

	DeliveryConfirmed bool `json:"deliveryConfirmed"`

	RefundTxRef string `json:"refundTxRef,omitempty"`

	CancelRequested bool   `json:"cancelRequested"`
	Cancelled       bool   `json:"cancelled"`
	CancelReason    string `json:"cancelReason,omitempty"`

	LastError         string `json:"lastError,omitempty"`
	CompensationError string `json:"compensationError,omitempty"`
	PersistError      string `json:"persistError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewPaymentState начальное состояние
func NewPaymentState(paymentID string) PaymentState {
	return PaymentState{PaymentID: paymentID, Status: StatusInitiated}
}
