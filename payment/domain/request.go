// Package domain описывает платеж: запрос, состояние, статусы и журнал компенсаций.
package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidRequest запрос на платеж не прошел проверку
var ErrInvalidRequest = errors.New("invalid payment request")

// DefaultSourceCurrency валюта депозита по умолчанию
const DefaultSourceCurrency = "USDC"

var currencyCode = regexp.MustCompile(`^[A-Z]{3,5}$`)

// Recipient реквизиты получателя выплаты.
// Нужны Name и ровно один из вариантов: AccountNumber+RoutingCode или IBAN.
type Recipient struct {
	Name          string `json:"name"`
	AccountNumber string `json:"accountNumber,omitempty"`
	RoutingCode   string `json:"routingCode,omitempty"`
	IBAN          string `json:"iban,omitempty"`
}

// Validate проверяет реквизиты
func (r Recipient) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: recipient name is required", ErrInvalidRequest)
	}
	hasAccount := r.AccountNumber != "" || r.RoutingCode != ""
	hasIBAN := r.IBAN != ""
	switch {
	case hasAccount && hasIBAN:
		return fmt.Errorf("%w: recipient must have either account number with routing code or IBAN, not both", ErrInvalidRequest)
	case hasIBAN:
		return nil
	case r.AccountNumber == "" || r.RoutingCode == "":
		return fmt.Errorf("%w: recipient requires account number with routing code or IBAN", ErrInvalidRequest)
	}
	return nil
}

// PaymentRequest входные данные платежа; не меняются после принятия
type PaymentRequest struct {
	ID             string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	SourceCurrency string          `json:"sourceCurrency"`
	TargetCurrency string          `json:"targetCurrency"`
	DepositAddress string          `json:"depositAddress"`
	RedirectURL    string          `json:"redirectUrl,omitempty"`
	RecipientID    string          `json:"recipientId,omitempty"`
	Recipient      Recipient       `json:"recipient"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Normalize заполняет значения по умолчанию
func (r PaymentRequest) Normalize() PaymentRequest {
	r.SourceCurrency = strings.ToUpper(strings.TrimSpace(r.SourceCurrency))
	if r.SourceCurrency == "" {
		r.SourceCurrency = DefaultSourceCurrency
	}
	r.TargetCurrency = strings.ToUpper(strings.TrimSpace(r.TargetCurrency))
	r.DepositAddress = strings.TrimSpace(r.DepositAddress)
	return r
}

// Validate проверяет запрос
func (r PaymentRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if !currencyCode.MatchString(r.SourceCurrency) {
		return fmt.Errorf("%w: bad source currency %q", ErrInvalidRequest, r.SourceCurrency)
	}
	if !currencyCode.MatchString(r.TargetCurrency) {
		return fmt.Errorf("%w: bad target currency %q", ErrInvalidRequest, r.TargetCurrency)
	}
	if r.DepositAddress == "" {
		return fmt.Errorf("%w: deposit address is required", ErrInvalidRequest)
	}
	return r.Recipient.Validate()
}
