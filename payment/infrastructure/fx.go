package infrastructure

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akriventsev/furnel/payment/application"
)

// QuoteTTL время жизни зафиксированного курса
const QuoteTTL = 5 * time.Minute

// FXTable статическая таблица курсов USDC -> валюта.
// Неизвестная валюта получает курс 1.
type FXTable map[string]decimal.Decimal

// DefaultFXTable курсы офрамп-партнера по умолчанию
func DefaultFXTable() FXTable {
	return FXTable{
		"GBP": decimal.RequireFromString("0.79"),
		"EUR": decimal.RequireFromString("0.92"),
		"PHP": decimal.RequireFromString("56.5"),
		"NGN": decimal.NewFromInt(1550),
		"BRL": decimal.RequireFromString("4.95"),
	}
}

// Rate курс для валюты
func (t FXTable) Rate(currency string) decimal.Decimal {
	if rate, ok := t[strings.ToUpper(currency)]; ok {
		return rate
	}
	return decimal.NewFromInt(1)
}

// Quote курс с истечением через QuoteTTL от now
func (t FXTable) Quote(currency string, now time.Time) application.FXQuote {
	return application.FXQuote{Rate: t.Rate(currency), ExpiresAt: now.Add(QuoteTTL)}
}
