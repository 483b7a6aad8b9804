package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func validRequest() PaymentRequest {
	return PaymentRequest{
		ID:             "payment-1",
		Amount:         decimal.NewFromInt(100),
		TargetCurrency: "gbp",
		DepositAddress: " X ",
		Recipient:      Recipient{Name: "Ada", AccountNumber: "12345678", RoutingCode: "00-11-22"},
	}.Normalize()
}

func TestPaymentRequest_Normalize(t *testing.T) {
	r := validRequest()
	assert.Equal(t, "USDC", r.SourceCurrency)
	assert.Equal(t, "GBP", r.TargetCurrency)
	assert.Equal(t, "X", r.DepositAddress)
	assert.NoError(t, r.Validate())
}

func TestPaymentRequest_Validate(t *testing.T) {
	cases := map[string]func(r *PaymentRequest){
		"missing id":        func(r *PaymentRequest) { r.ID = "" },
		"zero amount":       func(r *PaymentRequest) { r.Amount = decimal.Zero },
		"negative amount":   func(r *PaymentRequest) { r.Amount = decimal.NewFromInt(-5) },
		"bad currency":      func(r *PaymentRequest) { r.TargetCurrency = "pounds" },
		"no address":        func(r *PaymentRequest) { r.DepositAddress = "" },
		"no recipient name": func(r *PaymentRequest) { r.Recipient.Name = " " },
		"account without routing": func(r *PaymentRequest) {
			r.Recipient.RoutingCode = ""
		},
		"account and iban": func(r *PaymentRequest) {
			r.Recipient.IBAN = "GB33BUKB20201555555555"
		},
		"no bank details": func(r *PaymentRequest) {
			r.Recipient = Recipient{Name: "Ada"}
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := validRequest()
			mutate(&r)
			assert.ErrorIs(t, r.Validate(), ErrInvalidRequest)
		})
	}
}

func TestRecipient_IBANOnly(t *testing.T) {
	r := Recipient{Name: "Ada", IBAN: "DE89370400440532013000"}
	assert.NoError(t, r.Validate())
}
