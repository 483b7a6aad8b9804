package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/payment/application"
)

// ProvidersConfig настройки имитации провайдеров
type ProvidersConfig struct {
	// Latency задержка одного вызова провайдера; ожидание депозита длится 4x
	Latency time.Duration
	// DeliveryDelay через сколько провайдер подтверждает доставку; 0 означает 2x Latency
	DeliveryDelay  time.Duration
	HandoffBaseURL string
	HandoffTTL     time.Duration
	FX             FXTable
}

// DefaultProvidersConfig задержки порядка реальных API
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Latency:        500 * time.Millisecond,
		HandoffBaseURL: "https://pay.coinbase.com/v3/sell/input",
		HandoffTTL:     30 * time.Minute,
		FX:             DefaultFXTable(),
	}
}

// MockProviders имитация блокчейна, FX-партнера и офрамп-провайдера.
// Идентификаторы детерминированы по id платежа, поэтому повтор
// после рестарта возвращает тот же результат.
type MockProviders struct {
	config ProvidersConfig
	store  application.StatusStore
	logger *slog.Logger
	now    func() time.Time
}

var _ application.Activities = (*MockProviders)(nil)

// NewMockProviders создает провайдеры; статусы пишутся в store
func NewMockProviders(config ProvidersConfig, store application.StatusStore, logger *slog.Logger) *MockProviders {
	if config.FX == nil {
		config.FX = DefaultFXTable()
	}
	if config.HandoffBaseURL == "" {
		config.HandoffBaseURL = DefaultProvidersConfig().HandoffBaseURL
	}
	if config.HandoffTTL <= 0 {
		config.HandoffTTL = DefaultProvidersConfig().HandoffTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MockProviders{config: config, store: store, logger: logger, now: time.Now}
}

// PersistStatus upsert строки статуса
func (p *MockProviders) PersistStatus(ctx context.Context, args application.PersistStatusArgs) error {
	if err := p.store.Save(ctx, args.Record); err != nil {
		return activity.NewRetryableError("persist payment status", err)
	}
	p.logger.Info("payment status persisted", "payment_id", args.Record.ID, "status", args.Record.Status)
	return nil
}

// WaitForDeposit имитирует опрос адреса депозита
func (p *MockProviders) WaitForDeposit(ctx context.Context, args application.WaitForDepositArgs) (application.DepositResult, error) {
	p.logger.Info("waiting for deposit", "payment_id", args.PaymentID, "address", args.Address, "amount", args.ExpectedAmount)
	if err := p.simulate(ctx, 4*p.config.Latency, args.Address); err != nil {
		return application.DepositResult{}, err
	}
	return application.DepositResult{TxRef: "sol_" + args.PaymentID, Amount: args.ExpectedAmount}, nil
}

// LockRate курс из таблицы
func (p *MockProviders) LockRate(ctx context.Context, args application.LockRateArgs) (application.FXQuote, error) {
	if strings.TrimSpace(args.TargetCurrency) == "" {
		return application.FXQuote{}, activity.NewNonRetryableError("target currency is required", nil)
	}
	if err := p.simulate(ctx, p.config.Latency, nil); err != nil {
		return application.FXQuote{}, err
	}
	quote := p.config.FX.Quote(args.TargetCurrency, p.now())
	p.logger.Info("fx rate locked", "payment_id", args.PaymentID, "currency", args.TargetCurrency, "rate", quote.Rate)
	return quote, nil
}

// GeneratePayoutHandoff ссылка на офрамп; correlation id уходит как partnerUserId
func (p *MockProviders) GeneratePayoutHandoff(ctx context.Context, args application.HandoffArgs) (application.Handoff, error) {
	if !args.Amount.IsPositive() {
		return application.Handoff{}, activity.NewProviderRejectedError(fmt.Sprintf("payout amount %s is not positive", args.Amount))
	}
	if args.CorrelationID == "" {
		return application.Handoff{}, activity.NewNonRetryableError("correlation id is required", nil)
	}
	if err := p.simulate(ctx, p.config.Latency, nil); err != nil {
		return application.Handoff{}, err
	}

	quoteID := "offramp_" + args.CorrelationID
	q := url.Values{}
	q.Set("quoteId", quoteID)
	q.Set("partnerUserId", args.CorrelationID)
	q.Set("sourceAddress", args.SourceAddress)
	q.Set("fiatCurrency", args.Currency)
	q.Set("presetFiatAmount", args.Amount.StringFixed(2))
	if args.RedirectURL != "" {
		q.Set("redirectUrl", args.RedirectURL)
	}
	return application.Handoff{
		URL:       p.config.HandoffBaseURL + "?" + q.Encode(),
		QuoteID:   quoteID,
		ExpiresAt: p.now().Add(p.config.HandoffTTL),
	}, nil
}

// ConfirmDelivery опрос статуса доставки у партнера
func (p *MockProviders) ConfirmDelivery(ctx context.Context, args application.ConfirmDeliveryArgs) (bool, error) {
	delay := p.config.DeliveryDelay
	if delay <= 0 {
		delay = 2 * p.config.Latency
	}
	if err := p.simulate(ctx, delay, args.QuoteID); err != nil {
		return false, err
	}
	p.logger.Info("delivery confirmed", "quote_id", args.QuoteID)
	return true, nil
}

// Refund возврат USDC на адрес отправителя
func (p *MockProviders) Refund(ctx context.Context, args application.RefundArgs) (application.RefundReceipt, error) {
	if err := p.simulate(ctx, 2*p.config.Latency, args.Address); err != nil {
		return application.RefundReceipt{}, err
	}
	p.logger.Info("deposit refunded", "payment_id", args.PaymentID, "amount", args.Amount, "address", args.Address)
	return application.RefundReceipt{TxRef: "refund_" + args.PaymentID}, nil
}

// simulate ждет d, отправляя heartbeat, если попытка его требует
func (p *MockProviders) simulate(ctx context.Context, d time.Duration, details any) error {
	if d <= 0 {
		return ctx.Err()
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	var beat <-chan time.Time
	if interval := activity.HeartbeatInterval(ctx); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-beat:
			activity.RecordHeartbeat(ctx, details)
		}
	}
}
