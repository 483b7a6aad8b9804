package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/akriventsev/furnel/framework/metrics"
	"github.com/akriventsev/furnel/payment/domain"
)

// Провайдеры webhook
const (
	ProviderMoonPay  = "moonpay"
	ProviderCoinbase = "coinbase"
)

// События провайдеров
const (
	MoonPayTransactionCreated = "transaction_created"
	MoonPayTransactionUpdated = "transaction_updated"

	CoinbaseOfframpCompleted = "offramp.completed"
	CoinbaseOfframpFailed    = "offramp.failed"
	CoinbaseOfframpPending   = "offramp.pending"
)

// MoonPayWebhook уведомление о транзакции депозита
type MoonPayWebhook struct {
	Type string      `json:"type"`
	Data MoonPayData `json:"data"`
}

// MoonPayData тело уведомления MoonPay
type MoonPayData struct {
	WalletAddress       string           `json:"walletAddress"`
	Status              string           `json:"status"`
	CryptoTransactionID string           `json:"cryptoTransactionId,omitempty"`
	QuoteCurrencyAmount *decimal.Decimal `json:"quoteCurrencyAmount,omitempty"`
	FailureReason       string           `json:"failureReason,omitempty"`
}

// CoinbaseWebhook уведомление о выплате
type CoinbaseWebhook struct {
	EventType string       `json:"event_type"`
	Data      CoinbaseData `json:"data"`
}

// CoinbaseData тело уведомления Coinbase; partner_user_ref несет id платежа
type CoinbaseData struct {
	OrderID        string `json:"order_id"`
	PartnerUserRef string `json:"partner_user_ref"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// WebhookResult что сделано с уведомлением
type WebhookResult struct {
	PaymentID string `json:"paymentId,omitempty"`
	Signal    string `json:"signal,omitempty"`
}

// WebhookHandler переводит уведомления провайдеров в сигналы саги
type WebhookHandler struct {
	service *Service
	store   StatusStore
	log     WebhookLog
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWebhookHandler создает обработчик; metrics может быть nil
func NewWebhookHandler(service *Service, store StatusStore, log WebhookLog, m *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{service: service, store: store, log: log, metrics: m, logger: logger}
}

// HandleMoonPay completed на адрес депозита превращается в depositObserved.
// failed только записывается: неудачный депозит закрывает бюджет ожидания.
func (h *WebhookHandler) HandleMoonPay(ctx context.Context, raw json.RawMessage) (WebhookResult, error) {
	var hook MoonPayWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: moonpay payload: %v", domain.ErrInvalidRequest, err)
	}
	if err := h.record(ctx, ProviderMoonPay, hook.Type, raw); err != nil {
		return WebhookResult{}, err
	}

	logger := h.logger.With("provider", ProviderMoonPay, "event_type", hook.Type, "address", hook.Data.WalletAddress)
	if hook.Type != MoonPayTransactionUpdated {
		logger.Info("webhook ignored")
		return WebhookResult{}, nil
	}

	switch hook.Data.Status {
	case "completed":
		record, err := h.store.FindByDepositAddress(ctx, hook.Data.WalletAddress)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				logger.Warn("no payment waits on deposit address")
				return WebhookResult{}, nil
			}
			return WebhookResult{}, err
		}
		signal := domain.DepositObserved{TxRef: hook.Data.CryptoTransactionID}
		if hook.Data.QuoteCurrencyAmount != nil {
			signal.Amount = *hook.Data.QuoteCurrencyAmount
		}
		if err := h.service.DepositObserved(ctx, record.ID, signal); err != nil {
			return WebhookResult{}, err
		}
		logger.Info("deposit observed", "payment_id", record.ID, "tx_ref", signal.TxRef)
		return WebhookResult{PaymentID: record.ID, Signal: domain.SignalDepositObserved}, nil

	case "failed":
		logger.Warn("deposit failed at provider", "reason", hook.Data.FailureReason)
	default:
		logger.Debug("deposit status", "status", hook.Data.Status)
	}
	return WebhookResult{}, nil
}

// HandleCoinbase completed и failed превращаются в payoutCompleted, pending только записывается
func (h *WebhookHandler) HandleCoinbase(ctx context.Context, raw json.RawMessage) (WebhookResult, error) {
	var hook CoinbaseWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: coinbase payload: %v", domain.ErrInvalidRequest, err)
	}
	if err := h.record(ctx, ProviderCoinbase, hook.EventType, raw); err != nil {
		return WebhookResult{}, err
	}

	logger := h.logger.With("provider", ProviderCoinbase, "event_type", hook.EventType, "order_id", hook.Data.OrderID)
	var status string
	switch hook.EventType {
	case CoinbaseOfframpCompleted:
		status = domain.PayoutStatusCompleted
	case CoinbaseOfframpFailed:
		status = domain.PayoutStatusFailed
	case CoinbaseOfframpPending:
		logger.Info("payout pending")
		return WebhookResult{}, nil
	default:
		logger.Info("webhook ignored")
		return WebhookResult{}, nil
	}

	paymentID := hook.Data.PartnerUserRef
	if paymentID == "" {
		return WebhookResult{}, fmt.Errorf("%w: partner_user_ref is required", domain.ErrInvalidRequest)
	}
	signal := domain.PayoutCompleted{OrderID: hook.Data.OrderID, Status: status, Reason: hook.Data.FailureReason}
	if err := h.service.PayoutCompleted(ctx, paymentID, signal); err != nil {
		return WebhookResult{}, err
	}
	logger.Info("payout outcome", "payment_id", paymentID, "status", status)
	return WebhookResult{PaymentID: paymentID, Signal: domain.SignalPayoutCompleted}, nil
}

func (h *WebhookHandler) record(ctx context.Context, provider, eventType string, raw json.RawMessage) error {
	h.metrics.RecordWebhook(ctx, provider, eventType, true)
	if h.log == nil {
		return nil
	}
	if err := h.log.RecordWebhook(ctx, provider, eventType, raw); err != nil {
		return fmt.Errorf("failed to record %s webhook: %w", provider, err)
	}
	return nil
}
