package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/akriventsev/furnel/framework/saga"
	"github.com/akriventsev/furnel/payment/domain"
)

// ErrPaymentNotFound платеж не запущен и не найден в журнале
var ErrPaymentNotFound = saga.ErrInstanceNotFound

// ServiceConfig настройки саги платежа
type ServiceConfig struct {
	DepositBudget time.Duration
	PayoutCeiling time.Duration
}

// DefaultServiceConfig настройки по умолчанию
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DepositBudget: DefaultDepositBudget,
		PayoutCeiling: DefaultPayoutCeiling,
	}
}

// Service фасад саги платежа: запуск, сигналы и запросы по идентификатору платежа
type Service struct {
	orchestrator *saga.Orchestrator
	config       ServiceConfig
	logger       *slog.Logger
	now          func() time.Time
}

// NewService регистрирует определения саги платежа в оркестраторе
func NewService(orchestrator *saga.Orchestrator, config ServiceConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, def := range []saga.Definition{PaymentDefinition(), DepositWaitDefinition(), PayoutWaitDefinition()} {
		if err := orchestrator.Register(def); err != nil {
			return nil, err
		}
	}
	return &Service{
		orchestrator: orchestrator,
		config:       config,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start принимает запрос и запускает сагу. Повторный Start того же id возвращает тот же Handle.
func (s *Service) Start(ctx context.Context, req domain.PaymentRequest) (*saga.Handle, error) {
	req = req.Normalize()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	input := StartInput{
		Request:       req,
		DepositBudget: s.config.DepositBudget,
		PayoutCeiling: s.config.PayoutCeiling,
	}
	h, err := s.orchestrator.Start(ctx, DefinitionPayment, req.ID, saga.MustJSON(input))
	if err != nil {
		return nil, fmt.Errorf("failed to start payment %s: %w", req.ID, err)
	}
	s.logger.Info("payment started", "payment_id", req.ID, "amount", req.Amount.String(), "currency", req.TargetCurrency)
	return h, nil
}

// DepositObserved сигнал о замеченном депозите
func (s *Service) DepositObserved(ctx context.Context, paymentID string, signal domain.DepositObserved) error {
	return s.signal(ctx, paymentID, domain.SignalDepositObserved, signal)
}

// PayoutCompleted сигнал об итоге выплаты
func (s *Service) PayoutCompleted(ctx context.Context, paymentID string, signal domain.PayoutCompleted) error {
	return s.signal(ctx, paymentID, domain.SignalPayoutCompleted, signal)
}

// CancelRequested сигнал отмены; действует на ближайшей границе шага
func (s *Service) CancelRequested(ctx context.Context, paymentID, reason string) error {
	return s.signal(ctx, paymentID, domain.SignalCancelRequested, domain.CancelRequested{Reason: reason})
}

// Signal доставляет сигнал по имени с сырым телом (шина сообщений)
func (s *Service) Signal(ctx context.Context, paymentID, name string, payload json.RawMessage) error {
	switch name {
	case domain.SignalDepositObserved:
		if err := decodeSignal(payload, &domain.DepositObserved{}); err != nil {
			return err
		}
	case domain.SignalPayoutCompleted:
		if err := decodeSignal(payload, &domain.PayoutCompleted{}); err != nil {
			return err
		}
	case domain.SignalCancelRequested:
		// отмена действует и без причины
		if err := decodeSignal(payload, &domain.CancelRequested{}); err != nil {
			s.logger.Warn("malformed cancel reason dropped", "payment_id", paymentID, "error", err)
			payload = json.RawMessage("{}")
		}
	default:
		return fmt.Errorf("%w: unknown signal %q", domain.ErrInvalidRequest, name)
	}
	if err := s.orchestrator.Signal(ctx, paymentID, name, payload); err != nil {
		return err
	}
	s.logger.Debug("signal delivered", "payment_id", paymentID, "signal", name)
	return nil
}

func decodeSignal(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty signal payload", domain.ErrInvalidRequest)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Service) signal(ctx context.Context, paymentID, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.Signal(ctx, paymentID, name, data)
}

// GetState снимок состояния платежа; не блокируется на работе саги
func (s *Service) GetState(ctx context.Context, paymentID string) (domain.PaymentState, error) {
	p, err := s.load(ctx, paymentID)
	if err != nil {
		return domain.PaymentState{}, err
	}
	return p.State, nil
}

// GetCompensationHistory журнал компенсаций в порядке записи
func (s *Service) GetCompensationHistory(ctx context.Context, paymentID string) ([]domain.CompensationStep, error) {
	p, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return p.Ledger.History(), nil
}

// Recover поднимает незавершенные платежи после рестарта
func (s *Service) Recover(ctx context.Context) (saga.RecoveryReport, error) {
	return s.orchestrator.Recover(ctx)
}

func (s *Service) load(ctx context.Context, paymentID string) (PaymentSaga, error) {
	snapshot, err := s.orchestrator.Query(ctx, paymentID)
	if err != nil {
		return PaymentSaga{}, err
	}
	p, ok := saga.StateOf[PaymentSaga](snapshot)
	if !ok {
		// идентификатор дочернего процесса, а не платежа
		return PaymentSaga{}, fmt.Errorf("%w: %s is not a payment", ErrPaymentNotFound, paymentID)
	}
	return p, nil
}

// IsNotFound ошибка означает неизвестный платеж
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPaymentNotFound)
}
