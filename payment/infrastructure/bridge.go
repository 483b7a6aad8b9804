package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/akriventsev/furnel/framework/events"
	"github.com/akriventsev/furnel/framework/saga"
	"github.com/akriventsev/furnel/framework/transport"
	"github.com/akriventsev/furnel/payment/application"
	"github.com/akriventsev/furnel/payment/domain"
)

// Subject'ы шины сообщений
const (
	StatusSubjectPrefix = "payments.status."
	SignalSubjectPrefix = "payments.signal."
	SignalSubjects      = SignalSubjectPrefix + "*"

	// HeaderPaymentID id платежа в заголовке сигнала
	HeaderPaymentID = "payment_id"
)

// StatusSubject subject статусов платежа
func StatusSubject(paymentID string) string {
	return StatusSubjectPrefix + paymentID
}

// SignalSubject subject сигнала
func SignalSubject(name string) string {
	return SignalSubjectPrefix + name
}

// SignalEnvelope тело сообщения с сигналом
type SignalEnvelope struct {
	PaymentID string          `json:"paymentId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatusPublisher переносит записанные статусы из шины событий саги
// в шину сообщений на payments.status.<id>
type StatusPublisher struct {
	bus    transport.Publisher
	logger *slog.Logger
}

// NewStatusPublisher создает публикатор статусов
func NewStatusPublisher(bus transport.Publisher, logger *slog.Logger) *StatusPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPublisher{bus: bus, logger: logger}
}

// Attach подписывает публикатор на status.persisted
func (p *StatusPublisher) Attach(sub events.EventSubscriber) error {
	return sub.Subscribe(saga.EventStatusPersisted, p)
}

// Handle реализует events.EventHandler
func (p *StatusPublisher) Handle(ctx context.Context, event events.Event) error {
	var args application.PersistStatusArgs
	if err := json.Unmarshal(event.Payload(), &args); err != nil {
		return fmt.Errorf("failed to decode persisted status: %w", err)
	}
	paymentID := args.Record.ID
	if paymentID == "" {
		paymentID = event.AggregateID()
	}

	data, err := json.Marshal(args.Record)
	if err != nil {
		return fmt.Errorf("failed to encode payment record: %w", err)
	}
	headers := map[string]string{
		transport.HeaderMessageID:     event.EventID(),
		transport.HeaderCorrelationID: paymentID,
		transport.HeaderContentType:   "application/json",
		HeaderPaymentID:               paymentID,
	}
	if err := p.bus.Publish(ctx, StatusSubject(paymentID), data, headers); err != nil {
		p.logger.Warn("failed to publish payment status", "payment_id", paymentID, "status", args.Record.Status, "error", err)
		return err
	}
	return nil
}

// SignalIntake принимает сигналы саги из шины сообщений.
// Имя сигнала последний токен subject, id платежа в заголовке payment_id
// или в поле paymentId тела.
type SignalIntake struct {
	bus     transport.Subscriber
	service *application.Service
	logger  *slog.Logger
}

// NewSignalIntake создает приемник сигналов
func NewSignalIntake(bus transport.Subscriber, service *application.Service, logger *slog.Logger) *SignalIntake {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalIntake{bus: bus, service: service, logger: logger}
}

// Start подписывается на payments.signal.*
func (s *SignalIntake) Start(ctx context.Context) error {
	return s.bus.Subscribe(ctx, SignalSubjects, s.handle)
}

// Stop отписывается
func (s *SignalIntake) Stop(_ context.Context) error {
	return s.bus.Unsubscribe(SignalSubjects)
}

func (s *SignalIntake) handle(ctx context.Context, msg *transport.Message) error {
	name := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]

	var env SignalEnvelope
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			s.logger.Warn("dropping malformed signal", "subject", msg.Subject, "error", err)
			return nil
		}
	}
	paymentID := msg.Headers[HeaderPaymentID]
	if paymentID == "" {
		paymentID = env.PaymentID
	}
	if paymentID == "" {
		s.logger.Warn("dropping signal without payment id", "subject", msg.Subject)
		return nil
	}

	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	err := s.service.Signal(ctx, paymentID, name, payload)
	switch {
	case err == nil:
		s.logger.Info("signal accepted", "payment_id", paymentID, "signal", name)
		return nil
	case application.IsNotFound(err), errors.Is(err, domain.ErrInvalidRequest):
		// повтор доставки не поможет
		s.logger.Warn("signal rejected", "payment_id", paymentID, "signal", name, "error", err)
		return nil
	default:
		return fmt.Errorf("failed to deliver signal %s to %s: %w", name, paymentID, err)
	}
}
