package application

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/saga"
	"github.com/akriventsev/furnel/payment/domain"
)

// DefinitionPayment имя саги платежа
const DefinitionPayment = "payment"

const (
	childDeposit = "deposit"
	childPayout  = "payout"
)

// DepositChildID идентификатор процесса ожидания депозита платежа
func DepositChildID(paymentID string) string {
	return paymentID + "/" + childDeposit
}

// PayoutChildID идентификатор процесса выплаты платежа
func PayoutChildID(paymentID string) string {
	return paymentID + "/" + childPayout
}

// StartInput вход саги платежа.
// Бюджеты входят в журнал вместе с запросом, чтобы свертка давала тот же результат.
type StartInput struct {
	Request       domain.PaymentRequest `json:"request"`
	DepositBudget time.Duration         `json:"depositBudget,omitempty"`
	PayoutCeiling time.Duration         `json:"payoutCeiling,omitempty"`
}

type compensationMode string

const (
	modeFailure compensationMode = "failure"
	modeCancel  compensationMode = "cancel"
)

// PaymentSaga состояние саги платежа
type PaymentSaga struct {
	Input  StartInput
	State  domain.PaymentState
	Ledger domain.Ledger

	// Queue индексы журнала, которые еще предстоит компенсировать
	Queue         []int
	Mode          compensationMode
	PayoutStarted bool
	// Closing конечный статус выпущен; Complete после его записи
	Closing bool
}

// PaymentDefinition определение саги платежа
func PaymentDefinition() saga.Definition {
	return saga.NewDefinition(DefinitionPayment, initPayment, ReducePayment)
}

func initPayment(id string, input json.RawMessage) (PaymentSaga, error) {
	var in StartInput
	if err := json.Unmarshal(input, &in); err != nil {
		return PaymentSaga{}, fmt.Errorf("decode payment input: %w", err)
	}
	if in.Request.ID != id {
		return PaymentSaga{}, fmt.Errorf("%w: request id %q does not match saga id %q", domain.ErrInvalidRequest, in.Request.ID, id)
	}
	return PaymentSaga{Input: in, State: domain.NewPaymentState(id)}, nil
}

// ReducePayment чистый переход саги платежа: без часов и ввода-вывода
func ReducePayment(p PaymentSaga, ev saga.Event) (PaymentSaga, []saga.Effect) {
	if p.State.Status.IsTerminal() {
		// конечный статус ждет подтверждения записи, после него Complete
		if ev.Type == saga.EventStatusPersisted || ev.Type == saga.EventStatusPersistFailed {
			return p, p.onPersisted(ev)
		}
		return p, nil
	}
	if name, ok := ev.Signal(); ok {
		return p, p.onSignal(name, ev)
	}

	var effects []saga.Effect
	switch ev.Type {
	case saga.EventStarted:
		effects = p.onStarted(ev.OccurredAt)
	case saga.EventChildCompleted:
		switch ev.Child {
		case childDeposit:
			effects = p.onDeposit(ev)
		case childPayout:
			effects = p.onPayout(ev)
		}
	case saga.EventChildReported:
		if ev.Child == childPayout && ev.Name == ReportHandoffReady {
			effects = p.onHandoff(ev)
		}
	case saga.EventActivityCompleted:
		switch ev.Name {
		case ActivityLockRate:
			effects = p.onRateLocked(ev)
		case ActivityRefund:
			effects = p.onRefunded(ev)
		}
	case saga.EventActivityFailed:
		switch ev.Name {
		case ActivityLockRate:
			if p.State.Status == domain.StatusLockingFX {
				effects = p.fail(ev.OccurredAt, "lock rate: "+ev.Failure.Error())
			}
		case ActivityRefund:
			effects = p.onRefundFailed(ev)
		}
	case saga.EventStatusPersisted, saga.EventStatusPersistFailed:
		effects = p.onPersisted(ev)
	}
	return p, effects
}

func (p *PaymentSaga) onStarted(at time.Time) []saga.Effect {
	req := p.Input.Request
	p.State.CreatedAt = at
	p.State.UpdatedAt = at

	effects := []saga.Effect{p.persist()}
	effects = append(effects, p.moveTo(domain.StatusWaitingForUSDC, at)...)
	return append(effects, saga.StartChild{
		Name:       childDeposit,
		Definition: DefinitionDepositWait,
		ID:         DepositChildID(req.ID),
		Input: saga.MustJSON(DepositWaitInput{
			PaymentID:      req.ID,
			DepositAddress: req.DepositAddress,
			ExpectedAmount: req.Amount,
			Budget:         p.Input.DepositBudget,
		}),
	})
}

func (p *PaymentSaga) onSignal(name string, ev saga.Event) []saga.Effect {
	switch name {
	case domain.SignalDepositObserved:
		var signal domain.DepositObserved
		if err := ev.Decode(&signal); err != nil || p.State.DepositReceived {
			return nil
		}
		p.State.DepositTxRef = signal.TxRef
		if !signal.Amount.IsZero() {
			p.State.DepositAmount = &signal.Amount
		}
		p.State.UpdatedAt = ev.OccurredAt

	case domain.SignalPayoutCompleted:
		var signal domain.PayoutCompleted
		if err := ev.Decode(&signal); err != nil {
			return nil
		}
		p.State.OrderID = signal.OrderID
		p.State.PayoutStatus = signal.Status
		p.State.UpdatedAt = ev.OccurredAt
		if p.PayoutStarted && p.State.Status != domain.StatusCompensating {
			return []saga.Effect{saga.SignalChild{Child: childPayout, Signal: name, Payload: ev.Payload}}
		}

	case domain.SignalCancelRequested:
		if p.State.CancelRequested {
			return nil
		}
		// причина необязательна; нечитаемая причина не отменяет отмену
		var signal domain.CancelRequested
		if len(ev.Payload) > 0 {
			if err := ev.Decode(&signal); err != nil {
				signal = domain.CancelRequested{}
			}
		}
		p.State.CancelRequested = true
		p.State.CancelReason = signal.Reason
		p.State.UpdatedAt = ev.OccurredAt
	}
	return nil
}

func (p *PaymentSaga) onDeposit(ev saga.Event) []saga.Effect {
	if p.State.Status != domain.StatusWaitingForUSDC {
		return nil
	}
	at := ev.OccurredAt

	outcome := DepositOutcome{}
	if ev.Failure != nil {
		outcome.Reason = ev.Failure.Error()
	} else if err := ev.Decode(&outcome); err != nil {
		outcome = DepositOutcome{Reason: err.Error()}
	}

	if !outcome.Success {
		if p.State.CancelRequested {
			p.State.LastError = "deposit: " + outcome.Reason
			return p.cancel(at)
		}
		return p.fail(at, "deposit: "+outcome.Reason)
	}

	amount := p.Input.Request.Amount
	if outcome.Amount != nil {
		amount = *outcome.Amount
	}
	p.Ledger = p.Ledger.Record(domain.CompensationStep{
		Kind:      domain.StepDepositReceived,
		Timestamp: at,
		Data:      domain.StepData{TxRef: outcome.TxRef, Amount: &amount, Address: p.Input.Request.DepositAddress},
	})
	p.State.DepositReceived = true
	p.State.DepositTxRef = outcome.TxRef
	p.State.DepositAmount = &amount

	effects := p.moveTo(domain.StatusUSDCReceived, at)
	if p.State.CancelRequested {
		return append(effects, p.cancel(at)...)
	}
	effects = append(effects, p.moveTo(domain.StatusLockingFX, at)...)
	return append(effects, saga.RunActivity{
		Name:  ActivityLockRate,
		Args:  saga.MustJSON(LockRateArgs{PaymentID: p.State.PaymentID, TargetCurrency: p.Input.Request.TargetCurrency}),
		Class: activity.Fast,
	})
}

func (p *PaymentSaga) onRateLocked(ev saga.Event) []saga.Effect {
	if p.State.Status != domain.StatusLockingFX {
		return nil
	}
	at := ev.OccurredAt

	var quote FXQuote
	if err := ev.Decode(&quote); err != nil {
		return p.fail(at, "lock rate: "+err.Error())
	}
	p.Ledger = p.Ledger.Record(domain.CompensationStep{
		Kind:      domain.StepFXLocked,
		Timestamp: at,
		Data:      domain.StepData{Rate: &quote.Rate, ExpiresAt: &quote.ExpiresAt},
	})
	p.State.FXRate = &quote.Rate
	p.State.FXExpiresAt = &quote.ExpiresAt

	effects := p.moveTo(domain.StatusFXLocked, at)
	if p.State.CancelRequested {
		return append(effects, p.cancel(at)...)
	}

	req := p.Input.Request
	effects = append(effects, p.moveTo(domain.StatusGeneratingOfframpURL, at)...)
	effects = append(effects, saga.StartChild{
		Name:       childPayout,
		Definition: DefinitionPayoutWait,
		ID:         PayoutChildID(req.ID),
		Input: saga.MustJSON(PayoutWaitInput{
			PaymentID:      req.ID,
			Amount:         req.Amount,
			TargetCurrency: req.TargetCurrency,
			SourceAddress:  req.DepositAddress,
			RedirectURL:    req.RedirectURL,
			Ceiling:        p.Input.PayoutCeiling,
		}),
	})
	p.PayoutStarted = true

	// сигнал о выплате мог прийти раньше запуска процесса
	if p.State.PayoutStatus != "" {
		effects = append(effects, saga.SignalChild{
			Child:  childPayout,
			Signal: domain.SignalPayoutCompleted,
			Payload: saga.MustJSON(domain.PayoutCompleted{
				OrderID: p.State.OrderID,
				Status:  p.State.PayoutStatus,
			}),
		})
	}
	return effects
}

func (p *PaymentSaga) onHandoff(ev saga.Event) []saga.Effect {
	if p.State.Status != domain.StatusGeneratingOfframpURL {
		return nil
	}
	at := ev.OccurredAt

	var handoff Handoff
	if err := ev.Decode(&handoff); err != nil {
		return p.fail(at, "payout handoff: "+err.Error())
	}
	p.recordHandoff(handoff.URL, handoff.QuoteID, &handoff.ExpiresAt, at)

	effects := p.moveTo(domain.StatusAwaitingUserAction, at)
	if p.State.CancelRequested {
		return append(effects, p.cancel(at)...)
	}
	return append(effects, p.moveTo(domain.StatusWaitingForOfframp, at)...)
}

func (p *PaymentSaga) onPayout(ev saga.Event) []saga.Effect {
	status := p.State.Status
	if status != domain.StatusGeneratingOfframpURL && status != domain.StatusWaitingForOfframp {
		return nil
	}
	at := ev.OccurredAt

	outcome := PayoutOutcome{}
	if ev.Failure != nil {
		outcome.Reason = ev.Failure.Error()
	} else if err := ev.Decode(&outcome); err != nil {
		outcome = PayoutOutcome{Reason: err.Error()}
	}

	var effects []saga.Effect
	if status == domain.StatusGeneratingOfframpURL && outcome.HandoffGenerated {
		// отчет о ссылке не дошел, но выплата начата: итог несет ее данные
		p.recordHandoff(outcome.URL, outcome.QuoteID, outcome.ExpiresAt, at)
		effects = p.moveTo(domain.StatusAwaitingUserAction, at)
		effects = append(effects, p.moveTo(domain.StatusWaitingForOfframp, at)...)
		status = domain.StatusWaitingForOfframp
	}

	if outcome.Success && status == domain.StatusWaitingForOfframp {
		if outcome.OrderID != "" {
			p.State.OrderID = outcome.OrderID
		}
		p.State.DeliveryConfirmed = true
		return append(effects, p.finish(domain.StatusCompleted, at)...)
	}

	reason := outcome.Reason
	if reason == "" {
		reason = "payout outcome arrived before handoff"
	}
	if p.State.CancelRequested {
		p.State.LastError = "payout: " + reason
		return append(effects, p.cancel(at)...)
	}
	return append(effects, p.fail(at, "payout: "+reason)...)
}

// recordHandoff фиксирует начатую выплату в журнале компенсаций
func (p *PaymentSaga) recordHandoff(url, quoteID string, expiresAt *time.Time, at time.Time) {
	p.Ledger = p.Ledger.Record(domain.CompensationStep{
		Kind:      domain.StepPayoutInitiated,
		Timestamp: at,
		Data:      domain.StepData{QuoteID: quoteID, URL: url, ExpiresAt: expiresAt},
	})
	p.State.PayoutURL = url
	p.State.QuoteID = quoteID
	p.State.PayoutExpiresAt = expiresAt
}

func (p *PaymentSaga) onPersisted(ev saga.Event) []saga.Effect {
	if ev.Type == saga.EventStatusPersistFailed {
		p.State.PersistError = fmt.Sprintf("%s: %s", ev.Name, ev.Failure.Error())
	}
	if p.Closing && domain.Status(ev.Name) == p.State.Status {
		p.Closing = false
		return p.complete()
	}
	return nil
}

// cancel отмена на границе шага: компенсация, если есть зафиксированные эффекты
func (p *PaymentSaga) cancel(at time.Time) []saga.Effect {
	if p.Ledger.Outstanding() {
		return p.startCompensation(modeCancel, at)
	}
	p.State.Cancelled = true
	return p.finish(domain.StatusCancelled, at)
}

// fail неповторяемая ошибка шага
func (p *PaymentSaga) fail(at time.Time, reason string) []saga.Effect {
	p.State.LastError = reason
	if p.Ledger.Len() == 0 {
		return p.finish(domain.StatusFailed, at)
	}
	return p.startCompensation(modeFailure, at)
}

func (p *PaymentSaga) moveTo(to domain.Status, at time.Time) []saga.Effect {
	if err := domain.Transitions.Transition(p.State.Status, to); err != nil {
		p.State.LastError = err.Error()
		return nil
	}
	p.State.Status = to
	p.State.UpdatedAt = at
	return []saga.Effect{p.persist()}
}

// finish переводит в конечный статус; Complete выпускается после записи этого статуса
func (p *PaymentSaga) finish(status domain.Status, at time.Time) []saga.Effect {
	effects := p.moveTo(status, at)
	if len(effects) == 0 {
		return p.complete()
	}
	p.Closing = true
	return effects
}

func (p *PaymentSaga) complete() []saga.Effect {
	return []saga.Effect{saga.Complete{Result: saga.MustJSON(p.State)}}
}

func (p *PaymentSaga) persist() saga.Effect {
	return saga.PersistStatus{
		Status: string(p.State.Status),
		Args:   saga.MustJSON(PersistStatusArgs{Record: p.Record()}),
	}
}

// Record строка статуса для хранилища
func (p PaymentSaga) Record() domain.PaymentRecord {
	req := p.Input.Request
	errorMessage := p.State.LastError
	if p.State.CompensationError != "" {
		errorMessage = p.State.CompensationError
	}
	return domain.PaymentRecord{
		ID:             req.ID,
		Status:         p.State.Status,
		Amount:         req.Amount,
		SourceCurrency: req.SourceCurrency,
		TargetCurrency: req.TargetCurrency,
		DepositAddress: req.DepositAddress,
		RecipientID:    req.RecipientID,
		DepositTxRef:   p.State.DepositTxRef,
		FXRate:         p.State.FXRate,
		QuoteID:        p.State.QuoteID,
		OrderID:        p.State.OrderID,
		ErrorMessage:   errorMessage,
		CreatedAt:      p.State.CreatedAt,
		UpdatedAt:      p.State.UpdatedAt,
	}
}

func refundAmount(step domain.CompensationStep) decimal.Decimal {
	if step.Data.Amount != nil {
		return *step.Data.Amount
	}
	return decimal.Zero
}
