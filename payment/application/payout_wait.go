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

// DefinitionPayoutWait имя дочернего процесса выплаты
const DefinitionPayoutWait = "payout-wait"

// DefaultPayoutCeiling сколько ждать, пока получатель завершит выплату
const DefaultPayoutCeiling = 24 * time.Hour

// ReportHandoffReady отчет родителю о готовой ссылке на выплату
const ReportHandoffReady = "payout.handoff_ready"

const timerPayoutCeiling = "payout.ceiling"

// PayoutWaitInput вход процесса выплаты
type PayoutWaitInput struct {
	PaymentID      string          `json:"paymentId"`
	Amount         decimal.Decimal `json:"amount"`
	TargetCurrency string          `json:"targetCurrency"`
	SourceAddress  string          `json:"sourceAddress"`
	RedirectURL    string          `json:"redirectUrl,omitempty"`
	Ceiling        time.Duration   `json:"ceiling"`
}

// PayoutOutcome итог выплаты
type PayoutOutcome struct {
	Success          bool       `json:"success"`
	QuoteID          string     `json:"quoteId,omitempty"`
	URL              string     `json:"url,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	OrderID          string     `json:"orderId,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	HandoffGenerated bool       `json:"handoffGenerated"`
}

type payoutWait struct {
	Input   PayoutWaitInput
	Handoff *Handoff
	// Signal пришел раньше, чем была готова ссылка
	Signal *domain.PayoutCompleted
}

// PayoutWaitDefinition определение процесса выплаты
func PayoutWaitDefinition() saga.Definition {
	return saga.NewDefinition(DefinitionPayoutWait, initPayoutWait, reducePayoutWait)
}

func initPayoutWait(id string, input json.RawMessage) (payoutWait, error) {
	var in PayoutWaitInput
	if err := json.Unmarshal(input, &in); err != nil {
		return payoutWait{}, fmt.Errorf("decode payout wait input: %w", err)
	}
	if in.Ceiling <= 0 {
		in.Ceiling = DefaultPayoutCeiling
	}
	return payoutWait{Input: in}, nil
}

func reducePayoutWait(s payoutWait, ev saga.Event) (payoutWait, []saga.Effect) {
	if name, ok := ev.Signal(); ok {
		if name != domain.SignalPayoutCompleted {
			return s, nil
		}
		var signal domain.PayoutCompleted
		if err := ev.Decode(&signal); err != nil {
			return s, nil
		}
		if signal.Status != domain.PayoutStatusCompleted && signal.Status != domain.PayoutStatusFailed {
			return s, nil
		}
		if s.Handoff == nil {
			s.Signal = &signal
			return s, nil
		}
		return s, s.settle(signal)
	}

	switch ev.Type {
	case saga.EventStarted:
		return s, []saga.Effect{saga.RunActivity{
			Name: ActivityGeneratePayoutHandoff,
			Args: saga.MustJSON(HandoffArgs{
				Amount:        s.Input.Amount,
				Currency:      s.Input.TargetCurrency,
				SourceAddress: s.Input.SourceAddress,
				CorrelationID: s.Input.PaymentID,
				RedirectURL:   s.Input.RedirectURL,
			}),
			Class: activity.Fast,
		}}

	case saga.EventActivityCompleted:
		switch ev.Name {
		case ActivityGeneratePayoutHandoff:
			var handoff Handoff
			if err := ev.Decode(&handoff); err != nil {
				return s, payoutDone(PayoutOutcome{Reason: err.Error()})
			}
			s.Handoff = &handoff
			effects := []saga.Effect{
				saga.NotifyParent{Name: ReportHandoffReady, Payload: ev.Payload},
			}
			if s.Signal != nil {
				return s, append(effects, s.settle(*s.Signal)...)
			}
			return s, append(effects,
				saga.StartTimer{Name: timerPayoutCeiling, Deadline: ev.OccurredAt.Add(s.Input.Ceiling)},
				saga.RunActivity{
					Name:  ActivityConfirmDelivery,
					Args:  saga.MustJSON(ConfirmDeliveryArgs{QuoteID: handoff.QuoteID}),
					Class: activity.LongRunning,
				},
			)

		case ActivityConfirmDelivery:
			var delivered bool
			if err := ev.Decode(&delivered); err != nil {
				return s, s.fail(err.Error())
			}
			if !delivered {
				return s, s.fail("delivery not confirmed")
			}
			return s, payoutDone(s.outcome(true, "", ""))
		}

	case saga.EventActivityFailed:
		if ev.Name == ActivityGeneratePayoutHandoff {
			return s, payoutDone(PayoutOutcome{Reason: ev.Failure.Error()})
		}
		return s, s.fail(ev.Failure.Error())

	case saga.EventTimerFired:
		return s, s.fail(fmt.Sprintf("payout not completed within %s", s.Input.Ceiling))
	}
	return s, nil
}

func (s payoutWait) settle(signal domain.PayoutCompleted) []saga.Effect {
	if signal.Status == domain.PayoutStatusCompleted {
		return payoutDone(s.outcome(true, signal.OrderID, ""))
	}
	reason := signal.Reason
	if reason == "" {
		reason = fmt.Sprintf("payout %s", signal.Status)
	}
	return payoutDone(s.outcome(false, signal.OrderID, reason))
}

func (s payoutWait) fail(reason string) []saga.Effect {
	return payoutDone(s.outcome(false, "", reason))
}

func (s payoutWait) outcome(success bool, orderID, reason string) PayoutOutcome {
	out := PayoutOutcome{Success: success, OrderID: orderID, Reason: reason}
	if s.Handoff != nil {
		out.HandoffGenerated = true
		out.QuoteID = s.Handoff.QuoteID
		out.URL = s.Handoff.URL
		expiresAt := s.Handoff.ExpiresAt
		out.ExpiresAt = &expiresAt
	}
	return out
}

func payoutDone(outcome PayoutOutcome) []saga.Effect {
	return []saga.Effect{
		saga.CancelTimer{Name: timerPayoutCeiling},
		saga.Complete{Result: saga.MustJSON(outcome)},
	}
}
