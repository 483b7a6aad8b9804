package application

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/saga"
)

// DefinitionDepositWait имя дочернего процесса ожидания депозита
const DefinitionDepositWait = "deposit-wait"

// DefaultDepositBudget сколько ждать депозит
const DefaultDepositBudget = 30 * time.Minute

const timerDepositBudget = "deposit.budget"

// DepositWaitInput вход ожидания депозита
type DepositWaitInput struct {
	PaymentID      string          `json:"paymentId"`
	DepositAddress string          `json:"depositAddress"`
	ExpectedAmount decimal.Decimal `json:"expectedAmount"`
	Budget         time.Duration   `json:"budget"`
}

// DepositOutcome итог ожидания депозита; ошибок наружу не бывает
type DepositOutcome struct {
	Success bool             `json:"success"`
	TxRef   string           `json:"txRef,omitempty"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

type depositWait struct {
	Input DepositWaitInput
}

// DepositWaitDefinition определение процесса ожидания депозита
func DepositWaitDefinition() saga.Definition {
	return saga.NewDefinition(DefinitionDepositWait, initDepositWait, reduceDepositWait)
}

func initDepositWait(id string, input json.RawMessage) (depositWait, error) {
	var in DepositWaitInput
	if err := json.Unmarshal(input, &in); err != nil {
		return depositWait{}, fmt.Errorf("decode deposit wait input: %w", err)
	}
	if in.Budget <= 0 {
		in.Budget = DefaultDepositBudget
	}
	return depositWait{Input: in}, nil
}

func reduceDepositWait(s depositWait, ev saga.Event) (depositWait, []saga.Effect) {
	switch ev.Type {
	case saga.EventStarted:
		return s, []saga.Effect{
			saga.StartTimer{Name: timerDepositBudget, Deadline: ev.OccurredAt.Add(s.Input.Budget)},
			saga.RunActivity{
				Name: ActivityWaitForDeposit,
				Args: saga.MustJSON(WaitForDepositArgs{
					PaymentID:      s.Input.PaymentID,
					Address:        s.Input.DepositAddress,
					ExpectedAmount: s.Input.ExpectedAmount,
				}),
				Class: activity.LongRunning,
			},
		}

	case saga.EventActivityCompleted:
		var result DepositResult
		if err := ev.Decode(&result); err != nil {
			return s, depositDone(DepositOutcome{Reason: err.Error()})
		}
		if result.Amount.LessThan(s.Input.ExpectedAmount) {
			return s, depositDone(DepositOutcome{
				TxRef:  result.TxRef,
				Amount: &result.Amount,
				Reason: fmt.Sprintf("received %s, expected at least %s", result.Amount, s.Input.ExpectedAmount),
			})
		}
		return s, depositDone(DepositOutcome{Success: true, TxRef: result.TxRef, Amount: &result.Amount})

	case saga.EventActivityFailed:
		return s, depositDone(DepositOutcome{Reason: ev.Failure.Error()})

	case saga.EventTimerFired:
		return s, depositDone(DepositOutcome{Reason: fmt.Sprintf("no deposit within %s", s.Input.Budget)})
	}
	return s, nil
}

func depositDone(outcome DepositOutcome) []saga.Effect {
	return []saga.Effect{
		saga.CancelTimer{Name: timerDepositBudget},
		saga.Complete{Result: saga.MustJSON(outcome)},
	}
}
