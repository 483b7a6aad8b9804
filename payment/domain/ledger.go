package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// StepKind вид зафиксированного побочного эффекта
type StepKind string

const (
	StepDepositReceived StepKind = "DEPOSIT_RECEIVED"
	StepFXLocked        StepKind = "FX_LOCKED"
	StepPayoutInitiated StepKind = "PAYOUT_INITIATED"
)

// StepData данные для отмены шага
type StepData struct {
	TxRef     string           `json:"txRef,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Address   string           `json:"address,omitempty"`
	Rate      *decimal.Decimal `json:"rate,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	QuoteID   string           `json:"quoteId,omitempty"`
	URL       string           `json:"url,omitempty"`
}

// CompensationStep зафиксированный шаг саги
type CompensationStep struct {
	Kind          StepKind   `json:"kind"`
	Timestamp     time.Time  `json:"timestamp"`
	Data          StepData   `json:"data"`
	Compensated   bool       `json:"compensated"`
	CompensatedAt *time.Time `json:"compensatedAt,omitempty"`
}

// Ledger журнал компенсаций в порядке фиксации эффектов.
// Значение неизменяемо: Record и MarkCompensated возвращают новый журнал,
// поэтому опубликованные снимки не разделяют память с текущим состоянием.
type Ledger struct {
	steps []CompensationStep
}

// Record добавляет шаг в конец
func (l Ledger) Record(step CompensationStep) Ledger {
	steps := make([]CompensationStep, len(l.steps), len(l.steps)+1)
	copy(steps, l.steps)
	return Ledger{steps: append(steps, step)}
}

// Len количество шагов
func (l Ledger) Len() int {
	return len(l.steps)
}

// Step шаг по индексу
func (l Ledger) Step(i int) CompensationStep {
	return l.steps[i]
}

// CompensateFrom индексы некомпенсированных шагов из [index-1 .. 0] по убыванию
func (l Ledger) CompensateFrom(index int) []int {
	index = min(index, len(l.steps))
	var out []int
	for i := index - 1; i >= 0; i-- {
		if !l.steps[i].Compensated {
			out = append(out, i)
		}
	}
	return out
}

// MarkCompensated отмечает шаг компенсированным; повторный вызов ничего не меняет
func (l Ledger) MarkCompensated(i int, at time.Time) Ledger {
	if i < 0 || i >= len(l.steps) || l.steps[i].Compensated {
		return l
	}
	steps := slices.Clone(l.steps)
	steps[i].Compensated = true
	steps[i].CompensatedAt = &at
	return Ledger{steps: steps}
}

// History копия шагов в порядке записи
func (l Ledger) History() []CompensationStep {
	if len(l.steps) == 0 {
		return []CompensationStep{}
	}
	return slices.Clone(l.steps)
}

// Outstanding есть ли некомпенсированные шаги
func (l Ledger) Outstanding() bool {
	return len(l.CompensateFrom(len(l.steps))) > 0
}

func (l Ledger) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.History())
}

func (l *Ledger) UnmarshalJSON(data []byte) error {
	var steps []CompensationStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return err
	}
	l.steps = steps
	return nil
}
