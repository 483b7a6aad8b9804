package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLedger() Ledger {
	amount := decimal.NewFromInt(100)
	rate := decimal.RequireFromString("0.79")
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var l Ledger
	l = l.Record(CompensationStep{Kind: StepDepositReceived, Timestamp: t0, Data: StepData{TxRef: "t1", Amount: &amount, Address: "X"}})
	l = l.Record(CompensationStep{Kind: StepFXLocked, Timestamp: t0.Add(time.Second), Data: StepData{Rate: &rate}})
	l = l.Record(CompensationStep{Kind: StepPayoutInitiated, Timestamp: t0.Add(2 * time.Second), Data: StepData{QuoteID: "q1"}})
	return l
}

func TestLedger_CompensateFromWalksBackward(t *testing.T) {
	l := sampleLedger()

	assert.Equal(t, []int{2, 1, 0}, l.CompensateFrom(l.Len()))
	assert.Equal(t, []int{1, 0}, l.CompensateFrom(2))
	assert.Empty(t, l.CompensateFrom(0))
	assert.Equal(t, []int{2, 1, 0}, l.CompensateFrom(10))
}

func TestLedger_NeverSkipsUncompensated(t *testing.T) {
	l := sampleLedger().MarkCompensated(1, time.Now())

	assert.Equal(t, []int{2, 0}, l.CompensateFrom(l.Len()))
	assert.True(t, l.Outstanding())

	l = l.MarkCompensated(2, time.Now()).MarkCompensated(0, time.Now())
	assert.Empty(t, l.CompensateFrom(l.Len()))
	assert.False(t, l.Outstanding())
}

func TestLedger_MarkCompensatedIsIdempotent(t *testing.T) {
	at := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	l := sampleLedger().MarkCompensated(0, at)
	again := l.MarkCompensated(0, at.Add(time.Hour))

	require.NotNil(t, again.Step(0).CompensatedAt)
	assert.Equal(t, at, *again.Step(0).CompensatedAt)
	assert.Equal(t, l.History(), again.History())

	// индекс вне журнала игнорируется
	assert.Equal(t, l.History(), l.MarkCompensated(7, at).History())
}

func TestLedger_CopyOnWrite(t *testing.T) {
	before := sampleLedger()
	history := before.History()

	after := before.MarkCompensated(0, time.Now()).Record(CompensationStep{Kind: StepFXLocked})

	assert.False(t, before.Step(0).Compensated)
	assert.Equal(t, 3, before.Len())
	assert.Equal(t, 4, after.Len())

	history[0].Compensated = true
	assert.False(t, before.Step(0).Compensated)
}

func TestLedger_JSON(t *testing.T) {
	l := sampleLedger()
	data, err := json.Marshal(l)
	require.NoError(t, err)

	var decoded Ledger
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, 3, decoded.Len())
	assert.Equal(t, StepPayoutInitiated, decoded.Step(2).Kind)
	assert.True(t, decoded.Step(1).Data.Rate.Equal(decimal.RequireFromString("0.79")))

	empty, err := json.Marshal(Ledger{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}
