package application

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/saga"
	"github.com/akriventsev/furnel/payment/domain"
)

func completeResult[T any](t *testing.T, effects []saga.Effect) T {
	t.Helper()
	completes := effectsOf[saga.Complete](effects)
	require.Len(t, completes, 1)
	var out T
	require.NoError(t, json.Unmarshal(completes[0].Result, &out))
	return out
}

func startedDepositWait(t *testing.T) (depositWait, []saga.Effect) {
	t.Helper()
	s, err := initDepositWait("pay-1/deposit", saga.MustJSON(DepositWaitInput{
		PaymentID:      "pay-1",
		DepositAddress: "0xdeposit",
		ExpectedAmount: decimal.RequireFromString("100"),
		Budget:         10 * time.Minute,
	}))
	require.NoError(t, err)
	return reduceDepositWait(s, saga.Event{Type: saga.EventStarted, OccurredAt: t0})
}

func TestDepositWait_Start(t *testing.T) {
	_, effects := startedDepositWait(t)

	timers := effectsOf[saga.StartTimer](effects)
	require.Len(t, timers, 1)
	assert.Equal(t, t0.Add(10*time.Minute), timers[0].Deadline)

	runs := effectsOf[saga.RunActivity](effects)
	require.Len(t, runs, 1)
	assert.Equal(t, ActivityWaitForDeposit, runs[0].Name)
	assert.Equal(t, activity.LongRunning, runs[0].Class)
}

func TestDepositWait_DefaultBudget(t *testing.T) {
	s, err := initDepositWait("x", saga.MustJSON(DepositWaitInput{PaymentID: "x"}))
	require.NoError(t, err)
	assert.Equal(t, DefaultDepositBudget, s.Input.Budget)
}

func TestDepositWait_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		event   saga.Event
		success bool
		reason  string
	}{
		{
			name: "deposit found",
			event: saga.Event{
				Type:    saga.EventActivityCompleted,
				Payload: saga.MustJSON(DepositResult{TxRef: "0xdep", Amount: decimal.RequireFromString("100.25")}),
			},
			success: true,
		},
		{
			name: "underpaid",
			event: saga.Event{
				Type:    saga.EventActivityCompleted,
				Payload: saga.MustJSON(DepositResult{TxRef: "0xdep", Amount: decimal.RequireFromString("99.99")}),
			},
			reason: "received 99.99, expected at least 100",
		},
		{
			name:   "activity failed",
			event:  saga.Event{Type: saga.EventActivityFailed, Failure: &saga.Failure{Message: "chain unavailable"}},
			reason: "chain unavailable",
		},
		{
			name:   "budget elapsed",
			event:  saga.Event{Type: saga.EventTimerFired, Name: timerDepositBudget},
			reason: "no deposit within 10m0s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := startedDepositWait(t)
			_, effects := reduceDepositWait(s, tt.event)

			cancels := effectsOf[saga.CancelTimer](effects)
			require.Len(t, cancels, 1)
			assert.Equal(t, timerDepositBudget, cancels[0].Name)

			outcome := completeResult[DepositOutcome](t, effects)
			assert.Equal(t, tt.success, outcome.Success)
			assert.Equal(t, tt.reason, outcome.Reason)
		})
	}
}

func startedPayoutWait(t *testing.T) (payoutWait, []saga.Effect) {
	t.Helper()
	s, err := initPayoutWait("pay-1/payout", saga.MustJSON(PayoutWaitInput{
		PaymentID:      "pay-1",
		Amount:         decimal.RequireFromString("100"),
		TargetCurrency: "GBP",
		SourceAddress:  "0xdeposit",
		Ceiling:        time.Hour,
	}))
	require.NoError(t, err)
	return reducePayoutWait(s, saga.Event{Type: saga.EventStarted, OccurredAt: t0})
}

func handoffEvent() saga.Event {
	return saga.Event{
		Type: saga.EventActivityCompleted,
		Name: ActivityGeneratePayoutHandoff,
		Payload: saga.MustJSON(Handoff{
			URL:       "https://offramp.example/quote_1",
			QuoteID:   "quote_1",
			ExpiresAt: t0.Add(time.Hour),
		}),
		OccurredAt: t0.Add(time.Second),
	}
}

func payoutSignal(status string) saga.Event {
	return saga.Event{
		Type:    saga.SignalEventType(domain.SignalPayoutCompleted),
		Payload: saga.MustJSON(domain.PayoutCompleted{OrderID: "offramp_1", Status: status}),
	}
}

func TestPayoutWait_HandoffReported(t *testing.T) {
	s, effects := startedPayoutWait(t)
	runs := effectsOf[saga.RunActivity](effects)
	require.Len(t, runs, 1)
	assert.Equal(t, ActivityGeneratePayoutHandoff, runs[0].Name)

	var args HandoffArgs
	require.NoError(t, json.Unmarshal(runs[0].Args, &args))
	assert.Equal(t, "pay-1", args.CorrelationID)
	assert.Equal(t, "GBP", args.Currency)

	s, effects = reducePayoutWait(s, handoffEvent())
	require.NotNil(t, s.Handoff)

	reports := effectsOf[saga.NotifyParent](effects)
	require.Len(t, reports, 1)
	assert.Equal(t, ReportHandoffReady, reports[0].Name)

	timers := effectsOf[saga.StartTimer](effects)
	require.Len(t, timers, 1)
	assert.Equal(t, t0.Add(time.Second+time.Hour), timers[0].Deadline)

	confirm := effectsOf[saga.RunActivity](effects)
	require.Len(t, confirm, 1)
	assert.Equal(t, ActivityConfirmDelivery, confirm[0].Name)
	assert.Empty(t, effectsOf[saga.Complete](effects))
}

func TestPayoutWait_SignalSettles(t *testing.T) {
	s, _ := startedPayoutWait(t)
	s, _ = reducePayoutWait(s, handoffEvent())

	_, effects := reducePayoutWait(s, payoutSignal("pending"))
	assert.Empty(t, effects)

	_, effects = reducePayoutWait(s, payoutSignal(domain.PayoutStatusCompleted))
	outcome := completeResult[PayoutOutcome](t, effects)
	assert.True(t, outcome.Success)
	assert.True(t, outcome.HandoffGenerated)
	assert.Equal(t, "offramp_1", outcome.OrderID)
	assert.Equal(t, "quote_1", outcome.QuoteID)
	require.NotNil(t, outcome.ExpiresAt)
	assert.True(t, t0.Add(time.Hour).Equal(*outcome.ExpiresAt))

	_, effects = reducePayoutWait(s, payoutSignal(domain.PayoutStatusFailed))
	outcome = completeResult[PayoutOutcome](t, effects)
	assert.False(t, outcome.Success)
	assert.Equal(t, "payout failed", outcome.Reason)
}

func TestPayoutWait_SignalBeforeHandoff(t *testing.T) {
	s, _ := startedPayoutWait(t)
	s, effects := reducePayoutWait(s, payoutSignal(domain.PayoutStatusCompleted))
	assert.Empty(t, effects)
	require.NotNil(t, s.Signal)

	_, effects = reducePayoutWait(s, handoffEvent())
	assert.Len(t, effectsOf[saga.NotifyParent](effects), 1)
	assert.Empty(t, effectsOf[saga.StartTimer](effects))
	outcome := completeResult[PayoutOutcome](t, effects)
	assert.True(t, outcome.Success)
}

func TestPayoutWait_Failures(t *testing.T) {
	t.Run("handoff rejected", func(t *testing.T) {
		s, _ := startedPayoutWait(t)
		_, effects := reducePayoutWait(s, saga.Event{
			Type:    saga.EventActivityFailed,
			Name:    ActivityGeneratePayoutHandoff,
			Failure: &saga.Failure{Message: "unsupported corridor"},
		})
		outcome := completeResult[PayoutOutcome](t, effects)
		assert.False(t, outcome.HandoffGenerated)
		assert.Equal(t, "unsupported corridor", outcome.Reason)
	})

	t.Run("ceiling elapsed", func(t *testing.T) {
		s, _ := startedPayoutWait(t)
		s, _ = reducePayoutWait(s, handoffEvent())
		_, effects := reducePayoutWait(s, saga.Event{Type: saga.EventTimerFired, Name: timerPayoutCeiling})
		outcome := completeResult[PayoutOutcome](t, effects)
		assert.False(t, outcome.Success)
		assert.True(t, outcome.HandoffGenerated)
		assert.Equal(t, "payout not completed within 1h0m0s", outcome.Reason)
	})

	t.Run("delivery not confirmed", func(t *testing.T) {
		s, _ := startedPayoutWait(t)
		s, _ = reducePayoutWait(s, handoffEvent())
		_, effects := reducePayoutWait(s, saga.Event{
			Type:    saga.EventActivityCompleted,
			Name:    ActivityConfirmDelivery,
			Payload: saga.MustJSON(false),
		})
		outcome := completeResult[PayoutOutcome](t, effects)
		assert.False(t, outcome.Success)
		assert.Equal(t, "delivery not confirmed", outcome.Reason)
	})

	t.Run("delivery confirmed", func(t *testing.T) {
		s, _ := startedPayoutWait(t)
		s, _ = reducePayoutWait(s, handoffEvent())
		_, effects := reducePayoutWait(s, saga.Event{
			Type:    saga.EventActivityCompleted,
			Name:    ActivityConfirmDelivery,
			Payload: saga.MustJSON(true),
		})
		assert.True(t, completeResult[PayoutOutcome](t, effects).Success)
	})
}
