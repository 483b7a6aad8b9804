package application

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/furnel/payment/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]domain.PaymentRecord
	webhooks []string
}

func newFakeStore(records ...domain.PaymentRecord) *fakeStore {
	s := &fakeStore{records: map[string]domain.PaymentRecord{}}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeStore) Save(ctx context.Context, record domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return domain.PaymentRecord{}, ErrRecordNotFound
	}
	return r, nil
}

func (s *fakeStore) FindByDepositAddress(ctx context.Context, address string) (domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.DepositAddress == address && r.AwaitingDeposit() {
			return r, nil
		}
	}
	return domain.PaymentRecord{}, ErrRecordNotFound
}

func (s *fakeStore) ListRecent(ctx context.Context, limit int) ([]domain.PaymentRecord, error) {
	return nil, nil
}

func (s *fakeStore) RecordWebhook(ctx context.Context, provider, eventType string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = append(s.webhooks, provider+":"+eventType)
	return nil
}

func (s *fakeStore) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.webhooks...)
}

func waitingRecord() domain.PaymentRecord {
	return domain.PaymentRecord{
		ID:             "pay-1",
		Status:         domain.StatusWaitingForUSDC,
		DepositAddress: "0xdeposit",
	}
}

func TestWebhooks_MoonPayCompletedSignalsDeposit(t *testing.T) {
	acts := &fakeActivities{depositGate: make(chan DepositResult)}
	service := newTestService(t, acts, DefaultServiceConfig())
	store := newFakeStore(waitingRecord())
	handler := NewWebhookHandler(service, store, store, nil, discardLogger())

	ctx := context.Background()
	_, err := service.Start(ctx, gbpRequest())
	require.NoError(t, err)

	result, err := handler.HandleMoonPay(ctx, json.RawMessage(`{
		"type": "transaction_updated",
		"data": {"walletAddress": "0xdeposit", "status": "completed", "cryptoTransactionId": "0xhash", "quoteCurrencyAmount": "100"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, WebhookResult{PaymentID: "pay-1", Signal: domain.SignalDepositObserved}, result)
	assert.Equal(t, []string{"moonpay:transaction_updated"}, store.recorded())

	require.Eventually(t, func() bool {
		state, err := service.GetState(ctx, "pay-1")
		return err == nil && state.DepositTxRef == "0xhash"
	}, 2*time.Second, 5*time.Millisecond)

	state, err := service.GetState(ctx, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, state.DepositAmount)
	assert.True(t, state.DepositAmount.Equal(decimal.RequireFromString("100")))
	assert.False(t, state.DepositReceived)
}

func TestWebhooks_MoonPayWithoutSignal(t *testing.T) {
	service := newTestService(t, &fakeActivities{}, DefaultServiceConfig())
	store := newFakeStore()
	handler := NewWebhookHandler(service, store, store, nil, discardLogger())
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
	}{
		{"created", `{"type": "transaction_created", "data": {"walletAddress": "0xdeposit"}}`},
		{"failed", `{"type": "transaction_updated", "data": {"walletAddress": "0xdeposit", "status": "failed", "failureReason": "card declined"}}`},
		{"unknown address", `{"type": "transaction_updated", "data": {"walletAddress": "0xother", "status": "completed"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler.HandleMoonPay(ctx, json.RawMessage(tt.payload))
			require.NoError(t, err)
			assert.Empty(t, result.Signal)
		})
	}
	assert.Len(t, store.recorded(), 3)

	_, err := handler.HandleMoonPay(ctx, json.RawMessage(`{"type": 1}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestWebhooks_Coinbase(t *testing.T) {
	acts := &fakeActivities{depositGate: make(chan DepositResult)}
	service := newTestService(t, acts, DefaultServiceConfig())
	store := newFakeStore()
	handler := NewWebhookHandler(service, store, store, nil, discardLogger())

	ctx := context.Background()
	_, err := service.Start(ctx, gbpRequest())
	require.NoError(t, err)

	result, err := handler.HandleCoinbase(ctx, json.RawMessage(`{"event_type": "offramp.pending", "data": {"order_id": "offramp_1", "partner_user_ref": "pay-1"}}`))
	require.NoError(t, err)
	assert.Empty(t, result.Signal)

	result, err = handler.HandleCoinbase(ctx, json.RawMessage(`{"event_type": "offramp.completed", "data": {"order_id": "offramp_1", "partner_user_ref": "pay-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalPayoutCompleted, result.Signal)

	// до запуска выплаты сигнал запоминается в состоянии
	require.Eventually(t, func() bool {
		state, err := service.GetState(ctx, "pay-1")
		return err == nil && state.PayoutStatus == domain.PayoutStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	_, err = handler.HandleCoinbase(ctx, json.RawMessage(`{"event_type": "offramp.failed", "data": {"order_id": "offramp_2"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = handler.HandleCoinbase(ctx, json.RawMessage(`{"event_type": "offramp.completed", "data": {"order_id": "x", "partner_user_ref": "missing"}}`))
	assert.True(t, IsNotFound(err))

	assert.Equal(t, []string{
		"coinbase:offramp.pending",
		"coinbase:offramp.completed",
		"coinbase:offramp.failed",
		"coinbase:offramp.completed",
	}, store.recorded())
}
