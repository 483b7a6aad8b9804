package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/internal/config"
	"github.com/akriventsev/furnel/internal/container"
	"github.com/akriventsev/furnel/payment/api"
	"github.com/akriventsev/furnel/payment/domain"
)

const frontendURL = "http://frontend.test"

func newTestContainer(t *testing.T) *container.Container {
	t.Helper()
	cfg := config.Config{
		Environment: "test",
		Server:      config.ServerConfig{Port: 8080, FrontendURL: frontendURL, ShutdownTimeout: 5 * time.Second},
		EventStore:  config.EventStoreConfig{Driver: "memory"},
		StatusStore: "memory",
		MessageBus:  config.MessageBusConfig{Type: "inmemory"},
		Metrics:     config.MetricsConfig{Exporter: "none"},
		Tracing:     config.TracingConfig{Exporter: "none"},
		Payment: config.PaymentConfig{
			DepositBudget:   5 * time.Second,
			PayoutCeiling:   time.Minute,
			ProviderLatency: time.Millisecond,
			// доставку подтверждает только webhook
			DeliveryDelay: time.Minute,
		},
	}
	policy := activity.Policy{
		MaxAttempts:         2,
		InitialInterval:     time.Millisecond,
		MaxInterval:         time.Millisecond,
		Multiplier:          1,
		StartToCloseTimeout: 5 * time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := container.Build(context.Background(), cfg, logger,
		container.WithPolicy(activity.Fast, policy),
		container.WithPolicy(activity.LongRunning, policy),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func do(t *testing.T, c *container.Container, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	c.HTTP.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const validPayment = `{
	"amount": 100,
	"currency": "GBP",
	"recipientId": "rcp-1",
	"depositAddress": "0xdeposit",
	"redirectUrl": "https://app.test/done",
	"recipient": {"name": "Ada Lovelace", "iban": "GB33BUKB20201555555555"}
}`

func createPayment(t *testing.T, c *container.Container) string {
	t.Helper()
	w := do(t, c, http.MethodPost, "/api/payments", validPayment)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[api.CreatePaymentResponse](t, w)
	assert.Equal(t, domain.StatusInitiated, resp.Status)
	return resp.PaymentID
}

func waitForStatus(t *testing.T, c *container.Container, id string, status domain.Status) domain.PaymentState {
	t.Helper()
	var state domain.PaymentState
	require.Eventually(t, func() bool {
		w := do(t, c, http.MethodGet, "/api/payments/"+id, "")
		if w.Code != http.StatusOK {
			return false
		}
		state = decode[domain.PaymentState](t, w)
		return state.Status == status
	}, 5*time.Second, 5*time.Millisecond)
	return state
}

func coinbaseCompleted(id string) string {
	return `{"event_type":"offramp.completed","data":{"order_id":"ord-1","partner_user_ref":"` + id + `"}}`
}

func coinbaseFailed(id string) string {
	return `{"event_type":"offramp.failed","data":{"order_id":"ord-1","partner_user_ref":"` + id + `","failure_reason":"bank rejected"}}`
}

func TestHealth(t *testing.T) {
	c := newTestContainer(t)

	w := do(t, c, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, api.ServiceName, body["service"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestPayment_CompletesThroughCoinbaseWebhook(t *testing.T) {
	c := newTestContainer(t)
	id := createPayment(t, c)
	assert.True(t, strings.HasPrefix(id, "payment-"))

	state := waitForStatus(t, c, id, domain.StatusWaitingForOfframp)
	assert.Contains(t, state.PayoutURL, "partnerUserId="+id)

	w := do(t, c, http.MethodPost, "/webhooks/coinbase", coinbaseCompleted(id))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ack := decode[map[string]any](t, w)
	assert.Equal(t, true, ack["received"])
	assert.Equal(t, domain.SignalPayoutCompleted, ack["signal"])

	state = waitForStatus(t, c, id, domain.StatusCompleted)
	assert.True(t, state.DeliveryConfirmed)
	assert.Equal(t, "0.79", state.FXRate.String())

	w = do(t, c, http.MethodGet, "/api/payments/"+id+"/compensations", "")
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		PaymentID     string                    `json:"paymentId"`
		Compensations []domain.CompensationStep `json:"compensations"`
	}](t, w)
	assert.Equal(t, id, history.PaymentID)
	assert.NotEmpty(t, history.Compensations)

	w = do(t, c, http.MethodGet, "/api/payments?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Payments []domain.PaymentRecord `json:"payments"`
	}](t, w)
	require.Len(t, list.Payments, 1)
	assert.Equal(t, id, list.Payments[0].ID)

	w = do(t, c, http.MethodPost, "/api/payments/"+id+"/cancel", `{"reason":"too late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreatePayment_Rejected(t *testing.T) {
	c := newTestContainer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing recipient", `{"amount":100,"currency":"GBP","depositAddress":"0xa"}`},
		{"negative amount", `{"amount":-5,"currency":"GBP","depositAddress":"0xa","recipient":{"name":"Ada","iban":"GB1"}}`},
		{"bad currency", `{"amount":5,"currency":"POUNDS","depositAddress":"0xa","recipient":{"name":"Ada","iban":"GB1"}}`},
		{"recipient without account", `{"amount":5,"currency":"GBP","depositAddress":"0xa","recipient":{"name":"Ada"}}`},
		{"both account and iban", `{"amount":5,"currency":"GBP","depositAddress":"0xa","recipient":{"name":"Ada","iban":"GB1","accountNumber":"1","routingCode":"2"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, c, http.MethodPost, "/api/payments", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	w := do(t, c, http.MethodGet, "/api/payments", "")
	list := decode[struct {
		Payments []domain.PaymentRecord `json:"payments"`
	}](t, w)
	assert.Empty(t, list.Payments)
}

func TestPayment_NotFound(t *testing.T) {
	c := newTestContainer(t)

	for _, path := range []string{"/api/payments/nope", "/api/payments/nope/compensations"} {
		w := do(t, c, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := do(t, c, http.MethodPost, "/api/payments/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, c, http.MethodGet, "/no/such/route", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelPayment(t *testing.T) {
	c := newTestContainer(t)
	id := createPayment(t, c)
	waitForStatus(t, c, id, domain.StatusWaitingForOfframp)

	w := do(t, c, http.MethodPost, "/api/payments/"+id+"/cancel", `{"reason":"changed my mind"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// отмена срабатывает на границе шага: когда приходит итог выплаты
	w = do(t, c, http.MethodPost, "/webhooks/coinbase", coinbaseFailed(id))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	state := waitForStatus(t, c, id, domain.StatusCancelled)
	assert.Equal(t, "changed my mind", state.CancelReason)
	assert.NotEmpty(t, state.RefundTxRef)
}

func TestWebhooks(t *testing.T) {
	c := newTestContainer(t)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"moonpay missing data", "/webhooks/moonpay", `{"type":"transaction_updated"}`, http.StatusBadRequest},
		{"moonpay unknown address", "/webhooks/moonpay",
			`{"type":"transaction_updated","data":{"walletAddress":"0xnobody","status":"completed","cryptoTransactionId":"tx-1"}}`, http.StatusOK},
		{"moonpay created", "/webhooks/moonpay", `{"type":"transaction_created","data":{"walletAddress":"0xa"}}`, http.StatusOK},
		{"coinbase pending", "/webhooks/coinbase", `{"event_type":"offramp.pending","data":{"order_id":"ord-1"}}`, http.StatusOK},
		{"coinbase without ref", "/webhooks/coinbase", `{"event_type":"offramp.completed","data":{"order_id":"ord-1"}}`, http.StatusBadRequest},
		{"coinbase unknown payment", "/webhooks/coinbase", coinbaseCompleted("payment-0-missing"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, c, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestCoinbaseCallback(t *testing.T) {
	c := newTestContainer(t)

	w := do(t, c, http.MethodGet, "/webhooks/coinbase/callback?status=success", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Missing quote_id"}`, w.Body.String())

	w = do(t, c, http.MethodGet, "/webhooks/coinbase/callback?quote_id=q-1&status=success", "")
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, frontendURL+"/payment/success?quote_id=q-1", w.Header().Get("Location"))

	w = do(t, c, http.MethodGet, "/webhooks/coinbase/callback?quote_id=q-1&status=cancelled", "")
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, frontendURL+"/payment/failed?quote_id=q-1", w.Header().Get("Location"))
}

func TestStreamPayment(t *testing.T) {
	c := newTestContainer(t)
	id := createPayment(t, c)
	waitForStatus(t, c, id, domain.StatusWaitingForOfframp)

	server := httptest.NewServer(c.HTTP.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/payments/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first domain.PaymentState
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, id, first.PaymentID)
	assert.Equal(t, domain.StatusWaitingForOfframp, first.Status)

	require.Eventually(t, func() bool { return c.Hub.ClientCount(id) == 1 }, time.Second, 5*time.Millisecond)
	resp, err := http.Post(server.URL+"/webhooks/coinbase", "application/json", bytes.NewBufferString(coinbaseCompleted(id)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for {
		var state domain.PaymentState
		require.NoError(t, conn.ReadJSON(&state))
		if state.Status == domain.StatusCompleted {
			break
		}
	}
}
