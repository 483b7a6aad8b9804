// Package api HTTP-поверхность сервиса платежей: REST, webhook провайдеров
// и поток статусов по WebSocket.
package api

import (
	_ "embed"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/akriventsev/furnel/framework/adapters/transport"
	"github.com/akriventsev/furnel/framework/saga"
	"github.com/akriventsev/furnel/payment/application"
	"github.com/akriventsev/furnel/payment/domain"
)

// ServiceName имя сервиса в /health и в span'ах
const ServiceName = "furnel-api"

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec документ, по которому проверяются запросы
func OpenAPISpec() []byte {
	return openAPISpec
}

// Config настройки HTTP-поверхности
type Config struct {
	FrontendURL string
	// WebhookRate запросов в секунду на webhook; 0 без ограничения
	WebhookRate  float64
	WebhookBurst int
}

// Server обработчики HTTP
type Server struct {
	config     Config
	service    *application.Service
	store      application.StatusStore
	webhooks   *application.WebhookHandler
	webhookLog application.WebhookLog
	hub        *transport.WebSocketHub
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time
}

// NewServer создает обработчики; hub и webhookLog могут быть nil
func NewServer(config Config, service *application.Service, store application.StatusStore, webhooks *application.WebhookHandler, webhookLog application.WebhookLog, hub *transport.WebSocketHub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FrontendURL == "" {
		config.FrontendURL = "http://localhost:3001"
	}
	return &Server{
		config:     config,
		service:    service,
		store:      store,
		webhooks:   webhooks,
		webhookLog: webhookLog,
		hub:        hub,
		logger:     logger,
		newID:      NewPaymentID,
		now:        time.Now,
	}
}

// Register вешает маршруты и проверку по OpenAPI на router
func (s *Server) Register(router *gin.Engine) error {
	validator, err := transport.NewOpenAPIValidator(openAPISpec, nil)
	if err != nil {
		return err
	}

	router.GET("/health", s.health)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	payments := router.Group("/api/payments", validator.Middleware())
	{
		payments.POST("", s.createPayment)
		payments.GET("", s.listPayments)
		payments.GET("/:id", s.getPayment)
		payments.GET("/:id/compensations", s.getCompensations)
		payments.POST("/:id/cancel", s.cancelPayment)
		payments.GET("/:id/stream", s.streamPayment)
	}

	webhooks := router.Group("/webhooks", validator.Middleware())
	if s.config.WebhookRate > 0 {
		burst := s.config.WebhookBurst
		if burst <= 0 {
			burst = 1
		}
		webhooks.Use(transport.RateLimit(rate.NewLimiter(rate.Limit(s.config.WebhookRate), burst)))
	}
	{
		webhooks.POST("/moonpay", s.moonpayWebhook)
		webhooks.POST("/coinbase", s.coinbaseWebhook)
		webhooks.GET("/coinbase/callback", s.coinbaseCallback)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   ServiceName,
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewPaymentID payment-<unix millis>-<7 символов base36>
func NewPaymentID() string {
	suffix := make([]byte, 7)
	for i := range suffix {
		suffix[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return "payment-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + string(suffix)
}

// writeError переводит ошибку сервиса в HTTP-статус
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case application.IsNotFound(err), errors.Is(err, application.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
	case errors.Is(err, saga.ErrInstanceFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "Payment already finished"})
	default:
		s.logger.Error("request failed", "route", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
