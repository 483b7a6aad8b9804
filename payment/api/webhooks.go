package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/akriventsev/furnel/payment/application"
	"github.com/akriventsev/furnel/payment/domain"
)

// событие обратного редиректа Coinbase в журнале webhook
const coinbaseCallbackEvent = "offramp.callback"

type webhookFunc func(c *gin.Context, raw json.RawMessage) (application.WebhookResult, error)

func (s *Server) moonpayWebhook(c *gin.Context) {
	s.webhook(c, application.ProviderMoonPay, func(c *gin.Context, raw json.RawMessage) (application.WebhookResult, error) {
		return s.webhooks.HandleMoonPay(c.Request.Context(), raw)
	})
}

func (s *Server) coinbaseWebhook(c *gin.Context) {
	s.webhook(c, application.ProviderCoinbase, func(c *gin.Context, raw json.RawMessage) (application.WebhookResult, error) {
		return s.webhooks.HandleCoinbase(c.Request.Context(), raw)
	})
}

// webhook общий путь: тело уже проверено по схеме, провайдер получает 200,
// если повтор доставки ничего не изменит
func (s *Server) webhook(c *gin.Context, provider string, handle webhookFunc) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	result, err := handle(c, raw)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case application.IsNotFound(err):
		s.logger.Warn("webhook for unknown or finished payment", "provider", provider, "error", err)
	default:
		s.logger.Error("webhook processing failed", "provider", provider, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "paymentId": result.PaymentID, "signal": result.Signal})
}

// coinbaseCallback пользователь возвращается с Coinbase; сага ждет webhook,
// а здесь только редирект на страницу результата
func (s *Server) coinbaseCallback(c *gin.Context) {
	quoteID := c.Query("quote_id")
	status := c.Query("status")
	if quoteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing quote_id"})
		return
	}
	s.logger.Info("coinbase callback", "quote_id", quoteID, "status", status)

	if s.webhookLog != nil {
		payload, _ := json.Marshal(map[string]string{"quote_id": quoteID, "status": status})
		if err := s.webhookLog.RecordWebhook(c.Request.Context(), application.ProviderCoinbase, coinbaseCallbackEvent, payload); err != nil {
			s.logger.Warn("failed to record coinbase callback", "quote_id", quoteID, "error", err)
		}
	}

	page := "/payment/failed"
	if status == "success" {
		page = "/payment/success"
	}
	c.Redirect(http.StatusFound, s.config.FrontendURL+page+"?quote_id="+url.QueryEscape(quoteID))
}
