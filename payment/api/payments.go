package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/akriventsev/furnel/payment/application"
	"github.com/akriventsev/furnel/payment/domain"
)

const defaultListLimit = 50

// CreatePaymentRequest тело POST /api/payments
type CreatePaymentRequest struct {
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
	SourceCurrency string           `json:"sourceCurrency,omitempty"`
	RecipientID    string           `json:"recipientId,omitempty"`
	DepositAddress string           `json:"depositAddress"`
	RedirectURL    string           `json:"redirectUrl,omitempty"`
	Recipient      domain.Recipient `json:"recipient"`
}

// CreatePaymentResponse ответ на создание платежа
type CreatePaymentResponse struct {
	PaymentID string        `json:"paymentId"`
	Status    domain.Status `json:"status"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) createPayment(c *gin.Context) {
	var body CreatePaymentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := domain.PaymentRequest{
		ID:             s.newID(),
		Amount:         body.Amount,
		SourceCurrency: body.SourceCurrency,
		TargetCurrency: body.Currency,
		DepositAddress: body.DepositAddress,
		RedirectURL:    body.RedirectURL,
		RecipientID:    body.RecipientID,
		Recipient:      body.Recipient,
	}
	// сага переживает HTTP-запрос
	h, err := s.service.Start(context.WithoutCancel(c.Request.Context()), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, CreatePaymentResponse{PaymentID: h.ID(), Status: domain.StatusInitiated})
}

func (s *Server) getPayment(c *gin.Context) {
	state, err := s.service.GetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) getCompensations(c *gin.Context) {
	id := c.Param("id")
	history, err := s.service.GetCompensationHistory(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if history == nil {
		history = []domain.CompensationStep{}
	}
	c.JSON(http.StatusOK, gin.H{"paymentId": id, "compensations": history})
}

func (s *Server) cancelPayment(c *gin.Context) {
	id := c.Param("id")
	var body cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	state, err := s.service.GetState(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if state.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "Payment already finished", "status": state.Status})
		return
	}
	if err := s.service.CancelRequested(c.Request.Context(), id, body.Reason); err != nil {
		if application.IsNotFound(err) {
			// экземпляр завершился между чтением и сигналом
			c.JSON(http.StatusConflict, gin.H{"error": "Payment already finished"})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"paymentId": id, "cancelRequested": true})
}

func (s *Server) listPayments(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := s.store.ListRecent(c.Request.Context(), limit)
	if err != nil && !errors.Is(err, application.ErrRecordNotFound) {
		s.writeError(c, err)
		return
	}
	if records == nil {
		records = []domain.PaymentRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": records})
}
