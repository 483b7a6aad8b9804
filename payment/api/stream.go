package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akriventsev/furnel/framework/events"
	"github.com/akriventsev/furnel/framework/saga"
)

// Attach подписывает поток статусов на события оркестратора
func (s *Server) Attach(sub events.EventSubscriber) error {
	if s.hub == nil {
		return nil
	}
	handler := events.HandlerFunc(s.pushState)
	if err := sub.Subscribe(saga.EventStatusPersisted, handler); err != nil {
		return err
	}
	return sub.Subscribe(saga.EventTerminated, handler)
}

// pushState рассылает снимок состояния подписчикам платежа.
// Снимок читается без блокировки экземпляра.
func (s *Server) pushState(ctx context.Context, event events.Event) error {
	id := event.AggregateID()
	if s.hub.ClientCount(id) == 0 {
		return nil
	}
	state, err := s.service.GetState(ctx, id)
	if err != nil {
		// дочерние процессы платежами не являются
		return nil
	}
	s.hub.Publish(id, state)
	return nil
}

// streamPayment первым сообщением отдает текущее состояние, затем каждое изменение статуса
func (s *Server) streamPayment(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "streaming disabled"})
		return
	}
	id := c.Param("id")
	state, err := s.service.GetState(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.hub.Serve(c.Writer, c.Request, id, state); err != nil {
		s.logger.Warn("websocket upgrade failed", "payment_id", id, "error", err)
	}
}
