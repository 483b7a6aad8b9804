// Package transport HTTP-транспорт: REST-сервер на gin, валидация по OpenAPI, WebSocket-хаб.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/akriventsev/furnel/framework/core"
)

// RESTConfig конфигурация для REST адаптера
type RESTConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultRESTConfig возвращает конфигурацию REST по умолчанию
func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RESTAdapter HTTP-сервер поверх gin.Engine
type RESTAdapter struct {
	config  RESTConfig
	router  *gin.Engine
	server  *http.Server
	logger  *slog.Logger
	running atomic.Bool
}

// NewRESTAdapter создает новый REST адаптер с recovery и журналом запросов
func NewRESTAdapter(config RESTConfig, logger *slog.Logger) *RESTAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))
	return &RESTAdapter{config: config, router: router, logger: logger}
}

// Router возвращает gin.Engine для регистрации маршрутов
func (r *RESTAdapter) Router() *gin.Engine {
	return r.router
}

// Start открывает порт и обслуживает запросы в фоне (реализация core.Lifecycle).
// Ошибка занятого порта возвращается сразу.
func (r *RESTAdapter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", r.config.Port, err)
	}
	r.server = &http.Server{
		Handler:           r.router,
		ReadHeaderTimeout: r.config.ReadTimeout,
		ReadTimeout:       r.config.ReadTimeout,
		WriteTimeout:      r.config.WriteTimeout,
	}
	r.running.Store(true)

	go func() {
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", "error", err)
		}
		r.running.Store(false)
	}()
	r.logger.Info("http server started", "addr", ln.Addr().String())
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	timeout := r.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := r.server.Shutdown(shutdownCtx)
	r.running.Store(false)
	return err
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) IsRunning() bool {
	return r.running.Load()
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RESTAdapter) Name() string {
	return "rest-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RESTAdapter) Type() core.ComponentType {
	return core.ComponentTypeTransport
}

// RequestLogger пишет в slog метод, маршрут, статус и длительность
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// RateLimit отвечает 429, когда limiter исчерпан
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
