package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck проверка зависимости сервиса
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc адаптер функции к HealthCheck
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

// Name возвращает имя проверки
func (f CheckFunc) Name() string { return f.CheckName }

// Check выполняет проверку
func (f CheckFunc) Check(ctx context.Context) error {
	if f.Fn == nil {
		return errors.New("check function is nil")
	}
	return f.Fn(ctx)
}

// HealthCheckResult результат readiness-проверки
type HealthCheckResult struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult результат отдельной проверки
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// DebugConfig конфигурация pprof-сервера
type DebugConfig struct {
	EnablePprof bool
	PprofPort   int
}

// DebugManager readiness-проверки и pprof
type DebugManager struct {
	config      DebugConfig
	logger      *slog.Logger
	pprofServer *http.Server
	checks      []HealthCheck
	mu          sync.RWMutex
}

// NewDebugManager создает новый DebugManager
func NewDebugManager(config DebugConfig, logger *slog.Logger) *DebugManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DebugManager{config: config, logger: logger}
}

// Start запускает pprof, если включен
func (dm *DebugManager) Start(ctx context.Context) error {
	if !dm.config.EnablePprof {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	dm.pprofServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", dm.config.PprofPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := dm.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			dm.logger.Error("pprof server failed", "error", err)
		}
	}()
	return nil
}

// Stop останавливает pprof
func (dm *DebugManager) Stop(ctx context.Context) error {
	if dm.pprofServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return dm.pprofServer.Shutdown(shutdownCtx)
}

// RegisterCheck регистрирует readiness-проверку
func (dm *DebugManager) RegisterCheck(check HealthCheck) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.checks = append(dm.checks, check)
}

// Ready выполняет все проверки
func (dm *DebugManager) Ready(ctx context.Context) HealthCheckResult {
	dm.mu.RLock()
	checks := append([]HealthCheck(nil), dm.checks...)
	dm.mu.RUnlock()

	result := HealthCheckResult{
		Status:    "ready",
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: time.Now().UTC(),
	}
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		cr := CheckResult{Status: "healthy", Duration: time.Since(start).String()}
		if err != nil {
			cr.Status = "unhealthy"
			cr.Message = err.Error()
			result.Status = "not ready"
		}
		result.Checks[check.Name()] = cr
	}
	return result
}

// ReadinessCheckHandler возвращает Gin handler для readiness check
func (dm *DebugManager) ReadinessCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		result := dm.Ready(ctx)
		if result.Status != "ready" {
			c.JSON(http.StatusServiceUnavailable, result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
