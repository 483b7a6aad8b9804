// Package container собирает сервис платежей из конфигурации и управляет
// жизненным циклом его компонентов.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/adapters/messagebus"
	"github.com/akriventsev/furnel/framework/adapters/transport"
	"github.com/akriventsev/furnel/framework/core"
	"github.com/akriventsev/furnel/framework/events"
	"github.com/akriventsev/furnel/framework/eventsourcing"
	"github.com/akriventsev/furnel/framework/metrics"
	"github.com/akriventsev/furnel/framework/observability"
	"github.com/akriventsev/furnel/framework/saga"
	"github.com/akriventsev/furnel/internal/config"
	"github.com/akriventsev/furnel/payment/api"
	"github.com/akriventsev/furnel/payment/application"
	"github.com/akriventsev/furnel/payment/infrastructure"
)

// Container зависимости сервиса платежей
type Container struct {
	Config config.Config
	Logger *slog.Logger

	Metrics *metrics.Metrics
	Tracing *observability.TracingManager
	Debug   *observability.DebugManager

	Pool        *pgxpool.Pool
	EventStore  eventsourcing.EventStore
	EventBus    *events.InMemoryEventBus
	MessageBus  messagebus.Bus
	StatusStore application.StatusStore
	WebhookLog  application.WebhookLog

	Orchestrator    *saga.Orchestrator
	Service         *application.Service
	Webhooks        *application.WebhookHandler
	StatusPublisher *infrastructure.StatusPublisher
	SignalIntake    *infrastructure.SignalIntake

	HTTP *transport.RESTAdapter
	Hub  *transport.WebSocketHub
	API  *api.Server

	activities    application.Activities
	policies      map[activity.Class]activity.Policy
	meterProvider *sdkmetric.MeterProvider
	// closers освобождают ресурсы в обратном порядке
	closers []func(ctx context.Context) error
}

// Option опция сборки
type Option func(*Container)

// WithActivities подменяет имитацию провайдеров
func WithActivities(acts application.Activities) Option {
	return func(c *Container) {
		c.activities = acts
	}
}

// WithPolicy подменяет политику класса activity
func WithPolicy(class activity.Class, policy activity.Policy) Option {
	return func(c *Container) {
		c.policies[class] = policy
	}
}

// Build создает все компоненты; при ошибке уже открытые ресурсы закрываются
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (_ *Container, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Config: cfg, Logger: logger, policies: activity.DefaultPolicies()}
	for _, opt := range opts {
		opt(c)
	}
	defer func() {
		if err != nil {
			_ = c.close(context.WithoutCancel(ctx))
		}
	}()

	if err := c.buildObservability(); err != nil {
		return nil, err
	}
	if err := c.buildStorage(ctx); err != nil {
		return nil, err
	}
	if err := c.buildMessageBus(); err != nil {
		return nil, err
	}
	if err := c.buildPayments(); err != nil {
		return nil, err
	}
	if err := c.buildHTTP(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) buildObservability() error {
	provider, err := metrics.SetupMetrics(&metrics.MetricsConfig{
		ExporterType:  c.Config.Metrics.Exporter,
		ResourceAttrs: map[string]string{"service.name": "furnel", "deployment.environment": c.Config.Environment},
	})
	if err != nil {
		return err
	}
	c.meterProvider = provider
	c.closers = append(c.closers, func(ctx context.Context) error { return metrics.ShutdownMetrics(ctx, provider) })

	if c.Metrics, err = metrics.NewMetrics(); err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	c.Tracing, err = observability.NewTracingManager(observability.TracingConfig{
		ServiceName:      "furnel",
		Exporter:         c.Config.Tracing.Exporter,
		ExporterEndpoint: c.Config.Tracing.Endpoint,
		SamplingRate:     c.Config.Tracing.SamplingRate,
		Environment:      c.Config.Environment,
	})
	if err != nil {
		return err
	}
	c.closers = append(c.closers, c.Tracing.Stop)

	c.Debug = observability.NewDebugManager(observability.DebugConfig{
		EnablePprof: c.Config.Debug.Pprof,
		PprofPort:   c.Config.Debug.PprofPort,
	}, c.Logger)
	return nil
}

func (c *Container) buildStorage(ctx context.Context) error {
	if c.Config.UsesPostgres() {
		poolConfig, err := pgxpool.ParseConfig(c.Config.Database.URL)
		if err != nil {
			return fmt.Errorf("invalid database url: %w", err)
		}
		if c.Config.Database.MaxConns > 0 {
			poolConfig.MaxConns = c.Config.Database.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		c.Pool = pool
		c.closers = append(c.closers, func(context.Context) error { pool.Close(); return nil })
		c.Debug.RegisterCheck(observability.CheckFunc{CheckName: "postgres", Fn: pool.Ping})
	}

	mongoDB := eventsourcing.DefaultMongoDBEventStoreConfig()
	if c.Config.EventStore.MongoDatabase != "" {
		mongoDB.Database = c.Config.EventStore.MongoDatabase
	}
	store, closeStore, err := eventsourcing.NewEventStoreFactory().
		WithPostgresPool(c.Pool).
		Create(ctx, eventsourcing.FactoryConfig{
			Driver:   eventsourcing.Driver(c.Config.EventStore.Driver),
			Memory:   eventsourcing.DefaultInMemoryEventStoreConfig(),
			Postgres: eventsourcing.DefaultPostgresEventStoreConfig(),
			MongoURI: c.Config.EventStore.MongoURI,
			MongoDB:  mongoDB,
		})
	if err != nil {
		return fmt.Errorf("failed to create event store: %w", err)
	}
	c.EventStore = store
	c.closers = append(c.closers, closeStore)
	c.registerHealth("event-store", store)

	switch c.Config.StatusStore {
	case "postgres":
		pg, err := infrastructure.NewPostgresStore(c.Pool)
		if err != nil {
			return err
		}
		c.StatusStore, c.WebhookLog = pg, pg
		c.registerHealth("status-store", pg)
	default:
		mem := infrastructure.NewMemoryStore()
		c.StatusStore, c.WebhookLog = mem, mem
	}
	return nil
}

func (c *Container) buildMessageBus() error {
	bc := messagebus.Config{
		Type:     c.Config.MessageBus.Type,
		NATS:     messagebus.DefaultNATSConfig(),
		Redis:    messagebus.DefaultRedisConfig(),
		Kafka:    messagebus.DefaultKafkaConfig(),
		InMemory: messagebus.DefaultInMemoryConfig(),
	}
	bc.NATS.URL = c.Config.MessageBus.NATSURL
	bc.Redis.Addr = c.Config.MessageBus.RedisAddr
	bc.Kafka.Brokers = c.Config.MessageBus.KafkaBrokers
	bc.Kafka.GroupID = c.Config.MessageBus.KafkaGroupID

	bus, err := messagebus.NewFactory().Create(bc, c.Metrics, c.Logger.With("component", "messagebus"))
	if err != nil {
		return err
	}
	c.MessageBus = bus
	c.Debug.RegisterCheck(observability.CheckFunc{CheckName: bus.Name(), Fn: func(context.Context) error {
		if !bus.IsRunning() {
			return errors.New("message bus is not running")
		}
		return nil
	}})
	return nil
}

func (c *Container) buildPayments() error {
	if c.activities == nil {
		providers := infrastructure.DefaultProvidersConfig()
		providers.Latency = c.Config.Payment.ProviderLatency
		providers.DeliveryDelay = c.Config.Payment.DeliveryDelay
		c.activities = infrastructure.NewMockProviders(providers, c.StatusStore, c.Logger.With("component", "providers"))
	}

	registry := activity.NewRegistry()
	if err := application.RegisterActivities(registry, c.activities, c.Metrics); err != nil {
		return fmt.Errorf("failed to register activities: %w", err)
	}

	fast, long := c.policies[activity.Fast], c.policies[activity.LongRunning]
	if n := c.Config.Activities.FastMaxAttempts; n > 0 {
		fast.MaxAttempts = n
	}
	if n := c.Config.Activities.LongRunningMaxAttempts; n > 0 {
		long.MaxAttempts = n
	}
	invoker := activity.NewInvoker(registry,
		activity.WithPolicy(activity.Fast, fast),
		activity.WithPolicy(activity.LongRunning, long),
		activity.WithLogger(c.Logger.With("component", "activity")),
		activity.WithMetrics(c.Metrics),
	)

	c.EventBus = events.NewInMemoryEventBus().WithMiddleware(c.logEvents)
	c.closers = append(c.closers, c.EventBus.Shutdown)

	c.Orchestrator = saga.NewOrchestrator(c.EventStore, invoker,
		saga.WithEventPublisher(c.EventBus),
		saga.WithMetrics(c.Metrics),
		saga.WithLogger(c.Logger.With("component", "saga")),
	)

	service, err := application.NewService(c.Orchestrator, application.ServiceConfig{
		DepositBudget: c.Config.Payment.DepositBudget,
		PayoutCeiling: c.Config.Payment.PayoutCeiling,
	}, c.Logger.With("component", "payments"))
	if err != nil {
		return err
	}
	c.Service = service
	c.Webhooks = application.NewWebhookHandler(service, c.StatusStore, c.WebhookLog, c.Metrics, c.Logger.With("component", "webhooks"))

	c.StatusPublisher = infrastructure.NewStatusPublisher(c.MessageBus, c.Logger.With("component", "status-publisher"))
	if err := c.StatusPublisher.Attach(c.EventBus); err != nil {
		return err
	}
	c.SignalIntake = infrastructure.NewSignalIntake(c.MessageBus, service, c.Logger.With("component", "signal-intake"))
	return nil
}

func (c *Container) buildHTTP() error {
	gin.SetMode(gin.ReleaseMode)
	rest := transport.DefaultRESTConfig()
	rest.Port = c.Config.Server.Port
	if c.Config.Server.ShutdownTimeout > 0 {
		rest.ShutdownTimeout = c.Config.Server.ShutdownTimeout
	}
	c.HTTP = transport.NewRESTAdapter(rest, c.Logger.With("component", "http"))
	c.Hub = transport.NewWebSocketHub(transport.DefaultWebSocketConfig(), c.Logger.With("component", "websocket"))
	c.closers = append(c.closers, c.Hub.Stop)

	c.API = api.NewServer(api.Config{
		FrontendURL:  c.Config.Server.FrontendURL,
		WebhookRate:  c.Config.Server.WebhookRate,
		WebhookBurst: c.Config.Server.WebhookBurst,
	}, c.Service, c.StatusStore, c.Webhooks, c.WebhookLog, c.Hub, c.Logger.With("component", "api"))
	if err := c.API.Attach(c.EventBus); err != nil {
		return err
	}

	router := c.HTTP.Router()
	router.Use(observability.HTTPTracingMiddleware(api.ServiceName), observability.CorrelationIDMiddleware())
	router.GET("/ready", c.Debug.ReadinessCheckHandler())
	if c.Config.Metrics.Exporter == "prometheus" {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return c.API.Register(router)
}

// registerHealth добавляет readiness-проверку, если компонент ее поддерживает
func (c *Container) registerHealth(name string, component any) {
	if hc, ok := component.(core.HealthCheckable); ok {
		c.Debug.RegisterCheck(observability.CheckFunc{CheckName: name, Fn: hc.HealthCheck})
	}
}

// logEvents трассировка событий оркестратора на уровне debug
func (c *Container) logEvents(ctx context.Context, event events.Event, next func(context.Context, events.Event) error) error {
	start := time.Now()
	err := next(ctx, event)
	c.Logger.Debug("saga event dispatched",
		"event_type", event.EventType(),
		"payment_id", event.AggregateID(),
		"duration", time.Since(start),
	)
	return err
}

// Start запускает шину, прием сигналов и отладочный сервер.
// Восстановление саг выполняет Recover.
func (c *Container) Start(ctx context.Context) error {
	if err := c.MessageBus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message bus: %w", err)
	}
	c.closers = append(c.closers, c.MessageBus.Stop)

	if err := c.SignalIntake.Start(ctx); err != nil {
		return fmt.Errorf("failed to start signal intake: %w", err)
	}
	c.closers = append(c.closers, c.SignalIntake.Stop)

	if err := c.Tracing.Start(ctx); err != nil {
		return err
	}
	if err := c.Debug.Start(ctx); err != nil {
		return err
	}
	c.closers = append(c.closers, c.Debug.Stop)
	return nil
}

// Serve открывает HTTP-порт; вызывается после Recover
func (c *Container) Serve(ctx context.Context) error {
	return c.HTTP.Start(ctx)
}

// Recover поднимает незавершенные саги из журнала
func (c *Container) Recover(ctx context.Context) (saga.RecoveryReport, error) {
	start := time.Now()
	report, err := c.Service.Recover(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to recover sagas: %w", err)
	}
	for id, ferr := range report.Failed {
		c.Logger.Error("saga recovery failed", "payment_id", id, "error", ferr)
	}
	c.Logger.Info("saga recovery finished",
		"resumed", len(report.Resumed),
		"orphaned", len(report.Orphaned),
		"failed", len(report.Failed),
		"duration", time.Since(start),
	)
	return report, nil
}

// Shutdown останавливает компоненты в обратном порядке запуска
func (c *Container) Shutdown(ctx context.Context) error {
	timeout := c.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.close(ctx)
}

// close сначала закрывает прием запросов, затем останавливает саги,
// чтобы они не писали в закрытые шины
func (c *Container) close(ctx context.Context) error {
	var errs []error
	if c.HTTP != nil && c.HTTP.IsRunning() {
		if err := c.HTTP.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if c.Orchestrator != nil {
		if err := c.Orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("saga shutdown: %w", err))
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
