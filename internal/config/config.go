// Package config загрузка конфигурации furnel: furnel.yaml и переменные FURNEL_*.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config полная конфигурация сервиса
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	EventStore  EventStoreConfig `mapstructure:"event_store"`
	StatusStore string           `mapstructure:"status_store"`
	MessageBus  MessageBusConfig `mapstructure:"message_bus"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Tracing     TracingConfig    `mapstructure:"tracing"`
	Payment     PaymentConfig    `mapstructure:"payment"`
	Debug       DebugConfig      `mapstructure:"debug"`
	Activities  ActivitiesConfig `mapstructure:"activities"`
}

// ServerConfig HTTP-сервер
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	FrontendURL     string        `mapstructure:"frontend_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// WebhookRate запросов в секунду на webhook-эндпоинты
	WebhookRate  float64 `mapstructure:"webhook_rate"`
	WebhookBurst int     `mapstructure:"webhook_burst"`
}

// DatabaseConfig PostgreSQL
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// EventStoreConfig журнал саг: memory, postgres или mongodb
type EventStoreConfig struct {
	Driver        string `mapstructure:"driver"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// MessageBusConfig шина статусов и сигналов: inmemory, nats, redis или kafka
type MessageBusConfig struct {
	Type         string   `mapstructure:"type"`
	NATSURL      string   `mapstructure:"nats_url"`
	RedisAddr    string   `mapstructure:"redis_addr"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`
}

// MetricsConfig экспорт метрик: prometheus или none
type MetricsConfig struct {
	Exporter string `mapstructure:"exporter"`
}

// TracingConfig экспорт трассировки: otlp, stdout, zipkin, jaeger или none
type TracingConfig struct {
	Exporter     string  `mapstructure:"exporter"`
	Endpoint     string  `mapstructure:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// PaymentConfig бюджеты ожидания и имитация провайдеров
type PaymentConfig struct {
	DepositBudget   time.Duration `mapstructure:"deposit_budget"`
	PayoutCeiling   time.Duration `mapstructure:"payout_ceiling"`
	ProviderLatency time.Duration `mapstructure:"provider_latency"`
	// DeliveryDelay имитация подтверждения доставки; 0 означает 2x provider_latency
	DeliveryDelay time.Duration `mapstructure:"delivery_delay"`
}

// DebugConfig pprof
type DebugConfig struct {
	Pprof     bool `mapstructure:"pprof"`
	PprofPort int  `mapstructure:"pprof_port"`
}

// ActivitiesConfig переопределения политик повторов
type ActivitiesConfig struct {
	FastMaxAttempts        int `mapstructure:"fast_max_attempts"`
	LongRunningMaxAttempts int `mapstructure:"long_running_max_attempts"`
}

// Load читает конфигурацию. path пустой: ищется furnel.yaml в текущем каталоге
// и ./config; отсутствие файла не ошибка.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FURNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// переменные без префикса, как в docker-compose
	_ = v.BindEnv("database.url", "FURNEL_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("server.frontend_url", "FURNEL_SERVER_FRONTEND_URL", "FRONTEND_URL")
	_ = v.BindEnv("server.port", "FURNEL_SERVER_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("furnel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.frontend_url", "http://localhost:3001")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.webhook_rate", 50.0)
	v.SetDefault("server.webhook_burst", 100)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("event_store.driver", "memory")
	v.SetDefault("event_store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("event_store.mongo_database", "furnel")
	v.SetDefault("status_store", "memory")
	v.SetDefault("message_bus.type", "inmemory")
	v.SetDefault("message_bus.nats_url", "nats://localhost:4222")
	v.SetDefault("message_bus.redis_addr", "localhost:6379")
	v.SetDefault("message_bus.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("message_bus.kafka_group_id", "furnel")
	v.SetDefault("metrics.exporter", "prometheus")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("payment.deposit_budget", 10*time.Minute)
	v.SetDefault("payment.payout_ceiling", 24*time.Hour)
	v.SetDefault("payment.provider_latency", 500*time.Millisecond)
	v.SetDefault("payment.delivery_delay", time.Duration(0))
	v.SetDefault("debug.pprof", false)
	v.SetDefault("debug.pprof_port", 6060)
	v.SetDefault("activities.fast_max_attempts", 0)
	v.SetDefault("activities.long_running_max_attempts", 0)
}

// Validate проверяет согласованность настроек
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.EventStore.Driver {
	case "memory", "mongodb":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("event_store.driver postgres requires database.url")
		}
	default:
		return fmt.Errorf("unknown event store driver %q", c.EventStore.Driver)
	}
	switch c.StatusStore {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("status_store postgres requires database.url")
		}
	default:
		return fmt.Errorf("unknown status store %q", c.StatusStore)
	}
	switch c.MessageBus.Type {
	case "inmemory", "nats", "redis", "kafka":
	default:
		return fmt.Errorf("unknown message bus %q", c.MessageBus.Type)
	}
	if c.Payment.DepositBudget <= 0 || c.Payment.PayoutCeiling <= 0 {
		return errors.New("payment budgets must be positive")
	}
	return nil
}

// UsesPostgres нужен ли пул PostgreSQL
func (c Config) UsesPostgres() bool {
	return c.EventStore.Driver == "postgres" || c.StatusStore == "postgres"
}
