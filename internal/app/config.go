package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/bidflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bidflow/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/bidflow/internal/telemetry"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

const (
	envGRPCAddr                    = "BIDFLOW_GRPC_ADDR"
	envMetricsAddr                 = "BIDFLOW_METRICS_ADDR"
	envStorageDriver               = "BIDFLOW_STORAGE_DRIVER"
	envPostgresDSN                 = "BIDFLOW_POSTGRES_DSN"
	envPostgresAutoMigrate         = "BIDFLOW_POSTGRES_AUTO_MIGRATE"
	envRedisAddr                   = "BIDFLOW_REDIS_ADDR"
	envKafkaBrokers                = "BIDFLOW_KAFKA_BROKERS"
	envKafkaEventsTopic            = "BIDFLOW_KAFKA_EVENTS_TOPIC"
	envKafkaNotificationsTopic     = "BIDFLOW_KAFKA_NOTIFICATIONS_TOPIC"
	envKafkaDLQTopic               = "BIDFLOW_KAFKA_DLQ_TOPIC"
	envOutboxPollInterval          = "BIDFLOW_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "BIDFLOW_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "BIDFLOW_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "BIDFLOW_OUTBOX_RETRY_BASE_DELAY"
	envSweepInterval               = "BIDFLOW_SWEEP_INTERVAL"
	envSweepBatchSize              = "BIDFLOW_SWEEP_BATCH_SIZE"
	envBiddingWindow               = "BIDFLOW_BIDDING_WINDOW"
	envPaymentWindow               = "BIDFLOW_PAYMENT_WINDOW"
	envIdempotencyTTL              = "BIDFLOW_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "BIDFLOW_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "BIDFLOW_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envPolicyFile                  = "BIDFLOW_POLICY_FILE"
	envOTelEnabled                 = "BIDFLOW_OTEL_ENABLED"
	envOTelEndpoint                = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envLogLevel                    = "BIDFLOW_LOG_LEVEL"
	envLogFormat                   = "BIDFLOW_LOG_FORMAT"
)

// Config описывает настройки запуска движка. Все поля скалярные, чтобы
// конфигурации можно было сравнивать через ==.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// RedisAddr пустой — номера заказов, идемпотентность и аренда берутся из основного хранилища.
	RedisAddr string

	// KafkaBrokers: адреса через запятую. Пустое значение отключает Kafka.
	KafkaBrokers            string
	KafkaEventsTopic        string
	KafkaNotificationsTopic string
	KafkaDLQTopic           string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	SweepInterval  time.Duration
	SweepBatchSize int
	BiddingWindow  time.Duration
	PaymentWindow  time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	PolicyFile string

	OTelEnabled  bool
	OTelEndpoint string

	LogLevel  string
	LogFormat string
}

// DefaultConfig возвращает конфигурацию для локального запуска на in-memory хранилище.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		KafkaEventsTopic:            kafka.TopicOrderEvents,
		KafkaNotificationsTopic:     kafka.TopicNotifications,
		KafkaDLQTopic:               kafka.TopicDeadLetterQueue,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		SweepInterval:               time.Minute,
		SweepBatchSize:              100,
		BiddingWindow:               lifecycle.DefaultBiddingWindow,
		PaymentWindow:               24 * time.Hour,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		OTelEndpoint:                telemetry.DefaultEndpoint,
		LogLevel:                    "info",
		LogFormat:                   LogFormatText,
	}
}

// Validate проверяет согласованность конфигурации перед запуском.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, fmt.Errorf("%s is required for postgres storage driver", envPostgresDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{envOutboxPollInterval, c.OutboxPollInterval},
		{envSweepInterval, c.SweepInterval},
		{envBiddingWindow, c.BiddingWindow},
		{envPaymentWindow, c.PaymentWindow},
		{envIdempotencyTTL, c.IdempotencyTTL},
		{envIdempotencyCleanupInterval, c.IdempotencyCleanupInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", d.name, d.value))
		}
	}
	if c.OutboxRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("%s must be >= 0", envOutboxRetryDelay))
	}

	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// KafkaBrokerList разбирает KafkaBrokers в список адресов.
func (c Config) KafkaBrokerList() []string {
	brokers := make([]string, 0)
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

type envLookup func(key string) (string, bool)

// LoadConfigFromEnv читает конфигурацию из окружения. Некорректные значения
// не роняют запуск: остаётся значение по умолчанию, а причина попадает в warnings.
func LoadConfigFromEnv() (Config, []string) {
	return loadConfig(os.LookupEnv)
}

func loadConfig(lookup envLookup) (Config, []string) {
	cfg := DefaultConfig()
	warnings := make([]string, 0)

	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("invalid %s=%q: %v", key, value, err))
	}

	strVar := func(key string, target *string) {
		if value, ok := lookup(key); ok {
			if value = strings.TrimSpace(value); value != "" {
				*target = value
			}
		}
	}
	boolVar := func(key string, target *bool) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseBool(value)
		if err != nil {
			warn(key, value, err)
			return
		}
		*target = parsed
	}
	intVar := func(key string, target *int) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseInt(value, func(v int) bool { return v > 0 }, "must be > 0")
		if err != nil {
			warn(key, value, err)
			return
		}
		*target = parsed
	}
	durationVar := func(key string, target *time.Duration, valid func(time.Duration) bool, msg string) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseDuration(value, valid, msg)
		if err != nil {
			warn(key, value, err)
			return
		}
		*target = parsed
	}
	positive := func(v time.Duration) bool { return v > 0 }

	strVar(envGRPCAddr, &cfg.GRPCAddr)
	strVar(envMetricsAddr, &cfg.MetricsAddr)
	if value, ok := lookup(envStorageDriver); ok {
		if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
			cfg.StorageDriver = value
		}
	}
	strVar(envPostgresDSN, &cfg.PostgresDSN)
	boolVar(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	strVar(envRedisAddr, &cfg.RedisAddr)

	strVar(envKafkaBrokers, &cfg.KafkaBrokers)
	strVar(envKafkaEventsTopic, &cfg.KafkaEventsTopic)
	strVar(envKafkaNotificationsTopic, &cfg.KafkaNotificationsTopic)
	strVar(envKafkaDLQTopic, &cfg.KafkaDLQTopic)

	durationVar(envOutboxPollInterval, &cfg.OutboxPollInterval, positive, "must be > 0")
	intVar(envOutboxBatchSize, &cfg.OutboxBatchSize)
	intVar(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts)
	durationVar(envOutboxRetryDelay, &cfg.OutboxRetryDelay, func(v time.Duration) bool { return v >= 0 }, "must be >= 0")

	durationVar(envSweepInterval, &cfg.SweepInterval, positive, "must be > 0")
	intVar(envSweepBatchSize, &cfg.SweepBatchSize)
	durationVar(envBiddingWindow, &cfg.BiddingWindow, positive, "must be > 0")
	durationVar(envPaymentWindow, &cfg.PaymentWindow, positive, "must be > 0")

	durationVar(envIdempotencyTTL, &cfg.IdempotencyTTL, positive, "must be > 0")
	durationVar(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positive, "must be > 0")
	intVar(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize)

	strVar(envPolicyFile, &cfg.PolicyFile)
	boolVar(envOTelEnabled, &cfg.OTelEnabled)
	strVar(envOTelEndpoint, &cfg.OTelEndpoint)

	strVar(envLogLevel, &cfg.LogLevel)
	if value, ok := lookup(envLogFormat); ok {
		switch value = strings.ToLower(strings.TrimSpace(value)); value {
		case "":
		case LogFormatText, LogFormatJSON:
			cfg.LogFormat = value
		default:
			warn(envLogFormat, value, errors.New("must be text or json"))
		}
	}

	return cfg, warnings
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", value)
	}
}

func parseInt(value string, valid func(int) bool, msg string) (int, error) {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(parsed) {
		return 0, errors.New(msg)
	}
	return parsed, nil
}

func parseDuration(value string, valid func(time.Duration) bool, msg string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(parsed) {
		return 0, errors.New(msg)
	}
	return parsed, nil
}
