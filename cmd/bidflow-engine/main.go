// Command bidflow-engine запускает движок жизненного цикла заказов маркетплейса.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bidflow/internal/app"
	"github.com/vladislavdragonenkov/bidflow/internal/telemetry"
	"github.com/vladislavdragonenkov/bidflow/internal/version"
)

const serviceName = "bidflow-engine"

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(logger *log.Logger, cfg app.Config) error {
	switch cfg.LogFormat {
	case app.LogFormatJSON:
		logger.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.SetLevel(log.InfoLevel)
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)
	return nil
}

// setupTracing включает OTLP-экспорт, если он разрешён конфигурацией.
func setupTracing(ctx context.Context, cfg app.Config) (telemetry.ShutdownFunc, error) {
	if !cfg.OTelEnabled {
		return func(context.Context) error { return nil }, nil
	}
	return telemetry.InitTracerProvider(ctx, cfg.OTelEndpoint, serviceName, version.GetVersion())
}

func main() {
	cfg, warnings := app.LoadConfigFromEnv()
	if err := setupLogger(log.StandardLogger(), cfg); err != nil {
		log.WithError(err).Warn("falling back to info log level")
	}
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to flush traces")
		}
	}()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka_enabled":  cfg.KafkaBrokers != "",
		"redis_enabled":  cfg.RedisAddr != "",
		"otel_enabled":   cfg.OTelEnabled,
	}).Info("starting bidflow engine")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("engine stopped with error")
		stop()
		os.Exit(1)
	}

	log.Info("bidflow engine stopped")
}
