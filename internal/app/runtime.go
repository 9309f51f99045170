package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/bidflow/internal/health"
	"github.com/vladislavdragonenkov/bidflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bidflow/internal/metrics"
	"github.com/vladislavdragonenkov/bidflow/internal/policy"
	"github.com/vladislavdragonenkov/bidflow/internal/service/dispatch"
	"github.com/vladislavdragonenkov/bidflow/internal/service/expiry"
	"github.com/vladislavdragonenkov/bidflow/internal/service/idempotency"
	"github.com/vladislavdragonenkov/bidflow/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/bidflow/internal/service/outbox"
	"github.com/vladislavdragonenkov/bidflow/internal/storage/memory"
	"github.com/vladislavdragonenkov/bidflow/internal/storage/postgres"
	"github.com/vladislavdragonenkov/bidflow/internal/storage/redisstore"
)

const redisKeyPrefix = "bidflow"

// storageDependencies: репозитории выбранного драйвера хранения.
type storageDependencies struct {
	store           domain.OrderStore
	audit           domain.AuditLogger
	numbers         domain.OrderNumberGenerator
	channels        domain.ChannelRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	locker          domain.Locker
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

// runtimeDependencies: собранный граф компонентов движка.
type runtimeDependencies struct {
	storageDependencies

	engine        *lifecycle.Engine
	dispatcher    *dispatch.Dispatcher
	outboxWorker  *outbox.Worker
	sweeper       *expiry.Sweeper
	cleanupWorker *idempotency.CleanupWorker

	checkers map[string]healthcheck.Checker
	closers  []func() error
}

// close освобождает ресурсы в обратном порядке создания.
func (d *runtimeDependencies) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func initStorage(ctx context.Context, cfg Config, logger *log.Entry) (storageDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		store := memory.NewStore(nil)
		logger.Info("using in-memory storage")
		return storageDependencies{
			store:           store,
			audit:           memory.NewAuditLog(),
			numbers:         memory.NewOrderNumbers(),
			channels:        memory.NewChannelRepository(),
			outboxRepo:      store.Outbox(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker:  healthcheck.NewSimpleChecker("storage", func() error { return nil }),
		}, nil

	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return storageDependencies{}, errors.New("postgres dsn is required for postgres storage driver")
		}

		store, err := postgres.Open(ctx, dsn, postgres.WithTracing(cfg.OTelEnabled))
		if err != nil {
			return storageDependencies{}, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return storageDependencies{}, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		logger.Info("using postgres storage")
		return storageDependencies{
			store:           store,
			audit:           postgres.NewAuditLog(store),
			numbers:         postgres.NewOrderNumbers(store),
			channels:        postgres.NewChannelRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			locker:          postgres.NewAdvisoryLocker(store),
			storageChecker:  healthcheck.NewPingChecker("storage", store, true),
			closeFn:         store.Close,
		}, nil

	default:
		return storageDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// initRedis подключает Redis, если задан адрес. Ошибка подключения не фатальна:
// движок продолжает работать на основном хранилище.
func initRedis(ctx context.Context, addr string, logger *log.Entry) redis.UniversalClient {
	if strings.TrimSpace(addr) == "" {
		return nil
	}
	client, err := redisstore.Connect(ctx, redisstore.Config{Addrs: addr})
	if err != nil {
		logger.WithError(err).Warn("failed to connect to redis, continuing without redis")
		return nil
	}
	logger.WithField("addr", addr).Info("redis client initialized")
	return client
}

// initKafkaProducer создаёт producer, если заданы брокеры. Ошибка не фатальна:
// события остаются в outbox до появления брокера при следующем запуске.
func initKafkaProducer(brokers []string, logger *log.Entry) *kafka.Producer {
	if len(brokers) == 0 {
		return nil
	}
	producer, err := kafka.NewProducer(brokers, kafka.WithProducerLogger(logger.WithField("component", "kafka-producer")))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer
}

// closeKafka закрывает producer, если он создан.
func closeKafka(producer *kafka.Producer, logger *log.Entry) error {
	if producer == nil {
		return nil
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return err
	}
	logger.Info("kafka producer closed")
	return nil
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (_ *runtimeDependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	storage, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps := &runtimeDependencies{
		storageDependencies: storage,
		checkers:            map[string]healthcheck.Checker{"storage": storage.storageChecker},
	}
	if storage.closeFn != nil {
		deps.closers = append(deps.closers, storage.closeFn)
	}
	defer func() {
		if err != nil {
			_ = deps.close()
		}
	}()

	if client := initRedis(ctx, cfg.RedisAddr, logger); client != nil {
		deps.closers = append(deps.closers, client.Close)
		deps.numbers = redisstore.NewOrderNumbers(client, redisKeyPrefix)
		deps.idempotencyRepo = redisstore.NewIdempotencyRepository(client, redisKeyPrefix)
		deps.locker = redisstore.NewLocker(client, redisKeyPrefix)
		deps.checkers["redis"] = healthcheck.NewPingChecker("redis", redisstore.Pinger{Client: client}, false)
	}

	var (
		notifier      domain.Notifier = dispatch.LogNotifier{Logger: logger.WithField("component", "notifier")}
		dlqPublisher  domain.OutboxPublisher
		kafkaOutbound domain.OutboxPublisher
	)
	if producer := initKafkaProducer(cfg.KafkaBrokerList(), logger); producer != nil {
		deps.closers = append(deps.closers, func() error { return closeKafka(producer, logger) })
		notifier = kafka.NewNotifier(producer, cfg.KafkaNotificationsTopic)
		kafkaOutbound = kafka.NewOutboxPublisher(producer, cfg.KafkaEventsTopic)
		dlqPublisher = kafka.NewDLQPublisher(producer, cfg.KafkaDLQTopic)
	}

	guard, err := loadPolicy(cfg.PolicyFile, logger)
	if err != nil {
		return nil, err
	}

	deps.engine, err = lifecycle.NewEngine(deps.store, deps.audit, deps.numbers,
		lifecycle.WithLogger(logger.WithField("component", "lifecycle")),
		lifecycle.WithMetrics(metrics.NewLifecycleMetrics()),
		lifecycle.WithPolicy(guard),
		lifecycle.WithChannels(deps.channels),
		lifecycle.WithIdempotency(deps.idempotencyRepo, cfg.IdempotencyTTL),
		lifecycle.WithBiddingWindow(cfg.BiddingWindow),
	)
	if err != nil {
		return nil, fmt.Errorf("create lifecycle engine: %w", err)
	}

	deps.dispatcher = dispatch.NewDispatcher(notifier, deps.channels, deps.store,
		dispatch.WithLogger(logger.WithField("component", "dispatch")))

	workerOptions := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if dlqPublisher != nil {
		workerOptions = append(workerOptions, outbox.WithDLQPublisher(dlqPublisher))
	}
	deps.outboxWorker = outbox.NewWorker(deps.outboxRepo,
		dispatch.Fanout{deps.dispatcher, kafkaOutbound}, workerOptions...)

	deps.sweeper = expiry.NewSweeper(deps.store, deps.engine,
		expiry.WithLogger(logger.WithField("component", "expiry-sweeper")),
		expiry.WithInterval(cfg.SweepInterval),
		expiry.WithBatchSize(cfg.SweepBatchSize),
		expiry.WithBiddingWindow(cfg.BiddingWindow),
		expiry.WithPaymentWindow(cfg.PaymentWindow),
		expiry.WithLocker(deps.locker),
	)

	deps.cleanupWorker = idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithLocker(deps.locker),
	)

	return deps, nil
}

func loadPolicy(path string, logger *log.Entry) (*policy.Guard, error) {
	if strings.TrimSpace(path) == "" {
		return policy.Default()
	}
	guard, err := policy.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load transition policy: %w", err)
	}
	logger.WithField("policy_file", path).Info("transition policy loaded")
	return guard, nil
}
