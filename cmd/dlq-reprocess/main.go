// Command dlq-reprocess возвращает события из Kafka DLQ в transactional outbox.
//
// По умолчанию работает в режиме dry-run: сообщения разбираются и логируются,
// outbox не меняется. Запись включается флагом -execute.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	"github.com/vladislavdragonenkov/bidflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bidflow/internal/service/outbox"
	"github.com/vladislavdragonenkov/bidflow/internal/storage/postgres"
)

const (
	defaultGroup    = "bidflow-dlq-reprocess"
	dryRunSuffix    = "-dry-run"
	envKafkaBrokers = "BIDFLOW_KAFKA_BROKERS"
	envPostgresDSN  = "BIDFLOW_POSTGRES_DSN"
)

type config struct {
	brokers    []string
	topic      string
	group      string
	dsn        string
	execute    bool
	fromOldest bool
}

// consumerGroup отделяет dry-run от боевого прогона: коммиты пробного
// чтения не должны сдвигать offset основной группы.
func (c config) consumerGroup() string {
	if c.execute {
		return c.group
	}
	return c.group + dryRunSuffix
}

func readConfig(args []string, lookup func(string) string) (config, error) {
	var (
		cfg     config
		brokers string
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated kafka brokers (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.topic, "topic", kafka.TopicDeadLetterQueue, "dead-letter topic to consume")
	fs.StringVar(&cfg.group, "group", defaultGroup, "consumer group id")
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN of the outbox (fallback: "+envPostgresDSN+")")
	fs.BoolVar(&cfg.execute, "execute", false, "write replayed events to the outbox (default is dry-run)")
	fs.BoolVar(&cfg.fromOldest, "from-oldest", true, "start from the oldest offset when the group has no commits")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = lookup(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokers)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("%s (or -brokers) is required", envKafkaBrokers)
	}

	cfg.topic = strings.TrimSpace(cfg.topic)
	cfg.group = strings.TrimSpace(cfg.group)
	if cfg.topic == "" || cfg.group == "" {
		return config{}, errors.New("topic and group must not be empty")
	}

	cfg.dsn = strings.TrimSpace(cfg.dsn)
	if cfg.dsn == "" {
		cfg.dsn = strings.TrimSpace(lookup(envPostgresDSN))
	}
	if cfg.execute && cfg.dsn == "" {
		return config{}, fmt.Errorf("%s (or -dsn) is required with -execute", envPostgresDSN)
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	brokers := make([]string, 0)
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

type replayer interface {
	Replay(ctx context.Context, dead domain.OutboxMessage) (domain.OutboxMessage, error)
}

// newHandler превращает сообщение DLQ в вызов Replay. Неразборчивые конверты
// и невосстановимые события помечаются как poison и не ретраятся.
func newHandler(r replayer) kafka.MessageHandler {
	return func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		envelope, err := kafka.ParseEnvelope(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", kafka.ErrPoisonMessage, err)
		}
		if _, err := r.Replay(ctx, envelope.OutboxMessage()); err != nil {
			if errors.Is(err, outbox.ErrInvalidDeadLetter) {
				return fmt.Errorf("%w: %v", kafka.ErrPoisonMessage, err)
			}
			return err
		}
		return nil
	}
}

func run(ctx context.Context, cfg config, logger *log.Entry) error {
	var repo domain.OutboxRepository
	if cfg.execute {
		store, err := postgres.Open(ctx, cfg.dsn)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer store.Close()
		repo = postgres.NewOutboxRepository(store)
	}

	r := outbox.NewReplayer(repo,
		outbox.WithReplayLogger(logger.WithField("component", "outbox-replay")),
		outbox.WithDryRun(!cfg.execute),
	)

	consumerOptions := []kafka.ConsumerOption{kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer"))}
	if cfg.fromOldest {
		consumerOptions = append(consumerOptions, kafka.WithFromOldest())
	}
	consumer, err := kafka.NewConsumer(cfg.brokers, cfg.consumerGroup(), []string{cfg.topic}, newHandler(r), consumerOptions...)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"topic":   cfg.topic,
		"group":   cfg.consumerGroup(),
		"execute": cfg.execute,
	}).Info("dlq reprocessing started")

	<-ctx.Done()
	return consumer.Stop()
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.WithField("component", "dlq-reprocess")

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		stop()
		fail("dlq reprocess failed: %v", err)
	}
	logger.Info("dlq reprocessing stopped")
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
