package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultConsumerMaxRetries = 3
	defaultConsumerRetryDelay = 200 * time.Millisecond
)

// ErrPoisonMessage помечает сообщение, которое невозможно обработать ни с какой попытки.
// Такое сообщение логируется и коммитится без повторов.
var ErrPoisonMessage = errors.New("poison message")

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOptions задаёт параметры Consumer.
type ConsumerOptions struct {
	Logger         *log.Entry
	MaxRetries     int
	RetryDelay     time.Duration
	FromOldest     bool
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

type ConsumerOption func(*ConsumerOptions)

func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.Logger = logger
	}
}

// WithMaxRetries задаёт число попыток обработки одного сообщения.
func WithMaxRetries(n int) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.MaxRetries = n
	}
}

func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.RetryDelay = d
	}
}

// WithFromOldest читает topic с начала, если у группы ещё нет закоммиченного offset.
func WithFromOldest() ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.FromOldest = true
	}
}

func WithConsumerTracerProvider(tp trace.TracerProvider) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.TracerProvider = tp
	}
}

// Consumer читает topics в составе consumer group.
type Consumer struct {
	consumer   sarama.ConsumerGroup
	topics     []string
	groupID    string
	handler    MessageHandler
	logger     *log.Entry
	wg         sync.WaitGroup
	maxRetries int
	retryDelay time.Duration
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewConsumer создает consumer group.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("kafka consumer: handler is required")
	}
	opts := consumerOptions(options)

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if opts.FromOldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return newConsumer(group, groupID, topics, handler, opts), nil
}

func consumerOptions(options []ConsumerOption) ConsumerOptions {
	opts := ConsumerOptions{
		MaxRetries: defaultConsumerMaxRetries,
		RetryDelay: defaultConsumerRetryDelay,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "kafka-consumer")
	}
	return opts
}

func newConsumer(group sarama.ConsumerGroup, groupID string, topics []string, handler MessageHandler, opts ConsumerOptions) *Consumer {
	c := &Consumer{
		consumer:   group,
		topics:     topics,
		groupID:    groupID,
		handler:    handler,
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		propagator: opts.Propagator,
	}
	if opts.TracerProvider != nil {
		c.tracer = opts.TracerProvider.Tracer(tracerName)
	}
	return c
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращается при каждом rebalance.
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithFields(log.Fields{
		"topics": c.topics,
		"group":  c.groupID,
	}).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			fields := log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}
			c.logger.WithFields(fields).Debug("received message")

			err := c.process(session.Context(), message)
			switch {
			case err == nil:
			case errors.Is(err, ErrPoisonMessage):
				c.logger.WithError(err).WithFields(fields).Warn("skipping poison message")
			default:
				// Сообщение не коммитится и будет прочитано повторно после rebalance или рестарта.
				c.logger.WithError(err).WithFields(fields).Error("message processing failed after all retries")
				continue
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	parentCtx := c.propagatorOrGlobal().Extract(ctx, NewConsumerMessageCarrier(message))

	spanCtx, span := c.tracerOrGlobal().Start(parentCtx, "process "+message.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(message.Topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(message.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(int(message.Partition))),
			semconv.MessagingKafkaMessageKey(string(message.Key)),
		),
	)
	defer span.End()

	if err := c.handleMessageWithRetry(spanCtx, message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// handleMessageWithRetry повторяет обработку с линейной задержкой.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err = c.handler(ctx, message)
		if err == nil || errors.Is(err, ErrPoisonMessage) {
			return err
		}
		if attempt == c.maxRetries {
			break
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       message.Topic,
			"attempt":     attempt,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")

		if c.retryDelay > 0 {
			timer := time.NewTimer(time.Duration(attempt) * c.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return err
}

func (c *Consumer) tracerOrGlobal() trace.Tracer {
	if c.tracer != nil {
		return c.tracer
	}
	return otel.Tracer(tracerName)
}

func (c *Consumer) propagatorOrGlobal() propagation.TextMapPropagator {
	if c.propagator != nil {
		return c.propagator
	}
	return otel.GetTextMapPropagator()
}
