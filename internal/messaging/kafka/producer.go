package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bidflow/messaging/kafka"

// ProducerOptions задаёт необязательные параметры Producer.
type ProducerOptions struct {
	Logger         *log.Entry
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
	ClientID       string
}

type ProducerOption func(*ProducerOptions)

func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(opts *ProducerOptions) {
		opts.Logger = logger
	}
}

// WithTracerProvider задаёт провайдер для producer-спанов. По умолчанию глобальный.
func WithTracerProvider(tp trace.TracerProvider) ProducerOption {
	return func(opts *ProducerOptions) {
		opts.TracerProvider = tp
	}
}

func WithPropagator(p propagation.TextMapPropagator) ProducerOption {
	return func(opts *ProducerOptions) {
		opts.Propagator = p
	}
}

func WithClientID(clientID string) ProducerOption {
	return func(opts *ProducerOptions) {
		opts.ClientID = clientID
	}
}

// Producer публикует сообщения в Kafka и переносит контекст трассировки в headers.
type Producer struct {
	producer   sarama.SyncProducer
	logger     *log.Entry
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewProducer создает идемпотентный sync producer.
func NewProducer(brokers []string, options ...ProducerOption) (*Producer, error) {
	opts := producerOptions(options)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	if opts.ClientID != "" {
		config.ClientID = opts.ClientID
	}

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return newProducer(producer, opts), nil
}

// NewProducerFromClient оборачивает готовый sarama.SyncProducer (например, mocks.SyncProducer).
func NewProducerFromClient(client sarama.SyncProducer, options ...ProducerOption) *Producer {
	return newProducer(client, producerOptions(options))
}

func producerOptions(options []ProducerOption) ProducerOptions {
	var opts ProducerOptions
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "kafka-producer")
	}
	return opts
}

func newProducer(client sarama.SyncProducer, opts ProducerOptions) *Producer {
	p := &Producer{
		producer:   client,
		logger:     opts.Logger,
		propagator: opts.Propagator,
	}
	if opts.TracerProvider != nil {
		p.tracer = opts.TracerProvider.Tracer(tracerName)
	}
	return p
}

// Publish отправляет value в topic. Контекст трассировки и headers
// добавляются в сообщение.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}
	for name, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(v)})
	}

	ctx, span := p.tracerOrGlobal().Start(ctx, "send "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(topic),
			semconv.MessagingKafkaMessageKey(key),
		),
	)
	defer span.End()

	p.propagatorOrGlobal().Inject(ctx, NewProducerMessageCarrier(msg))

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")

	return nil
}

// PublishJSON сериализует v в JSON и публикует его.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v any, headers map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Publish(ctx, topic, key, data, headers)
}

// Close закрывает producer
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

func (p *Producer) tracerOrGlobal() trace.Tracer {
	if p.tracer != nil {
		return p.tracer
	}
	return otel.Tracer(tracerName)
}

func (p *Producer) propagatorOrGlobal() propagation.TextMapPropagator {
	if p.propagator != nil {
		return p.propagator
	}
	return otel.GetTextMapPropagator()
}
