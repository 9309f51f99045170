package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "kafka-test")
}

func headerMap(msg *sarama.ProducerMessage) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestProducer_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-1" {
			return fmt.Errorf("key = %s", key)
		}
		if got := headerMap(msg)[HeaderEventType]; got != "order.created" {
			return fmt.Errorf("event type header = %q", got)
		}
		return nil
	})

	producer := NewProducerFromClient(mockProducer, WithProducerLogger(quietLogger()))
	err := producer.Publish(context.Background(), TopicOrderEvents, "order-1", []byte(`{"id":"e-1"}`),
		map[string]string{HeaderEventType: "order.created"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewProducerFromClient(mockProducer, WithProducerLogger(quietLogger()), WithTracerProvider(tp))
	err := producer.Publish(context.Background(), TopicOrderEvents, "order-1", []byte(`{}`), nil)
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("span status = %v", spans[0].Status())
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_InjectsTraceContext(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	ctx, parent := tp.Tracer("test").Start(context.Background(), "request")
	defer parent.End()

	var traceparent string
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		traceparent = headerMap(msg)["traceparent"]
		return nil
	})

	producer := NewProducerFromClient(mockProducer,
		WithProducerLogger(quietLogger()),
		WithTracerProvider(tp),
		WithPropagator(propagation.TraceContext{}),
	)
	if err := producer.PublishJSON(ctx, TopicNotifications, "customer-1", map[string]string{"a": "b"}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if traceparent == "" {
		t.Fatal("traceparent header was not injected")
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.SpanKind() != trace.SpanKindProducer {
		t.Fatalf("span kind = %v", span.SpanKind())
	}
	if span.Parent().TraceID() != parent.SpanContext().TraceID() {
		t.Fatal("producer span is not a child of the request span")
	}
	if span.Name() != "send "+TopicNotifications {
		t.Fatalf("span name = %s", span.Name())
	}

	// Заголовок указывает на producer-спан, а не на родителя.
	extracted := trace.SpanContextFromContext(propagation.TraceContext{}.Extract(context.Background(),
		propagation.MapCarrier{"traceparent": traceparent}))
	if extracted.SpanID() != span.SpanContext().SpanID() {
		t.Fatalf("traceparent span id = %s, want %s", extracted.SpanID(), span.SpanContext().SpanID())
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishCanceledContext(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromClient(mockProducer, WithProducerLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := producer.Publish(ctx, TopicOrderEvents, "k", []byte(`{}`), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishJSONMarshalError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromClient(mockProducer, WithProducerLogger(quietLogger()))

	if err := producer.PublishJSON(context.Background(), TopicOrderEvents, "k", make(chan int), nil); err == nil {
		t.Fatal("expected marshal error")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewProducer_InvalidBroker(t *testing.T) {
	t.Parallel()

	if _, err := NewProducer([]string{"127.0.0.1:1"}); err == nil {
		t.Fatal("expected error for unreachable broker")
	}
}

func TestCarriers(t *testing.T) {
	t.Parallel()

	msg := &sarama.ProducerMessage{}
	carrier := NewProducerMessageCarrier(msg)
	carrier.Set("traceparent", "a")
	carrier.Set("traceparent", "b")
	carrier.Set("baggage", "k=v")

	if got := carrier.Get("traceparent"); got != "b" {
		t.Fatalf("traceparent = %q", got)
	}
	if len(msg.Headers) != 2 || len(carrier.Keys()) != 2 {
		t.Fatalf("headers = %v", carrier.Keys())
	}

	consumed := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{nil, {Key: []byte("traceparent"), Value: []byte("x")}}}
	cc := NewConsumerMessageCarrier(consumed)
	if got := cc.Get("traceparent"); got != "x" {
		t.Fatalf("consumer traceparent = %q", got)
	}
	cc.Set("traceparent", "y")
	cc.Set("tracestate", "z")
	if cc.Get("traceparent") != "y" || cc.Get("tracestate") != "z" {
		t.Fatalf("consumer carrier keys = %v", cc.Keys())
	}
	if got := cc.Get("missing"); got != "" {
		t.Fatalf("missing header = %q", got)
	}
}
