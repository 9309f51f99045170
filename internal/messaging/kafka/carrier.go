package kafka

import (
	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/propagation"
)

// ProducerMessageCarrier переносит контекст трассировки в headers исходящего сообщения.
type ProducerMessageCarrier struct {
	msg *sarama.ProducerMessage
}

func NewProducerMessageCarrier(msg *sarama.ProducerMessage) *ProducerMessageCarrier {
	return &ProducerMessageCarrier{msg: msg}
}

func (c *ProducerMessageCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *ProducerMessageCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if string(h.Key) == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, sarama.RecordHeader{
		Key:   []byte(key),
		Value: []byte(value),
	})
}

func (c *ProducerMessageCarrier) Keys() []string {
	keys := make([]string, len(c.msg.Headers))
	for i, h := range c.msg.Headers {
		keys[i] = string(h.Key)
	}
	return keys
}

// ConsumerMessageCarrier читает контекст трассировки из headers полученного сообщения.
type ConsumerMessageCarrier struct {
	msg *sarama.ConsumerMessage
}

func NewConsumerMessageCarrier(msg *sarama.ConsumerMessage) *ConsumerMessageCarrier {
	return &ConsumerMessageCarrier{msg: msg}
}

func (c *ConsumerMessageCarrier) Get(key string) string {
	return headerValue(c.msg.Headers, key)
}

func (c *ConsumerMessageCarrier) Set(key, value string) {
	for _, h := range c.msg.Headers {
		if h != nil && string(h.Key) == key {
			h.Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, &sarama.RecordHeader{
		Key:   []byte(key),
		Value: []byte(value),
	})
}

func (c *ConsumerMessageCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		if h != nil {
			keys = append(keys, string(h.Key))
		}
	}
	return keys
}

var (
	_ propagation.TextMapCarrier = (*ProducerMessageCarrier)(nil)
	_ propagation.TextMapCarrier = (*ConsumerMessageCarrier)(nil)
)
