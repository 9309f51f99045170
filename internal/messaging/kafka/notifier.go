package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// Notifier публикует уведомления в topic, который читает сервис доставки.
// Ключ сообщения — получатель, поэтому уведомления одному адресату упорядочены.
type Notifier struct {
	producer *Producer
	topic    string
}

func NewNotifier(producer *Producer, topic string) *Notifier {
	if topic == "" {
		topic = TopicNotifications
	}
	return &Notifier{producer: producer, topic: topic}
}

func (n *Notifier) Notify(ctx context.Context, notification domain.Notification) error {
	if n == nil || n.producer == nil {
		return errors.New("kafka notifier is not initialized")
	}
	if notification.RecipientID == "" {
		return fmt.Errorf("notification %s has no recipient: %w", notification.Type, domain.ErrBadRequest)
	}

	headers := map[string]string{
		HeaderEventType: string(notification.Type),
	}
	if notification.Metadata.ID != "" {
		headers[HeaderEventID] = notification.Metadata.ID
	}
	return n.producer.PublishJSON(ctx, n.topic, notification.RecipientID, notification, headers)
}

var _ domain.Notifier = (*Notifier)(nil)
