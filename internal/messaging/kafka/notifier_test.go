package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

func TestNotifier_Notify(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicNotifications {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "store-2" {
			return fmt.Errorf("key = %s, want recipient", key)
		}
		headers := headerMap(msg)
		if headers[HeaderEventType] != string(domain.NotificationOfferRejected) || headers[HeaderEventID] != "evt-1" {
			return fmt.Errorf("unexpected headers %v", headers)
		}

		raw, _ := msg.Value.Encode()
		var n domain.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		if n.RecipientRole != domain.RecipientVendor || n.Link != "/orders/order-1" {
			return fmt.Errorf("unexpected notification %+v", n)
		}
		return nil
	})

	notifier := NewNotifier(NewProducerFromClient(mockProducer, WithProducerLogger(quietLogger())), "")
	err := notifier.Notify(context.Background(), domain.Notification{
		RecipientID:   "store-2",
		RecipientRole: domain.RecipientVendor,
		Title:         domain.Localized{En: "Offer not selected"},
		Type:          domain.NotificationOfferRejected,
		Link:          domain.OrderLink("order-1"),
		Metadata:      domain.Event{ID: "evt-1", OrderID: "order-1"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNotifier_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing recipient", func(t *testing.T) {
		t.Parallel()

		mockProducer := mocks.NewSyncProducer(t, nil)
		notifier := NewNotifier(NewProducerFromClient(mockProducer, WithProducerLogger(quietLogger())), TopicNotifications)
		err := notifier.Notify(context.Background(), domain.Notification{Type: domain.NotificationNewOffer})
		if !errors.Is(err, domain.ErrBadRequest) {
			t.Fatalf("expected ErrBadRequest, got %v", err)
		}
		if err := mockProducer.Close(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("broker failure", func(t *testing.T) {
		t.Parallel()

		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
		notifier := NewNotifier(NewProducerFromClient(mockProducer, WithProducerLogger(quietLogger())), TopicNotifications)
		err := notifier.Notify(context.Background(), domain.Notification{RecipientID: "customer-1", Type: domain.NotificationOrderStatus})
		if !errors.Is(err, sarama.ErrNotLeaderForPartition) {
			t.Fatalf("expected broker error, got %v", err)
		}
		if err := mockProducer.Close(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("nil notifier", func(t *testing.T) {
		t.Parallel()

		var notifier *Notifier
		if err := notifier.Notify(context.Background(), domain.Notification{RecipientID: "x"}); err == nil {
			t.Fatal("expected error")
		}
	})
}
