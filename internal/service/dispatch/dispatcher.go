// Package dispatch превращает события из outbox в побочные эффекты: закрытие
// каналов проигравших магазинов и уведомления участникам. Повторная доставка
// события допустима, все действия идемпотентны или безвредны при повторе.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

const defaultCallTimeout = 3 * time.Second

// AdminRecipient — общий получатель уведомлений центра урегулирования.
const AdminRecipient = "admin"

var dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bidflow_dispatch_total",
	Help: "Total number of dispatched lifecycle events grouped by event kind and result.",
}, []string{"event", "result"})

// OfferLister читает предложения по заказу.
type OfferLister interface {
	ListOffers(ctx context.Context, orderID string) ([]domain.Offer, error)
}

// Options задаёт параметры Dispatcher.
type Options struct {
	Logger      *log.Entry
	CallTimeout time.Duration
}

type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithCallTimeout ограничивает каждый вызов Notifier и ChannelCloser.
func WithCallTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.CallTimeout = timeout
	}
}

// Dispatcher реализует domain.OutboxPublisher поверх Notifier и ChannelCloser.
type Dispatcher struct {
	notifier domain.Notifier
	channels domain.ChannelCloser
	offers   OfferLister
	timeout  time.Duration
	logger   *log.Entry
}

// NewDispatcher создаёт диспетчер. channels может быть nil, если каналы не используются.
func NewDispatcher(notifier domain.Notifier, channels domain.ChannelCloser, offers OfferLister, options ...Option) *Dispatcher {
	opts := Options{CallTimeout: defaultCallTimeout}
	for _, option := range options {
		option(&opts)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "dispatcher")
	}

	return &Dispatcher{
		notifier: notifier,
		channels: channels,
		offers:   offers,
		timeout:  opts.CallTimeout,
		logger:   opts.Logger,
	}
}

// Publish разбирает outbox-сообщение и выполняет побочные эффекты события.
// Ошибка возвращается только для того, что нужно повторить: неразобранное
// сообщение и сбой закрытия каналов. Сбои уведомлений логируются.
func (d *Dispatcher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	event, err := domain.DecodeEvent(msg)
	if err != nil {
		dispatchTotal.WithLabelValues(msg.EventType, "decode_error").Inc()
		return err
	}

	switch event.Kind {
	case domain.EventOfferAccepted:
		err = d.onOfferAccepted(ctx, event)
	case domain.EventOfferSubmitted:
		d.onOfferSubmitted(ctx, event)
	case domain.EventStatusChanged:
		d.onStatusChanged(ctx, event)
	case domain.EventDisputeOpened:
		d.onDisputeOpened(ctx, event)
	case domain.EventOrderCreated:
		d.logger.WithField("order_id", event.OrderID).Debug("order created event dispatched")
	}

	if err != nil {
		dispatchTotal.WithLabelValues(string(event.Kind), "error").Inc()
		return err
	}
	dispatchTotal.WithLabelValues(string(event.Kind), "ok").Inc()
	return nil
}

func (d *Dispatcher) onOfferAccepted(ctx context.Context, event domain.Event) error {
	payload := event.OfferAccepted
	logger := d.logger.WithFields(log.Fields{
		"order_id": event.OrderID,
		"store_id": payload.WinningStoreID,
	})

	if d.channels != nil {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		closed, err := d.channels.CloseCompetingChannels(callCtx, event.OrderID, payload.WinningStoreID)
		cancel()
		if err != nil {
			return fmt.Errorf("close competing channels for order %s: %w", event.OrderID, err)
		}
		logger.WithField("closed", closed).Info("competing channels closed")
	}

	d.notify(ctx, event, domain.Notification{
		RecipientID:   payload.WinningStoreID,
		RecipientRole: domain.RecipientVendor,
		Title:         domain.Localized{En: "Offer accepted"},
		Body:          domain.Localized{En: fmt.Sprintf("Your offer for order %s was accepted.", payload.OrderNumber)},
		Type:          domain.NotificationOfferAccepted,
		Link:          domain.OrderLink(event.OrderID),
	})

	if d.offers == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	offers, err := d.offers.ListOffers(callCtx, event.OrderID)
	cancel()
	if err != nil {
		logger.WithError(err).Warn("failed to list offers for rejection notices")
		return nil
	}

	notified := make(map[string]struct{}, len(offers))
	for _, offer := range offers {
		if offer.StoreID == payload.WinningStoreID {
			continue
		}
		if _, seen := notified[offer.StoreID]; seen {
			continue
		}
		notified[offer.StoreID] = struct{}{}

		d.notify(ctx, event, domain.Notification{
			RecipientID:   offer.StoreID,
			RecipientRole: domain.RecipientVendor,
			Title:         domain.Localized{En: "Offer not selected"},
			Body:          domain.Localized{En: fmt.Sprintf("The customer selected another offer for order %s.", payload.OrderNumber)},
			Type:          domain.NotificationOfferRejected,
			Link:          domain.OrderLink(event.OrderID),
		})
	}
	return nil
}

func (d *Dispatcher) onOfferSubmitted(ctx context.Context, event domain.Event) {
	payload := event.OfferSubmitted
	d.notify(ctx, event, domain.Notification{
		RecipientID:   payload.CustomerID,
		RecipientRole: domain.RecipientCustomer,
		Title:         domain.Localized{En: "New offer received"},
		Body: domain.Localized{En: fmt.Sprintf("A store sent an offer for order %s: %s %s.",
			payload.OrderNumber, FormatMinor(payload.TotalMinor), payload.Currency)},
		Type: domain.NotificationNewOffer,
		Link: domain.OrderLink(event.OrderID),
	})
}

func (d *Dispatcher) onStatusChanged(ctx context.Context, event domain.Event) {
	payload := event.StatusChanged
	// Принятие предложения и открытие спора оповещаются отдельными событиями.
	if payload.To == domain.StatusAwaitingPayment || payload.To == domain.StatusDisputed {
		return
	}

	if payload.ActorType != domain.ActorCustomer {
		n := domain.Notification{
			RecipientID:   payload.CustomerID,
			RecipientRole: domain.RecipientCustomer,
			Title:         domain.Localized{En: "Order status updated"},
			Body:          domain.Localized{En: fmt.Sprintf("Order %s is now %s.", payload.OrderNumber, payload.To)},
			Type:          domain.NotificationOrderStatus,
			Link:          domain.OrderLink(event.OrderID),
		}
		if payload.ActorType == domain.ActorSystem && payload.To == domain.StatusCancelled {
			n.Title = domain.Localized{En: "Order expired"}
			n.Body = domain.Localized{En: fmt.Sprintf("Order %s was cancelled automatically: %s.", payload.OrderNumber, payload.Reason)}
			n.Type = domain.NotificationSystemAlert
		}
		d.notify(ctx, event, n)
	}

	if payload.WinningStoreID != "" && payload.ActorType != domain.ActorVendor {
		d.notify(ctx, event, domain.Notification{
			RecipientID:   payload.WinningStoreID,
			RecipientRole: domain.RecipientVendor,
			Title:         domain.Localized{En: "Order status updated"},
			Body:          domain.Localized{En: fmt.Sprintf("Order %s is now %s.", payload.OrderNumber, payload.To)},
			Type:          domain.NotificationOrderStatus,
			Link:          domain.OrderLink(event.OrderID),
		})
	}
}

func (d *Dispatcher) onDisputeOpened(ctx context.Context, event domain.Event) {
	payload := event.DisputeOpened
	d.notify(ctx, event, domain.Notification{
		RecipientID:   AdminRecipient,
		RecipientRole: domain.RecipientAdmin,
		Title:         domain.Localized{En: "New dispute opened"},
		Body:          domain.Localized{En: fmt.Sprintf("Customer opened a dispute for order %s: %s.", payload.OrderNumber, payload.Reason)},
		Type:          domain.NotificationDispute,
		Link:          domain.AdminOrderLink(event.OrderID),
	})
	d.notify(ctx, event, domain.Notification{
		RecipientID:   payload.WinningStoreID,
		RecipientRole: domain.RecipientVendor,
		Title:         domain.Localized{En: "Dispute opened"},
		Body:          domain.Localized{En: fmt.Sprintf("The customer opened a dispute for order %s. Support will review it.", payload.OrderNumber)},
		Type:          domain.NotificationDispute,
		Link:          domain.OrderLink(event.OrderID),
	})
}

func (d *Dispatcher) notify(ctx context.Context, event domain.Event, n domain.Notification) {
	if d.notifier == nil || n.RecipientID == "" {
		return
	}
	n.Metadata = event

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.notifier.Notify(callCtx, n); err != nil {
		dispatchTotal.WithLabelValues(string(n.Type), "notify_error").Inc()
		d.logger.WithError(err).WithFields(log.Fields{
			"order_id":          event.OrderID,
			"recipient_id":      n.RecipientID,
			"notification_type": n.Type,
		}).Warn("failed to deliver notification")
	}
}

// FormatMinor форматирует сумму в минорных единицах как 123.45.
func FormatMinor(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// Fanout публикует сообщение во все publishers и объединяет ошибки.
type Fanout []domain.OutboxPublisher

func (f Fanout) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier пишет уведомления в лог. Используется, когда брокер не настроен.
type LogNotifier struct {
	Logger *log.Entry
}

func (n LogNotifier) Notify(_ context.Context, notification domain.Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = log.WithField("component", "notifier")
	}
	logger.WithFields(log.Fields{
		"recipient_id":      notification.RecipientID,
		"recipient_role":    notification.RecipientRole,
		"notification_type": notification.Type,
		"order_id":          notification.Metadata.OrderID,
	}).Info(notification.Title.En)
	return nil
}

var (
	_ domain.OutboxPublisher = (*Dispatcher)(nil)
	_ domain.OutboxPublisher = Fanout(nil)
	_ domain.Notifier        = LogNotifier{}
)
