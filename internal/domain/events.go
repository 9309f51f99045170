package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind — вариант доменного события, публикуемого через outbox.
type EventKind string

const (
	EventOrderCreated   EventKind = "order.created"
	EventStatusChanged  EventKind = "order.status_changed"
	EventOfferSubmitted EventKind = "offer.submitted"
	EventOfferAccepted  EventKind = "offer.accepted"
	EventDisputeOpened  EventKind = "dispute.opened"
)

// EventSchemaVersion — версия схемы событий, которую пишет текущий код.
const EventSchemaVersion = 1

// AggregateOrder — тип агрегата в outbox-сообщениях.
const AggregateOrder = "order"

// Event — размеченное объединение событий жизненного цикла.
// Заполнен ровно один указатель, соответствующий Kind.
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	Version    int       `json:"version"`
	OrderID    string    `json:"order_id"`
	OccurredAt time.Time `json:"occurred_at"`

	OrderCreated   *OrderCreatedEvent   `json:"order_created,omitempty"`
	StatusChanged  *StatusChangedEvent  `json:"status_changed,omitempty"`
	OfferSubmitted *OfferSubmittedEvent `json:"offer_submitted,omitempty"`
	OfferAccepted  *OfferAcceptedEvent  `json:"offer_accepted,omitempty"`
	DisputeOpened  *DisputeOpenedEvent  `json:"dispute_opened,omitempty"`
}

type OrderCreatedEvent struct {
	OrderNumber string `json:"order_number"`
	CustomerID  string `json:"customer_id"`
	PartName    string `json:"part_name"`
}

type StatusChangedEvent struct {
	OrderNumber    string    `json:"order_number"`
	CustomerID     string    `json:"customer_id"`
	WinningStoreID string    `json:"winning_store_id,omitempty"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	ActorType      ActorType `json:"actor_type"`
	ActorID        string    `json:"actor_id"`
	Reason         string    `json:"reason,omitempty"`
}

type OfferSubmittedEvent struct {
	OrderNumber string `json:"order_number"`
	CustomerID  string `json:"customer_id"`
	OfferID     string `json:"offer_id"`
	StoreID     string `json:"store_id"`
	TotalMinor  int64  `json:"total_minor"`
	Currency    string `json:"currency"`
}

type OfferAcceptedEvent struct {
	OrderNumber    string `json:"order_number"`
	CustomerID     string `json:"customer_id"`
	OfferID        string `json:"offer_id"`
	WinningStoreID string `json:"winning_store_id"`
}

type DisputeOpenedEvent struct {
	OrderNumber    string `json:"order_number"`
	CustomerID     string `json:"customer_id"`
	WinningStoreID string `json:"winning_store_id,omitempty"`
	DisputeID      string `json:"dispute_id"`
	Reason         string `json:"reason"`
}

func newEvent(kind EventKind, orderID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Version:    EventSchemaVersion,
		OrderID:    orderID,
		OccurredAt: at.UTC(),
	}
}

// NewOrderCreatedEvent формирует событие создания заказа.
func NewOrderCreatedEvent(o Order) Event {
	e := newEvent(EventOrderCreated, o.ID, o.CreatedAt)
	e.OrderCreated = &OrderCreatedEvent{
		OrderNumber: o.OrderNumber,
		CustomerID:  o.CustomerID,
		PartName:    o.Request.PartName,
	}
	return e
}

// NewStatusChangedEvent формирует событие смены статуса по уже обновлённому заказу.
func NewStatusChangedEvent(o Order, from Status, actor Actor, reason string) Event {
	e := newEvent(EventStatusChanged, o.ID, o.UpdatedAt)
	e.StatusChanged = &StatusChangedEvent{
		OrderNumber:    o.OrderNumber,
		CustomerID:     o.CustomerID,
		WinningStoreID: o.WinningStoreID,
		From:           from,
		To:             o.Status,
		ActorType:      actor.Type,
		ActorID:        actor.ID,
		Reason:         reason,
	}
	return e
}

func NewOfferSubmittedEvent(o Order, offer Offer) Event {
	e := newEvent(EventOfferSubmitted, o.ID, offer.CreatedAt)
	e.OfferSubmitted = &OfferSubmittedEvent{
		OrderNumber: o.OrderNumber,
		CustomerID:  o.CustomerID,
		OfferID:     offer.ID,
		StoreID:     offer.StoreID,
		TotalMinor:  offer.Terms.TotalMinor(),
		Currency:    offer.Terms.Currency,
	}
	return e
}

func NewOfferAcceptedEvent(o Order) Event {
	e := newEvent(EventOfferAccepted, o.ID, o.UpdatedAt)
	e.OfferAccepted = &OfferAcceptedEvent{
		OrderNumber:    o.OrderNumber,
		CustomerID:     o.CustomerID,
		OfferID:        o.AcceptedOfferID,
		WinningStoreID: o.WinningStoreID,
	}
	return e
}

// NewDisputeOpenedEvent формирует событие открытия спора по заказу, уже переведённому в DISPUTED.
func NewDisputeOpenedEvent(o Order, d Dispute) Event {
	e := newEvent(EventDisputeOpened, o.ID, d.CreatedAt)
	e.DisputeOpened = &DisputeOpenedEvent{
		OrderNumber:    o.OrderNumber,
		CustomerID:     o.CustomerID,
		WinningStoreID: o.WinningStoreID,
		DisputeID:      d.ID,
		Reason:         d.Reason,
	}
	return e
}

// Validate проверяет согласованность Kind, версии и полезной нагрузки.
func (e Event) Validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("event %s: %w", e.Kind, ErrOrderIDRequired)
	}
	if e.Version <= 0 || e.Version > EventSchemaVersion {
		return fmt.Errorf("event %s: unsupported version %d: %w", e.Kind, e.Version, ErrBadRequest)
	}

	set := 0
	for _, present := range []bool{e.OrderCreated != nil, e.StatusChanged != nil, e.OfferSubmitted != nil, e.OfferAccepted != nil, e.DisputeOpened != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("event %s: expected exactly one payload, got %d: %w", e.Kind, set, ErrBadRequest)
	}

	var ok bool
	switch e.Kind {
	case EventOrderCreated:
		ok = e.OrderCreated != nil
	case EventStatusChanged:
		ok = e.StatusChanged != nil
	case EventOfferSubmitted:
		ok = e.OfferSubmitted != nil
	case EventOfferAccepted:
		ok = e.OfferAccepted != nil
	case EventDisputeOpened:
		ok = e.DisputeOpened != nil
	default:
		return fmt.Errorf("event: unknown kind %q: %w", e.Kind, ErrBadRequest)
	}
	if !ok {
		return fmt.Errorf("event %s: payload does not match kind: %w", e.Kind, ErrBadRequest)
	}
	return nil
}

// ToOutbox сериализует событие в outbox-сообщение.
func (e Event) ToOutbox() (OutboxMessage, error) {
	if err := e.Validate(); err != nil {
		return OutboxMessage{}, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal event %s: %w", e.Kind, err)
	}
	return OutboxMessage{
		ID:            e.ID,
		AggregateType: AggregateOrder,
		AggregateID:   e.OrderID,
		EventType:     string(e.Kind),
		Payload:       payload,
	}, nil
}

// DecodeEvent восстанавливает событие из outbox-сообщения.
func DecodeEvent(msg OutboxMessage) (Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event %s: %w", msg.ID, err)
	}
	if string(e.Kind) != msg.EventType {
		return Event{}, fmt.Errorf("decode event %s: kind %q does not match event type %q: %w",
			msg.ID, e.Kind, msg.EventType, ErrBadRequest)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
