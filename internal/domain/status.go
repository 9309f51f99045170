package domain

// Status описывает жизненный цикл заказа на маркетплейсе.
type Status string

const (
	// StatusAwaitingOffers — заказ создан, магазины присылают предложения.
	StatusAwaitingOffers Status = "AWAITING_OFFERS"
	// StatusAwaitingPayment — клиент принял предложение, ожидается оплата.
	StatusAwaitingPayment Status = "AWAITING_PAYMENT"
	// StatusPreparation — оплата получена, магазин готовит отправку.
	StatusPreparation Status = "PREPARATION"
	StatusShipped     Status = "SHIPPED"
	StatusDelivered   Status = "DELIVERED"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
	StatusReturned    Status = "RETURNED"
	StatusDisputed    Status = "DISPUTED"
	StatusRefunded    Status = "REFUNDED"

	StatusReturnRequested Status = "RETURN_REQUESTED"
	StatusReturnApproved  Status = "RETURN_APPROVED"
	StatusResolved        Status = "RESOLVED"
)

var allStatuses = []Status{
	StatusAwaitingOffers,
	StatusAwaitingPayment,
	StatusPreparation,
	StatusShipped,
	StatusDelivered,
	StatusCompleted,
	StatusCancelled,
	StatusReturned,
	StatusDisputed,
	StatusRefunded,
	StatusReturnRequested,
	StatusReturnApproved,
	StatusResolved,
}

// AllStatuses возвращает копию полного перечисления статусов.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// Valid проверяет, что статус относится к перечислению.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus разбирает строку в Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", ErrUnknownStatus
	}
	return s, nil
}

// HoldsAcceptedOffer сообщает, должен ли заказ в этом статусе ссылаться на принятое предложение.
func (s Status) HoldsAcceptedOffer() bool {
	switch s {
	case StatusAwaitingPayment, StatusPreparation, StatusShipped, StatusDelivered,
		StatusCompleted, StatusReturned, StatusDisputed, StatusRefunded:
		return true
	default:
		return false
	}
}

// ActorType — класс инициатора действия.
type ActorType string

const (
	ActorCustomer ActorType = "CUSTOMER"
	ActorVendor   ActorType = "VENDOR"
	ActorAdmin    ActorType = "ADMIN"
	ActorSystem   ActorType = "SYSTEM"
)

// Valid проверяет тип инициатора.
func (a ActorType) Valid() bool {
	switch a {
	case ActorCustomer, ActorVendor, ActorAdmin, ActorSystem:
		return true
	default:
		return false
	}
}

// Actor идентифицирует, кто инициировал переход.
type Actor struct {
	Type ActorType
	ID   string
	Name string
}

// SystemScheduler — инициатор автоматических переходов по таймеру.
var SystemScheduler = Actor{
	Type: ActorSystem,
	ID:   "system-scheduler",
	Name: "System Scheduler",
}

// Validate проверяет заполненность инициатора.
func (a Actor) Validate() error {
	if !a.Type.Valid() || a.ID == "" {
		return ErrActorRequired
	}
	return nil
}
