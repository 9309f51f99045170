package domain

import (
	"strings"
	"time"
)

// PartRequest — описание запрашиваемой запчасти и автомобиля.
type PartRequest struct {
	VehicleMake       string
	VehicleModel      string
	VehicleYear       int
	VIN               string
	PartName          string
	PartDescription   string
	PartImages        []string
	ConditionPref     string
	WarrantyPreferred bool
}

// Order агрегирует состояние заказа клиента.
type Order struct {
	ID          string
	OrderNumber string
	CustomerID  string
	Status      Status
	Request     PartRequest

	// AcceptedOfferID заполнен тогда и только тогда, когда Status.HoldsAcceptedOffer().
	AcceptedOfferID string
	WinningStoreID  string

	OfferAcceptedAt *time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.CustomerID) == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if strings.TrimSpace(o.Request.PartName) == "" {
		errs = append(errs, ErrPartNameRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrUnknownStatus)
	}
	if o.Status.HoldsAcceptedOffer() != (o.AcceptedOfferID != "") {
		errs = append(errs, ErrOfferTermsInvalid)
	}

	return errs
}

// OwnedBy сообщает, принадлежит ли заказ клиенту.
func (o *Order) OwnedBy(customerID string) bool {
	return customerID != "" && o.CustomerID == customerID
}

// ApplyStatus переводит заказ в статус to и проставляет производные отметки времени.
// Легальность перехода проверяет вызывающий код.
func (o *Order) ApplyStatus(to Status, now time.Time) {
	o.Status = to
	o.UpdatedAt = now

	ts := now
	switch to {
	case StatusAwaitingPayment:
		o.OfferAcceptedAt = &ts
	case StatusPreparation:
		o.PaidAt = &ts
	case StatusShipped:
		o.ShippedAt = &ts
	case StatusDelivered:
		o.DeliveredAt = &ts
	case StatusCompleted:
		o.CompletedAt = &ts
	case StatusCancelled:
		o.CancelledAt = &ts
	}

	if !to.HoldsAcceptedOffer() {
		o.AcceptedOfferID = ""
		o.WinningStoreID = ""
	}
}

// BiddingOpen сообщает, принимает ли заказ предложения в момент now.
func (o *Order) BiddingOpen(now time.Time, window time.Duration) error {
	if o.Status != StatusAwaitingOffers {
		return ErrBiddingClosed
	}
	if now.Sub(o.CreatedAt) >= window {
		return ErrBiddingExpired
	}
	return nil
}

// Clone возвращает копию заказа без разделяемых ссылок.
func (o Order) Clone() Order {
	o.Request.PartImages = append([]string(nil), o.Request.PartImages...)
	o.OfferAcceptedAt = cloneTime(o.OfferAcceptedAt)
	o.PaidAt = cloneTime(o.PaidAt)
	o.ShippedAt = cloneTime(o.ShippedAt)
	o.DeliveredAt = cloneTime(o.DeliveredAt)
	o.CompletedAt = cloneTime(o.CompletedAt)
	o.CancelledAt = cloneTime(o.CancelledAt)
	return o
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
