package domain

import "time"

// ChannelStatus — состояние канала общения клиента с магазином.
type ChannelStatus string

const (
	ChannelOpen    ChannelStatus = "OPEN"
	ChannelClosed  ChannelStatus = "CLOSED"
	ChannelExpired ChannelStatus = "EXPIRED"
)

// Channel — переписка по заказу между клиентом и одним магазином.
type Channel struct {
	ID         string
	OrderID    string
	CustomerID string
	VendorID   string
	Status     ChannelStatus
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InitialChannelStatus определяет статус нового канала для магазина vendorID.
// Канал проигравшего магазина сразу закрыт, канал без принятого предложения
// после окончания окна торгов создаётся истёкшим.
func InitialChannelStatus(o Order, vendorID string, now time.Time, window time.Duration) (ChannelStatus, *time.Time) {
	if o.AcceptedOfferID != "" && o.WinningStoreID != vendorID {
		return ChannelClosed, nil
	}
	if o.AcceptedOfferID == "" && now.Sub(o.CreatedAt) > window {
		return ChannelExpired, nil
	}
	expires := o.CreatedAt.Add(window)
	return ChannelOpen, &expires
}
