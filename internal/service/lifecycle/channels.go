package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

var errChannelsDisabled = errors.New("lifecycle engine: channel repository is not configured")

// OpenChannel открывает канал общения клиента с магазином или возвращает существующий.
// Статус нового канала зависит от того, принято ли предложение и не истекли ли торги.
func (e *Engine) OpenChannel(ctx context.Context, orderID, vendorID string) (domain.Channel, error) {
	if e.channels == nil {
		return domain.Channel{}, errChannelsDisabled
	}
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return domain.Channel{}, domain.ErrStoreRequired
	}

	order, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Channel{}, err
	}

	status, expiresAt := domain.InitialChannelStatus(order, vendorID, e.now(), e.biddingWindow)
	return e.channels.OpenOrGet(ctx, domain.Channel{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		VendorID:   vendorID,
		Status:     status,
		ExpiresAt:  expiresAt,
	})
}

// ListChannels возвращает каналы общения по заказу.
func (e *Engine) ListChannels(ctx context.Context, orderID string) ([]domain.Channel, error) {
	if e.channels == nil {
		return nil, errChannelsDisabled
	}
	return e.channels.ListByOrder(ctx, orderID)
}
