package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// ChannelRepository: in-memory хранилище каналов общения по заказам.
type ChannelRepository struct {
	mu       sync.Mutex
	channels map[string]domain.Channel
	now      func() time.Time
}

func NewChannelRepository() *ChannelRepository {
	return &ChannelRepository{
		channels: make(map[string]domain.Channel),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OpenOrGet создаёт канал или возвращает существующий для пары (заказ, магазин).
func (r *ChannelRepository) OpenOrGet(_ context.Context, ch domain.Channel) (domain.Channel, error) {
	if ch.OrderID == "" {
		return domain.Channel{}, domain.ErrOrderIDRequired
	}
	if ch.VendorID == "" {
		return domain.Channel{}, domain.ErrStoreRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := bidKey(ch.OrderID, ch.VendorID)
	if existing, ok := r.channels[key]; ok {
		// Открытый канал догоняет вычисленный статус (окно торгов истекло,
		// победил другой магазин); закрытые и истёкшие не переоткрываются.
		if existing.Status == domain.ChannelOpen && ch.Status != "" && ch.Status != domain.ChannelOpen {
			existing.Status = ch.Status
			existing.ExpiresAt = ch.ExpiresAt
			existing.UpdatedAt = now
			r.channels[key] = existing
		}
		return existing, nil
	}

	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.CreatedAt = now
	ch.UpdatedAt = now
	r.channels[key] = ch
	return ch, nil
}

// CloseCompetingChannels закрывает открытые каналы всех магазинов, кроме победителя.
func (r *ChannelRepository) CloseCompetingChannels(_ context.Context, orderID, winningPartyID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	closed := 0
	for key, ch := range r.channels {
		if ch.OrderID != orderID || ch.VendorID == winningPartyID || ch.Status != domain.ChannelOpen {
			continue
		}
		ch.Status = domain.ChannelClosed
		ch.UpdatedAt = now
		r.channels[key] = ch
		closed++
	}
	return closed, nil
}

func (r *ChannelRepository) ListByOrder(_ context.Context, orderID string) ([]domain.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Channel, 0)
	for _, ch := range r.channels {
		if ch.OrderID == orderID {
			result = append(result, ch)
		}
	}
	slices.SortFunc(result, func(a, b domain.Channel) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.VendorID < b.VendorID {
			return -1
		}
		if a.VendorID > b.VendorID {
			return 1
		}
		return 0
	})
	return result, nil
}

var _ domain.ChannelRepository = (*ChannelRepository)(nil)
