package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// dayCounterTTL держит счётчик дня чуть дольше суток на случай сдвига часов.
const dayCounterTTL = 48 * time.Hour

// OrderNumbers выдаёт номера заказов из суточного счётчика INCR.
type OrderNumbers struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewOrderNumbers(client redis.UniversalClient, prefix string) *OrderNumbers {
	return &OrderNumbers{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *OrderNumbers) Next(ctx context.Context) (string, error) {
	day := g.now()
	counterKey := buildKey(g.prefix, "order-seq", day.Format("20060102"))

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var incr *redis.IntCmd
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, counterKey)
		pipe.Expire(ctx, counterKey, dayCounterTTL)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}

	return domain.FormatOrderNumber(day, incr.Val()), nil
}

var _ domain.OrderNumberGenerator = (*OrderNumbers)(nil)
