package memory

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// OrderNumbers выдаёт номера из счётчика процесса.
type OrderNumbers struct {
	seq atomic.Int64
	now func() time.Time
}

func NewOrderNumbers() *OrderNumbers {
	return &OrderNumbers{now: func() time.Time { return time.Now().UTC() }}
}

func (g *OrderNumbers) Next(_ context.Context) (string, error) {
	return domain.FormatOrderNumber(g.now(), g.seq.Add(1)), nil
}

var _ domain.OrderNumberGenerator = (*OrderNumbers)(nil)
