package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// OrderNumbers выдаёт номера заказов из последовательности order_number_seq.
type OrderNumbers struct {
	db  *sql.DB
	now func() time.Time
}

func NewOrderNumbers(store *Store) *OrderNumbers {
	return &OrderNumbers{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

func (g *OrderNumbers) Next(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var seq int64
	if err := g.db.QueryRowContext(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return domain.FormatOrderNumber(g.now(), seq), nil
}

var _ domain.OrderNumberGenerator = (*OrderNumbers)(nil)
