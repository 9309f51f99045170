package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

type channelRepository struct {
	db *sql.DB
}

// NewChannelRepository создаёт PostgreSQL-реализацию ChannelRepository.
func NewChannelRepository(store *Store) domain.ChannelRepository {
	return &channelRepository{db: store.DB()}
}

const channelColumns = `id, order_id, customer_id, vendor_id, status, expires_at, created_at, updated_at`

func scanChannel(row rowScanner) (domain.Channel, error) {
	var (
		ch        domain.Channel
		status    string
		expiresAt sql.NullTime
	)
	if err := row.Scan(&ch.ID, &ch.OrderID, &ch.CustomerID, &ch.VendorID, &status, &expiresAt, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return domain.Channel{}, err
	}
	ch.Status = domain.ChannelStatus(status)
	ch.ExpiresAt = timePtr(expiresAt)
	ch.CreatedAt = ch.CreatedAt.UTC()
	ch.UpdatedAt = ch.UpdatedAt.UTC()
	return ch, nil
}

// OpenOrGet вставляет канал. Существующий OPEN-канал переводится в переданный
// статус, если тот уже не OPEN; прочие возвращаются как есть.
func (r *channelRepository) OpenOrGet(ctx context.Context, ch domain.Channel) (domain.Channel, error) {
	if ch.OrderID == "" {
		return domain.Channel{}, domain.ErrOrderIDRequired
	}
	if ch.VendorID == "" {
		return domain.Channel{}, domain.ErrStoreRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO order_channels (`+channelColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (order_id, vendor_id) DO UPDATE
		SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
		WHERE order_channels.status = 'OPEN' AND EXCLUDED.status <> 'OPEN'
	`, ch.ID, ch.OrderID, ch.CustomerID, ch.VendorID, string(ch.Status), nullTime(ch.ExpiresAt), now); err != nil {
		return domain.Channel{}, fmt.Errorf("insert channel: %w", err)
	}

	stored, err := scanChannel(r.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+`
		FROM order_channels
		WHERE order_id = $1 AND vendor_id = $2
	`, ch.OrderID, ch.VendorID))
	if err != nil {
		return domain.Channel{}, fmt.Errorf("select channel: %w", err)
	}
	return stored, nil
}

func (r *channelRepository) CloseCompetingChannels(ctx context.Context, orderID, winningPartyID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE order_channels
		SET status = $1,
		    updated_at = $2
		WHERE order_id = $3
		  AND vendor_id <> $4
		  AND status = $5
	`, string(domain.ChannelClosed), time.Now().UTC(), orderID, winningPartyID, string(domain.ChannelOpen))
	if err != nil {
		return 0, fmt.Errorf("close competing channels: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("channel rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *channelRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+channelColumns+`
		FROM order_channels
		WHERE order_id = $1
		ORDER BY created_at ASC, vendor_id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	channels := make([]domain.Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

var _ domain.ChannelRepository = (*channelRepository)(nil)
