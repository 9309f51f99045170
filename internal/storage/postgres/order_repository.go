package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

const orderColumns = `
	id, order_number, customer_id, status,
	vehicle_make, vehicle_model, vehicle_year, vin,
	part_name, part_description, part_images, condition_pref, warranty_preferred,
	accepted_offer_id, winning_store_id,
	offer_accepted_at, paid_at, shipped_at, delivered_at, completed_at, cancelled_at,
	version, created_at, updated_at`

const offerColumns = `
	id, order_id, store_id,
	unit_price_minor, shipping_cost_minor, currency, weight_kg,
	part_type, condition, has_warranty, warranty_duration,
	delivery_days, notes, image_url, created_at`

const orderNumberConstraint = "orders_order_number_key"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o      domain.Order
		status string
		images []byte
		offerAcceptedAt, paidAt, shippedAt,
		deliveredAt, completedAt, cancelledAt sql.NullTime
	)

	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.CustomerID, &status,
		&o.Request.VehicleMake, &o.Request.VehicleModel, &o.Request.VehicleYear, &o.Request.VIN,
		&o.Request.PartName, &o.Request.PartDescription, &images, &o.Request.ConditionPref, &o.Request.WarrantyPreferred,
		&o.AcceptedOfferID, &o.WinningStoreID,
		&offerAcceptedAt, &paidAt, &shippedAt, &deliveredAt, &completedAt, &cancelledAt,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}

	o.Status = domain.Status(status)
	if len(images) > 0 {
		if err := json.Unmarshal(images, &o.Request.PartImages); err != nil {
			return domain.Order{}, fmt.Errorf("decode part images of %s: %w", o.ID, err)
		}
	}
	if len(o.Request.PartImages) == 0 {
		o.Request.PartImages = nil
	}
	o.OfferAcceptedAt = timePtr(offerAcceptedAt)
	o.PaidAt = timePtr(paidAt)
	o.ShippedAt = timePtr(shippedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()

	return o, nil
}

func scanOffer(row rowScanner) (domain.Offer, error) {
	var (
		o         domain.Offer
		partType  string
		condition string
	)

	err := row.Scan(
		&o.ID, &o.OrderID, &o.StoreID,
		&o.Terms.UnitPriceMinor, &o.Terms.ShippingCostMinor, &o.Terms.Currency, &o.Terms.WeightKg,
		&partType, &condition, &o.Terms.HasWarranty, &o.Terms.WarrantyDuration,
		&o.Terms.DeliveryDays, &o.Terms.Notes, &o.Terms.ImageURL, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Offer{}, domain.ErrOfferNotFound
		}
		return domain.Offer{}, fmt.Errorf("scan offer: %w", err)
	}

	o.Terms.PartType = domain.PartType(partType)
	o.Terms.Condition = domain.PartCondition(condition)
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}

func encodeImages(images []string) ([]byte, error) {
	if images == nil {
		images = []string{}
	}
	raw, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("encode part images: %w", err)
	}
	return raw, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

func (s *Store) ListOffers(ctx context.Context, orderID string) ([]domain.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return nil, domain.ErrOrderNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	offers := make([]domain.Offer, 0)
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offer rows: %w", err)
	}

	return offers, nil
}

func (s *Store) ListExpired(ctx context.Context, q domain.ExpiryQuery) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var column string
	switch q.Field {
	case domain.ExpiryByCreatedAt, "":
		column = "created_at"
	case domain.ExpiryByUpdatedAt:
		column = "updated_at"
	default:
		return nil, fmt.Errorf("unsupported expiry field %q: %w", q.Field, domain.ErrBadRequest)
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		  AND `+column+` < $2
		  AND (`+column+`, id) > ($3, $4)
		ORDER BY `+column+` ASC, id ASC
		LIMIT $5
	`, string(q.Status), q.Before.UTC(), q.AfterAt.UTC(), q.AfterID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list expired orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, q.Limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired orders: %w", err)
	}

	return orders, nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
}

func (t *pgTx) InsertOrder(ctx context.Context, o domain.Order) error {
	images, err := encodeImages(o.Request.PartImages)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`,
		o.ID, o.OrderNumber, o.CustomerID, string(o.Status),
		o.Request.VehicleMake, o.Request.VehicleModel, o.Request.VehicleYear, o.Request.VIN,
		o.Request.PartName, o.Request.PartDescription, images, o.Request.ConditionPref, o.Request.WarrantyPreferred,
		o.AcceptedOfferID, o.WinningStoreID,
		nullTime(o.OfferAcceptedAt), nullTime(o.PaidAt), nullTime(o.ShippedAt),
		nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.Version, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if violatedConstraint(err) == orderNumberConstraint {
				return domain.ErrOrderNumberTaken
			}
			return fmt.Errorf("order %s already exists: %w", o.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	return nil
}

// UpdateOrder сохраняет все изменяемые поля при совпадении версии.
func (t *pgTx) UpdateOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	images, err := encodeImages(o.Request.PartImages)
	if err != nil {
		return domain.Order{}, err
	}

	var version int64
	err = t.tx.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $1,
		    part_images = $2,
		    accepted_offer_id = $3,
		    winning_store_id = $4,
		    offer_accepted_at = $5,
		    paid_at = $6,
		    shipped_at = $7,
		    delivered_at = $8,
		    completed_at = $9,
		    cancelled_at = $10,
		    updated_at = $11,
		    version = version + 1
		WHERE id = $12
		  AND version = $13
		RETURNING version
	`,
		string(o.Status), images,
		o.AcceptedOfferID, o.WinningStoreID,
		nullTime(o.OfferAcceptedAt), nullTime(o.PaidAt), nullTime(o.ShippedAt),
		nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.UpdatedAt.UTC(), o.ID, o.Version,
	).Scan(&version)
	if err == nil {
		o.Version = version
		return o, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("update order: %w", err)
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
		return domain.Order{}, fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return domain.Order{}, domain.ErrOrderVersionConflict
}

func (t *pgTx) GetOffer(ctx context.Context, offerID string) (domain.Offer, error) {
	return scanOffer(t.tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, offerID))
}

func (t *pgTx) InsertOffer(ctx context.Context, o domain.Offer) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		o.ID, o.OrderID, o.StoreID,
		o.Terms.UnitPriceMinor, o.Terms.ShippingCostMinor, o.Terms.Currency, o.Terms.WeightKg,
		string(o.Terms.PartType), string(o.Terms.Condition), o.Terms.HasWarranty, o.Terms.WarrantyDuration,
		o.Terms.DeliveryDays, o.Terms.Notes, o.Terms.ImageURL, o.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if violatedConstraint(err) == "uq_offers_order_store" {
				return domain.ErrDuplicateOffer
			}
			return fmt.Errorf("offer %s already exists: %w", o.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}
