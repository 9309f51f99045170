package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

const disputeColumns = `id, order_id, customer_id, reason, description, evidence, status, created_at`

func scanDispute(row rowScanner) (domain.Dispute, error) {
	var (
		d        domain.Dispute
		status   string
		evidence []byte
	)
	if err := row.Scan(&d.ID, &d.OrderID, &d.CustomerID, &d.Reason, &d.Description, &evidence, &status, &d.CreatedAt); err != nil {
		return domain.Dispute{}, fmt.Errorf("scan dispute: %w", err)
	}
	if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
		return domain.Dispute{}, fmt.Errorf("decode evidence of dispute %s: %w", d.ID, err)
	}
	d.Status = domain.DisputeStatus(status)
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func (t *pgTx) InsertDispute(ctx context.Context, d domain.Dispute) error {
	evidence := d.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	encoded, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("encode dispute evidence: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO order_disputes (`+disputeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, d.ID, d.OrderID, d.CustomerID, d.Reason, d.Description, encoded, string(d.Status), d.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("dispute %s already exists: %w", d.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

// ListDisputes возвращает споры заказа в порядке (created_at, id).
func (s *Store) ListDisputes(ctx context.Context, orderID string) ([]domain.Dispute, error) {
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
		SELECT `+disputeColumns+`
		FROM order_disputes
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()

	disputes := make([]domain.Dispute, 0)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disputes: %w", err)
	}
	return disputes, nil
}
