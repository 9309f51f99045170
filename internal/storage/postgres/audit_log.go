package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// AuditLog: журнал аудита в таблице audit_log. Метаданные хранятся в jsonb.
type AuditLog struct {
	db *sql.DB
}

func NewAuditLog(store *Store) *AuditLog {
	return &AuditLog{db: store.DB()}
}

// Append пишет запись через ту же транзакцию, что и изменение заказа.
func (a *AuditLog) Append(ctx context.Context, tx domain.Tx, entry domain.AuditEntry) error {
	sqlTx, err := unwrapTx(tx)
	if err != nil {
		return err
	}
	if entry.OrderID == "" {
		return domain.ErrOrderIDRequired
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var metadata []byte
	if !entry.Metadata.IsZero() {
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
	}

	if _, err := sqlTx.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, entity_type, order_id, action, actor_type, actor_id, actor_name,
			previous_state, new_state, reason, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		entry.ID, domain.AuditEntityOrder, entry.OrderID, string(entry.Action),
		string(entry.ActorType), entry.ActorID, entry.ActorName,
		string(entry.PreviousState), string(entry.NewState), entry.Reason,
		metadata, entry.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return nil
}

// List возвращает записи в порядке фиксации.
func (a *AuditLog) List(ctx context.Context, orderID string) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, order_id, action, actor_type, actor_id, actor_name,
		       previous_state, new_state, reason, metadata, created_at
		FROM audit_log
		WHERE order_id = $1
		ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry                                 domain.AuditEntry
			action, actorType, previous, newState string
			metadata                              []byte
		)
		if err := rows.Scan(
			&entry.ID, &entry.OrderID, &action, &actorType, &entry.ActorID, &entry.ActorName,
			&previous, &newState, &entry.Reason, &metadata, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		entry.Action = domain.AuditAction(action)
		entry.ActorType = domain.ActorType(actorType)
		entry.PreviousState = domain.Status(previous)
		entry.NewState = domain.Status(newState)
		entry.Timestamp = entry.Timestamp.UTC()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	return entries, nil
}

var _ domain.AuditLogger = (*AuditLog)(nil)
