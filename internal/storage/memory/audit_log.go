package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// AuditLog: журнал аудита, записи которого фиксируются вместе с транзакцией Store.
type AuditLog struct {
	mu      sync.RWMutex
	entries map[string][]domain.AuditEntry
}

// NewAuditLog создаёт пустой журнал.
func NewAuditLog() *AuditLog {
	return &AuditLog{entries: make(map[string][]domain.AuditEntry)}
}

// Append ставит запись в очередь фиксации транзакции tx.
func (a *AuditLog) Append(_ context.Context, tx domain.Tx, entry domain.AuditEntry) error {
	mtx, ok := tx.(*memTx)
	if !ok {
		return fmt.Errorf("memory audit log: unsupported tx %T", tx)
	}
	if entry.OrderID == "" {
		return domain.ErrOrderIDRequired
	}

	mtx.stage(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.entries[entry.OrderID] = append(a.entries[entry.OrderID], entry)
	})
	return nil
}

func (a *AuditLog) List(_ context.Context, orderID string) ([]domain.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return append([]domain.AuditEntry(nil), a.entries[orderID]...), nil
}

var _ domain.AuditLogger = (*AuditLog)(nil)
