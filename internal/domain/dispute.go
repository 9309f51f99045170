package domain

import (
	"fmt"
	"strings"
	"time"
)

// DisputeStatus — состояние спора в центре урегулирования.
type DisputeStatus string

const DisputeOpen DisputeStatus = "OPEN"

const maxDisputeEvidence = 10

// Dispute — обращение клиента в центр урегулирования. Создаётся вместе с
// переводом заказа в DISPUTED; исход спора фиксируется переходом заказа.
type Dispute struct {
	ID          string
	OrderID     string
	CustomerID  string
	Reason      string
	Description string
	Evidence    []string // ссылки на загруженные клиентом файлы
	Status      DisputeStatus
	CreatedAt   time.Time
}

// Validate проверяет поля, которые заполняет клиент.
func (d Dispute) Validate() error {
	switch {
	case d.OrderID == "":
		return ErrOrderIDRequired
	case d.CustomerID == "":
		return ErrCustomerRequired
	case strings.TrimSpace(d.Reason) == "":
		return ErrDisputeReasonRequired
	case len(d.Evidence) > maxDisputeEvidence:
		return fmt.Errorf("dispute accepts at most %d evidence files: %w", maxDisputeEvidence, ErrBadRequest)
	}
	for _, link := range d.Evidence {
		if strings.TrimSpace(link) == "" {
			return fmt.Errorf("dispute evidence link is empty: %w", ErrBadRequest)
		}
	}
	return nil
}
