package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	"github.com/vladislavdragonenkov/bidflow/internal/policy"
)

// OpenDisputeRequest: обращение клиента в центр урегулирования.
type OpenDisputeRequest struct {
	OrderID     string
	CustomerID  string
	Reason      string
	Description string
	Evidence    []string
}

// OpenDispute переводит заказ в DISPUTED и создаёт запись спора в той же
// транзакции, что аудит и события. Администратор и магазин-победитель
// уведомляются по событию dispute.opened.
func (e *Engine) OpenDispute(ctx context.Context, req OpenDisputeRequest) (domain.Dispute, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "lifecycle.OpenDispute", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
	))
	defer span.End()

	fields := log.Fields{
		"order_id":    req.OrderID,
		"customer_id": req.CustomerID,
	}

	dispute := domain.Dispute{
		ID:          newID(),
		OrderID:     req.OrderID,
		CustomerID:  req.CustomerID,
		Reason:      strings.TrimSpace(req.Reason),
		Description: strings.TrimSpace(req.Description),
		Evidence:    slices.Clone(req.Evidence),
		Status:      domain.DisputeOpen,
	}
	if err := dispute.Validate(); err != nil {
		return domain.Dispute{}, e.fail(span, err, fields)
	}

	actor := domain.Actor{Type: domain.ActorCustomer, ID: req.CustomerID}

	var from domain.Status
	err := e.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		from = current.Status
		if !current.OwnedBy(req.CustomerID) {
			return domain.ErrNotOrderOwner
		}

		if err := e.fsm.Validate(current.Status, domain.StatusDisputed); err != nil {
			return err
		}
		if err := e.guard.Check(policy.Input{Actor: actor, Order: current, From: current.Status, To: domain.StatusDisputed}); err != nil {
			return err
		}

		next := current.Clone()
		next.ApplyStatus(domain.StatusDisputed, e.now())
		saved, err := tx.UpdateOrder(ctx, next)
		if err != nil {
			return err
		}

		dispute.CreatedAt = saved.UpdatedAt
		if err := tx.InsertDispute(ctx, dispute); err != nil {
			return err
		}

		meta := domain.DisputeMeta(domain.DisputeMetadata{
			DisputeID:     dispute.ID,
			EvidenceCount: len(dispute.Evidence),
		})
		if err := e.audit.Append(ctx, tx, auditEntry(saved, domain.AuditActionDisputeOpened, from, actor, dispute.Reason, meta)); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}

		return enqueue(ctx, tx,
			domain.NewStatusChangedEvent(saved, from, actor, dispute.Reason),
			domain.NewDisputeOpenedEvent(saved, dispute),
		)
	})
	if err != nil {
		fields["status_from"] = from
		return domain.Dispute{}, e.fail(span, err, fields)
	}

	e.metrics.RecordTransition(string(from), string(domain.StatusDisputed), string(actor.Type), time.Since(started))
	fields["status_from"] = from
	e.logger.WithFields(fields).WithField("dispute_id", dispute.ID).Info("dispute opened")

	return dispute, nil
}

// ListDisputes возвращает споры заказа в порядке открытия.
func (e *Engine) ListDisputes(ctx context.Context, orderID string) ([]domain.Dispute, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}
	return e.store.ListDisputes(ctx, orderID)
}
