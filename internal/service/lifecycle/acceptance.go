package lifecycle

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	"github.com/vladislavdragonenkov/bidflow/internal/policy"
)

// AcceptOffer связывает заказ с выбранным предложением и переводит его в
// AWAITING_PAYMENT. Закрытие каналов проигравших магазинов и уведомления
// выполняются после фиксации по событию offer.accepted.
func (e *Engine) AcceptOffer(ctx context.Context, orderID, offerID, customerID string) (domain.Order, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "lifecycle.AcceptOffer", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("offer.id", offerID),
	))
	defer span.End()

	fields := log.Fields{
		"order_id":    orderID,
		"offer_id":    offerID,
		"customer_id": customerID,
	}

	switch {
	case orderID == "":
		return domain.Order{}, e.fail(span, domain.ErrOrderIDRequired, fields)
	case customerID == "":
		return domain.Order{}, e.fail(span, domain.ErrCustomerRequired, fields)
	case offerID == "":
		return domain.Order{}, e.fail(span, fmt.Errorf("offer_id is required: %w", domain.ErrBadRequest), fields)
	}

	actor := domain.Actor{Type: domain.ActorCustomer, ID: customerID}

	var saved domain.Order
	err := e.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !current.OwnedBy(customerID) {
			return domain.ErrNotOrderOwner
		}

		offer, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.OrderID != current.ID {
			return domain.ErrOfferOrderMismatch
		}

		if err := e.fsm.Validate(current.Status, domain.StatusAwaitingPayment); err != nil {
			return err
		}
		if err := e.guard.Check(policy.Input{Actor: actor, Order: current, From: current.Status, To: domain.StatusAwaitingPayment}); err != nil {
			return err
		}

		next := current.Clone()
		next.ApplyStatus(domain.StatusAwaitingPayment, e.now())
		next.AcceptedOfferID = offer.ID
		next.WinningStoreID = offer.StoreID

		saved, err = tx.UpdateOrder(ctx, next)
		if err != nil {
			return err
		}

		meta := domain.AcceptanceMeta(domain.AcceptanceMetadata{
			OfferID:    offer.ID,
			StoreID:    offer.StoreID,
			TotalMinor: offer.Terms.TotalMinor(),
			Currency:   offer.Terms.Currency,
		})
		if err := e.audit.Append(ctx, tx, auditEntry(saved, domain.AuditActionOfferAccepted, current.Status, actor, "", meta)); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}

		return enqueue(ctx, tx,
			domain.NewStatusChangedEvent(saved, current.Status, actor, ""),
			domain.NewOfferAcceptedEvent(saved),
		)
	})
	if err != nil {
		return domain.Order{}, e.fail(span, err, fields)
	}

	e.metrics.RecordOfferAccepted()
	e.metrics.RecordTransition(string(domain.StatusAwaitingOffers), string(saved.Status), string(actor.Type), time.Since(started))
	e.logger.WithFields(fields).WithField("store_id", saved.WinningStoreID).Info("offer accepted")

	return saved, nil
}
