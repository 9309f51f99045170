package lifecycle

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// SubmitOffer регистрирует предложение магазина. Предложения принимаются только
// в статусе AWAITING_OFFERS и только в течение окна торгов; магазин может сделать
// одно предложение на заказ.
func (e *Engine) SubmitOffer(ctx context.Context, orderID, storeID string, terms domain.OfferTerms) (domain.Offer, error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle.SubmitOffer", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("store.id", storeID),
	))
	defer span.End()

	fields := log.Fields{"order_id": orderID, "store_id": storeID}

	storeID = strings.TrimSpace(storeID)
	switch {
	case orderID == "":
		return domain.Offer{}, e.fail(span, domain.ErrOrderIDRequired, fields)
	case storeID == "":
		return domain.Offer{}, e.fail(span, domain.ErrStoreRequired, fields)
	}

	var offer domain.Offer
	err := e.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		now := e.now()
		if err := order.BiddingOpen(now, e.biddingWindow); err != nil {
			return err
		}
		if err := terms.Validate(); err != nil {
			return err
		}

		offer = domain.Offer{
			ID:        newID(),
			OrderID:   order.ID,
			StoreID:   storeID,
			Terms:     terms,
			CreatedAt: now,
		}
		if err := tx.InsertOffer(ctx, offer); err != nil {
			return err
		}
		return enqueue(ctx, tx, domain.NewOfferSubmittedEvent(order, offer))
	})
	if err != nil {
		return domain.Offer{}, e.fail(span, err, fields)
	}

	e.metrics.RecordOfferSubmitted()
	e.logger.WithFields(fields).WithField("offer_id", offer.ID).Info("offer submitted")

	return offer, nil
}

// ListOffers возвращает предложения по заказу в порядке поступления.
func (e *Engine) ListOffers(ctx context.Context, orderID string) ([]domain.Offer, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}
	return e.store.ListOffers(ctx, orderID)
}
