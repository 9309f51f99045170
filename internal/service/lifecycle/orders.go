package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// CreateOrderRequest: запрос клиента на поиск запчасти.
type CreateOrderRequest struct {
	CustomerID string
	Request    domain.PartRequest
	// IdempotencyKey необязателен; повтор с тем же ключом и телом возвращает тот же заказ.
	IdempotencyKey string
}

func (r CreateOrderRequest) validate() error {
	if strings.TrimSpace(r.CustomerID) == "" {
		return domain.ErrCustomerRequired
	}
	if strings.TrimSpace(r.Request.PartName) == "" {
		return domain.ErrPartNameRequired
	}
	return nil
}

// CreateOrder создаёт заказ в статусе AWAITING_OFFERS вместе с записью аудита CREATE
// и событием order.created.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle.CreateOrder", trace.WithAttributes(
		attribute.String("customer.id", req.CustomerID),
	))
	defer span.End()

	fields := log.Fields{"customer_id": req.CustomerID}
	if err := req.validate(); err != nil {
		return domain.Order{}, e.fail(span, err, fields)
	}

	var (
		order domain.Order
		err   error
	)
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" && e.idempotency != nil {
		order, err = withIdempotency(ctx, e, key, createOrderHash(req), func(ctx context.Context) (domain.Order, error) {
			return e.createOrder(ctx, req)
		})
	} else {
		order, err = e.createOrder(ctx, req)
	}
	if err != nil {
		return domain.Order{}, e.fail(span, err, fields)
	}
	return order, nil
}

func (e *Engine) createOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	number, err := e.numbers.Next(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("allocate order number: %w", err)
	}

	now := e.now()
	order := domain.Order{
		ID:          newID(),
		OrderNumber: number,
		CustomerID:  strings.TrimSpace(req.CustomerID),
		Status:      domain.StatusAwaitingOffers,
		Request:     req.Request,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	order = order.Clone()

	actor := domain.Actor{Type: domain.ActorCustomer, ID: order.CustomerID}
	meta := domain.CreationMeta(domain.CreationMetadata{
		OrderNumber: order.OrderNumber,
		Vehicle:     vehicleLabel(order.Request),
		PartName:    order.Request.PartName,
	})

	err = e.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := e.audit.Append(ctx, tx, auditEntry(order, domain.AuditActionCreate, "", actor, "", meta)); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		return enqueue(ctx, tx, domain.NewOrderCreatedEvent(order))
	})
	if err != nil {
		return domain.Order{}, err
	}

	e.metrics.RecordOrderCreated()
	e.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"customer_id":  order.CustomerID,
	}).Info("order created")

	return order, nil
}

func createOrderHash(req CreateOrderRequest) string {
	body, err := json.Marshal(req.Request)
	if err != nil {
		body = []byte(req.Request.PartName)
	}
	return domain.HashRequest("CreateOrder", req.CustomerID, string(body))
}

func vehicleLabel(r domain.PartRequest) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.VehicleMake, r.VehicleModel} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if r.VehicleYear > 0 {
		parts = append(parts, strconv.Itoa(r.VehicleYear))
	}
	return strings.Join(parts, " ")
}

func newID() string {
	return uuid.NewString()
}
