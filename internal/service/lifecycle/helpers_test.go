package lifecycle

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	"github.com/vladislavdragonenkov/bidflow/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine   *Engine
	store    *memory.Store
	audit    *memory.AuditLog
	channels *memory.ChannelRepository
	clock    *fakeClock
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "lifecycle-test")
}

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()

	f := &fixture{
		store:    memory.NewStore(nil),
		audit:    memory.NewAuditLog(),
		channels: memory.NewChannelRepository(),
		clock:    newFakeClock(),
	}

	base := []Option{
		WithLogger(quietLogger()),
		WithClock(f.clock.Now),
		WithChannels(f.channels),
		WithIdempotency(memory.NewIdempotencyRepository(), time.Hour),
	}
	engine, err := NewEngine(f.store, f.audit, memory.NewOrderNumbers(), append(base, options...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) createOrder(t *testing.T, customerID string) domain.Order {
	t.Helper()

	order, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{
		CustomerID: customerID,
		Request: domain.PartRequest{
			VehicleMake:  "Toyota",
			VehicleModel: "Camry",
			VehicleYear:  2019,
			PartName:     "Left headlight",
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (f *fixture) submitOffer(t *testing.T, orderID, storeID string, price int64) domain.Offer {
	t.Helper()

	offer, err := f.engine.SubmitOffer(context.Background(), orderID, storeID, domain.OfferTerms{
		UnitPriceMinor:    price,
		ShippingCostMinor: 1500,
		Currency:          "SAR",
		PartType:          domain.PartTypeOriginal,
		Condition:         domain.ConditionNew,
		DeliveryDays:      3,
	})
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	return offer
}

func (f *fixture) transition(t *testing.T, orderID string, to domain.Status, actor domain.Actor) domain.Order {
	t.Helper()

	order, err := f.engine.RequestTransition(context.Background(), TransitionRequest{
		OrderID: orderID,
		To:      to,
		Actor:   actor,
	})
	if err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
	return order
}

func customer(id string) domain.Actor {
	return domain.Actor{Type: domain.ActorCustomer, ID: id}
}

func vendor(id string) domain.Actor {
	return domain.Actor{Type: domain.ActorVendor, ID: id}
}

var admin = domain.Actor{Type: domain.ActorAdmin, ID: "admin-1", Name: "Support"}

// disputedOrder проводит заказ по счастливому пути до DISPUTED.
func (f *fixture) disputedOrder(t *testing.T) domain.Order {
	t.Helper()

	order := f.createOrder(t, "customer-1")
	offer := f.submitOffer(t, order.ID, "store-1", 10000)
	if _, err := f.engine.AcceptOffer(context.Background(), order.ID, offer.ID, "customer-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.transition(t, order.ID, domain.StatusPreparation, customer("customer-1"))
	f.transition(t, order.ID, domain.StatusShipped, vendor("store-1"))
	if _, err := f.engine.OpenDispute(context.Background(), OpenDisputeRequest{
		OrderID:    order.ID,
		CustomerID: "customer-1",
		Reason:     "wrong part",
	}); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	current, err := f.engine.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatal(err)
	}
	return current
}

func outboxKinds(s *memory.Store) []string {
	var kinds []string
	for _, msg := range s.Outbox().AllPending() {
		kinds = append(kinds, msg.EventType)
	}
	return kinds
}
