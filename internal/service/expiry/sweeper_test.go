package expiry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	"github.com/vladislavdragonenkov/bidflow/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/bidflow/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	store  *memory.Store
	audit  *memory.AuditLog
	engine *lifecycle.Engine
	clock  *clock
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "expiry-test")
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		store: memory.NewStore(nil),
		audit: memory.NewAuditLog(),
		clock: &clock{now: time.Now().UTC().Truncate(time.Second)},
	}
	engine, err := lifecycle.NewEngine(e.store, e.audit, memory.NewOrderNumbers(),
		lifecycle.WithLogger(quietLogger()),
		lifecycle.WithClock(e.clock.Now),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.engine = engine
	return e
}

func (e *env) sweeper(options ...Option) *Sweeper {
	base := []Option{WithLogger(quietLogger()), WithClock(e.clock.Now)}
	return NewSweeper(e.store, e.engine, append(base, options...)...)
}

func (e *env) createOrder(t *testing.T) domain.Order {
	t.Helper()

	order, err := e.engine.CreateOrder(context.Background(), lifecycle.CreateOrderRequest{
		CustomerID: "customer-1",
		Request: domain.PartRequest{
			VehicleMake:  "Nissan",
			VehicleModel: "Patrol",
			VehicleYear:  2021,
			PartName:     "Radiator",
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (e *env) systemEntries(t *testing.T, orderID string) []domain.AuditEntry {
	t.Helper()

	entries, err := e.engine.ListAuditTrail(context.Background(), orderID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var system []domain.AuditEntry
	for _, entry := range entries {
		if entry.ActorType == domain.ActorSystem {
			system = append(system, entry)
		}
	}
	return system
}

func TestSweeper_CancelsOrderAfterBiddingWindow(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	order := e.createOrder(t)
	e.clock.Advance(25 * time.Hour)

	res := e.sweeper().Sweep(context.Background())
	if res.Expired[RuleBidding] != 1 || res.Failed[RuleBidding] != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	got, err := e.engine.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}

	system := e.systemEntries(t, order.ID)
	if len(system) != 1 {
		t.Fatalf("expected exactly one SYSTEM audit entry, got %d", len(system))
	}
	entry := system[0]
	if entry.ActorID != domain.SystemScheduler.ID || entry.Reason != ReasonBiddingExpired {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if entry.PreviousState != domain.StatusAwaitingOffers || entry.NewState != domain.StatusCancelled {
		t.Fatalf("unexpected edge %s -> %s", entry.PreviousState, entry.NewState)
	}
	if entry.Metadata.Expiry == nil || entry.Metadata.Expiry.Rule != RuleBidding {
		t.Fatalf("expiry metadata missing: %+v", entry.Metadata)
	}
	if want := order.CreatedAt.Add(24 * time.Hour); !entry.Metadata.Expiry.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", entry.Metadata.Expiry.Deadline, want)
	}

	// Повторный прогон не трогает уже отменённый заказ.
	again := e.sweeper().Sweep(context.Background())
	if again.Expired[RuleBidding] != 0 {
		t.Fatalf("second sweep expired %d orders", again.Expired[RuleBidding])
	}
	if len(e.systemEntries(t, order.ID)) != 1 {
		t.Fatal("second sweep wrote another audit entry")
	}
}

func TestSweeper_LeavesFreshOrders(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	order := e.createOrder(t)
	e.clock.Advance(23 * time.Hour)

	res := e.sweeper().Sweep(context.Background())
	if res.Expired[RuleBidding] != 0 {
		t.Fatalf("fresh order expired: %+v", res)
	}
	got, _ := e.engine.GetOrder(context.Background(), order.ID)
	if got.Status != domain.StatusAwaitingOffers {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestSweeper_CancelsUnpaidOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	order := e.createOrder(t)

	offer, err := e.engine.SubmitOffer(ctx, order.ID, "store-1", domain.OfferTerms{
		UnitPriceMinor: 42000,
		Currency:       "SAR",
		PartType:       domain.PartTypeOriginal,
		Condition:      domain.ConditionNew,
		DeliveryDays:   2,
	})
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	e.clock.Advance(time.Hour)
	if _, err := e.engine.AcceptOffer(ctx, order.ID, offer.ID, "customer-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Окно торгов уже прошло, но заказ ждёт оплаты и отсчёт идёт от принятия.
	e.clock.Advance(23*time.Hour + 30*time.Minute)
	if res := e.sweeper().Sweep(ctx); res.Expired[RulePayment] != 0 || res.Expired[RuleBidding] != 0 {
		t.Fatalf("order expired too early: %+v", res)
	}

	e.clock.Advance(time.Hour)
	res := e.sweeper().Sweep(ctx)
	if res.Expired[RulePayment] != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	system := e.systemEntries(t, order.ID)
	if len(system) != 1 || system[0].Reason != ReasonPaymentExpired || system[0].PreviousState != domain.StatusAwaitingPayment {
		t.Fatalf("unexpected system entries %+v", system)
	}
}

// acceptingStore имитирует клиента, который принимает предложение сразу после
// того, как sweeper прочитал страницу просроченных заказов.
type acceptingStore struct {
	*memory.Store
	accept func()
	once   sync.Once
}

func (s *acceptingStore) ListExpired(ctx context.Context, q domain.ExpiryQuery) ([]domain.Order, error) {
	page, err := s.Store.ListExpired(ctx, q)
	if err == nil && q.Status == domain.StatusAwaitingOffers && len(page) > 0 {
		s.once.Do(s.accept)
	}
	return page, err
}

func TestSweeper_DoesNotCancelOrderAcceptedAfterScan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	order := e.createOrder(t)
	offer, err := e.engine.SubmitOffer(ctx, order.ID, "store-1", domain.OfferTerms{
		UnitPriceMinor: 18000,
		Currency:       "SAR",
		PartType:       domain.PartTypeAftermarket,
		Condition:      domain.ConditionNew,
		DeliveryDays:   1,
	})
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	e.clock.Advance(25 * time.Hour)

	store := &acceptingStore{Store: e.store, accept: func() {
		if _, err := e.engine.AcceptOffer(ctx, order.ID, offer.ID, "customer-1"); err != nil {
			t.Errorf("accept between scan and transition: %v", err)
		}
	}}
	s := NewSweeper(store, e.engine, WithLogger(quietLogger()), WithClock(e.clock.Now))

	res := s.Sweep(ctx)
	if res.Expired[RuleBidding] != 0 || res.Failed[RuleBidding] != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	got, err := e.engine.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusAwaitingPayment || got.AcceptedOfferID != offer.ID {
		t.Fatalf("accepted order was overwritten: %s (offer %q)", got.Status, got.AcceptedOfferID)
	}
	if system := e.systemEntries(t, order.ID); len(system) != 0 {
		t.Fatalf("sweeper wrote audit entries for accepted order: %+v", system)
	}

	trail, err := e.engine.ListAuditTrail(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last := trail[len(trail)-1]; last.Action != domain.AuditActionOfferAccepted {
		t.Fatalf("last audit action = %s, want %s", last.Action, domain.AuditActionOfferAccepted)
	}
}

func TestSweeper_PagesThroughAllCandidates(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	const orders = 7
	for i := 0; i < orders; i++ {
		e.createOrder(t)
	}
	e.clock.Advance(48 * time.Hour)

	res := e.sweeper(WithBatchSize(2)).Sweep(context.Background())
	if res.Expired[RuleBidding] != orders {
		t.Fatalf("expired = %d, want %d", res.Expired[RuleBidding], orders)
	}
}

func TestSweeper_IsolatesPerOrderFailures(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	first := e.createOrder(t)
	second := e.createOrder(t)
	third := e.createOrder(t)
	e.clock.Advance(25 * time.Hour)

	flaky := &flakyTransitioner{next: e.engine, failFor: second.ID}
	s := NewSweeper(e.store, flaky, WithLogger(quietLogger()), WithClock(e.clock.Now), WithBatchSize(1))

	res := s.Sweep(context.Background())
	if res.Expired[RuleBidding] != 2 || res.Failed[RuleBidding] != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	for id, want := range map[string]domain.Status{
		first.ID:  domain.StatusCancelled,
		second.ID: domain.StatusAwaitingOffers,
		third.ID:  domain.StatusCancelled,
	} {
		got, _ := e.engine.GetOrder(context.Background(), id)
		if got.Status != want {
			t.Fatalf("%s: status %s, want %s", id, got.Status, want)
		}
	}
}

func TestSweeper_SkipsWithoutLease(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	order := e.createOrder(t)
	e.clock.Advance(25 * time.Hour)

	res := e.sweeper(WithLocker(denyLocker{})).Sweep(context.Background())
	if !res.Skipped {
		t.Fatal("expected skipped run")
	}
	got, _ := e.engine.GetOrder(context.Background(), order.ID)
	if got.Status != domain.StatusAwaitingOffers {
		t.Fatalf("order changed without lease: %s", got.Status)
	}
}

func TestSweeper_LeaseErrorSkipsRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	res := e.sweeper(WithLocker(denyLocker{err: errors.New("redis down")})).Sweep(context.Background())
	if !res.Skipped {
		t.Fatal("expected skipped run on lease error")
	}
}

func TestSweeper_SkipsOverlappingRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	s := e.sweeper()

	s.running.Lock()
	res := s.Sweep(context.Background())
	s.running.Unlock()

	if !res.Skipped {
		t.Fatal("overlapping run must be skipped")
	}
}

func TestSweeper_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	s := e.sweeper(WithInterval(5 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}

type flakyTransitioner struct {
	next    Transitioner
	failFor string
}

func (f *flakyTransitioner) RequestTransition(ctx context.Context, req lifecycle.TransitionRequest) (domain.Order, error) {
	if req.OrderID == f.failFor {
		return domain.Order{}, fmt.Errorf("store unavailable for %s", req.OrderID)
	}
	return f.next.RequestTransition(ctx, req)
}

type denyLocker struct {
	err error
}

func (l denyLocker) TryAcquire(context.Context, string, time.Duration) (domain.ReleaseFunc, bool, error) {
	return nil, false, l.err
}
