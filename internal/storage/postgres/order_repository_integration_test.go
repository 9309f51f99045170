package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

func TestStore_PostgresInsertLockUpdate(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	order := sampleOrder("order-1", "ORD-20260101-000001", now)
	order.Request.PartImages = []string{"https://cdn.example/a.jpg"}

	if err := store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertOrder(ctx, order)
	}); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Request.VehicleMake != "Toyota" || len(got.Request.PartImages) != 1 || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected order payload: %+v", got)
	}

	accepted := now.Add(time.Minute)
	err = store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		current.Status = domain.StatusAwaitingPayment
		current.AcceptedOfferID = "offer-1"
		current.WinningStoreID = "store-1"
		current.OfferAcceptedAt = &accepted
		current.UpdatedAt = accepted
		_, err = tx.UpdateOrder(ctx, current)
		return err
	})
	if err != nil {
		t.Fatalf("update order: %v", err)
	}

	updated, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get updated order: %v", err)
	}
	if updated.Version != 1 || updated.Status != domain.StatusAwaitingPayment || updated.WinningStoreID != "store-1" {
		t.Fatalf("unexpected order after update: %+v", updated)
	}
	if updated.OfferAcceptedAt == nil || !updated.OfferAcceptedAt.Equal(accepted) {
		t.Fatalf("offer accepted at lost: %v", updated.OfferAcceptedAt)
	}
}

func TestStore_PostgresErrors(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)

	if _, err := store.GetOrder(ctx, "missing-order"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	insert := func(o domain.Order) error {
		return store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			return tx.InsertOrder(ctx, o)
		})
	}
	if err := insert(sampleOrder("order-a", "ORD-1", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := insert(sampleOrder("order-b", "ORD-1", now)); !errors.Is(err, domain.ErrOrderNumberTaken) {
		t.Fatalf("expected ErrOrderNumberTaken, got %v", err)
	}
	if err := insert(sampleOrder("order-a", "ORD-2", now)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	err := store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.LockOrder(ctx, "order-a")
		if err != nil {
			return err
		}
		current.Version = 42
		_, err = tx.UpdateOrder(ctx, current)
		return err
	})
	if !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict on stale update, got %v", err)
	}
}

func TestStore_PostgresRollback(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	audit := NewAuditLog(store)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.InsertOrder(ctx, sampleOrder("order-r", "ORD-R", now)); err != nil {
			return err
		}
		if err := audit.Append(ctx, tx, domain.AuditEntry{
			OrderID: "order-r", Action: domain.AuditActionCreate, ActorType: domain.ActorCustomer,
			ActorID: "customer-1", NewState: domain.StatusAwaitingOffers,
		}); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: "order-r", EventType: "OrderCreated", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := store.GetOrder(ctx, "order-r"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("rolled back order is visible: %v", err)
	}
	if entries, _ := audit.List(ctx, "order-r"); len(entries) != 0 {
		t.Fatalf("rolled back audit entries are visible: %d", len(entries))
	}
	stats, err := NewOutboxRepository(store).Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("rolled back outbox messages are visible: %d", stats.PendingCount)
	}
}

func TestStore_PostgresLockSerializesWriters(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)

	if err := store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertOrder(ctx, sampleOrder("order-c", "ORD-C", now))
	}); err != nil {
		t.Fatal(err)
	}

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
				current, err := tx.LockOrder(ctx, "order-c")
				if err != nil {
					return err
				}
				_, err = tx.UpdateOrder(ctx, current)
				return err
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.GetOrder(ctx, "order-c")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != writers {
		t.Fatalf("version = %d, want %d", got.Version, writers)
	}
}

func TestStore_PostgresOffers(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)

	if err := store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertOrder(ctx, sampleOrder("order-o", "ORD-O", now))
	}); err != nil {
		t.Fatal(err)
	}

	insert := func(id, storeID string, at time.Time) error {
		return store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			return tx.InsertOffer(ctx, domain.Offer{
				ID: id, OrderID: "order-o", StoreID: storeID, CreatedAt: at,
				Terms: domain.OfferTerms{UnitPriceMinor: 1000, Currency: "SAR", PartType: domain.PartTypeOriginal},
			})
		})
	}
	if err := insert("b", "store-2", now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := insert("a", "store-1", now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := insert("x", "store-1", now.Add(time.Minute)); !errors.Is(err, domain.ErrDuplicateOffer) {
		t.Fatalf("expected ErrDuplicateOffer, got %v", err)
	}

	offers, err := store.ListOffers(ctx, "order-o")
	if err != nil {
		t.Fatal(err)
	}
	if len(offers) != 2 || offers[0].ID != "a" || offers[1].ID != "b" {
		t.Fatalf("unexpected offers order: %+v", offers)
	}
	if offers[0].Terms.PartType != domain.PartTypeOriginal || offers[0].Terms.Currency != "SAR" {
		t.Fatalf("offer terms lost: %+v", offers[0].Terms)
	}

	if _, err := store.ListOffers(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	err = store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.GetOffer(ctx, "missing")
		return err
	})
	if !errors.Is(err, domain.ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
}

func TestStore_PostgresListExpiredPages(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)
	old := now.Add(-30 * time.Hour)

	err := store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for _, o := range []domain.Order{
			sampleOrder("o-3", "N-3", old),
			sampleOrder("o-1", "N-1", old),
			sampleOrder("o-2", "N-2", old.Add(time.Minute)),
			sampleOrder("fresh", "N-4", now),
		} {
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	q := domain.ExpiryQuery{
		Status: domain.StatusAwaitingOffers,
		Field:  domain.ExpiryByCreatedAt,
		Before: now.Add(-24 * time.Hour),
		Limit:  2,
	}
	first, err := store.ListExpired(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].ID != "o-1" || first[1].ID != "o-3" {
		t.Fatalf("unexpected first page: %+v", first)
	}

	q.AfterAt = first[1].CreatedAt
	q.AfterID = first[1].ID
	second, err := store.ListExpired(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].ID != "o-2" {
		t.Fatalf("unexpected second page: %+v", second)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("expected unique violation for code 23505")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "22001"}) {
		t.Fatal("unexpected unique violation for non-unique code")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Fatal("plain error must not be unique violation")
	}
	if got := violatedConstraint(&pgconn.PgError{Code: "23505", ConstraintName: orderNumberConstraint}); got != orderNumberConstraint {
		t.Fatalf("constraint = %q", got)
	}
}

func sampleOrder(id, number string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:          id,
		OrderNumber: number,
		CustomerID:  "customer-1",
		Status:      domain.StatusAwaitingOffers,
		Request: domain.PartRequest{
			VehicleMake:  "Toyota",
			VehicleModel: "Land Cruiser",
			VehicleYear:  2020,
			PartName:     "Front bumper",
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}
