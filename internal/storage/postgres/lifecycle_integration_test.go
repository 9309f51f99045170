package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	"github.com/vladislavdragonenkov/bidflow/internal/service/lifecycle"
)

func newPostgresEngine(t *testing.T, store *Store) *lifecycle.Engine {
	t.Helper()

	engine, err := lifecycle.NewEngine(store, NewAuditLog(store), NewOrderNumbers(store),
		lifecycle.WithChannels(NewChannelRepository(store)),
		lifecycle.WithIdempotency(NewIdempotencyRepository(store), time.Hour),
	)
	require.NoError(t, err)
	return engine
}

func TestLifecycle_PostgresAcceptanceFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	engine := newPostgresEngine(t, store)
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, lifecycle.CreateOrderRequest{
		CustomerID: "customer-1",
		Request: domain.PartRequest{
			VehicleMake: "Hyundai", VehicleModel: "Sonata", VehicleYear: 2018,
			PartName: "Timing belt",
		},
		IdempotencyKey: "create-1",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(order.OrderNumber, "ORD-"))

	replayed, err := engine.CreateOrder(ctx, lifecycle.CreateOrderRequest{
		CustomerID: "customer-1",
		Request: domain.PartRequest{
			VehicleMake: "Hyundai", VehicleModel: "Sonata", VehicleYear: 2018,
			PartName: "Timing belt",
		},
		IdempotencyKey: "create-1",
	})
	require.NoError(t, err)
	require.Equal(t, order.ID, replayed.ID)

	var offers []domain.Offer
	for _, storeID := range []string{"store-a", "store-b", "store-c"} {
		offer, err := engine.SubmitOffer(ctx, order.ID, storeID, domain.OfferTerms{
			UnitPriceMinor: 25000, Currency: "SAR", DeliveryDays: 2,
		})
		require.NoError(t, err)
		offers = append(offers, offer)

		_, err = engine.OpenChannel(ctx, order.ID, storeID)
		require.NoError(t, err)
	}

	accepted, err := engine.AcceptOffer(ctx, order.ID, offers[1].ID, "customer-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAwaitingPayment, accepted.Status)
	require.Equal(t, offers[1].ID, accepted.AcceptedOfferID)
	require.Equal(t, "store-b", accepted.WinningStoreID)

	_, err = engine.AcceptOffer(ctx, order.ID, offers[0].ID, "customer-1")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	closed, err := NewChannelRepository(store).CloseCompetingChannels(ctx, order.ID, "store-b")
	require.NoError(t, err)
	require.Equal(t, 2, closed)

	trail, err := engine.ListAuditTrail(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, domain.AuditActionCreate, trail[0].Action)
	require.Equal(t, domain.AuditActionOfferAccepted, trail[1].Action)
	require.NotNil(t, trail[1].Metadata.Acceptance)
	require.Equal(t, "store-b", trail[1].Metadata.Acceptance.StoreID)

	pending, err := NewOutboxRepository(store).PullPending(ctx, 100)
	require.NoError(t, err)
	kinds := make([]string, 0, len(pending))
	for _, msg := range pending {
		kinds = append(kinds, msg.EventType)
	}
	require.Equal(t, []string{
		string(domain.EventOrderCreated),
		string(domain.EventOfferSubmitted),
		string(domain.EventOfferSubmitted),
		string(domain.EventOfferSubmitted),
		string(domain.EventStatusChanged),
		string(domain.EventOfferAccepted),
	}, kinds)
}

func TestLifecycle_PostgresRaceOnDispute(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	engine := newPostgresEngine(t, store)
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, lifecycle.CreateOrderRequest{
		CustomerID: "customer-1",
		Request:    domain.PartRequest{PartName: "Alternator"},
	})
	require.NoError(t, err)
	offer, err := engine.SubmitOffer(ctx, order.ID, "store-1", domain.OfferTerms{UnitPriceMinor: 9000, Currency: "SAR"})
	require.NoError(t, err)
	_, err = engine.AcceptOffer(ctx, order.ID, offer.ID, "customer-1")
	require.NoError(t, err)

	customer := domain.Actor{Type: domain.ActorCustomer, ID: "customer-1"}
	vendor := domain.Actor{Type: domain.ActorVendor, ID: "store-1"}
	for _, step := range []struct {
		to    domain.Status
		actor domain.Actor
	}{
		{domain.StatusPreparation, customer},
		{domain.StatusShipped, vendor},
	} {
		_, err := engine.RequestTransition(ctx, lifecycle.TransitionRequest{OrderID: order.ID, To: step.to, Actor: step.actor})
		require.NoError(t, err)
	}
	dispute, err := engine.OpenDispute(ctx, lifecycle.OpenDisputeRequest{
		OrderID:    order.ID,
		CustomerID: customer.ID,
		Reason:     "damaged in transit",
		Evidence:   []string{"https://cdn.example.com/evidence/1.jpg"},
	})
	require.NoError(t, err)

	disputes, err := engine.ListDisputes(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	require.Equal(t, dispute.ID, disputes[0].ID)
	require.Equal(t, []string{"https://cdn.example.com/evidence/1.jpg"}, disputes[0].Evidence)

	admin := domain.Actor{Type: domain.ActorAdmin, ID: "admin-1"}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, to := range []domain.Status{domain.StatusCompleted, domain.StatusRefunded} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.RequestTransition(ctx, lifecycle.TransitionRequest{OrderID: order.ID, To: to, Actor: admin})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, illegal int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrIllegalTransition):
			illegal++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, illegal)
}

func TestAdvisoryLocker_PostgresExclusive(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	locker := NewAdvisoryLocker(store)
	ctx := context.Background()

	release, acquired, err := locker.TryAcquire(ctx, "bidflow:test", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := locker.TryAcquire(ctx, "bidflow:test", time.Minute)
	require.NoError(t, err)
	require.False(t, again)

	require.NoError(t, release(ctx))

	release, acquired, err = locker.TryAcquire(ctx, "bidflow:test", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, release(ctx))
}

func TestChannelRepository_PostgresOpenOrGet(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewChannelRepository(store)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour).Round(time.Microsecond)
	first, err := repo.OpenOrGet(ctx, domain.Channel{OrderID: "o-1", VendorID: "store-1", Status: domain.ChannelOpen, ExpiresAt: &expires})
	require.NoError(t, err)

	second, err := repo.OpenOrGet(ctx, domain.Channel{OrderID: "o-1", VendorID: "store-1", Status: domain.ChannelOpen})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, domain.ChannelOpen, second.Status)
	require.NotNil(t, second.ExpiresAt)

	expired, err := repo.OpenOrGet(ctx, domain.Channel{OrderID: "o-1", VendorID: "store-1", Status: domain.ChannelExpired})
	require.NoError(t, err)
	require.Equal(t, first.ID, expired.ID)
	require.Equal(t, domain.ChannelExpired, expired.Status)

	reopened, err := repo.OpenOrGet(ctx, domain.Channel{OrderID: "o-1", VendorID: "store-1", Status: domain.ChannelOpen, ExpiresAt: &expires})
	require.NoError(t, err)
	require.Equal(t, domain.ChannelExpired, reopened.Status)

	_, err = repo.OpenOrGet(ctx, domain.Channel{OrderID: "o-1"})
	require.ErrorIs(t, err, domain.ErrStoreRequired)
}
