package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// Store: in-memory реализация OrderStore для локальной разработки и тестов.
// Записи транзакции копятся в memTx и применяются разом под s.mu;
// сериализация по заказу обеспечивается отдельной блокировкой на каждый заказ.
type Store struct {
	mu            sync.RWMutex
	orders        map[string]domain.Order
	numbers       map[string]string
	offers        map[string]domain.Offer
	offersByOrder map[string][]string
	bids          map[string]string
	disputes      map[string][]domain.Dispute

	locksMu sync.Mutex
	locks   map[string]*orderLock

	outbox *OutboxRepository
}

// NewStore создаёт хранилище. Если outbox == nil, создаётся собственный.
func NewStore(outbox *OutboxRepository) *Store {
	if outbox == nil {
		outbox = NewOutboxRepository()
	}
	return &Store{
		orders:        make(map[string]domain.Order),
		numbers:       make(map[string]string),
		offers:        make(map[string]domain.Offer),
		offersByOrder: make(map[string][]string),
		bids:          make(map[string]string),
		disputes:      make(map[string][]domain.Dispute),
		locks:         make(map[string]*orderLock),
		outbox:        outbox,
	}
}

// Outbox возвращает outbox, в который пишут транзакции этого хранилища.
func (s *Store) Outbox() *OutboxRepository {
	return s.outbox
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx := &memTx{
		store:  s,
		orders: make(map[string]domain.Order),
		fresh:  make(map[string]bool),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (s *Store) ListOffers(_ context.Context, orderID string) ([]domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.orders[orderID]; !ok {
		return nil, domain.ErrOrderNotFound
	}

	ids := s.offersByOrder[orderID]
	result := make([]domain.Offer, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.offers[id])
	}
	slices.SortFunc(result, domain.CompareOffers)
	return result, nil
}

func (s *Store) ListDisputes(_ context.Context, orderID string) ([]domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.orders[orderID]; !ok {
		return nil, domain.ErrOrderNotFound
	}
	result := make([]domain.Dispute, 0, len(s.disputes[orderID]))
	for _, d := range s.disputes[orderID] {
		d.Evidence = slices.Clone(d.Evidence)
		result = append(result, d)
	}
	return result, nil
}

func (s *Store) ListExpired(_ context.Context, q domain.ExpiryQuery) ([]domain.Order, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	s.mu.RLock()
	candidates := make([]domain.Order, 0)
	for _, order := range s.orders {
		if order.Status != q.Status {
			continue
		}
		at := q.ExpiryValue(order)
		if !at.Before(q.Before) {
			continue
		}
		if at.Before(q.AfterAt) || (at.Equal(q.AfterAt) && order.ID <= q.AfterID) {
			continue
		}
		candidates = append(candidates, order.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(candidates, func(a, b domain.Order) int {
		if c := q.ExpiryValue(a).Compare(q.ExpiryValue(b)); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	return candidates, nil
}

// orderLock: блокировка одного заказа. refs считает владельца и ожидающих;
// запись удаляется из Store.locks, когда refs падает до нуля.
type orderLock struct {
	ch   chan struct{}
	refs int
}

func (s *Store) acquire(ctx context.Context, orderID string) (func(), error) {
	s.locksMu.Lock()
	lock, ok := s.locks[orderID]
	if !ok {
		lock = &orderLock{ch: make(chan struct{}, 1)}
		s.locks[orderID] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return func() {
			<-lock.ch
			s.unref(orderID, lock)
		}, nil
	case <-ctx.Done():
		s.unref(orderID, lock)
		return nil, ctx.Err()
	}
}

func (s *Store) unref(orderID string, lock *orderLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, orderID)
	}
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, order := range tx.orders {
		if !tx.fresh[id] {
			continue
		}
		if _, exists := s.orders[id]; exists {
			return fmt.Errorf("order %s already exists: %w", id, domain.ErrConflict)
		}
		if _, taken := s.numbers[order.OrderNumber]; taken {
			return domain.ErrOrderNumberTaken
		}
	}
	for _, offer := range tx.offers {
		if _, exists := s.offers[offer.ID]; exists {
			return fmt.Errorf("offer %s already exists: %w", offer.ID, domain.ErrConflict)
		}
		if _, bid := s.bids[bidKey(offer.OrderID, offer.StoreID)]; bid {
			return domain.ErrDuplicateOffer
		}
	}

	for id, order := range tx.orders {
		s.orders[id] = order.Clone()
		s.numbers[order.OrderNumber] = id
	}
	for _, offer := range tx.offers {
		s.offers[offer.ID] = offer
		s.offersByOrder[offer.OrderID] = append(s.offersByOrder[offer.OrderID], offer.ID)
		s.bids[bidKey(offer.OrderID, offer.StoreID)] = offer.ID
	}
	for _, d := range tx.disputes {
		s.disputes[d.OrderID] = append(s.disputes[d.OrderID], d)
	}
	for _, msg := range tx.outbox {
		s.outbox.store(msg)
	}
	for _, apply := range tx.onCommit {
		apply()
	}

	return nil
}

func bidKey(orderID, storeID string) string {
	return orderID + "/" + storeID
}

// memTx накапливает записи одной транзакции.
type memTx struct {
	store    *Store
	held     map[string]func()
	orders   map[string]domain.Order
	fresh    map[string]bool
	offers   []domain.Offer
	disputes []domain.Dispute
	outbox   []domain.OutboxMessage
	onCommit []func()
}

func (tx *memTx) release() {
	for _, unlock := range tx.held {
		unlock()
	}
	tx.held = nil
}

// stage регистрирует действие, которое выполнится при фиксации транзакции.
func (tx *memTx) stage(apply func()) {
	tx.onCommit = append(tx.onCommit, apply)
}

func (tx *memTx) LockOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if staged, ok := tx.orders[orderID]; ok {
		return staged.Clone(), nil
	}
	if _, ok := tx.held[orderID]; !ok {
		unlock, err := tx.store.acquire(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		if tx.held == nil {
			tx.held = make(map[string]func())
		}
		tx.held[orderID] = unlock
	}
	return tx.store.GetOrder(ctx, orderID)
}

func (tx *memTx) InsertOrder(_ context.Context, order domain.Order) error {
	if _, ok := tx.orders[order.ID]; ok {
		return fmt.Errorf("order %s already staged: %w", order.ID, domain.ErrConflict)
	}
	tx.orders[order.ID] = order.Clone()
	tx.fresh[order.ID] = true
	return nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if _, locked := tx.held[order.ID]; !locked && !tx.fresh[order.ID] {
		return domain.Order{}, fmt.Errorf("update order %s without lock", order.ID)
	}

	current, err := tx.LockOrder(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	if current.Version != order.Version {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}

	order.Version++
	tx.orders[order.ID] = order.Clone()
	return order, nil
}

func (tx *memTx) GetOffer(ctx context.Context, offerID string) (domain.Offer, error) {
	for _, offer := range tx.offers {
		if offer.ID == offerID {
			return offer, nil
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	offer, ok := tx.store.offers[offerID]
	if !ok {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	return offer, nil
}

func (tx *memTx) InsertOffer(_ context.Context, offer domain.Offer) error {
	for _, staged := range tx.offers {
		if staged.OrderID == offer.OrderID && staged.StoreID == offer.StoreID {
			return domain.ErrDuplicateOffer
		}
	}

	tx.store.mu.RLock()
	_, bid := tx.store.bids[bidKey(offer.OrderID, offer.StoreID)]
	tx.store.mu.RUnlock()
	if bid {
		return domain.ErrDuplicateOffer
	}

	tx.offers = append(tx.offers, offer)
	return nil
}

func (tx *memTx) InsertDispute(_ context.Context, d domain.Dispute) error {
	if _, locked := tx.held[d.OrderID]; !locked {
		return fmt.Errorf("insert dispute for order %s without lock", d.OrderID)
	}
	d.Evidence = slices.Clone(d.Evidence)
	tx.disputes = append(tx.disputes, d)
	return nil
}

func (tx *memTx) Enqueue(_ context.Context, msg domain.OutboxMessage) error {
	tx.outbox = append(tx.outbox, msg)
	return nil
}

var (
	_ domain.OrderStore = (*Store)(nil)
	_ domain.Tx         = (*memTx)(nil)
)
