package domain

import (
	"context"
	"fmt"
	"time"
)

// Tx — единица работы хранилища. Все записи внутри одной Tx фиксируются вместе
// или не фиксируются вовсе.
type Tx interface {
	// LockOrder читает заказ и удерживает эксклюзивную блокировку до конца транзакции.
	LockOrder(ctx context.Context, orderID string) (Order, error)
	InsertOrder(ctx context.Context, order Order) error
	// UpdateOrder сохраняет заказ с проверкой версии и увеличивает Version.
	UpdateOrder(ctx context.Context, order Order) (Order, error)
	GetOffer(ctx context.Context, offerID string) (Offer, error)
	InsertOffer(ctx context.Context, offer Offer) error
	InsertDispute(ctx context.Context, dispute Dispute) error
	// Enqueue добавляет сообщение в transactional outbox.
	Enqueue(ctx context.Context, msg OutboxMessage) error
}

// OrderStore — долговременное хранилище заказов и предложений.
type OrderStore interface {
	// InTx выполняет fn в одной транзакции; ошибка fn откатывает все записи.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	// ListOffers возвращает предложения по заказу в порядке (CreatedAt, ID).
	ListOffers(ctx context.Context, orderID string) ([]Offer, error)
	// ListExpired возвращает страницу заказов, попавших под правило истечения.
	ListExpired(ctx context.Context, q ExpiryQuery) ([]Order, error)
	// ListDisputes возвращает споры по заказу в порядке открытия.
	ListDisputes(ctx context.Context, orderID string) ([]Dispute, error)
}

// ExpiryField — отметка времени, от которой отсчитывается окно.
type ExpiryField string

const (
	ExpiryByCreatedAt ExpiryField = "created_at"
	ExpiryByUpdatedAt ExpiryField = "updated_at"
)

// ExpiryQuery выбирает заказы в статусе Status, у которых Field < Before.
// Страницы идут по курсору (AfterAt, AfterID) в порядке (Field, ID).
type ExpiryQuery struct {
	Status  Status
	Field   ExpiryField
	Before  time.Time
	AfterAt time.Time
	AfterID string
	Limit   int
}

// ExpiryValue возвращает значение поля, по которому отсортирована выборка.
func (q ExpiryQuery) ExpiryValue(o Order) time.Time {
	if q.Field == ExpiryByUpdatedAt {
		return o.UpdatedAt
	}
	return o.CreatedAt
}

// AuditLogger — журнал аудита только на добавление.
type AuditLogger interface {
	// Append пишет запись в рамках той же транзакции, что и изменение заказа.
	Append(ctx context.Context, tx Tx, entry AuditEntry) error
	// List возвращает записи по заказу в порядке фиксации.
	List(ctx context.Context, orderID string) ([]AuditEntry, error)
}

// Notifier доставляет уведомления получателям.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ChannelCloser закрывает каналы общения проигравших магазинов. Повторный вызов безопасен.
type ChannelCloser interface {
	CloseCompetingChannels(ctx context.Context, orderID, winningPartyID string) (int, error)
}

// ChannelRepository хранит каналы общения по заказам.
type ChannelRepository interface {
	ChannelCloser
	// OpenOrGet создаёт канал или возвращает уже существующий для пары (заказ, магазин).
	// Существующий OPEN-канал принимает переданный статус, если тот не OPEN.
	OpenOrGet(ctx context.Context, ch Channel) (Channel, error)
	ListByOrder(ctx context.Context, orderID string) ([]Channel, error)
}

// OrderNumberGenerator выдаёт человекочитаемые номера без коллизий.
type OrderNumberGenerator interface {
	Next(ctx context.Context) (string, error)
}

// FormatOrderNumber форматирует номер вида ORD-YYYYMMDD-NNNNNN.
func FormatOrderNumber(day time.Time, seq int64) string {
	return fmt.Sprintf("ORD-%s-%06d", day.UTC().Format("20060102"), seq)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен переносить повторную доставку.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет читать и помечать события для публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, response []byte) error
	MarkFailed(ctx context.Context, key string, response []byte) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// ReleaseFunc освобождает аренду, полученную через Locker.
type ReleaseFunc func(ctx context.Context) error

// Locker выдаёт межпроцессную аренду на выполнение периодической задачи.
// acquired == false означает, что задачу уже выполняет другой экземпляр.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release ReleaseFunc, acquired bool, err error)
}
