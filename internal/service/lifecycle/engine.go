// Package lifecycle реализует движок жизненного цикла заказа: создание, торги,
// принятие предложения и переходы статусов в одной транзакции с аудитом и outbox.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	"github.com/vladislavdragonenkov/bidflow/internal/metrics"
	"github.com/vladislavdragonenkov/bidflow/internal/policy"
)

const (
	// DefaultBiddingWindow: сколько заказ принимает предложения после создания.
	DefaultBiddingWindow  = 24 * time.Hour
	defaultIdempotencyTTL = 24 * time.Hour
	tracerName            = "bidflow/lifecycle"
)

// Options задаёт необязательные зависимости движка.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.LifecycleMetrics
	Tracer         trace.Tracer
	Guard          *policy.Guard
	StateMachine   *domain.StateMachine
	Channels       domain.ChannelRepository
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
	BiddingWindow  time.Duration
	Clock          func() time.Time
}

// Option настраивает Engine.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(opts *Options) {
		opts.Tracer = tracer
	}
}

// WithPolicy задаёт правила авторизации переходов. По умолчанию используются встроенные.
func WithPolicy(guard *policy.Guard) Option {
	return func(opts *Options) {
		opts.Guard = guard
	}
}

func WithStateMachine(m domain.StateMachine) Option {
	return func(opts *Options) {
		opts.StateMachine = &m
	}
}

// WithChannels подключает хранилище каналов общения (нужно для OpenChannel).
func WithChannels(channels domain.ChannelRepository) Option {
	return func(opts *Options) {
		opts.Channels = channels
	}
}

// WithIdempotency включает дедупликацию CreateOrder по idempotency-key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(opts *Options) {
		opts.Idempotency = repo
		opts.IdempotencyTTL = ttl
	}
}

func WithBiddingWindow(window time.Duration) Option {
	return func(opts *Options) {
		opts.BiddingWindow = window
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Engine: единственная точка изменения статуса заказа.
type Engine struct {
	store    domain.OrderStore
	audit    domain.AuditLogger
	numbers  domain.OrderNumberGenerator
	channels domain.ChannelRepository

	fsm   domain.StateMachine
	guard *policy.Guard

	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
	biddingWindow  time.Duration

	now     func() time.Time
	logger  *log.Entry
	metrics *metrics.LifecycleMetrics
	tracer  trace.Tracer
}

// NewEngine создаёт движок поверх хранилища, журнала аудита и генератора номеров.
func NewEngine(
	store domain.OrderStore,
	audit domain.AuditLogger,
	numbers domain.OrderNumberGenerator,
	options ...Option,
) (*Engine, error) {
	if store == nil || audit == nil || numbers == nil {
		return nil, errors.New("lifecycle engine: store, audit logger and order number generator are required")
	}

	opts := Options{
		BiddingWindow:  DefaultBiddingWindow,
		IdempotencyTTL: defaultIdempotencyTTL,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Guard == nil {
		guard, err := policy.Default()
		if err != nil {
			return nil, fmt.Errorf("load default policy: %w", err)
		}
		opts.Guard = guard
	}
	fsm := domain.DefaultStateMachine()
	if opts.StateMachine != nil {
		fsm = *opts.StateMachine
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "lifecycle")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.BiddingWindow <= 0 {
		opts.BiddingWindow = DefaultBiddingWindow
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}

	return &Engine{
		store:          store,
		audit:          audit,
		numbers:        numbers,
		channels:       opts.Channels,
		fsm:            fsm,
		guard:          opts.Guard,
		idempotency:    opts.Idempotency,
		idempotencyTTL: opts.IdempotencyTTL,
		biddingWindow:  opts.BiddingWindow,
		now:            opts.Clock,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}, nil
}

// BiddingWindow возвращает настроенное окно торгов.
func (e *Engine) BiddingWindow() time.Duration {
	return e.biddingWindow
}

// TransitionRequest: запрос на смену статуса. From, если задан, должен совпасть
// со статусом заказа под блокировкой, иначе переход отклоняется с ErrConflict.
type TransitionRequest struct {
	OrderID  string
	From     domain.Status
	To       domain.Status
	Actor    domain.Actor
	Reason   string
	Metadata domain.AuditMetadata
}

func (r TransitionRequest) validate() error {
	if r.OrderID == "" {
		return domain.ErrOrderIDRequired
	}
	if !r.To.Valid() {
		return domain.ErrUnknownStatus
	}
	if r.From != "" && !r.From.Valid() {
		return domain.ErrUnknownStatus
	}
	if err := r.Actor.Validate(); err != nil {
		return err
	}
	switch r.To {
	case domain.StatusAwaitingPayment:
		return domain.ErrAcceptViaTransition
	case domain.StatusDisputed:
		return domain.ErrDisputeViaTransition
	}
	return r.Metadata.Validate()
}

// RequestTransition проверяет и атомарно применяет переход: статус, аудит и
// события outbox фиксируются вместе. Конкурентные вызовы по одному заказу
// сериализуются блокировкой хранилища; проигравший перепроверяет переход
// по уже зафиксированному состоянию.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (domain.Order, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "lifecycle.RequestTransition", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("order.status_to", string(req.To)),
		attribute.String("actor.type", string(req.Actor.Type)),
	))
	defer span.End()

	fields := log.Fields{
		"order_id":   req.OrderID,
		"status_to":  req.To,
		"actor_type": req.Actor.Type,
		"actor_id":   req.Actor.ID,
	}

	if err := req.validate(); err != nil {
		return domain.Order{}, e.fail(span, err, fields)
	}

	var (
		saved domain.Order
		from  domain.Status
	)
	err := e.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		from = current.Status

		if req.From != "" && current.Status != req.From {
			return fmt.Errorf("order %s is %s, expected %s: %w", current.ID, current.Status, req.From, domain.ErrConflict)
		}
		if err := e.fsm.Validate(current.Status, req.To); err != nil {
			return err
		}
		if err := e.guard.Check(policy.Input{Actor: req.Actor, Order: current, From: current.Status, To: req.To}); err != nil {
			return err
		}

		next := current.Clone()
		next.ApplyStatus(req.To, e.now())
		saved, err = tx.UpdateOrder(ctx, next)
		if err != nil {
			return err
		}

		if err := e.audit.Append(ctx, tx, auditEntry(saved, domain.AuditActionStatusChange, from, req.Actor, req.Reason, req.Metadata)); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		return enqueue(ctx, tx, domain.NewStatusChangedEvent(saved, from, req.Actor, req.Reason))
	})
	if err != nil {
		fields["status_from"] = from
		return domain.Order{}, e.fail(span, err, fields)
	}

	e.metrics.RecordTransition(string(from), string(saved.Status), string(req.Actor.Type), time.Since(started))
	fields["status_from"] = from
	e.logger.WithFields(fields).Info("order status changed")

	return saved, nil
}

// GetOrder возвращает текущее состояние заказа.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return e.store.GetOrder(ctx, orderID)
}

// GetAllowedTransitions возвращает статусы, в которые заказ может перейти из текущего.
func (e *Engine) GetAllowedTransitions(ctx context.Context, orderID string) ([]domain.Status, error) {
	order, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return e.fsm.AllowedTransitions(order.Status), nil
}

// ListAuditTrail возвращает журнал аудита заказа в порядке фиксации.
func (e *Engine) ListAuditTrail(ctx context.Context, orderID string) ([]domain.AuditEntry, error) {
	if _, err := e.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return e.audit.List(ctx, orderID)
}

func (e *Engine) fail(span trace.Span, err error, fields log.Fields) error {
	kind := domain.Kind(err)
	e.metrics.RecordTransitionFailure(kind)

	span.RecordError(err)
	span.SetStatus(codes.Error, kind)

	entry := e.logger.WithError(err).WithFields(fields).WithField("error_kind", kind)
	if kind == "internal" {
		entry.Error("order operation failed")
	} else {
		entry.Warn("order operation rejected")
	}
	return err
}

func auditEntry(
	order domain.Order,
	action domain.AuditAction,
	from domain.Status,
	actor domain.Actor,
	reason string,
	meta domain.AuditMetadata,
) domain.AuditEntry {
	return domain.AuditEntry{
		ID:            newID(),
		OrderID:       order.ID,
		Action:        action,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		ActorName:     actor.Name,
		PreviousState: from,
		NewState:      order.Status,
		Reason:        reason,
		Metadata:      meta,
		Timestamp:     order.UpdatedAt,
	}
}

func enqueue(ctx context.Context, tx domain.Tx, events ...domain.Event) error {
	for _, event := range events {
		msg, err := event.ToOutbox()
		if err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue %s: %w", event.Kind, err)
		}
	}
	return nil
}
