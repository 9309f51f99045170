// Package expiry отменяет заказы, у которых истекло окно торгов или оплаты.
package expiry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
	"github.com/vladislavdragonenkov/bidflow/internal/service/lifecycle"
)

const (
	defaultInterval      = time.Minute
	defaultBatchSize     = 100
	defaultBiddingWindow = 24 * time.Hour
	defaultPaymentWindow = 24 * time.Hour
	leaseName            = "bidflow:expiry-sweeper"

	RuleBidding = "bidding"
	RulePayment = "payment"

	ReasonBiddingExpired = "bidding window expired"
	ReasonPaymentExpired = "payment window expired"
)

var (
	sweeperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidflow_sweeper_runs_total",
		Help: "Total number of expiry sweeper runs grouped by result.",
	}, []string{"result"})
	sweeperExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidflow_sweeper_expired_total",
		Help: "Total number of orders cancelled by the expiry sweeper.",
	}, []string{"rule"})
	sweeperFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidflow_sweeper_failures_total",
		Help: "Total number of orders the expiry sweeper failed to cancel.",
	}, []string{"rule"})
)

// Transitioner: часть движка, через которую проходят принудительные отмены.
type Transitioner interface {
	RequestTransition(ctx context.Context, req lifecycle.TransitionRequest) (domain.Order, error)
}

// Options задаёт параметры Sweeper.
type Options struct {
	Logger        *log.Entry
	Interval      time.Duration
	BatchSize     int
	BiddingWindow time.Duration
	PaymentWindow time.Duration
	Locker        domain.Locker
	Clock         func() time.Time
}

// Option настраивает Sweeper.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

func WithBatchSize(size int) Option {
	return func(opts *Options) {
		opts.BatchSize = size
	}
}

// WithBiddingWindow задаёт срок торгов; обычно совпадает с окном движка.
func WithBiddingWindow(window time.Duration) Option {
	return func(opts *Options) {
		opts.BiddingWindow = window
	}
}

func WithPaymentWindow(window time.Duration) Option {
	return func(opts *Options) {
		opts.PaymentWindow = window
	}
}

// WithLocker ограничивает прогон одним экземпляром в кластере.
func WithLocker(locker domain.Locker) Option {
	return func(opts *Options) {
		opts.Locker = locker
	}
}

func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// rule описывает одно правило истечения: статус, поле отсчёта и окно.
type rule struct {
	name   string
	status domain.Status
	field  domain.ExpiryField
	window time.Duration
	reason string
}

// Sweeper периодически переводит просроченные заказы в CANCELLED от имени системы.
type Sweeper struct {
	store     domain.OrderStore
	engine    Transitioner
	locker    domain.Locker
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	rules     []rule
	now       func() time.Time

	running sync.Mutex
}

// NewSweeper создаёт Sweeper.
func NewSweeper(store domain.OrderStore, engine Transitioner, options ...Option) *Sweeper {
	opts := Options{
		Interval:      defaultInterval,
		BatchSize:     defaultBatchSize,
		BiddingWindow: defaultBiddingWindow,
		PaymentWindow: defaultPaymentWindow,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "expiry-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BiddingWindow <= 0 {
		opts.BiddingWindow = defaultBiddingWindow
	}
	if opts.PaymentWindow <= 0 {
		opts.PaymentWindow = defaultPaymentWindow
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Sweeper{
		store:     store,
		engine:    engine,
		locker:    opts.Locker,
		logger:    opts.Logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       opts.Clock,
		rules: []rule{
			{
				name:   RuleBidding,
				status: domain.StatusAwaitingOffers,
				field:  domain.ExpiryByCreatedAt,
				window: opts.BiddingWindow,
				reason: ReasonBiddingExpired,
			},
			{
				name:   RulePayment,
				status: domain.StatusAwaitingPayment,
				field:  domain.ExpiryByUpdatedAt,
				window: opts.PaymentWindow,
				reason: ReasonPaymentExpired,
			},
		},
	}
}

// Run выполняет прогоны с интервалом до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Result: итог одного прогона по правилам.
type Result struct {
	Expired map[string]int
	Failed  map[string]int
	Skipped bool
}

// Sweep выполняет один прогон. Если предыдущий прогон ещё идёт или аренду
// держит другой экземпляр, возвращает Result со Skipped.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	result := Result{Expired: map[string]int{}, Failed: map[string]int{}}

	if !s.running.TryLock() {
		sweeperRunsTotal.WithLabelValues("overlap").Inc()
		result.Skipped = true
		return result
	}
	defer s.running.Unlock()

	if s.locker != nil {
		release, acquired, err := s.locker.TryAcquire(ctx, leaseName, s.interval)
		if err != nil {
			sweeperRunsTotal.WithLabelValues("lock_error").Inc()
			s.logger.WithError(err).Warn("failed to acquire sweeper lease")
			result.Skipped = true
			return result
		}
		if !acquired {
			sweeperRunsTotal.WithLabelValues("skipped").Inc()
			result.Skipped = true
			return result
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WithError(err).Warn("failed to release sweeper lease")
			}
		}()
	}

	now := s.now()
	outcome := "ok"
	for _, r := range s.rules {
		expired, failed, err := s.sweepRule(ctx, r, now)
		result.Expired[r.name] = expired
		result.Failed[r.name] = failed
		if err != nil {
			outcome = "error"
			if !errors.Is(err, context.Canceled) {
				s.logger.WithError(err).WithField("rule", r.name).Warn("expiry scan failed")
			}
		}
	}
	sweeperRunsTotal.WithLabelValues(outcome).Inc()

	return result
}

func (s *Sweeper) sweepRule(ctx context.Context, r rule, now time.Time) (expired, failed int, err error) {
	deadline := now.Add(-r.window)
	q := domain.ExpiryQuery{
		Status: r.status,
		Field:  r.field,
		Before: deadline,
		Limit:  s.batchSize,
	}

	for {
		if err := ctx.Err(); err != nil {
			return expired, failed, err
		}

		page, err := s.store.ListExpired(ctx, q)
		if err != nil {
			return expired, failed, err
		}

		for _, order := range page {
			if s.expire(ctx, r, order, now) {
				expired++
			} else {
				failed++
			}
		}

		if len(page) < s.batchSize {
			return expired, failed, nil
		}
		last := page[len(page)-1]
		q.AfterAt = q.ExpiryValue(last)
		q.AfterID = last.ID
	}
}

func (s *Sweeper) expire(ctx context.Context, r rule, order domain.Order, now time.Time) bool {
	_, err := s.engine.RequestTransition(ctx, lifecycle.TransitionRequest{
		OrderID: order.ID,
		From:    r.status,
		To:      domain.StatusCancelled,
		Actor:   domain.SystemScheduler,
		Reason:  r.reason,
		Metadata: domain.ExpiryMeta(domain.ExpiryMetadata{
			Rule:     r.name,
			Window:   r.window,
			Deadline: r.expiresAt(order),
		}),
	})
	if err != nil {
		sweeperFailuresTotal.WithLabelValues(r.name).Inc()
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"rule":     r.name,
		}).Warn("failed to expire order")
		return false
	}

	sweeperExpiredTotal.WithLabelValues(r.name).Inc()
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"rule":     r.name,
		"overdue":  now.Sub(r.expiresAt(order)).Round(time.Second).String(),
	}).Info("order expired")
	return true
}

func (r rule) expiresAt(o domain.Order) time.Time {
	if r.field == domain.ExpiryByUpdatedAt {
		return o.UpdatedAt.Add(r.window)
	}
	return o.CreatedAt.Add(r.window)
}
