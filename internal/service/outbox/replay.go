package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

// ErrInvalidDeadLetter: сообщение DLQ не содержит восстановимого события.
var ErrInvalidDeadLetter = errors.New("invalid dead letter")

var outboxReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bidflow_outbox_replayed_total",
	Help: "Total number of dead letters returned to the outbox grouped by result.",
}, []string{"result"})

// ReplayOptions задаёт параметры Replayer.
type ReplayOptions struct {
	Logger *log.Entry
	DryRun bool
	NewID  func() string
}

type ReplayOption func(*ReplayOptions)

func WithReplayLogger(logger *log.Entry) ReplayOption {
	return func(opts *ReplayOptions) {
		opts.Logger = logger
	}
}

// WithDryRun только проверяет и логирует сообщения, не записывая их в outbox.
func WithDryRun(dryRun bool) ReplayOption {
	return func(opts *ReplayOptions) {
		opts.DryRun = dryRun
	}
}

func WithIDGenerator(newID func() string) ReplayOption {
	return func(opts *ReplayOptions) {
		opts.NewID = newID
	}
}

// Replayer возвращает события из DLQ в transactional outbox, откуда их
// повторно доставит Worker. Повторная запись получает новый outbox ID,
// а исходный ID события внутри payload сохраняется.
type Replayer struct {
	repo   domain.OutboxRepository
	dryRun bool
	newID  func() string
	logger *log.Entry
}

func NewReplayer(repo domain.OutboxRepository, options ...ReplayOption) *Replayer {
	opts := ReplayOptions{}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-replay")
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Replayer{
		repo:   repo,
		dryRun: opts.DryRun,
		newID:  opts.NewID,
		logger: opts.Logger,
	}
}

// Replay разбирает DeadLetter из dead.Payload и ставит исходное событие в outbox.
func (r *Replayer) Replay(ctx context.Context, dead domain.OutboxMessage) (domain.OutboxMessage, error) {
	letter, err := DecodeDeadLetter(dead.Payload)
	if err != nil {
		outboxReplayed.WithLabelValues("invalid").Inc()
		return domain.OutboxMessage{}, err
	}

	msg := domain.OutboxMessage{
		ID:            r.newID(),
		AggregateType: letter.AggregateType,
		AggregateID:   letter.AggregateID,
		EventType:     letter.EventType,
		Payload:       []byte(letter.Payload),
	}
	fields := log.Fields{
		"dead_outbox_id": letter.OutboxID,
		"outbox_id":      msg.ID,
		"event_type":     msg.EventType,
		"aggregate_id":   msg.AggregateID,
		"attempts":       letter.Attempts,
	}

	if r.dryRun {
		outboxReplayed.WithLabelValues("dry_run").Inc()
		r.logger.WithFields(fields).Info("dead letter would be replayed")
		return msg, nil
	}

	saved, err := r.repo.Enqueue(ctx, msg)
	if err != nil {
		outboxReplayed.WithLabelValues("error").Inc()
		return domain.OutboxMessage{}, fmt.Errorf("enqueue replayed event: %w", err)
	}

	outboxReplayed.WithLabelValues("ok").Inc()
	r.logger.WithFields(fields).Info("dead letter returned to outbox")
	return saved, nil
}

// DecodeDeadLetter разбирает конверт DLQ и проверяет, что событие можно восстановить.
func DecodeDeadLetter(raw []byte) (DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(raw, &letter); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: %v", ErrInvalidDeadLetter, err)
	}
	if letter.EventType == "" || len(letter.Payload) == 0 {
		return DeadLetter{}, fmt.Errorf("%w: event type and payload are required", ErrInvalidDeadLetter)
	}
	if _, err := domain.DecodeEvent(domain.OutboxMessage{ID: letter.OutboxID, EventType: letter.EventType, Payload: letter.Payload}); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: %v", ErrInvalidDeadLetter, err)
	}
	return letter, nil
}
