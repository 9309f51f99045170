package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Базовые категории ошибок движка. Конкретные ошибки оборачивают одну из них,
// чтобы внешний слой (API) мог сопоставить код ответа через errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrForbidden         = errors.New("forbidden")
	ErrBadRequest        = errors.New("bad request")
	ErrConflict          = errors.New("conflict")
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)
	// ErrOfferNotFound возвращается, если предложение не найдено.
	ErrOfferNotFound = fmt.Errorf("offer %w", ErrNotFound)
	// ErrChannelNotFound возвращается, если канал общения не найден.
	ErrChannelNotFound = fmt.Errorf("channel %w", ErrNotFound)

	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = fmt.Errorf("order version %w", ErrConflict)
	// ErrDuplicateOffer — магазин уже сделал предложение по этому заказу.
	ErrDuplicateOffer = fmt.Errorf("store already submitted an offer: %w", ErrConflict)
	// ErrOrderNumberTaken — коллизия человекочитаемого номера заказа.
	ErrOrderNumberTaken = fmt.Errorf("order number already taken: %w", ErrConflict)

	// ErrBiddingClosed — заказ больше не принимает предложения (статус != AWAITING_OFFERS).
	ErrBiddingClosed = fmt.Errorf("bidding closed: order is not awaiting offers: %w", ErrBadRequest)
	// ErrBiddingExpired — окно приёма предложений (24ч) истекло.
	ErrBiddingExpired = fmt.Errorf("bidding expired: offer window has passed: %w", ErrBadRequest)
	// ErrOfferOrderMismatch — предложение относится к другому заказу.
	ErrOfferOrderMismatch = fmt.Errorf("offer does not belong to order: %w", ErrBadRequest)
	// ErrAcceptViaTransition — AWAITING_PAYMENT достижим только через AcceptOffer.
	ErrAcceptViaTransition = fmt.Errorf("awaiting payment can only be reached by accepting an offer: %w", ErrBadRequest)
	// ErrDisputeViaTransition — DISPUTED достижим только через OpenDispute.
	ErrDisputeViaTransition = fmt.Errorf("disputed can only be reached by opening a dispute: %w", ErrBadRequest)

	// ErrNotOrderOwner — заказ принадлежит другому клиенту.
	ErrNotOrderOwner = fmt.Errorf("customer does not own the order: %w", ErrForbidden)

	ErrCustomerRequired  = fmt.Errorf("customer_id is required: %w", ErrBadRequest)
	ErrPartNameRequired  = fmt.Errorf("part_name is required: %w", ErrBadRequest)
	ErrOrderIDRequired   = fmt.Errorf("order_id is required: %w", ErrBadRequest)
	ErrStoreRequired     = fmt.Errorf("store_id is required: %w", ErrBadRequest)
	ErrActorRequired     = fmt.Errorf("actor is required: %w", ErrBadRequest)
	ErrUnknownStatus     = fmt.Errorf("unknown status: %w", ErrBadRequest)
	ErrOfferPriceInvalid = fmt.Errorf("offer unit price must be positive: %w", ErrBadRequest)

	ErrDisputeReasonRequired = fmt.Errorf("dispute reason is required: %w", ErrBadRequest)

	// ErrOfferTermsInvalid — прочие некорректные условия предложения.
	ErrOfferTermsInvalid = fmt.Errorf("offer terms are invalid: %w", ErrBadRequest)

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IllegalTransitionError описывает попытку перехода, отсутствующего в таблице автомата.
type IllegalTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *IllegalTransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("illegal transition: cannot go from %s to %s, allowed: [%s]",
		e.From, e.To, strings.Join(allowed, " "))
}

// Is позволяет сравнивать через errors.Is(err, ErrIllegalTransition).
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// PolicyDeniedError возвращается, если переход легален для автомата, но запрещён правилом политики.
type PolicyDeniedError struct {
	Rule  string
	Actor ActorType
	From  Status
	To    Status
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("forbidden: rule %q denies %s transition %s -> %s", e.Rule, e.Actor, e.From, e.To)
}

func (e *PolicyDeniedError) Is(target error) bool {
	return target == ErrForbidden
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// Kind возвращает имя категории ошибки для логов и меток метрик.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
