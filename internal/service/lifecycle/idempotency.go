package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/bidflow/internal/domain"
)

type idempotencyErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// withIdempotency выполняет handler не более одного раза на ключ. Успешный
// результат кешируется в JSON, ошибка сохраняется вместе с её категорией.
func withIdempotency[T any](
	ctx context.Context,
	e *Engine,
	key string,
	requestHash string,
	handler func(context.Context) (T, error),
) (T, error) {
	var zero T

	record, err := e.idempotency.CreateProcessing(ctx, key, requestHash, e.now().Add(e.idempotencyTTL))
	if err != nil {
		return replayIdempotency[T](e, err, record)
	}

	resp, runErr := handler(ctx)
	if runErr != nil {
		e.cacheIdempotencyFailure(ctx, key, runErr)
		return zero, runErr
	}

	data, err := json.Marshal(resp)
	if err == nil {
		err = e.idempotency.MarkDone(ctx, key, data)
	}
	if err != nil {
		e.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent success response")
	}

	return resp, nil
}

func replayIdempotency[T any](e *Engine, createErr error, record domain.IdempotencyRecord) (T, error) {
	var zero T

	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return zero, createErr
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			if len(record.Response) == 0 {
				return zero, errors.New("idempotency cache is empty")
			}
			var resp T
			if err := json.Unmarshal(record.Response, &resp); err != nil {
				e.logger.WithError(err).WithField("idempotency_key", record.Key).Warn("failed to decode cached idempotency response")
				return zero, fmt.Errorf("decode cached idempotency response: %w", err)
			}
			return resp, nil
		case domain.IdempotencyStatusProcessing:
			return zero, domain.ErrIdempotencyInProgress
		case domain.IdempotencyStatusFailed:
			return zero, decodeIdempotencyFailure(record)
		default:
			return zero, fmt.Errorf("unknown idempotency record status %q", record.Status)
		}
	default:
		e.logger.WithError(createErr).Warn("failed to create idempotency record")
		return zero, fmt.Errorf("initialize idempotency request: %w", createErr)
	}
}

func (e *Engine) cacheIdempotencyFailure(ctx context.Context, key string, runErr error) {
	payload, err := json.Marshal(idempotencyErrorPayload{
		Kind:    domain.Kind(runErr),
		Message: runErr.Error(),
	})
	if err != nil {
		e.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to encode idempotency failure payload")
		payload = nil
	}

	if err := e.idempotency.MarkFailed(ctx, key, payload); err != nil {
		e.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotency failure response")
	}
}

func decodeIdempotencyFailure(record domain.IdempotencyRecord) error {
	var payload idempotencyErrorPayload
	if len(record.Response) > 0 {
		_ = json.Unmarshal(record.Response, &payload)
	}
	if payload.Message == "" {
		payload.Message = "previous request with the same idempotency key failed"
	}

	if kind := kindError(payload.Kind); kind != nil {
		return fmt.Errorf("%s: %w", payload.Message, kind)
	}
	return errors.New(payload.Message)
}

func kindError(kind string) error {
	switch kind {
	case "illegal_transition":
		return domain.ErrIllegalTransition
	case "not_found":
		return domain.ErrNotFound
	case "forbidden":
		return domain.ErrForbidden
	case "bad_request":
		return domain.ErrBadRequest
	case "conflict":
		return domain.ErrConflict
	default:
		return nil
	}
}
