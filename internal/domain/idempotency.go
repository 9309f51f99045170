package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что запрос завершён успешно и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что обработка завершилась ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

var (
	ErrIdempotencyKeyRequired         = fmt.Errorf("idempotency key is required: %w", ErrBadRequest)
	ErrIdempotencyRequestHashRequired = fmt.Errorf("idempotency request hash is required: %w", ErrBadRequest)
	ErrIdempotencyKeyNotFound         = fmt.Errorf("idempotency key %w", ErrNotFound)
	// ErrIdempotencyKeyAlreadyExists — ключ уже занят запросом с тем же телом.
	ErrIdempotencyKeyAlreadyExists = fmt.Errorf("idempotency key already exists: %w", ErrConflict)
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = fmt.Errorf("idempotency key reused with a different request: %w", ErrConflict)
	// ErrIdempotencyInProgress — первый запрос с этим ключом ещё не завершён.
	ErrIdempotencyInProgress = fmt.Errorf("request with this idempotency key is still processing: %w", ErrConflict)
)

// IdempotencyRecord хранит состояние обработки запроса с idempotency-key.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	RequestHash string            `json:"request_hash"`
	Response    []byte            `json:"response,omitempty"`
	Status      IdempotencyStatus `json:"status"`
	TTLAt       time.Time         `json:"ttl_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// HashRequest считает стабильный отпечаток частей запроса.
func HashRequest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strings.TrimSpace(p)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
