package domain

import (
	"fmt"
	"time"
)

// AuditAction — тип записи журнала аудита.
type AuditAction string

const (
	AuditActionCreate        AuditAction = "CREATE"
	AuditActionStatusChange  AuditAction = "STATUS_CHANGE"
	AuditActionOfferAccepted AuditAction = "OFFER_ACCEPTED"
	AuditActionDisputeOpened AuditAction = "DISPUTE_OPENED"
)

// AuditEntityOrder — сущность, к которой относятся записи движка.
const AuditEntityOrder = "Order"

// AuditEntry — неизменяемая запись журнала. Пишется ровно одна на каждый
// зафиксированный переход в той же транзакции, что и заказ.
type AuditEntry struct {
	ID            string
	OrderID       string
	Action        AuditAction
	ActorType     ActorType
	ActorID       string
	ActorName     string
	PreviousState Status
	NewState      Status
	Reason        string
	Metadata      AuditMetadata
	Timestamp     time.Time
}

// AuditMetadataKind — вариант размеченного объединения метаданных аудита.
type AuditMetadataKind string

const (
	AuditMetaCreation   AuditMetadataKind = "creation"
	AuditMetaAcceptance AuditMetadataKind = "acceptance"
	AuditMetaExpiry     AuditMetadataKind = "expiry"
	AuditMetaNote       AuditMetadataKind = "note"
	AuditMetaDispute    AuditMetadataKind = "dispute"
)

// AuditMetadataVersion — текущая версия схемы метаданных.
const AuditMetadataVersion = 1

// AuditMetadata хранит ровно один типизированный вариант, соответствующий Kind.
// Нулевое значение означает отсутствие метаданных.
type AuditMetadata struct {
	Kind       AuditMetadataKind   `json:"kind,omitempty"`
	Version    int                 `json:"version,omitempty"`
	Creation   *CreationMetadata   `json:"creation,omitempty"`
	Acceptance *AcceptanceMetadata `json:"acceptance,omitempty"`
	Expiry     *ExpiryMetadata     `json:"expiry,omitempty"`
	Note       *NoteMetadata       `json:"note,omitempty"`
	Dispute    *DisputeMetadata    `json:"dispute,omitempty"`
}

// CreationMetadata фиксирует, что именно запросил клиент.
type CreationMetadata struct {
	OrderNumber string `json:"order_number"`
	Vehicle     string `json:"vehicle"`
	PartName    string `json:"part_name"`
}

// AcceptanceMetadata фиксирует выигравшее предложение.
type AcceptanceMetadata struct {
	OfferID    string `json:"offer_id"`
	StoreID    string `json:"store_id"`
	TotalMinor int64  `json:"total_minor"`
	Currency   string `json:"currency"`
}

// ExpiryMetadata описывает сработавшее правило истечения.
type ExpiryMetadata struct {
	Rule     string        `json:"rule"`
	Window   time.Duration `json:"window"`
	Deadline time.Time     `json:"deadline"`
}

// NoteMetadata — произвольные пары ключ/значение от оператора.
type NoteMetadata struct {
	Fields map[string]string `json:"fields"`
}

// DisputeMetadata ссылается на открытый спор.
type DisputeMetadata struct {
	DisputeID     string `json:"dispute_id"`
	EvidenceCount int    `json:"evidence_count"`
}

func CreationMeta(m CreationMetadata) AuditMetadata {
	return AuditMetadata{Kind: AuditMetaCreation, Version: AuditMetadataVersion, Creation: &m}
}

func AcceptanceMeta(m AcceptanceMetadata) AuditMetadata {
	return AuditMetadata{Kind: AuditMetaAcceptance, Version: AuditMetadataVersion, Acceptance: &m}
}

func ExpiryMeta(m ExpiryMetadata) AuditMetadata {
	return AuditMetadata{Kind: AuditMetaExpiry, Version: AuditMetadataVersion, Expiry: &m}
}

func NoteMeta(fields map[string]string) AuditMetadata {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return AuditMetadata{Kind: AuditMetaNote, Version: AuditMetadataVersion, Note: &NoteMetadata{Fields: copied}}
}

func DisputeMeta(m DisputeMetadata) AuditMetadata {
	return AuditMetadata{Kind: AuditMetaDispute, Version: AuditMetadataVersion, Dispute: &m}
}

// IsZero сообщает об отсутствии метаданных.
func (m AuditMetadata) IsZero() bool {
	return m.Kind == ""
}

// Validate проверяет, что заполнен ровно тот вариант, который указан в Kind.
func (m AuditMetadata) Validate() error {
	set := 0
	for _, present := range []bool{m.Creation != nil, m.Acceptance != nil, m.Expiry != nil, m.Note != nil, m.Dispute != nil} {
		if present {
			set++
		}
	}
	if m.Kind == "" {
		if set != 0 {
			return fmt.Errorf("audit metadata: payload without kind: %w", ErrBadRequest)
		}
		return nil
	}
	if set != 1 {
		return fmt.Errorf("audit metadata %s: expected exactly one payload, got %d: %w", m.Kind, set, ErrBadRequest)
	}

	var ok bool
	switch m.Kind {
	case AuditMetaCreation:
		ok = m.Creation != nil
	case AuditMetaAcceptance:
		ok = m.Acceptance != nil
	case AuditMetaExpiry:
		ok = m.Expiry != nil
	case AuditMetaNote:
		ok = m.Note != nil
	case AuditMetaDispute:
		ok = m.Dispute != nil
	default:
		return fmt.Errorf("audit metadata: unknown kind %q: %w", m.Kind, ErrBadRequest)
	}
	if !ok {
		return fmt.Errorf("audit metadata %s: payload does not match kind: %w", m.Kind, ErrBadRequest)
	}
	if m.Version <= 0 || m.Version > AuditMetadataVersion {
		return fmt.Errorf("audit metadata %s: unsupported version %d: %w", m.Kind, m.Version, ErrBadRequest)
	}
	return nil
}
