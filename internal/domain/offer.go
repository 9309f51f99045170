package domain

import (
	"strings"
	"time"
)

// PartType — оригинальная запчасть или аналог.
type PartType string

const (
	PartTypeOriginal    PartType = "ORIGINAL"
	PartTypeAftermarket PartType = "AFTERMARKET"
)

// PartCondition — состояние запчасти.
type PartCondition string

const (
	ConditionNew  PartCondition = "NEW"
	ConditionUsed PartCondition = "USED"
)

// OfferTerms — условия, на которых магазин готов выполнить заказ.
type OfferTerms struct {
	UnitPriceMinor    int64
	ShippingCostMinor int64
	Currency          string
	WeightKg          float64
	PartType          PartType
	Condition         PartCondition
	HasWarranty       bool
	WarrantyDuration  string
	DeliveryDays      int
	Notes             string
	ImageURL          string
}

// Validate проверяет условия предложения.
func (t OfferTerms) Validate() error {
	if t.UnitPriceMinor <= 0 {
		return ErrOfferPriceInvalid
	}
	if t.ShippingCostMinor < 0 || t.WeightKg < 0 || t.DeliveryDays < 0 {
		return ErrOfferTermsInvalid
	}
	if strings.TrimSpace(t.Currency) == "" {
		return ErrOfferTermsInvalid
	}
	switch t.PartType {
	case "", PartTypeOriginal, PartTypeAftermarket:
	default:
		return ErrOfferTermsInvalid
	}
	switch t.Condition {
	case "", ConditionNew, ConditionUsed:
	default:
		return ErrOfferTermsInvalid
	}
	if !t.HasWarranty && t.WarrantyDuration != "" {
		return ErrOfferTermsInvalid
	}
	return nil
}

// TotalMinor — итоговая стоимость для клиента.
func (t OfferTerms) TotalMinor() int64 {
	return t.UnitPriceMinor + t.ShippingCostMinor
}

// Offer — ставка магазина по заказу. После создания не изменяется.
type Offer struct {
	ID        string
	OrderID   string
	StoreID   string
	Terms     OfferTerms
	CreatedAt time.Time
}

// CompareOffers задаёт стабильный порядок предложений: (CreatedAt, ID).
func CompareOffers(a, b Offer) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
