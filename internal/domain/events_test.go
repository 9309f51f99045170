package domain

import (
	"errors"
	"testing"
	"time"
)

func sampleOrder() Order {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	return Order{
		ID:              "order-1",
		OrderNumber:     "ORD-20260201-000001",
		CustomerID:      "customer-1",
		Status:          StatusAwaitingPayment,
		AcceptedOfferID: "offer-1",
		WinningStoreID:  "store-1",
		Request:         PartRequest{PartName: "Bumper"},
		CreatedAt:       now.Add(-time.Hour),
		UpdatedAt:       now,
	}
}

func TestEvent_OutboxRoundTripKeepsPayload(t *testing.T) {
	order := sampleOrder()
	event := NewOfferAcceptedEvent(order)

	msg, err := event.ToOutbox()
	if err != nil {
		t.Fatalf("to outbox: %v", err)
	}
	if msg.AggregateType != AggregateOrder || msg.AggregateID != order.ID || msg.EventType != string(EventOfferAccepted) {
		t.Fatalf("unexpected envelope: %+v", msg)
	}

	decoded, err := DecodeEvent(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.OfferAccepted == nil || decoded.OfferAccepted.WinningStoreID != "store-1" {
		t.Fatalf("payload lost: %+v", decoded)
	}
}

func TestEvent_ValidateRejectsMismatchedUnion(t *testing.T) {
	order := sampleOrder()

	tests := []struct {
		name string
		mut  func(e *Event)
	}{
		{name: "no payload", mut: func(e *Event) { e.StatusChanged = nil }},
		{name: "two payloads", mut: func(e *Event) { e.OfferAccepted = &OfferAcceptedEvent{} }},
		{name: "wrong kind", mut: func(e *Event) { e.Kind = EventOfferSubmitted }},
		{name: "unknown kind", mut: func(e *Event) { e.Kind = "order.exploded" }},
		{name: "future version", mut: func(e *Event) { e.Version = EventSchemaVersion + 1 }},
		{name: "no order", mut: func(e *Event) { e.OrderID = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event := NewStatusChangedEvent(order, StatusAwaitingOffers, Actor{Type: ActorCustomer, ID: "customer-1"}, "")
			tc.mut(&event)
			if err := event.Validate(); !errors.Is(err, ErrBadRequest) {
				t.Fatalf("expected bad request, got %v", err)
			}
		})
	}
}

func TestEvent_DisputeOpenedRoundTrip(t *testing.T) {
	order := sampleOrder()
	order.Status = StatusDisputed
	dispute := Dispute{ID: "dispute-1", OrderID: order.ID, CustomerID: order.CustomerID, Reason: "wrong part", CreatedAt: order.UpdatedAt}

	msg, err := NewDisputeOpenedEvent(order, dispute).ToOutbox()
	if err != nil {
		t.Fatalf("to outbox: %v", err)
	}
	decoded, err := DecodeEvent(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.DisputeOpened == nil || decoded.DisputeOpened.DisputeID != "dispute-1" || decoded.DisputeOpened.WinningStoreID != "store-1" {
		t.Fatalf("payload lost: %+v", decoded)
	}
}

func TestDispute_Validate(t *testing.T) {
	base := Dispute{OrderID: "order-1", CustomerID: "customer-1", Reason: "damaged"}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid dispute rejected: %v", err)
	}

	tooMany := base
	tooMany.Evidence = make([]string, maxDisputeEvidence+1)
	for i := range tooMany.Evidence {
		tooMany.Evidence[i] = "file.jpg"
	}
	noReason := base
	noReason.Reason = " "
	noCustomer := base
	noCustomer.CustomerID = ""

	for name, tc := range map[string]struct {
		d    Dispute
		want error
	}{
		"too much evidence": {tooMany, ErrBadRequest},
		"blank reason":      {noReason, ErrDisputeReasonRequired},
		"no customer":       {noCustomer, ErrCustomerRequired},
	} {
		if err := tc.d.Validate(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", name, err, tc.want)
		}
	}
}

func TestDecodeEvent_RejectsTypeMismatch(t *testing.T) {
	msg, err := NewOrderCreatedEvent(sampleOrder()).ToOutbox()
	if err != nil {
		t.Fatal(err)
	}
	msg.EventType = string(EventStatusChanged)

	if _, err := DecodeEvent(msg); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestAuditMetadata_Validate(t *testing.T) {
	valid := []AuditMetadata{
		{},
		CreationMeta(CreationMetadata{PartName: "Bumper"}),
		AcceptanceMeta(AcceptanceMetadata{OfferID: "offer-1"}),
		ExpiryMeta(ExpiryMetadata{Rule: "bidding", Window: time.Hour}),
		NoteMeta(map[string]string{"ticket": "42"}),
		DisputeMeta(DisputeMetadata{DisputeID: "dispute-1", EvidenceCount: 2}),
	}
	for _, m := range valid {
		if err := m.Validate(); err != nil {
			t.Fatalf("%s: unexpected error %v", m.Kind, err)
		}
	}

	invalid := []AuditMetadata{
		{Creation: &CreationMetadata{}},
		{Kind: AuditMetaExpiry, Version: 1, Creation: &CreationMetadata{}},
		{Kind: AuditMetaNote, Version: 2, Note: &NoteMetadata{}},
		{Kind: "custom", Version: 1, Note: &NoteMetadata{}},
		{Kind: AuditMetaDispute, Version: 1, Note: &NoteMetadata{}},
	}
	for _, m := range invalid {
		if err := m.Validate(); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("%+v: expected bad request, got %v", m, err)
		}
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: "none"},
		{err: ErrOrderNotFound, want: "not_found"},
		{err: &IllegalTransitionError{From: StatusCompleted, To: StatusShipped}, want: "illegal_transition"},
		{err: &PolicyDeniedError{Rule: "r"}, want: "forbidden"},
		{err: ErrBiddingExpired, want: "bad_request"},
		{err: ErrOrderVersionConflict, want: "conflict"},
		{err: errors.New("boom"), want: "internal"},
	}
	for _, tc := range tests {
		if got := Kind(tc.err); got != tc.want {
			t.Fatalf("Kind(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestIsVersionConflict(t *testing.T) {
	if !IsVersionConflict(errors.Join(ErrOrderVersionConflict, errors.New("ctx"))) {
		t.Fatal("joined conflict not detected")
	}
	if IsVersionConflict(ErrOrderNotFound) {
		t.Fatal("not found reported as conflict")
	}
}
