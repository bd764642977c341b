package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/hanko-field/orders/internal/domain"
)

func newVerificationService(t *testing.T, bookings *memoryServiceOrders, events *recordingEvents) PaymentVerificationService {
	t.Helper()
	svc, err := NewPaymentVerificationService(PaymentVerificationServiceDeps{
		ServiceOrders: bookings,
		Events:        events,
		Clock:         fixedClock(testNow),
	})
	if err != nil {
		t.Fatalf("new verification service: %v", err)
	}
	return svc
}

func TestPaymentVerificationRepairsLostStatus(t *testing.T) {
	ctx := context.Background()
	bookings := newMemoryServiceOrders(nil)
	booking := partiallyPaidBooking("svc_V1")
	booking.Final = &domain.FinalPayment{
		Amount:      450000,
		SessionID:   "svc_V1-rem-1",
		Status:      domain.LedgerStatusPending,
		RequestedAt: testNow,
	}
	booking.SessionIDs = append(booking.SessionIDs, "svc_V1-rem-1")
	booking.History = append(booking.History, domain.PaymentEntry{
		Amount:        450000,
		SessionID:     "svc_V1-rem-1",
		TransactionID: "txn-rem",
		Type:          domain.PaymentTypeRemaining,
		CreatedAt:     testNow,
	})
	if err := bookings.Insert(ctx, booking); err != nil {
		t.Fatalf("seed: %v", err)
	}
	events := &recordingEvents{}
	svc := newVerificationService(t, bookings, events)

	result, err := svc.Verify(ctx, VerifyPaymentCommand{OrderID: "svc_V1", Requester: Requester{UserID: "user-1"}})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Repaired || !result.IsFullyPaid || result.TotalPaid != 500000 || result.RemainingAmount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	stored := bookings.get("svc_V1")
	if stored.PaymentStatus != domain.PaymentStatusPaid || stored.Final.Status != domain.LedgerStatusCompleted || stored.Final.TransactionID != "txn-rem" {
		t.Fatalf("expected settled booking, got status=%s final=%+v", stored.PaymentStatus, stored.Final)
	}
	if got := events.types(); len(got) != 1 || got[0] != EventOrderPaid {
		t.Fatalf("expected order.paid event, got %v", got)
	}

	writes := bookings.writes
	again, err := svc.Verify(ctx, VerifyPaymentCommand{OrderID: "svc_V1", Requester: Requester{UserID: "user-1"}})
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if again.Repaired || !again.IsFullyPaid {
		t.Fatalf("unexpected second result: %+v", again)
	}
	if bookings.writes != writes {
		t.Fatalf("second verify must not write")
	}
}

func TestPaymentVerificationPartialBooking(t *testing.T) {
	ctx := context.Background()
	bookings := newMemoryServiceOrders(nil)
	if err := bookings.Insert(ctx, partiallyPaidBooking("svc_V2")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := newVerificationService(t, bookings, &recordingEvents{})

	result, err := svc.Verify(ctx, VerifyPaymentCommand{OrderID: "svc_V2", Requester: Requester{UserID: "user-1"}})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.IsFullyPaid || result.PaymentStatus != domain.PaymentStatusPartial || result.RemainingAmount != 450000 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if bookings.writes != 0 {
		t.Fatalf("consistent booking must not be rewritten")
	}
}

func TestPaymentVerificationForbidden(t *testing.T) {
	ctx := context.Background()
	bookings := newMemoryServiceOrders(nil)
	if err := bookings.Insert(ctx, partiallyPaidBooking("svc_V3")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := newVerificationService(t, bookings, &recordingEvents{})
	if _, err := svc.Verify(ctx, VerifyPaymentCommand{OrderID: "svc_V3", Requester: Requester{UserID: "other"}}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
