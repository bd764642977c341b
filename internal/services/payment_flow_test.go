package services

import (
	"context"
	"testing"

	domain "github.com/hanko-field/orders/internal/domain"
)

// paymentStack wires every payment-related service against shared in-memory storage.
type paymentStack struct {
	orders        *memoryOrders
	bookings      *memoryServiceOrders
	sessions      *stubSessions
	cache         *memoryCache
	events        *recordingEvents
	notifications *recordingNotifications
	checkout      OrderService
	webhooks      WebhookProcessor
	remaining     RemainingPaymentService
	verification  PaymentVerificationService
}

func newPaymentStack(t *testing.T, ids ...string) paymentStack {
	t.Helper()
	claims := newMemoryClaims()
	s := paymentStack{
		orders:        newMemoryOrders(claims),
		bookings:      newMemoryServiceOrders(claims),
		sessions:      &stubSessions{},
		cache:         newMemoryCache(),
		events:        &recordingEvents{},
		notifications: &recordingNotifications{},
	}
	clock := fixedClock(testNow)
	var err error
	if s.checkout, err = NewOrderService(OrderServiceDeps{
		Orders:        s.orders,
		ServiceOrders: s.bookings,
		Payments:      s.sessions,
		Events:        s.events,
		Clock:         clock,
		IDGenerator:   sequenceIDs(ids...),
	}); err != nil {
		t.Fatalf("order service: %v", err)
	}
	if s.webhooks, err = NewWebhookProcessor(WebhookProcessorDeps{
		Orders:        s.orders,
		ServiceOrders: s.bookings,
		Claims:        claims,
		Verifier:      stubVerifier{},
		Dedup:         s.cache,
		Cache:         s.cache,
		Notifications: s.notifications,
		Events:        s.events,
		Clock:         clock,
	}); err != nil {
		t.Fatalf("webhook processor: %v", err)
	}
	if s.remaining, err = NewRemainingPaymentService(RemainingPaymentServiceDeps{
		ServiceOrders: s.bookings,
		Payments:      s.sessions,
		Cache:         s.cache,
		Events:        s.events,
		Clock:         clock,
	}); err != nil {
		t.Fatalf("remaining payment service: %v", err)
	}
	if s.verification, err = NewPaymentVerificationService(PaymentVerificationServiceDeps{
		ServiceOrders: s.bookings,
		Cache:         s.cache,
		Events:        s.events,
		Clock:         clock,
	}); err != nil {
		t.Fatalf("verification service: %v", err)
	}
	return s
}

func (s paymentStack) deliver(t *testing.T, sessionID, status, amount, txn string) WebhookResult {
	t.Helper()
	result, err := s.webhooks.Process(context.Background(), WebhookRequest{Body: webhookBody(sessionID, status, amount, txn)})
	if err != nil {
		t.Fatalf("deliver %s: %v", sessionID, err)
	}
	return result
}

func TestServiceBookingAdvanceThenRemaining(t *testing.T) {
	ctx := context.Background()
	s := newPaymentStack(t, "S1")
	owner := Requester{UserID: "user-1"}

	checkout, err := s.checkout.CreateServiceOrder(ctx, serviceCommand())
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if checkout.Amount != 50000 {
		t.Fatalf("expected advance 50000, got %d", checkout.Amount)
	}

	advance := s.deliver(t, checkout.SessionID, "SUCCESS", "500", "txn-adv")
	if advance.PaymentStatus != domain.PaymentStatusPartial || advance.OrderStatus != string(domain.ServiceOrderStatusConfirmed) {
		t.Fatalf("unexpected advance result: %+v", advance)
	}
	booking := s.bookings.get(checkout.OrderID)
	if booking.PaidAmount != 50000 || booking.RemainingAmount != 450000 || booking.Advance.Status != domain.LedgerStatusCompleted {
		t.Fatalf("unexpected booking after advance: paid=%d remaining=%d advance=%s", booking.PaidAmount, booking.RemainingAmount, booking.Advance.Status)
	}
	if len(s.notifications.sent) != 1 || s.notifications.sent[0].Kind != NotificationBookingSummary {
		t.Fatalf("expected booking summary, got %+v", s.notifications.sent)
	}

	rem, err := s.remaining.Initiate(ctx, RemainingPaymentCommand{OrderID: checkout.OrderID, Requester: owner})
	if err != nil {
		t.Fatalf("initiate remaining: %v", err)
	}
	if rem.RemainingAmount != 450000 || rem.AdvancePaid != 50000 || rem.TotalAmount != 500000 {
		t.Fatalf("unexpected remaining result: %+v", rem)
	}
	if rem.SessionID != "svc_S1-rem-1" {
		t.Fatalf("unexpected remaining session %q", rem.SessionID)
	}

	if _, err := s.remaining.Initiate(ctx, RemainingPaymentCommand{OrderID: checkout.OrderID, Requester: owner}); err != ErrRemainingSessionPending {
		t.Fatalf("expected pending session rejection, got %v", err)
	}

	final := s.deliver(t, rem.SessionID, "SUCCESS", "4500", "txn-rem")
	if final.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %+v", final)
	}
	booking = s.bookings.get(checkout.OrderID)
	if booking.PaidAmount != 500000 || booking.RemainingAmount != 0 {
		t.Fatalf("unexpected totals: paid=%d remaining=%d", booking.PaidAmount, booking.RemainingAmount)
	}
	if booking.Final == nil || booking.Final.Status != domain.LedgerStatusCompleted || booking.Final.TransactionID != "txn-rem" {
		t.Fatalf("unexpected final payment: %+v", booking.Final)
	}
	for _, svc := range booking.Services {
		if svc.PaymentStatus != domain.PaymentStatusPaid || svc.AmountPaid != 500000 {
			t.Fatalf("expected service line mirrored as paid, got %+v", svc)
		}
	}

	if _, err := s.remaining.Initiate(ctx, RemainingPaymentCommand{OrderID: checkout.OrderID, Requester: owner}); err != ErrRemainingNotRequired {
		t.Fatalf("expected not required, got %v", err)
	}

	verified, err := s.verification.Verify(ctx, VerifyPaymentCommand{OrderID: checkout.OrderID, Requester: owner})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verified.IsFullyPaid || verified.TotalPaid != 500000 || verified.Repaired {
		t.Fatalf("unexpected verification: %+v", verified)
	}

	replay := s.deliver(t, rem.SessionID, "SUCCESS", "4500", "txn-rem")
	if replay.Status != WebhookStatusDuplicate {
		t.Fatalf("expected duplicate replay, got %+v", replay)
	}
	if got := s.bookings.get(checkout.OrderID).PaidAmount; got != 500000 {
		t.Fatalf("replay must not double count, paid=%d", got)
	}
}

func TestServiceBookingRemainingAmountMismatch(t *testing.T) {
	ctx := context.Background()
	s := newPaymentStack(t, "S2")
	checkout, err := s.checkout.CreateServiceOrder(ctx, serviceCommand())
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	s.deliver(t, checkout.SessionID, "SUCCESS", "500", "txn-adv")
	rem, err := s.remaining.Initiate(ctx, RemainingPaymentCommand{OrderID: checkout.OrderID, Requester: Requester{UserID: "user-1"}})
	if err != nil {
		t.Fatalf("initiate remaining: %v", err)
	}

	_, err = s.webhooks.Process(ctx, WebhookRequest{Body: webhookBody(rem.SessionID, "SUCCESS", "5000", "txn-over")})
	if err == nil {
		t.Fatalf("expected amount mismatch")
	}
	if got := s.bookings.get(checkout.OrderID); got.PaymentStatus != domain.PaymentStatusPartial {
		t.Fatalf("booking must stay partial, got %s", got.PaymentStatus)
	}
}

func TestServiceBookingFailedAdvanceCancelsBooking(t *testing.T) {
	ctx := context.Background()
	s := newPaymentStack(t, "S3")
	checkout, err := s.checkout.CreateServiceOrder(ctx, serviceCommand())
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	result := s.deliver(t, checkout.SessionID, "FAILED", "500", "txn-bad")
	if result.OrderStatus != string(domain.ServiceOrderStatusCancelled) || result.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(s.notifications.sent) != 0 {
		t.Fatalf("failed advance must not notify")
	}
}

func TestServiceBookingFailedRemainingCanBeRetried(t *testing.T) {
	ctx := context.Background()
	s := newPaymentStack(t, "S4")
	owner := Requester{UserID: "user-1"}
	checkout, err := s.checkout.CreateServiceOrder(ctx, serviceCommand())
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	s.deliver(t, checkout.SessionID, "SUCCESS", "500", "txn-adv")
	first, err := s.remaining.Initiate(ctx, RemainingPaymentCommand{OrderID: checkout.OrderID, Requester: owner})
	if err != nil {
		t.Fatalf("initiate remaining: %v", err)
	}
	failed := s.deliver(t, first.SessionID, "FAILED", "4500", "txn-rem-1")
	if failed.OrderStatus != string(domain.ServiceOrderStatusConfirmed) || failed.PaymentStatus != domain.PaymentStatusPartial {
		t.Fatalf("failed remaining must keep the booking, got %+v", failed)
	}

	second, err := s.remaining.Initiate(ctx, RemainingPaymentCommand{OrderID: checkout.OrderID, Requester: owner})
	if err != nil {
		t.Fatalf("retry remaining: %v", err)
	}
	if second.SessionID != "svc_S4-rem-2" || second.RemainingAmount != 450000 {
		t.Fatalf("unexpected retry: %+v", second)
	}
	paid := s.deliver(t, second.SessionID, "SUCCESS", "4500", "txn-rem-2")
	if paid.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid after retry, got %+v", paid)
	}
}
