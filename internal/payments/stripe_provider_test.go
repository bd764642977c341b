package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type fakeStripeSessions struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	return f.session, f.err
}

func TestStripeProviderCreateSession(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}}
	var logged []string
	provider, err := NewStripeProvider(StripeProviderConfig{
		Sessions: sessions,
		Clock:    func() time.Time { return now },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}

	session, err := provider.CreateSession(context.Background(), SessionRequest{
		Reference:      "ord_1-full",
		OrderID:        "ord_1",
		Amount:         118000,
		Currency:       "INR",
		Customer:       Customer{Email: "buyer@example.com"},
		ReturnURL:      "https://shop.example.com/orders/ord_1",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "cs_test_1" || session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", session)
	}
	if !session.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected default expiry, got %s", session.ExpiresAt)
	}

	params := sessions.params
	if params == nil {
		t.Fatal("expected params to be sent")
	}
	if got := stripe.StringValue(params.ClientReferenceID); got != "ord_1-full" {
		t.Fatalf("expected client reference ord_1-full, got %q", got)
	}
	if len(params.LineItems) != 1 || stripe.Int64Value(params.LineItems[0].PriceData.UnitAmount) != 118000 {
		t.Fatalf("expected single line item for the session amount")
	}
	if got := stripe.StringValue(params.LineItems[0].PriceData.Currency); got != "inr" {
		t.Fatalf("expected lowercase currency, got %q", got)
	}
	if params.Metadata["orderId"] != "ord_1" {
		t.Fatalf("expected order metadata, got %v", params.Metadata)
	}
	if stripe.StringValue(params.IdempotencyKey) != "idem-1" {
		t.Fatalf("expected idempotency key to be forwarded")
	}
	if len(logged) != 1 || logged[0] != "payments.stripe.session.created" {
		t.Fatalf("unexpected log events %v", logged)
	}
}

func TestStripeProviderClassifiesRejections(t *testing.T) {
	sessions := &fakeStripeSessions{err: &stripe.Error{HTTPStatusCode: 400, Msg: "amount too small"}}
	provider, err := NewStripeProvider(StripeProviderConfig{Sessions: sessions})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	_, err = provider.CreateSession(context.Background(), SessionRequest{Reference: "r", Amount: 1, Currency: "USD"})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}

	sessions.err = errors.New("connection reset")
	_, err = provider.CreateSession(context.Background(), SessionRequest{Reference: "r", Amount: 1, Currency: "USD"})
	if err == nil || errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatal("expected error without api key")
	}
}
