package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/services"
)

const webhookBody = `{"transaction_id":"txn_1","order_id":"ord_1","status":"SETTLEMENT","amount":118000}`

func postWebhook(t *testing.T, handler *PaymentWebhookHandlers, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	handler.Routes(router)

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestPaymentWebhookHandlersForwardsDelivery(t *testing.T) {
	var captured services.WebhookRequest
	handler := NewPaymentWebhookHandlers(&stubWebhookProcessor{
		processFn: func(_ context.Context, req services.WebhookRequest) (services.WebhookResult, error) {
			captured = req
			return services.WebhookResult{
				Status:        services.WebhookStatusProcessed,
				OrderID:       "ord_1",
				OrderKind:     domain.OrderKindProduct,
				TransactionID: "txn_1",
				PaymentStatus: domain.PaymentStatusPaid,
				OrderStatus:   string(domain.OrderStatusConfirmed),
			}, nil
		},
	}, WithWebhookHeaders("X-Sig", "X-Ts", "X-Key"))

	rr := postWebhook(t, handler, "/payments?order_id=ord_1", webhookBody, map[string]string{
		"X-Sig": " abc123 ",
		"X-Ts":  "1714550400",
		"X-Key": "evt_1",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	resp := decodeBody[webhookResponse](t, rr)
	if resp.Status != "processed" || resp.OrderKind != "product" || resp.PaymentStatus != "paid" || resp.OrderStatus != "confirmed" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if string(captured.Body) != webhookBody {
		t.Fatalf("body must reach the processor untouched, got %q", captured.Body)
	}
	if captured.Signature != "abc123" || captured.Timestamp != "1714550400" || captured.IdempotencyKey != "evt_1" || captured.QueryOrderID != "ord_1" {
		t.Fatalf("unexpected request: %+v", captured)
	}
}

func TestPaymentWebhookHandlersDefaultHeaders(t *testing.T) {
	var captured services.WebhookRequest
	handler := NewPaymentWebhookHandlers(&stubWebhookProcessor{
		processFn: func(_ context.Context, req services.WebhookRequest) (services.WebhookResult, error) {
			captured = req
			return services.WebhookResult{Status: services.WebhookStatusProcessed, OrderID: "ord_1"}, nil
		},
	})

	rr := postWebhook(t, handler, "/payments", webhookBody, map[string]string{
		"signature":       "abc123",
		"timestamp":       "1714550400",
		"idempotency-key": "evt_2",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if captured.Signature != "abc123" || captured.Timestamp != "1714550400" || captured.IdempotencyKey != "evt_2" {
		t.Fatalf("default headers were not read: %+v", captured)
	}
}

func TestPaymentWebhookHandlersDuplicateAcknowledged(t *testing.T) {
	handler := NewPaymentWebhookHandlers(&stubWebhookProcessor{
		processFn: func(context.Context, services.WebhookRequest) (services.WebhookResult, error) {
			return services.WebhookResult{Status: services.WebhookStatusDuplicate, TransactionID: "txn_1"}, nil
		},
	})

	rr := postWebhook(t, handler, "/payments", webhookBody, map[string]string{defaultWebhookSignatureHeader: "sig"})
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicates must be acknowledged, got %d", rr.Code)
	}
	if resp := decodeBody[webhookResponse](t, rr); resp.Status != "duplicate" || resp.OrderID != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPaymentWebhookHandlersErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrWebhookMissingSignature, http.StatusBadRequest, "missing_signature"},
		{fmt.Errorf("%w: timestamp skew", services.ErrWebhookInvalidSignature), http.StatusUnauthorized, "invalid_signature"},
		{fmt.Errorf("%w: unknown status", services.ErrWebhookInvalidPayload), http.StatusBadRequest, "invalid_payload"},
		{services.ErrWebhookOrderNotFound, http.StatusNotFound, "order_not_found"},
		{services.ErrWebhookAmountMismatch, http.StatusUnprocessableEntity, "amount_mismatch"},
		{services.ErrWebhookUnavailable, http.StatusServiceUnavailable, "webhook_unavailable"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			handler := NewPaymentWebhookHandlers(&stubWebhookProcessor{
				processFn: func(context.Context, services.WebhookRequest) (services.WebhookResult, error) {
					return services.WebhookResult{}, tc.err
				},
			})
			assertErrorCode(t, postWebhook(t, handler, "/payments", webhookBody, nil), tc.status, tc.code)
		})
	}
}

func TestPaymentWebhookHandlersBodyLimits(t *testing.T) {
	calls := 0
	handler := NewPaymentWebhookHandlers(&stubWebhookProcessor{
		processFn: func(context.Context, services.WebhookRequest) (services.WebhookResult, error) {
			calls++
			return services.WebhookResult{Status: services.WebhookStatusProcessed}, nil
		},
	}, WithWebhookMaxBody(128))

	assertErrorCode(t, postWebhook(t, handler, "/payments", "  ", nil), http.StatusBadRequest, "invalid_payload")
	oversized := `{"padding":"` + strings.Repeat("x", 200) + `"}`
	assertErrorCode(t, postWebhook(t, handler, "/payments", oversized, nil), http.StatusRequestEntityTooLarge, "payload_too_large")
	if calls != 0 {
		t.Fatalf("rejected bodies must not reach the processor, got %d calls", calls)
	}
}

func TestPaymentWebhookHandlersUnavailable(t *testing.T) {
	handler := NewPaymentWebhookHandlers(nil)
	assertErrorCode(t, postWebhook(t, handler, "/payments", webhookBody, nil), http.StatusServiceUnavailable, "webhook_unavailable")
}
