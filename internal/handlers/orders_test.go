package handlers

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/services"
)

const createOrderBody = `{
	"currency": "inr",
	"items": [
		{"productId": "prd_1", "name": "Brass lamp", "unitPrice": 60000, "quantity": 1},
		{"productId": "prd_2", "name": "Cushion", "unitPrice": 25000, "discountedPrice": 20000, "quantity": 2}
	],
	"shippingAddress": {"recipient": "Asha", "line1": "12 MG Road", "city": "Pune", "postalCode": "411001", "country": "IN"},
	"totals": {"subtotal": 100000, "gst": 18000, "discount": 0, "total": 118000},
	"customer": {"name": "Asha", "phone": "+919800000000"},
	"provider": "midtrans"
}`

func TestOrderHandlersCreateOrder(t *testing.T) {
	var captured services.CreateProductOrderCommand
	svc := &stubOrderService{
		productFn: func(_ context.Context, cmd services.CreateProductOrderCommand) (services.CheckoutResult, error) {
			captured = cmd
			return services.CheckoutResult{
				OrderID:     "ord_1",
				OrderKind:   domain.OrderKindProduct,
				SessionID:   "ord_1",
				Provider:    "midtrans",
				RedirectURL: "https://pay.example/ord_1",
				Amount:      118000,
				Total:       118000,
				Currency:    "INR",
				ExpiresAt:   time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	handler := NewOrderHandlers(nil, svc, nil, nil)

	rr := serve(t, handler.Routes, http.MethodPost, "/", createOrderBody, customer)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	resp := decodeBody[checkoutResponse](t, rr)
	if resp.OrderID != "ord_1" || resp.SessionID != "ord_1" || resp.RedirectURL == "" || resp.ExpiresAt != "2025-05-01T10:00:00Z" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if captured.UserID != "user-1" || captured.Currency != "INR" || len(captured.Items) != 2 {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.Items[1].DiscountedPrice == nil || *captured.Items[1].DiscountedPrice != 20000 {
		t.Fatalf("discounted price not forwarded")
	}
	if captured.ShippingAddress == nil || captured.ShippingAddress.City != "Pune" {
		t.Fatalf("shipping address not forwarded: %+v", captured.ShippingAddress)
	}
	if captured.Totals.Total != 118000 || captured.PreferredProvider != "midtrans" {
		t.Fatalf("unexpected totals or provider: %+v", captured)
	}
	if captured.Customer.ID != "user-1" || captured.Customer.Email != "user@example.com" {
		t.Fatalf("customer should default to the caller identity, got %+v", captured.Customer)
	}
}

func TestOrderHandlersCreateOrderForwardsIdempotencyKey(t *testing.T) {
	var key string
	svc := &stubOrderService{
		productFn: func(_ context.Context, cmd services.CreateProductOrderCommand) (services.CheckoutResult, error) {
			key = cmd.IdempotencyKey
			return services.CheckoutResult{OrderID: "ord_2"}, nil
		},
	}
	handler := NewOrderHandlers(nil, svc, nil, nil, WithIdempotency(nil, "X-Client-Key"))

	router := RouteRegistrar(handler.Routes)
	rr := serveWithHeader(t, router, http.MethodPost, "/", createOrderBody, "X-Client-Key", "checkout-9")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if key != "checkout-9" {
		t.Fatalf("expected idempotency key to be forwarded, got %q", key)
	}
}

func TestOrderHandlersCreateOrderErrors(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		svcErr   error
		identity bool
		status   int
		code     string
	}{
		{name: "unauthenticated", body: createOrderBody, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "empty body", body: "", identity: true, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "malformed json", body: "{", identity: true, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "validation", body: createOrderBody, identity: true, svcErr: fmt.Errorf("%w: totals do not balance", services.ErrOrderInvalidInput), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "gateway", body: createOrderBody, identity: true, svcErr: fmt.Errorf("%w: timeout", services.ErrOrderPaymentFailed), status: http.StatusBadGateway, code: "payment_session_failed"},
		{name: "storage", body: createOrderBody, identity: true, svcErr: services.ErrOrderUnavailable, status: http.StatusServiceUnavailable, code: "order_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOrderService{
				productFn: func(context.Context, services.CreateProductOrderCommand) (services.CheckoutResult, error) {
					return services.CheckoutResult{}, tc.svcErr
				},
			}
			handler := NewOrderHandlers(nil, svc, nil, nil)
			identity := customer
			if !tc.identity {
				identity = nil
			}
			rr := serve(t, handler.Routes, http.MethodPost, "/", tc.body, identity)
			assertErrorCode(t, rr, tc.status, tc.code)
		})
	}
}

func TestOrderHandlersGetStatus(t *testing.T) {
	queries := &stubQueryService{
		orderFn: func(_ context.Context, q services.OrderStatusQuery) (services.OrderStatusView, error) {
			if q.ID == "missing" {
				return services.OrderStatusView{}, services.ErrOrderNotFound
			}
			if q.Requester.UserID != "user-1" || q.Requester.IsAdmin {
				return services.OrderStatusView{}, services.ErrOrderForbidden
			}
			return services.OrderStatusView{
				OrderID:       q.ID,
				OrderKind:     domain.OrderKindProduct,
				PaymentStatus: domain.PaymentStatusPaid,
				OrderStatus:   string(domain.OrderStatusConfirmed),
				Total:         118000,
				PaidAmount:    118000,
			}, nil
		},
	}
	handler := NewOrderHandlers(nil, nil, queries, nil)

	rr := serve(t, handler.Routes, http.MethodGet, "/ord_1/status", "", customer)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	view := decodeBody[map[string]any](t, rr)
	if view["orderId"] != "ord_1" || view["paymentStatus"] != "paid" || view["orderStatus"] != "confirmed" {
		t.Fatalf("unexpected view: %v", view)
	}

	assertErrorCode(t, serve(t, handler.Routes, http.MethodGet, "/missing/status", "", customer), http.StatusNotFound, "order_not_found")
	assertErrorCode(t, serve(t, handler.Routes, http.MethodGet, "/ord_1/status", "", staff), http.StatusForbidden, "forbidden")
}

func TestOrderHandlersRequestReturn(t *testing.T) {
	now := time.Date(2025, 5, 3, 8, 0, 0, 0, time.UTC)
	var captured services.RequestReturnCommand
	returns := &stubReturnService{
		requestFn: func(_ context.Context, cmd services.RequestReturnCommand) (domain.Return, error) {
			captured = cmd
			return domain.Return{
				ID:                "ret_1",
				OrderID:           cmd.OrderID,
				UserID:            cmd.Requester.UserID,
				Currency:          "INR",
				Status:            domain.ReturnStatusRequested,
				TotalRefundAmount: 21600,
				Items: []domain.ReturnItem{{
					LineItemID: "li_1", Quantity: 1, Reason: "damaged",
					ItemRefund: 20000, DiscountShare: 2000, GSTShare: 3600, RefundAmount: 21600,
				}},
				RequestedAt: now,
				UpdatedAt:   now,
			}, nil
		},
	}
	handler := NewOrderHandlers(nil, nil, nil, returns)

	body := `{"items":[{"lineItemId":"li_1","quantity":1,"reason":" damaged "}],"notes":"box crushed"}`
	rr := serve(t, handler.Routes, http.MethodPost, "/ord_9/returns", body, customer)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	resp := decodeBody[returnResponse](t, rr)
	if resp.ID != "ret_1" || resp.TotalRefundAmount != 21600 || len(resp.Items) != 1 || resp.Items[0].GSTShare != 3600 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.OrderID != "ord_9" || captured.Requester.UserID != "user-1" || captured.Items[0].Reason != "damaged" || captured.Notes != "box crushed" {
		t.Fatalf("unexpected command: %+v", captured)
	}
}

func TestOrderHandlersRequestReturnEligibilityErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"window closed", fmt.Errorf("%w: %w", services.ErrReturnNotEligible, domain.ErrReturnWindowClosed), http.StatusUnprocessableEntity, "return_window_closed"},
		{"active return", fmt.Errorf("%w: %w", services.ErrReturnNotEligible, domain.ErrOrderActiveReturn), http.StatusConflict, "active_return_exists"},
		{"not delivered", fmt.Errorf("%w: %w", services.ErrReturnNotEligible, domain.ErrOrderNotDelivered), http.StatusUnprocessableEntity, "order_not_delivered"},
		{"bad quantity", fmt.Errorf("%w: quantity exceeds purchased", services.ErrReturnInvalidInput), http.StatusBadRequest, "invalid_request"},
		{"not owner", services.ErrOrderForbidden, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			returns := &stubReturnService{
				requestFn: func(context.Context, services.RequestReturnCommand) (domain.Return, error) {
					return domain.Return{}, tc.err
				},
			}
			handler := NewOrderHandlers(nil, nil, nil, returns)
			rr := serve(t, handler.Routes, http.MethodPost, "/ord_1/returns", `{"items":[{"lineItemId":"li_1","quantity":1,"reason":"x"}]}`, customer)
			assertErrorCode(t, rr, tc.status, tc.code)
		})
	}
}

func TestOrderHandlersListReturns(t *testing.T) {
	returns := &stubReturnService{
		listFn: func(_ context.Context, orderID string, _ services.Requester) ([]domain.Return, error) {
			return []domain.Return{{ID: "ret_1", OrderID: orderID}, {ID: "ret_2", OrderID: orderID}}, nil
		},
	}
	handler := NewOrderHandlers(nil, nil, nil, returns)

	rr := serve(t, handler.Routes, http.MethodGet, "/ord_1/returns", "", customer)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody[struct {
		Items []returnResponse `json:"items"`
	}](t, rr)
	if len(body.Items) != 2 || body.Items[1].ID != "ret_2" {
		t.Fatalf("unexpected items: %+v", body.Items)
	}
}

func TestOrderHandlersServiceUnavailable(t *testing.T) {
	handler := NewOrderHandlers(nil, nil, nil, nil)
	assertErrorCode(t, serve(t, handler.Routes, http.MethodPost, "/", createOrderBody, customer), http.StatusServiceUnavailable, "orders_unavailable")
	assertErrorCode(t, serve(t, handler.Routes, http.MethodGet, "/ord_1/returns", "", customer), http.StatusServiceUnavailable, "returns_unavailable")
}
