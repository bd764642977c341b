package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/services"
)

var errNotImplemented = errors.New("not implemented")

type stubOrderService struct {
	productFn func(context.Context, services.CreateProductOrderCommand) (services.CheckoutResult, error)
	serviceFn func(context.Context, services.CreateServiceOrderCommand) (services.CheckoutResult, error)
}

func (s *stubOrderService) CreateProductOrder(ctx context.Context, cmd services.CreateProductOrderCommand) (services.CheckoutResult, error) {
	if s.productFn != nil {
		return s.productFn(ctx, cmd)
	}
	return services.CheckoutResult{}, errNotImplemented
}

func (s *stubOrderService) CreateServiceOrder(ctx context.Context, cmd services.CreateServiceOrderCommand) (services.CheckoutResult, error) {
	if s.serviceFn != nil {
		return s.serviceFn(ctx, cmd)
	}
	return services.CheckoutResult{}, errNotImplemented
}

type stubQueryService struct {
	orderFn   func(context.Context, services.OrderStatusQuery) (services.OrderStatusView, error)
	bookingFn func(context.Context, services.OrderStatusQuery) (services.OrderStatusView, error)
}

func (s *stubQueryService) GetOrderStatus(ctx context.Context, q services.OrderStatusQuery) (services.OrderStatusView, error) {
	if s.orderFn != nil {
		return s.orderFn(ctx, q)
	}
	return services.OrderStatusView{}, errNotImplemented
}

func (s *stubQueryService) GetServiceOrderStatus(ctx context.Context, q services.OrderStatusQuery) (services.OrderStatusView, error) {
	if s.bookingFn != nil {
		return s.bookingFn(ctx, q)
	}
	return services.OrderStatusView{}, errNotImplemented
}

type stubLifecycleService struct {
	orderFn   func(context.Context, services.TransitionOrderCommand) (domain.Order, error)
	bookingFn func(context.Context, services.TransitionServiceOrderCommand) (domain.ServiceOrder, error)
	cancelFn  func(context.Context, services.CancelServiceOrderCommand) (domain.ServiceOrder, error)
}

func (s *stubLifecycleService) TransitionOrder(ctx context.Context, cmd services.TransitionOrderCommand) (domain.Order, error) {
	if s.orderFn != nil {
		return s.orderFn(ctx, cmd)
	}
	return domain.Order{}, errNotImplemented
}

func (s *stubLifecycleService) TransitionServiceOrder(ctx context.Context, cmd services.TransitionServiceOrderCommand) (domain.ServiceOrder, error) {
	if s.bookingFn != nil {
		return s.bookingFn(ctx, cmd)
	}
	return domain.ServiceOrder{}, errNotImplemented
}

func (s *stubLifecycleService) CancelServiceOrder(ctx context.Context, cmd services.CancelServiceOrderCommand) (domain.ServiceOrder, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.ServiceOrder{}, errNotImplemented
}

type stubRemainingService struct {
	initiateFn func(context.Context, services.RemainingPaymentCommand) (services.RemainingPaymentResult, error)
}

func (s *stubRemainingService) Initiate(ctx context.Context, cmd services.RemainingPaymentCommand) (services.RemainingPaymentResult, error) {
	if s.initiateFn != nil {
		return s.initiateFn(ctx, cmd)
	}
	return services.RemainingPaymentResult{}, errNotImplemented
}

type stubVerificationService struct {
	verifyFn func(context.Context, services.VerifyPaymentCommand) (services.VerificationResult, error)
}

func (s *stubVerificationService) Verify(ctx context.Context, cmd services.VerifyPaymentCommand) (services.VerificationResult, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, cmd)
	}
	return services.VerificationResult{}, errNotImplemented
}

type stubReturnService struct {
	requestFn func(context.Context, services.RequestReturnCommand) (domain.Return, error)
	getFn     func(context.Context, string, services.Requester) (domain.Return, error)
	listFn    func(context.Context, string, services.Requester) ([]domain.Return, error)
	decideFn  func(context.Context, services.DecideReturnCommand) (domain.Return, error)
	refundFn  func(context.Context, services.ProcessRefundCommand) (domain.Return, error)
}

func (s *stubReturnService) RequestReturn(ctx context.Context, cmd services.RequestReturnCommand) (domain.Return, error) {
	if s.requestFn != nil {
		return s.requestFn(ctx, cmd)
	}
	return domain.Return{}, errNotImplemented
}

func (s *stubReturnService) GetReturn(ctx context.Context, id string, requester services.Requester) (domain.Return, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id, requester)
	}
	return domain.Return{}, errNotImplemented
}

func (s *stubReturnService) ListReturns(ctx context.Context, orderID string, requester services.Requester) ([]domain.Return, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID, requester)
	}
	return nil, errNotImplemented
}

func (s *stubReturnService) DecideReturn(ctx context.Context, cmd services.DecideReturnCommand) (domain.Return, error) {
	if s.decideFn != nil {
		return s.decideFn(ctx, cmd)
	}
	return domain.Return{}, errNotImplemented
}

func (s *stubReturnService) ProcessRefund(ctx context.Context, cmd services.ProcessRefundCommand) (domain.Return, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return domain.Return{}, errNotImplemented
}

type stubCreditService struct {
	balanceFn func(context.Context, string) (services.CreditSummary, error)
	grantFn   func(context.Context, services.GrantCreditCommand) (domain.CreditEntry, error)
	consumeFn func(context.Context, services.ConsumeCreditCommand) (domain.CreditEntry, error)
}

func (s *stubCreditService) Balance(ctx context.Context, userID string) (services.CreditSummary, error) {
	if s.balanceFn != nil {
		return s.balanceFn(ctx, userID)
	}
	return services.CreditSummary{}, errNotImplemented
}

func (s *stubCreditService) Grant(ctx context.Context, cmd services.GrantCreditCommand) (domain.CreditEntry, error) {
	if s.grantFn != nil {
		return s.grantFn(ctx, cmd)
	}
	return domain.CreditEntry{}, errNotImplemented
}

func (s *stubCreditService) Consume(ctx context.Context, cmd services.ConsumeCreditCommand) (domain.CreditEntry, error) {
	if s.consumeFn != nil {
		return s.consumeFn(ctx, cmd)
	}
	return domain.CreditEntry{}, errNotImplemented
}

func (s *stubCreditService) ExpireCredits(context.Context, int) (int, error) {
	return 0, nil
}

type stubWebhookProcessor struct {
	processFn func(context.Context, services.WebhookRequest) (services.WebhookResult, error)
}

func (s *stubWebhookProcessor) Process(ctx context.Context, req services.WebhookRequest) (services.WebhookResult, error) {
	if s.processFn != nil {
		return s.processFn(ctx, req)
	}
	return services.WebhookResult{}, errNotImplemented
}

// serve mounts routes on a fresh router and performs one request as the given identity.
func serve(t *testing.T, routes RouteRegistrar, method, target, body string, identity *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	routes(router)

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func serveWithHeader(t *testing.T, routes RouteRegistrar, method, target, body, header, value string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	routes(router)

	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set(header, value)
	req = req.WithContext(auth.WithIdentity(req.Context(), customer))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, rr.Code, rr.Body.String())
	}
	body := decodeBody[map[string]any](t, rr)
	if body["error"] != code {
		t.Fatalf("expected error code %q, got %v", code, body["error"])
	}
}

var (
	customer = &auth.Identity{UID: "user-1", Email: "user@example.com", Roles: []string{auth.RoleUser}}
	staff    = &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleAdmin}}
)
