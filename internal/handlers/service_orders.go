package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

// ServiceOrderHandlers exposes booking checkout, balance payment and polling endpoints.
type ServiceOrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	queries   services.OrderQueryService
	remaining services.RemainingPaymentService
	verifier  services.PaymentVerificationService
	lifecycle services.OrderLifecycleService
	opts      handlerOptions
}

// ServiceOrderHandlerDeps bundles the services behind the booking endpoints.
type ServiceOrderHandlerDeps struct {
	Authenticator *auth.Authenticator
	Orders        services.OrderService
	Queries       services.OrderQueryService
	Remaining     services.RemainingPaymentService
	Verification  services.PaymentVerificationService
	Lifecycle     services.OrderLifecycleService
}

// NewServiceOrderHandlers constructs booking handlers guarded by Firebase authentication.
func NewServiceOrderHandlers(deps ServiceOrderHandlerDeps, opts ...HandlerOption) *ServiceOrderHandlers {
	return &ServiceOrderHandlers{
		authn:     deps.Authenticator,
		orders:    deps.Orders,
		queries:   deps.Queries,
		remaining: deps.Remaining,
		verifier:  deps.Verification,
		lifecycle: deps.Lifecycle,
		opts:      buildHandlerOptions(opts),
	}
}

// Routes registers booking endpoints under the provided router.
func (h *ServiceOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	authed := withChain(r, guard(h.authn)...)
	mutating := withChain(authed, h.opts.idempotency)
	polling := withChain(authed, pollLimit(h.opts.pollLimiter))

	mutating.Post("/", h.createServiceOrder)
	polling.Get("/{orderID}/status", h.getStatus)
	polling.Post("/{orderID}/verify", h.verifyPayment)
	mutating.Post("/{orderID}/remaining-payment", h.initiateRemaining)
	authed.Post("/{orderID}:cancel", h.cancel)
}

type serviceLinePayload struct {
	ServiceID string `json:"serviceId"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

type schedulePayload struct {
	Date     string `json:"date"`
	TimeSlot string `json:"timeSlot"`
}

type createServiceOrderRequest struct {
	Currency          string               `json:"currency"`
	Services          []serviceLinePayload `json:"services"`
	ServiceAddress    *addressPayload      `json:"serviceAddress"`
	BillingAddress    *addressPayload      `json:"billingAddress"`
	Schedule          schedulePayload      `json:"schedule"`
	Totals            totalsPayload        `json:"totals"`
	AdvancePercentage *decimal.Decimal     `json:"advancePercentage"`
	Customer          customerPayload      `json:"customer"`
	Provider          string               `json:"provider"`
	ReturnURL         string               `json:"returnUrl"`
}

func (h *ServiceOrderHandlers) createServiceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, identity, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	var req createServiceOrderRequest
	if !decodeJSONBody(w, r, maxOrderRequestBody, &req, false) {
		return
	}

	schedule := domain.Schedule{TimeSlot: strings.TrimSpace(req.Schedule.TimeSlot)}
	if raw := strings.TrimSpace(req.Schedule.Date); raw != "" {
		date, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "schedule.date must be YYYY-MM-DD", http.StatusBadRequest))
			return
		}
		schedule.Date = date
	}

	cmd := services.CreateServiceOrderCommand{
		UserID:            requester.UserID,
		Currency:          strings.ToUpper(strings.TrimSpace(req.Currency)),
		Services:          make([]services.ServiceLineInput, 0, len(req.Services)),
		ServiceAddress:    req.ServiceAddress.toDomain(),
		BillingAddress:    req.BillingAddress.toDomain(),
		Schedule:          schedule,
		Totals:            req.Totals.toDomain(),
		Customer:          req.Customer.toCustomer(identity),
		PreferredProvider: strings.TrimSpace(req.Provider),
		ReturnURL:         strings.TrimSpace(req.ReturnURL),
		IdempotencyKey:    strings.TrimSpace(r.Header.Get(h.opts.idemHeader)),
	}
	if req.AdvancePercentage != nil {
		cmd.AdvancePercentage = *req.AdvancePercentage
	}
	for _, line := range req.Services {
		cmd.Services = append(cmd.Services, services.ServiceLineInput{
			ServiceID: line.ServiceID,
			Name:      line.Name,
			Price:     line.Price,
			Quantity:  line.Quantity,
		})
	}

	result, err := h.orders.CreateServiceOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, newCheckoutResponse(result))
}

func (h *ServiceOrderHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	view, err := h.queries.GetServiceOrderStatus(ctx, services.OrderStatusQuery{ID: pathParam(r, "orderID"), Requester: requester})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, view)
}

type verificationResponse struct {
	OrderID         string `json:"orderId"`
	PaymentStatus   string `json:"paymentStatus"`
	OrderStatus     string `json:"orderStatus"`
	TotalPaid       int64  `json:"totalPaid"`
	OrderTotal      int64  `json:"orderTotal"`
	RemainingAmount int64  `json:"remainingAmount"`
	IsFullyPaid     bool   `json:"isFullyPaid"`
}

func (h *ServiceOrderHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier == nil {
		httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "payment verification unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	result, err := h.verifier.Verify(ctx, services.VerifyPaymentCommand{OrderID: pathParam(r, "orderID"), Requester: requester})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, verificationResponse{
		OrderID:         result.OrderID,
		PaymentStatus:   string(result.PaymentStatus),
		OrderStatus:     string(result.OrderStatus),
		TotalPaid:       result.TotalPaid,
		OrderTotal:      result.OrderTotal,
		RemainingAmount: result.RemainingAmount,
		IsFullyPaid:     result.IsFullyPaid,
	})
}

type remainingPaymentRequest struct {
	Customer  customerPayload `json:"customer"`
	Provider  string          `json:"provider"`
	ReturnURL string          `json:"returnUrl"`
}

type remainingPaymentResponse struct {
	OrderID         string `json:"orderId"`
	SessionID       string `json:"sessionId"`
	Provider        string `json:"provider"`
	RedirectURL     string `json:"redirectUrl,omitempty"`
	Token           string `json:"token,omitempty"`
	RemainingAmount int64  `json:"remainingAmount"`
	TotalAmount     int64  `json:"totalAmount"`
	AdvancePaid     int64  `json:"advancePaid"`
	Currency        string `json:"currency"`
	ExpiresAt       string `json:"expiresAt,omitempty"`
}

func (h *ServiceOrderHandlers) initiateRemaining(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.remaining == nil {
		httpx.WriteError(ctx, w, httpx.NewError("remaining_payment_unavailable", "remaining payment unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, identity, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	var req remainingPaymentRequest
	if !decodeJSONBody(w, r, maxOrderRequestBody, &req, true) {
		return
	}

	result, err := h.remaining.Initiate(ctx, services.RemainingPaymentCommand{
		OrderID:           pathParam(r, "orderID"),
		Requester:         requester,
		Customer:          req.Customer.toCustomer(identity),
		PreferredProvider: strings.TrimSpace(req.Provider),
		ReturnURL:         strings.TrimSpace(req.ReturnURL),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, remainingPaymentResponse{
		OrderID:         result.OrderID,
		SessionID:       result.SessionID,
		Provider:        result.Provider,
		RedirectURL:     result.RedirectURL,
		Token:           result.Token,
		RemainingAmount: result.RemainingAmount,
		TotalAmount:     result.TotalAmount,
		AdvancePaid:     result.AdvancePaid,
		Currency:        result.Currency,
		ExpiresAt:       formatTime(result.ExpiresAt),
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *ServiceOrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if !decodeJSONBody(w, r, maxOrderRequestBody, &req, true) {
		return
	}

	order, err := h.lifecycle.CancelServiceOrder(ctx, services.CancelServiceOrderCommand{
		OrderID:   pathParam(r, "orderID"),
		Requester: requester,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newServiceOrderResponse(order))
}

type serviceOrderResponse struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"paymentStatus"`
	Currency        string `json:"currency"`
	Total           int64  `json:"total"`
	PaidAmount      int64  `json:"paidAmount"`
	RemainingAmount int64  `json:"remainingAmount"`
	ScheduledDate   string `json:"scheduledDate,omitempty"`
	TimeSlot        string `json:"timeSlot,omitempty"`
	UpdatedAt       string `json:"updatedAt"`
	CompletedAt     string `json:"completedAt,omitempty"`
	CancelledAt     string `json:"cancelledAt,omitempty"`
}

func newServiceOrderResponse(order domain.ServiceOrder) serviceOrderResponse {
	resp := serviceOrderResponse{
		ID:              order.ID,
		UserID:          order.UserID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        order.Currency,
		Total:           order.Totals.Total,
		PaidAmount:      order.PaidAmount,
		RemainingAmount: order.RemainingAmount,
		TimeSlot:        order.Schedule.TimeSlot,
		UpdatedAt:       formatTime(order.UpdatedAt),
		CompletedAt:     formatTimePtr(order.CompletedAt),
		CancelledAt:     formatTimePtr(order.CancelledAt),
	}
	if !order.Schedule.Date.IsZero() {
		resp.ScheduledDate = order.Schedule.Date.Format(time.DateOnly)
	}
	return resp
}
