package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

const maxAdminRequestBody = 8 * 1024

// AdminHandlers exposes staff operations: fulfilment transitions, return decisions, refunds and
// manual credit grants.
type AdminHandlers struct {
	authn     *auth.Authenticator
	lifecycle services.OrderLifecycleService
	returns   services.ReturnService
	credits   services.CreditService
}

// AdminHandlerDeps bundles the services behind the admin endpoints.
type AdminHandlerDeps struct {
	Authenticator *auth.Authenticator
	Lifecycle     services.OrderLifecycleService
	Returns       services.ReturnService
	Credits       services.CreditService
}

// NewAdminHandlers constructs admin handlers restricted to the admin role.
func NewAdminHandlers(deps AdminHandlerDeps) *AdminHandlers {
	return &AdminHandlers{
		authn:     deps.Authenticator,
		lifecycle: deps.Lifecycle,
		returns:   deps.Returns,
		credits:   deps.Credits,
	}
}

// Routes registers admin endpoints under the provided router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	admin := withChain(r, guard(h.authn, auth.RoleAdmin)...)
	admin.Post("/orders/{orderID}:transition", h.transitionOrder)
	admin.Post("/service-orders/{orderID}:transition", h.transitionServiceOrder)
	admin.Post("/returns/{returnID}:decide", h.decideReturn)
	admin.Post("/returns/{returnID}:refund", h.processRefund)
	admin.Post("/users/{userID}/credits", h.grantCredit)
}

// requireAdmin resolves the caller and rejects anyone without the admin role.
func requireAdmin(w http.ResponseWriter, r *http.Request) (services.Requester, bool) {
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return services.Requester{}, false
	}
	if !requester.IsAdmin {
		httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "admin role required", http.StatusForbidden))
		return services.Requester{}, false
	}
	return requester, true
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type orderResponse struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"paymentStatus"`
	Currency        string `json:"currency"`
	Total           int64  `json:"total"`
	DeliveredAt     string `json:"deliveredAt,omitempty"`
	ReturnDeadline  string `json:"returnDeadline,omitempty"`
	CanReturn       bool   `json:"canReturn"`
	HasActiveReturn bool   `json:"hasActiveReturn"`
	UpdatedAt       string `json:"updatedAt"`
	CancelledAt     string `json:"cancelledAt,omitempty"`
}

func newOrderResponse(order domain.Order) orderResponse {
	return orderResponse{
		ID:              order.ID,
		UserID:          order.UserID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        order.Currency,
		Total:           order.Totals.Total,
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		ReturnDeadline:  formatTimePtr(order.ReturnDeadline),
		CanReturn:       order.CanReturn,
		HasActiveReturn: order.HasActiveReturn,
		UpdatedAt:       formatTime(order.UpdatedAt),
		CancelledAt:     formatTimePtr(order.CancelledAt),
	}
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeJSONBody(w, r, maxAdminRequestBody, &req, false) {
		return
	}

	order, err := h.lifecycle.TransitionOrder(ctx, services.TransitionOrderCommand{
		OrderID: pathParam(r, "orderID"),
		To:      domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		ActorID: requester.UserID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderResponse(order))
}

func (h *AdminHandlers) transitionServiceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeJSONBody(w, r, maxAdminRequestBody, &req, false) {
		return
	}

	order, err := h.lifecycle.TransitionServiceOrder(ctx, services.TransitionServiceOrderCommand{
		OrderID: pathParam(r, "orderID"),
		To:      domain.ServiceOrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		ActorID: requester.UserID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newServiceOrderResponse(order))
}

type decideReturnRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (h *AdminHandlers) decideReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("returns_unavailable", "return service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req decideReturnRequest
	if !decodeJSONBody(w, r, maxAdminRequestBody, &req, false) {
		return
	}

	ret, err := h.returns.DecideReturn(ctx, services.DecideReturnCommand{
		ReturnID: pathParam(r, "returnID"),
		Decision: services.ReturnDecision(strings.ToLower(strings.TrimSpace(req.Decision))),
		Reason:   strings.TrimSpace(req.Reason),
		ActorID:  requester.UserID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newReturnResponse(ret))
}

type processRefundRequest struct {
	RefundTransactionID string `json:"refundTransactionId"`
	RefundedAmount      int64  `json:"refundedAmount"`
}

func (h *AdminHandlers) processRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("returns_unavailable", "return service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req processRefundRequest
	if !decodeJSONBody(w, r, maxAdminRequestBody, &req, true) {
		return
	}

	ret, err := h.returns.ProcessRefund(ctx, services.ProcessRefundCommand{
		ReturnID:            pathParam(r, "returnID"),
		RefundTransactionID: strings.TrimSpace(req.RefundTransactionID),
		RefundedAmount:      req.RefundedAmount,
		ActorID:             requester.UserID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newReturnResponse(ret))
}

type grantCreditRequest struct {
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	OrderID   string `json:"orderId"`
	ExpiresAt string `json:"expiresAt"`
}

func (h *AdminHandlers) grantCredit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.credits == nil {
		httpx.WriteError(ctx, w, httpx.NewError("credits_unavailable", "credit service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req grantCreditRequest
	if !decodeJSONBody(w, r, maxAdminRequestBody, &req, false) {
		return
	}
	expiresAt, err := parseTimePtr(req.ExpiresAt)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expiresAt must be an RFC3339 timestamp", http.StatusBadRequest))
		return
	}
	reason := domain.CreditReason(strings.ToLower(strings.TrimSpace(req.Reason)))
	if reason == "" {
		reason = domain.CreditReasonAdjustment
	}

	entry, err := h.credits.Grant(ctx, services.GrantCreditCommand{
		UserID:    pathParam(r, "userID"),
		Amount:    req.Amount,
		Reason:    reason,
		OrderID:   strings.TrimSpace(req.OrderID),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, newCreditEntryResponse(entry))
}
