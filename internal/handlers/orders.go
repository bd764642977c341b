package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

const maxOrderRequestBody = 32 * 1024

// OrderHandlers exposes product order checkout, status and return endpoints.
type OrderHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	queries services.OrderQueryService
	returns services.ReturnService
	opts    handlerOptions
}

// NewOrderHandlers constructs product order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, queries services.OrderQueryService, returns services.ReturnService, opts ...HandlerOption) *OrderHandlers {
	return &OrderHandlers{
		authn:   authn,
		orders:  orders,
		queries: queries,
		returns: returns,
		opts:    buildHandlerOptions(opts),
	}
}

// Routes registers product order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	authed := withChain(r, guard(h.authn)...)
	mutating := withChain(authed, h.opts.idempotency)
	polling := withChain(authed, pollLimit(h.opts.pollLimiter))

	mutating.Post("/", h.createOrder)
	polling.Get("/{orderID}/status", h.getStatus)
	mutating.Post("/{orderID}/returns", h.requestReturn)
	authed.Get("/{orderID}/returns", h.listReturns)
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a *addressPayload) toDomain() *domain.Address {
	if a == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  strings.TrimSpace(a.Recipient),
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.TrimSpace(a.Country),
		Phone:      strings.TrimSpace(a.Phone),
	}
}

type totalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	GST      int64 `json:"gst"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

func (t totalsPayload) toDomain() domain.OrderTotals {
	return domain.OrderTotals{Subtotal: t.Subtotal, GST: t.GST, Discount: t.Discount, Total: t.Total}
}

type customerPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (c customerPayload) toCustomer(identity *auth.Identity) payments.Customer {
	customer := payments.Customer{
		Name:  strings.TrimSpace(c.Name),
		Email: strings.TrimSpace(c.Email),
		Phone: strings.TrimSpace(c.Phone),
	}
	if identity != nil {
		customer.ID = identity.UID
		if customer.Email == "" {
			customer.Email = identity.Email
		}
	}
	return customer
}

type productLinePayload struct {
	ProductID       string `json:"productId"`
	Name            string `json:"name"`
	Variant         string `json:"variant,omitempty"`
	UnitPrice       int64  `json:"unitPrice"`
	DiscountedPrice *int64 `json:"discountedPrice,omitempty"`
	Quantity        int    `json:"quantity"`
}

type createOrderRequest struct {
	Currency        string               `json:"currency"`
	Items           []productLinePayload `json:"items"`
	ShippingAddress *addressPayload      `json:"shippingAddress"`
	BillingAddress  *addressPayload      `json:"billingAddress"`
	Totals          totalsPayload        `json:"totals"`
	Customer        customerPayload      `json:"customer"`
	Provider        string               `json:"provider"`
	ReturnURL       string               `json:"returnUrl"`
}

type checkoutResponse struct {
	OrderID         string `json:"orderId"`
	OrderKind       string `json:"orderKind"`
	SessionID       string `json:"sessionId"`
	Provider        string `json:"provider"`
	RedirectURL     string `json:"redirectUrl,omitempty"`
	Token           string `json:"token,omitempty"`
	Amount          int64  `json:"amount"`
	Total           int64  `json:"total"`
	RemainingAmount int64  `json:"remainingAmount"`
	Currency        string `json:"currency"`
	ExpiresAt       string `json:"expiresAt,omitempty"`
}

func newCheckoutResponse(result services.CheckoutResult) checkoutResponse {
	return checkoutResponse{
		OrderID:         result.OrderID,
		OrderKind:       string(result.OrderKind),
		SessionID:       result.SessionID,
		Provider:        result.Provider,
		RedirectURL:     result.RedirectURL,
		Token:           result.Token,
		Amount:          result.Amount,
		Total:           result.Total,
		RemainingAmount: result.RemainingAmount,
		Currency:        result.Currency,
		ExpiresAt:       formatTime(result.ExpiresAt),
	}
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, identity, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, maxOrderRequestBody, &req, false) {
		return
	}

	cmd := services.CreateProductOrderCommand{
		UserID:            requester.UserID,
		Currency:          strings.ToUpper(strings.TrimSpace(req.Currency)),
		Items:             make([]services.ProductLineInput, 0, len(req.Items)),
		ShippingAddress:   req.ShippingAddress.toDomain(),
		BillingAddress:    req.BillingAddress.toDomain(),
		Totals:            req.Totals.toDomain(),
		Customer:          req.Customer.toCustomer(identity),
		PreferredProvider: strings.TrimSpace(req.Provider),
		ReturnURL:         strings.TrimSpace(req.ReturnURL),
		IdempotencyKey:    strings.TrimSpace(r.Header.Get(h.opts.idemHeader)),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.ProductLineInput{
			ProductID:       item.ProductID,
			Name:            item.Name,
			Variant:         item.Variant,
			UnitPrice:       item.UnitPrice,
			DiscountedPrice: item.DiscountedPrice,
			Quantity:        item.Quantity,
		})
	}

	result, err := h.orders.CreateProductOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, newCheckoutResponse(result))
}

func (h *OrderHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}
	orderID := pathParam(r, "orderID")
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	view, err := h.queries.GetOrderStatus(ctx, services.OrderStatusQuery{ID: orderID, Requester: requester})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, view)
}

type returnLinePayload struct {
	LineItemID string `json:"lineItemId"`
	Quantity   int    `json:"quantity"`
	Reason     string `json:"reason"`
	Condition  string `json:"condition,omitempty"`
}

type requestReturnRequest struct {
	Items []returnLinePayload `json:"items"`
	Notes string              `json:"notes"`
}

func (h *OrderHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("returns_unavailable", "return service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	var req requestReturnRequest
	if !decodeJSONBody(w, r, maxOrderRequestBody, &req, false) {
		return
	}

	cmd := services.RequestReturnCommand{
		OrderID:   pathParam(r, "orderID"),
		Requester: requester,
		Items:     make([]services.ReturnLineInput, 0, len(req.Items)),
		Notes:     strings.TrimSpace(req.Notes),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.ReturnLineInput{
			LineItemID: strings.TrimSpace(item.LineItemID),
			Quantity:   item.Quantity,
			Reason:     strings.TrimSpace(item.Reason),
			Condition:  strings.TrimSpace(item.Condition),
		})
	}

	ret, err := h.returns.RequestReturn(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, newReturnResponse(ret))
}

func (h *OrderHandlers) listReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("returns_unavailable", "return service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	list, err := h.returns.ListReturns(ctx, pathParam(r, "orderID"), requester)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]returnResponse, 0, len(list))
	for _, ret := range list {
		items = append(items, newReturnResponse(ret))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}
