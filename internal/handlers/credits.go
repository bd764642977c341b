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

const maxCreditRequestBody = 4 * 1024

// CreditHandlers exposes the caller's store-credit balance and consumption.
type CreditHandlers struct {
	authn   *auth.Authenticator
	credits services.CreditService
}

// NewCreditHandlers constructs store-credit handlers guarded by Firebase authentication.
func NewCreditHandlers(authn *auth.Authenticator, credits services.CreditService) *CreditHandlers {
	return &CreditHandlers{authn: authn, credits: credits}
}

// Routes registers credit endpoints under the /me router.
func (h *CreditHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	authed := withChain(r, guard(h.authn)...)
	authed.Get("/credits", h.balance)
	authed.Post("/credits:consume", h.consume)
}

type creditEntryResponse struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason,omitempty"`
	OrderID      string `json:"orderId,omitempty"`
	ReturnID     string `json:"returnId,omitempty"`
	Status       string `json:"status"`
	BalanceAfter int64  `json:"balanceAfter,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

func newCreditEntryResponse(entry domain.CreditEntry) creditEntryResponse {
	return creditEntryResponse{
		ID:           entry.ID,
		Type:         string(entry.Type),
		Amount:       entry.Amount,
		Reason:       string(entry.Reason),
		OrderID:      entry.OrderID,
		ReturnID:     entry.ReturnID,
		Status:       string(entry.Status),
		BalanceAfter: entry.BalanceAfter,
		ExpiresAt:    formatTimePtr(entry.ExpiresAt),
		CreatedAt:    formatTime(entry.CreatedAt),
	}
}

type creditBalanceResponse struct {
	UserID  string                `json:"userId"`
	Balance int64                 `json:"balance"`
	Entries []creditEntryResponse `json:"entries"`
}

func (h *CreditHandlers) balance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.credits == nil {
		httpx.WriteError(ctx, w, httpx.NewError("credits_unavailable", "credit service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	summary, err := h.credits.Balance(ctx, requester.UserID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := creditBalanceResponse{
		UserID:  summary.UserID,
		Balance: summary.Balance,
		Entries: make([]creditEntryResponse, 0, len(summary.Entries)),
	}
	for _, entry := range summary.Entries {
		resp.Entries = append(resp.Entries, newCreditEntryResponse(entry))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

type consumeCreditRequest struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount"`
}

func (h *CreditHandlers) consume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.credits == nil {
		httpx.WriteError(ctx, w, httpx.NewError("credits_unavailable", "credit service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	var req consumeCreditRequest
	if !decodeJSONBody(w, r, maxCreditRequestBody, &req, false) {
		return
	}

	entry, err := h.credits.Consume(ctx, services.ConsumeCreditCommand{
		UserID:  requester.UserID,
		OrderID: strings.TrimSpace(req.OrderID),
		Amount:  req.Amount,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newCreditEntryResponse(entry))
}
