package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

// ReturnHandlers exposes return lookups to the owning customer.
type ReturnHandlers struct {
	authn   *auth.Authenticator
	returns services.ReturnService
}

// NewReturnHandlers constructs return handlers guarded by Firebase authentication.
func NewReturnHandlers(authn *auth.Authenticator, returns services.ReturnService) *ReturnHandlers {
	return &ReturnHandlers{authn: authn, returns: returns}
}

// Routes registers return endpoints under the provided router.
func (h *ReturnHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	withChain(r, guard(h.authn)...).Get("/{returnID}", h.getReturn)
}

type returnItemResponse struct {
	LineItemID    string `json:"lineItemId"`
	ProductID     string `json:"productId"`
	Name          string `json:"name"`
	Quantity      int    `json:"quantity"`
	Reason        string `json:"reason"`
	Condition     string `json:"condition,omitempty"`
	ItemRefund    int64  `json:"itemRefund"`
	DiscountShare int64  `json:"discountShare"`
	GSTShare      int64  `json:"gstShare"`
	RefundAmount  int64  `json:"refundAmount"`
}

type returnResponse struct {
	ID                  string               `json:"id"`
	OrderID             string               `json:"orderId"`
	UserID              string               `json:"userId"`
	Currency            string               `json:"currency"`
	Status              string               `json:"status"`
	Items               []returnItemResponse `json:"items"`
	TotalRefundAmount   int64                `json:"totalRefundAmount"`
	RefundedAmount      int64                `json:"refundedAmount"`
	Notes               string               `json:"notes,omitempty"`
	RejectionReason     string               `json:"rejectionReason,omitempty"`
	RefundTransactionID string               `json:"refundTransactionId,omitempty"`
	StoreCreditIssued   bool                 `json:"storeCreditIssued"`
	StoreCreditAmount   int64                `json:"storeCreditAmount"`
	RequestedAt         string               `json:"requestedAt"`
	ApprovedAt          string               `json:"approvedAt,omitempty"`
	RejectedAt          string               `json:"rejectedAt,omitempty"`
	RefundedAt          string               `json:"refundedAt,omitempty"`
	UpdatedAt           string               `json:"updatedAt"`
}

func newReturnResponse(ret domain.Return) returnResponse {
	resp := returnResponse{
		ID:                  ret.ID,
		OrderID:             ret.OrderID,
		UserID:              ret.UserID,
		Currency:            ret.Currency,
		Status:              string(ret.Status),
		Items:               make([]returnItemResponse, 0, len(ret.Items)),
		TotalRefundAmount:   ret.TotalRefundAmount,
		RefundedAmount:      ret.RefundedAmount,
		Notes:               ret.Notes,
		RejectionReason:     ret.RejectionReason,
		RefundTransactionID: ret.RefundTransactionID,
		StoreCreditIssued:   ret.StoreCreditIssued,
		StoreCreditAmount:   ret.StoreCreditAmount,
		RequestedAt:         formatTime(ret.RequestedAt),
		ApprovedAt:          formatTimePtr(ret.ApprovedAt),
		RejectedAt:          formatTimePtr(ret.RejectedAt),
		RefundedAt:          formatTimePtr(ret.RefundedAt),
		UpdatedAt:           formatTime(ret.UpdatedAt),
	}
	for _, item := range ret.Items {
		resp.Items = append(resp.Items, returnItemResponse{
			LineItemID:    item.LineItemID,
			ProductID:     item.ProductID,
			Name:          item.Name,
			Quantity:      item.Quantity,
			Reason:        item.Reason,
			Condition:     item.Condition,
			ItemRefund:    item.ItemRefund,
			DiscountShare: item.DiscountShare,
			GSTShare:      item.GSTShare,
			RefundAmount:  item.RefundAmount,
		})
	}
	return resp
}

func (h *ReturnHandlers) getReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("returns_unavailable", "return service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFromRequest(w, r)
	if !ok {
		return
	}

	ret, err := h.returns.GetReturn(ctx, pathParam(r, "returnID"), requester)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newReturnResponse(ret))
}
