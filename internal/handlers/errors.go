package handlers

import (
	"context"
	"errors"
	"net/http"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

type errorMapping struct {
	target error
	code   string
	status int
}

// serviceErrors is checked in order; more specific sentinels come before the generic ones they wrap.
var serviceErrors = []errorMapping{
	{services.ErrOrderForbidden, "forbidden", http.StatusForbidden},
	{services.ErrOrderRefundRequired, "refund_required", http.StatusConflict},
	{services.ErrOrderNotFound, "order_not_found", http.StatusNotFound},
	{services.ErrOrderInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrOrderInvalidState, "invalid_order_state", http.StatusConflict},
	{services.ErrOrderConflict, "order_conflict", http.StatusConflict},
	{services.ErrOrderPaymentFailed, "payment_session_failed", http.StatusBadGateway},
	{services.ErrOrderUnavailable, "order_unavailable", http.StatusServiceUnavailable},

	{services.ErrRemainingNotRequired, "remaining_not_required", http.StatusConflict},
	{services.ErrRemainingSessionPending, "remaining_session_pending", http.StatusConflict},
	{services.ErrRemainingAlreadyPaid, "order_already_paid", http.StatusConflict},
	{services.ErrRemainingOrderCancelled, "order_cancelled", http.StatusConflict},
	{services.ErrRemainingAdvanceUnpaid, "advance_not_paid", http.StatusConflict},

	{domain.ErrOrderActiveReturn, "active_return_exists", http.StatusConflict},
	{domain.ErrReturnWindowClosed, "return_window_closed", http.StatusUnprocessableEntity},
	{domain.ErrOrderNotDelivered, "order_not_delivered", http.StatusUnprocessableEntity},
	{domain.ErrOrderDeliveryUnknown, "order_not_delivered", http.StatusUnprocessableEntity},
	{domain.ErrNothingToReturn, "nothing_to_return", http.StatusUnprocessableEntity},
	{services.ErrReturnNotEligible, "return_not_eligible", http.StatusUnprocessableEntity},
	{services.ErrReturnNotFound, "return_not_found", http.StatusNotFound},
	{services.ErrReturnInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrReturnInvalidState, "invalid_return_state", http.StatusConflict},
	{services.ErrReturnUnavailable, "return_unavailable", http.StatusServiceUnavailable},

	{services.ErrCreditInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrCreditInsufficient, "insufficient_credit", http.StatusUnprocessableEntity},
	{services.ErrCreditUnavailable, "credit_unavailable", http.StatusServiceUnavailable},
}

// writeServiceError translates service sentinels into the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	for _, m := range serviceErrors {
		if errors.Is(err, m.target) {
			httpx.WriteError(ctx, w, httpx.NewError(m.code, err.Error(), m.status))
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
}
