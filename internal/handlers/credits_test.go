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

func TestCreditHandlersBalance(t *testing.T) {
	created := time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC)
	var requested string
	handler := NewCreditHandlers(nil, &stubCreditService{
		balanceFn: func(_ context.Context, userID string) (services.CreditSummary, error) {
			requested = userID
			return services.CreditSummary{
				UserID:  userID,
				Balance: 216,
				Entries: []domain.CreditEntry{{
					ID: "crd_1", UserID: userID, Type: domain.CreditEntryCredited, Amount: 216,
					Reason: domain.CreditReasonReturnRefund, ReturnID: "ret_1", Status: domain.CreditStatusActive,
					BalanceAfter: 216, CreatedAt: created,
				}},
			}, nil
		},
	})

	rr := serve(t, handler.Routes, http.MethodGet, "/credits", "", customer)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	resp := decodeBody[creditBalanceResponse](t, rr)
	if requested != "user-1" || resp.Balance != 216 || len(resp.Entries) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if entry := resp.Entries[0]; entry.ReturnID != "ret_1" || entry.Type != "credited" || entry.CreatedAt != "2025-05-04T12:00:00Z" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	assertErrorCode(t, serve(t, handler.Routes, http.MethodGet, "/credits", "", nil), http.StatusUnauthorized, "unauthenticated")
}

func TestCreditHandlersConsume(t *testing.T) {
	var captured services.ConsumeCreditCommand
	handler := NewCreditHandlers(nil, &stubCreditService{
		consumeFn: func(_ context.Context, cmd services.ConsumeCreditCommand) (domain.CreditEntry, error) {
			captured = cmd
			if cmd.Amount > 216 {
				return domain.CreditEntry{}, fmt.Errorf("%w: balance 216", services.ErrCreditInsufficient)
			}
			if cmd.Amount <= 0 {
				return domain.CreditEntry{}, services.ErrCreditInvalidInput
			}
			return domain.CreditEntry{ID: "crd_2", Type: domain.CreditEntryConsumed, Amount: cmd.Amount, OrderID: cmd.OrderID, Status: domain.CreditStatusActive}, nil
		},
	})

	rr := serve(t, handler.Routes, http.MethodPost, "/credits:consume", `{"orderId":" ord_7 ","amount":100}`, customer)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if resp := decodeBody[creditEntryResponse](t, rr); resp.ID != "crd_2" || resp.OrderID != "ord_7" || resp.Amount != 100 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.UserID != "user-1" {
		t.Fatalf("consumption must be charged to the caller, got %q", captured.UserID)
	}

	assertErrorCode(t, serve(t, handler.Routes, http.MethodPost, "/credits:consume", `{"orderId":"ord_7","amount":500}`, customer), http.StatusUnprocessableEntity, "insufficient_credit")
	assertErrorCode(t, serve(t, handler.Routes, http.MethodPost, "/credits:consume", `{"orderId":"ord_7","amount":0}`, customer), http.StatusBadRequest, "invalid_request")
	assertErrorCode(t, serve(t, handler.Routes, http.MethodPost, "/credits:consume", "", customer), http.StatusBadRequest, "invalid_request")
}

func TestCreditHandlersUnavailable(t *testing.T) {
	handler := NewCreditHandlers(nil, nil)
	assertErrorCode(t, serve(t, handler.Routes, http.MethodGet, "/credits", "", customer), http.StatusServiceUnavailable, "credits_unavailable")
}
