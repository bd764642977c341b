package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/repositories"
)

// PaymentVerificationServiceDeps bundles collaborators required to construct the poller.
type PaymentVerificationServiceDeps struct {
	ServiceOrders repositories.ServiceOrderRepository
	Cache         StatusCache
	Events        EventPublisher
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type paymentVerificationService struct {
	serviceOrders repositories.ServiceOrderRepository
	effects       sideEffects
	clock         func() time.Time
	logger        logFunc
}

// NewPaymentVerificationService constructs the service order payment poller.
func NewPaymentVerificationService(deps PaymentVerificationServiceDeps) (PaymentVerificationService, error) {
	if deps.ServiceOrders == nil {
		return nil, errors.New("payment verification service: service order repository is required")
	}
	logger := defaultLogger(deps.Logger)
	return &paymentVerificationService{
		serviceOrders: deps.ServiceOrders,
		effects:       sideEffects{events: deps.Events, cache: deps.Cache, logger: logger},
		clock:         defaultClock(deps.Clock),
		logger:        logger,
	}, nil
}

// Verify repairs ledger entries that carry a transaction id but lost their status, then settles
// the booking when the ledger covers the total. Repeated calls on a settled booking write nothing.
func (s *paymentVerificationService) Verify(ctx context.Context, cmd VerifyPaymentCommand) (VerificationResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return VerificationResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	ctx = requestctx.WithOrderID(ctx, orderID)
	order, err := s.serviceOrders.FindByID(ctx, orderID)
	if err != nil {
		return VerificationResult{}, mapOrderRepositoryError(err)
	}
	if !cmd.Requester.CanAccess(order.UserID) {
		return VerificationResult{}, ErrOrderForbidden
	}

	repaired := false
	settled := false
	updated, err := s.serviceOrders.Mutate(ctx, orderID, func(o *domain.ServiceOrder) error {
		repaired, settled = reconcileLedger(o, s.clock())
		if !repaired && !settled {
			return repositories.ErrNoChange
		}
		return nil
	})
	switch {
	case err == nil:
		s.effects.invalidate(ctx, orderID)
		s.logger(ctx, "payment.verification.updated", map[string]any{
			"order":         orderID,
			"repaired":      repaired,
			"settled":       settled,
			"paymentStatus": string(updated.PaymentStatus),
		})
		if settled && updated.PaymentStatus == domain.PaymentStatusPaid {
			s.effects.publish(ctx, OrderEvent{
				Type:       EventOrderPaid,
				OrderID:    orderID,
				OrderKind:  string(domain.OrderKindService),
				UserID:     updated.UserID,
				Amount:     updated.PaidAmount,
				Currency:   updated.Currency,
				Status:     string(updated.PaymentStatus),
				Reason:     "verification",
				OccurredAt: s.clock(),
			})
		}
	case errors.Is(err, repositories.ErrNoChange):
	default:
		return VerificationResult{}, mapOrderRepositoryError(err)
	}

	summary := domain.DeriveStatus(updated.History, updated.Totals.Total)
	return VerificationResult{
		OrderID:         orderID,
		PaymentStatus:   updated.PaymentStatus,
		OrderStatus:     updated.Status,
		TotalPaid:       summary.PaidAmount,
		OrderTotal:      updated.Totals.Total,
		RemainingAmount: summary.RemainingAmount,
		IsFullyPaid:     summary.PaymentStatus == domain.PaymentStatusPaid,
		Repaired:        repaired,
	}, nil
}

// reconcileLedger applies the repair pass and the settle write in place. It reports whether
// anything changed.
func reconcileLedger(o *domain.ServiceOrder, now time.Time) (repaired bool, settled bool) {
	for i := range o.History {
		entry := &o.History[i]
		if entry.TransactionID != "" && entry.Status == "" {
			entry.Status = domain.LedgerStatusCompleted
			if entry.CompletedAt == nil {
				entry.CompletedAt = timePtr(now)
			}
			entry.UpdatedAt = now
			repaired = true
		}
	}

	before := *o
	summary := domain.DeriveStatus(o.History, o.Totals.Total)
	o.Recompute()

	if summary.PaymentStatus == domain.PaymentStatusPaid {
		if o.Final != nil && o.Final.Status != domain.LedgerStatusCompleted {
			if idx, ok := o.EntryBySession(o.Final.SessionID); ok && o.History[idx].Status == domain.LedgerStatusCompleted {
				o.Final.Status = domain.LedgerStatusCompleted
				o.Final.TransactionID = o.History[idx].TransactionID
				settled = true
			}
		}
		if o.Advance.Status != domain.LedgerStatusCompleted {
			if idx, ok := o.EntryBySession(o.Advance.SessionID); ok && o.History[idx].Status == domain.LedgerStatusCompleted {
				o.Advance.Status = domain.LedgerStatusCompleted
				o.Advance.TransactionID = o.History[idx].TransactionID
				settled = true
			}
		}
		if o.Status == domain.ServiceOrderStatusPending {
			o.Status = domain.ServiceOrderStatusConfirmed
			o.ConfirmedAt = timePtr(now)
			settled = true
		}
	}
	if before.PaidAmount != o.PaidAmount || before.RemainingAmount != o.RemainingAmount || before.PaymentStatus != o.PaymentStatus {
		settled = true
	}
	if repaired || settled {
		o.UpdatedAt = now
	}
	return repaired, settled
}
