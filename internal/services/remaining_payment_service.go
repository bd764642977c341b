package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/repositories"
)

var (
	// ErrRemainingNotRequired indicates the booking has no outstanding balance.
	ErrRemainingNotRequired = errors.New("remaining payment: no remaining payment required")
	// ErrRemainingSessionPending indicates a balance session is already open or being opened.
	ErrRemainingSessionPending = errors.New("remaining payment: a payment session is already pending")
	// ErrRemainingAlreadyPaid indicates the booking is already fully paid.
	ErrRemainingAlreadyPaid = errors.New("remaining payment: order already paid")
	// ErrRemainingOrderCancelled indicates the booking was cancelled.
	ErrRemainingOrderCancelled = errors.New("remaining payment: order cancelled")
	// ErrRemainingAdvanceUnpaid indicates the advance has not been collected yet.
	ErrRemainingAdvanceUnpaid = errors.New("remaining payment: advance payment not completed")
)

// RemainingPaymentServiceDeps bundles collaborators required to construct the service.
type RemainingPaymentServiceDeps struct {
	ServiceOrders repositories.ServiceOrderRepository
	Payments      SessionCreator
	Cache         StatusCache
	Events        EventPublisher
	ReturnURL     string
	CancelURL     string
	NotifyURL     string
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type remainingPaymentService struct {
	serviceOrders repositories.ServiceOrderRepository
	payments      SessionCreator
	effects       sideEffects
	returnURL     string
	cancelURL     string
	notifyURL     string
	clock         func() time.Time
	logger        logFunc
}

// NewRemainingPaymentService constructs the balance payment initiator.
func NewRemainingPaymentService(deps RemainingPaymentServiceDeps) (RemainingPaymentService, error) {
	if deps.ServiceOrders == nil {
		return nil, errors.New("remaining payment service: service order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("remaining payment service: payment session creator is required")
	}
	logger := defaultLogger(deps.Logger)
	return &remainingPaymentService{
		serviceOrders: deps.ServiceOrders,
		payments:      deps.Payments,
		effects:       sideEffects{events: deps.Events, cache: deps.Cache, logger: logger},
		returnURL:     strings.TrimSpace(deps.ReturnURL),
		cancelURL:     strings.TrimSpace(deps.CancelURL),
		notifyURL:     strings.TrimSpace(deps.NotifyURL),
		clock:         defaultClock(deps.Clock),
		logger:        logger,
	}, nil
}

// Initiate reserves the balance, opens a gateway session for exactly the remaining amount and
// binds it to the ledger. The reservation is written before the gateway call, so concurrent
// requests for the same booking see ErrRemainingSessionPending.
func (s *remainingPaymentService) Initiate(ctx context.Context, cmd RemainingPaymentCommand) (RemainingPaymentResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return RemainingPaymentResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	ctx = requestctx.WithOrderID(ctx, orderID)

	order, err := s.serviceOrders.FindByID(ctx, orderID)
	if err != nil {
		return RemainingPaymentResult{}, mapOrderRepositoryError(err)
	}
	if !cmd.Requester.CanAccess(order.UserID) {
		return RemainingPaymentResult{}, ErrOrderForbidden
	}
	if err := remainingPaymentAllowed(order); err != nil {
		return RemainingPaymentResult{}, err
	}

	// Firestore keeps microsecond precision; the reservation is matched by its timestamp.
	reservedAt := s.clock().Truncate(time.Microsecond)
	var previous *domain.FinalPayment
	reserved, err := s.serviceOrders.Mutate(ctx, orderID, func(o *domain.ServiceOrder) error {
		if err := remainingPaymentAllowed(*o); err != nil {
			return err
		}
		previous = o.Final
		due := domain.DeriveStatus(o.History, o.Totals.Total).RemainingAmount
		o.Final = &domain.FinalPayment{
			Amount:      due,
			Status:      domain.LedgerStatusPending,
			RequestedAt: reservedAt,
		}
		if previous != nil {
			o.Final.DueDate = previous.DueDate
		}
		o.UpdatedAt = reservedAt
		return nil
	})
	if err != nil {
		if isRemainingRejection(err) {
			return RemainingPaymentResult{}, err
		}
		return RemainingPaymentResult{}, mapOrderRepositoryError(err)
	}
	amount := reserved.Final.Amount

	session, err := s.payments.CreateSession(ctx, payments.PaymentContext{
		PreferredProvider: defaultString(cmd.PreferredProvider, reserved.Provider),
		Currency:          reserved.Currency,
	}, payments.SessionRequest{
		Reference:      fmt.Sprintf("%s-rem-%d", reserved.ID, remainingAttempt(reserved)),
		OrderID:        reserved.ID,
		Amount:         amount,
		Currency:       reserved.Currency,
		Customer:       customerFor(cmd.Customer, reserved.UserID),
		Description:    fmt.Sprintf("Booking %s balance", reserved.ID),
		ReturnURL:      defaultString(cmd.ReturnURL, s.returnURL),
		CancelURL:      s.cancelURL,
		NotifyURL:      s.notifyURL,
		IdempotencyKey: uuid.NewString(),
		Metadata: map[string]string{
			"orderKind":   string(domain.OrderKindService),
			"paymentType": string(domain.PaymentTypeRemaining),
		},
	})
	if err != nil {
		s.release(ctx, orderID, reservedAt, previous)
		if errors.Is(err, payments.ErrUnsupportedCurrency) || errors.Is(err, payments.ErrUnsupportedProvider) {
			return RemainingPaymentResult{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return RemainingPaymentResult{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, err)
	}

	bound, err := s.serviceOrders.Mutate(ctx, orderID, func(o *domain.ServiceOrder) error {
		if o.Final == nil || o.Final.Status != domain.LedgerStatusPending || !o.Final.RequestedAt.Equal(reservedAt) {
			return fmt.Errorf("%w: reservation for %s was released", ErrOrderConflict, orderID)
		}
		now := s.clock()
		o.Final.SessionID = session.ID
		o.SessionIDs = append(o.SessionIDs, session.ID)
		o.History = append(o.History, domain.PaymentEntry{
			Amount:    amount,
			SessionID: session.ID,
			Status:    domain.LedgerStatusPending,
			Type:      domain.PaymentTypeRemaining,
			CreatedAt: now,
			UpdatedAt: now,
		})
		o.Recompute()
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.logger(ctx, "remaining_payment.bind.failed", map[string]any{
			"order":   orderID,
			"session": session.ID,
			"error":   err.Error(),
		})
		if errors.Is(err, ErrOrderConflict) {
			return RemainingPaymentResult{}, err
		}
		return RemainingPaymentResult{}, mapOrderRepositoryError(err)
	}

	s.effects.invalidate(ctx, orderID)
	s.effects.publish(ctx, OrderEvent{
		Type:       EventRemainingPaymentRequested,
		OrderID:    orderID,
		OrderKind:  string(domain.OrderKindService),
		UserID:     bound.UserID,
		Amount:     amount,
		Currency:   bound.Currency,
		Status:     string(bound.PaymentStatus),
		OccurredAt: s.clock(),
	})

	return RemainingPaymentResult{
		OrderID:         orderID,
		SessionID:       session.ID,
		Provider:        session.Provider,
		RedirectURL:     session.RedirectURL,
		Token:           session.Token,
		RemainingAmount: amount,
		TotalAmount:     bound.Totals.Total,
		AdvancePaid:     bound.PaidAmount,
		Currency:        bound.Currency,
		ExpiresAt:       session.ExpiresAt,
	}, nil
}

// release undoes an unbound reservation after the gateway refused to open a session.
func (s *remainingPaymentService) release(ctx context.Context, orderID string, reservedAt time.Time, previous *domain.FinalPayment) {
	_, err := s.serviceOrders.Mutate(ctx, orderID, func(o *domain.ServiceOrder) error {
		if o.Final == nil || o.Final.SessionID != "" || !o.Final.RequestedAt.Equal(reservedAt) {
			return repositories.ErrNoChange
		}
		o.Final = previous
		o.UpdatedAt = s.clock()
		return nil
	})
	if err != nil && !errors.Is(err, repositories.ErrNoChange) {
		s.logger(ctx, "remaining_payment.release.failed", map[string]any{
			"order": orderID,
			"error": err.Error(),
		})
	}
}

// remainingPaymentAllowed checks the preconditions in their reporting order.
func remainingPaymentAllowed(o domain.ServiceOrder) error {
	summary := domain.DeriveStatus(o.History, o.Totals.Total)
	switch {
	case summary.RemainingAmount <= 0:
		return ErrRemainingNotRequired
	case o.RemainingPaymentPending():
		return ErrRemainingSessionPending
	case o.PaymentStatus == domain.PaymentStatusPaid:
		return ErrRemainingAlreadyPaid
	case o.Status == domain.ServiceOrderStatusCancelled:
		return ErrRemainingOrderCancelled
	case o.Advance.Status != domain.LedgerStatusCompleted:
		return ErrRemainingAdvanceUnpaid
	}
	return nil
}

func isRemainingRejection(err error) bool {
	for _, sentinel := range []error{
		ErrRemainingNotRequired,
		ErrRemainingSessionPending,
		ErrRemainingAlreadyPaid,
		ErrRemainingOrderCancelled,
		ErrRemainingAdvanceUnpaid,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func remainingAttempt(o domain.ServiceOrder) int {
	n := 1
	for _, entry := range o.History {
		if entry.Type == domain.PaymentTypeRemaining {
			n++
		}
	}
	return n
}
