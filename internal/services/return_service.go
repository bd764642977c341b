package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

var (
	// ErrReturnInvalidInput signals the caller provided invalid data.
	ErrReturnInvalidInput = errors.New("return: invalid input")
	// ErrReturnNotFound indicates the return could not be located.
	ErrReturnNotFound = errors.New("return: not found")
	// ErrReturnNotEligible indicates the order cannot be returned; the wrapped error names the reason.
	ErrReturnNotEligible = errors.New("return: order not eligible for return")
	// ErrReturnInvalidState indicates the return workflow does not allow the requested change.
	ErrReturnInvalidState = errors.New("return: invalid status transition")
	// ErrReturnUnavailable indicates storage could not be reached.
	ErrReturnUnavailable = errors.New("return: unavailable")
)

// ReturnServiceDeps bundles collaborators required to construct the return service.
type ReturnServiceDeps struct {
	Orders          repositories.OrderRepository
	Returns         repositories.ReturnRepository
	Credits         CreditService
	Cache           StatusCache
	Events          EventPublisher
	ReturnWindow    time.Duration
	StoreCreditRate decimal.Decimal
	CreditExpiry    time.Duration
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type returnService struct {
	orders       repositories.OrderRepository
	returns      repositories.ReturnRepository
	credits      CreditService
	effects      sideEffects
	window       time.Duration
	creditRate   decimal.Decimal
	creditExpiry time.Duration
	clock        func() time.Time
	newID        func() string
	logger       logFunc
}

// NewReturnService wires dependencies into the return workflow.
func NewReturnService(deps ReturnServiceDeps) (ReturnService, error) {
	if deps.Orders == nil {
		return nil, errors.New("return service: order repository is required")
	}
	if deps.Returns == nil {
		return nil, errors.New("return service: return repository is required")
	}
	if deps.StoreCreditRate.IsNegative() {
		return nil, errors.New("return service: store credit rate must not be negative")
	}
	window := deps.ReturnWindow
	if window <= 0 {
		window = domain.DefaultReturnWindow
	}
	logger := defaultLogger(deps.Logger)
	return &returnService{
		orders:       deps.Orders,
		returns:      deps.Returns,
		credits:      deps.Credits,
		effects:      sideEffects{events: deps.Events, cache: deps.Cache, logger: logger},
		window:       window,
		creditRate:   deps.StoreCreditRate,
		creditExpiry: deps.CreditExpiry,
		clock:        defaultClock(deps.Clock),
		newID:        defaultIDGenerator(deps.IDGenerator),
		logger:       logger,
	}, nil
}

// RequestReturn prices the requested lines and opens a return. The order's active-return flag is
// set in the same transaction that re-checks eligibility, so two concurrent requests cannot both
// succeed.
func (s *returnService) RequestReturn(ctx context.Context, cmd RequestReturnCommand) (domain.Return, error) {
	if err := validate.StructCtx(ctx, cmd); err != nil {
		return domain.Return{}, validationError(ErrReturnInvalidInput, err)
	}
	orderID := strings.TrimSpace(cmd.OrderID)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Return{}, mapOrderRepositoryError(err)
	}
	if !cmd.Requester.CanAccess(order.UserID) {
		return domain.Return{}, ErrOrderForbidden
	}

	lines := make([]domain.ReturnLine, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		lines = append(lines, domain.ReturnLine{
			LineItemID: strings.TrimSpace(item.LineItemID),
			Quantity:   item.Quantity,
			Reason:     strings.TrimSpace(item.Reason),
			Condition:  strings.TrimSpace(item.Condition),
		})
	}

	now := s.clock()
	var (
		items []domain.ReturnItem
		total int64
	)
	locked, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		if err := o.ReturnEligibility(now, s.window); err != nil {
			return fmt.Errorf("%w: %w", ErrReturnNotEligible, err)
		}
		var err error
		items, total, err = domain.ComputeRefund(*o, lines)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReturnInvalidInput, err)
		}
		o.HasActiveReturn = true
		o.CanReturn = false
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrReturnNotEligible) || errors.Is(err, ErrReturnInvalidInput) {
			return domain.Return{}, err
		}
		return domain.Return{}, mapOrderRepositoryError(err)
	}

	ret := domain.Return{
		ID:                returnIDPrefix + s.newID(),
		OrderID:           locked.ID,
		UserID:            locked.UserID,
		Currency:          locked.Currency,
		Items:             items,
		TotalRefundAmount: total,
		Status:            domain.ReturnStatusRequested,
		Notes:             strings.TrimSpace(cmd.Notes),
		RequestedAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.returns.Insert(ctx, ret); err != nil {
		s.refreshOrderFlags(ctx, orderID)
		return domain.Return{}, s.mapReturnError(err)
	}

	s.effects.invalidate(ctx, orderID)
	s.publish(ctx, EventReturnRequested, ret, "")
	return ret, nil
}

func (s *returnService) GetReturn(ctx context.Context, returnID string, requester Requester) (domain.Return, error) {
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return domain.Return{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}
	ret, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return domain.Return{}, s.mapReturnError(err)
	}
	if !requester.CanAccess(ret.UserID) {
		return domain.Return{}, ErrOrderForbidden
	}
	return ret, nil
}

func (s *returnService) ListReturns(ctx context.Context, orderID string, requester Requester) ([]domain.Return, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrReturnInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	if !requester.CanAccess(order.UserID) {
		return nil, ErrOrderForbidden
	}
	returns, err := s.returns.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapReturnError(err)
	}
	return returns, nil
}

// DecideReturn approves or rejects a requested return. Rejections require a reason and reopen
// the order for another return while the window lasts.
func (s *returnService) DecideReturn(ctx context.Context, cmd DecideReturnCommand) (domain.Return, error) {
	returnID := strings.TrimSpace(cmd.ReturnID)
	if returnID == "" {
		return domain.Return{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}
	reason := strings.TrimSpace(cmd.Reason)

	var target domain.ReturnStatus
	switch cmd.Decision {
	case ReturnDecisionApprove:
		target = domain.ReturnStatusApproved
	case ReturnDecisionReject:
		if reason == "" {
			return domain.Return{}, fmt.Errorf("%w: rejection reason is required", ErrReturnInvalidInput)
		}
		target = domain.ReturnStatusRejected
	default:
		return domain.Return{}, fmt.Errorf("%w: unknown decision %q", ErrReturnInvalidInput, cmd.Decision)
	}

	updated, err := s.returns.Mutate(ctx, returnID, func(ret *domain.Return) error {
		if ret.Status == target {
			return repositories.ErrNoChange
		}
		if !domain.CanTransitionReturn(ret.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrReturnInvalidState, ret.Status, target)
		}
		now := s.clock()
		ret.Status = target
		switch target {
		case domain.ReturnStatusApproved:
			ret.ApprovedAt = timePtr(now)
		case domain.ReturnStatusRejected:
			ret.RejectedAt = timePtr(now)
			ret.RejectionReason = reason
		}
		ret.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNoChange) {
			return updated, nil
		}
		if errors.Is(err, ErrReturnInvalidState) {
			return domain.Return{}, err
		}
		return domain.Return{}, s.mapReturnError(err)
	}

	if target == domain.ReturnStatusRejected {
		s.refreshOrderFlags(ctx, updated.OrderID)
		s.publish(ctx, EventReturnRejected, updated, reason)
	} else {
		s.publish(ctx, EventReturnApproved, updated, "")
	}
	s.logger(ctx, "return.decided", map[string]any{
		"return": updated.ID,
		"order":  updated.OrderID,
		"status": string(updated.Status),
		"actor":  cmd.ActorID,
	})
	return updated, nil
}

// ProcessRefund records the external refund of an approved return, applies the returned
// quantities to the order when the refund covers the whole return and grants the store-credit
// reward on the return's refundable total. Every step is idempotent, so a
// retry after a partial failure completes the remaining steps.
func (s *returnService) ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (domain.Return, error) {
	returnID := strings.TrimSpace(cmd.ReturnID)
	txn := strings.TrimSpace(cmd.RefundTransactionID)
	if returnID == "" || txn == "" {
		return domain.Return{}, fmt.Errorf("%w: return id and refund transaction id are required", ErrReturnInvalidInput)
	}
	if cmd.RefundedAmount < 0 {
		return domain.Return{}, fmt.Errorf("%w: refunded amount must not be negative", ErrReturnInvalidInput)
	}

	refunded, err := s.returns.Mutate(ctx, returnID, func(ret *domain.Return) error {
		if (ret.Status == domain.ReturnStatusRefunded || ret.Status == domain.ReturnStatusPartiallyRefunded) &&
			ret.RefundTransactionID == txn {
			return repositories.ErrNoChange
		}
		if ret.Status != domain.ReturnStatusApproved {
			return fmt.Errorf("%w: %s return cannot be refunded", ErrReturnInvalidState, ret.Status)
		}
		amount := cmd.RefundedAmount
		if amount == 0 {
			amount = ret.TotalRefundAmount
		}
		if amount > ret.TotalRefundAmount {
			return fmt.Errorf("%w: refunded %d exceeds refundable %d", ErrReturnInvalidInput, amount, ret.TotalRefundAmount)
		}
		target := domain.ReturnStatusRefunded
		if amount < ret.TotalRefundAmount {
			target = domain.ReturnStatusPartiallyRefunded
		}

		now := s.clock()
		ret.Status = target
		ret.RefundedAmount = amount
		ret.RefundTransactionID = txn
		ret.RefundedAt = timePtr(now)
		ret.StoreCreditAmount = domain.PercentageOf(ret.TotalRefundAmount, s.creditRate)
		ret.StoreCreditIssued = ret.StoreCreditAmount > 0 && s.credits != nil
		ret.UpdatedAt = now
		return nil
	})
	fresh := err == nil
	if err != nil && !errors.Is(err, repositories.ErrNoChange) {
		if errors.Is(err, ErrReturnInvalidState) || errors.Is(err, ErrReturnInvalidInput) {
			return domain.Return{}, err
		}
		return domain.Return{}, s.mapReturnError(err)
	}

	if err := s.applyToOrder(ctx, refunded); err != nil {
		return domain.Return{}, err
	}
	if err := s.grantCredit(ctx, refunded); err != nil {
		return domain.Return{}, err
	}

	if fresh {
		s.publish(ctx, EventReturnRefunded, refunded, "")
		s.effects.publish(ctx, OrderEvent{
			Type:          EventRefundRequested,
			OrderID:       refunded.OrderID,
			OrderKind:     string(domain.OrderKindProduct),
			UserID:        refunded.UserID,
			ReturnID:      refunded.ID,
			Amount:        refunded.RefundedAmount,
			Currency:      refunded.Currency,
			TransactionID: refunded.RefundTransactionID,
			Status:        string(refunded.Status),
			OccurredAt:    s.clock(),
		})
	}
	return refunded, nil
}

func (s *returnService) applyToOrder(ctx context.Context, ret domain.Return) error {
	_, err := s.orders.Mutate(ctx, ret.OrderID, func(o *domain.Order) error {
		if o.ReturnApplied(ret.ID) {
			return repositories.ErrNoChange
		}
		now := s.clock()
		// A partially refunded return does not count its units as returned.
		if ret.Status == domain.ReturnStatusRefunded {
			o.ApplyReturnedQuantities(ret.Items)
			if o.FullyReturned() {
				o.Status = domain.OrderStatusReturned
				o.PaymentStatus = domain.PaymentStatusRefunded
			}
		}
		o.AppliedReturnIDs = append(o.AppliedReturnIDs, ret.ID)
		o.RefreshReturnFlags(false, now, s.window)
		o.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, repositories.ErrNoChange) {
		return mapOrderRepositoryError(err)
	}
	s.effects.invalidate(ctx, ret.OrderID)
	return nil
}

func (s *returnService) grantCredit(ctx context.Context, ret domain.Return) error {
	if !ret.StoreCreditIssued || s.credits == nil {
		return nil
	}
	var expiresAt *time.Time
	if s.creditExpiry > 0 {
		expiresAt = timePtr(s.clock().Add(s.creditExpiry))
	}
	_, err := s.credits.Grant(ctx, GrantCreditCommand{
		EntryID:   creditIDPrefix + ret.ID,
		UserID:    ret.UserID,
		Amount:    ret.StoreCreditAmount,
		Reason:    domain.CreditReasonReturnRefund,
		OrderID:   ret.OrderID,
		ReturnID:  ret.ID,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("%w: grant store credit: %v", ErrReturnUnavailable, err)
	}
	return nil
}

// refreshOrderFlags recomputes the order's return flags from the returns that are still open.
func (s *returnService) refreshOrderFlags(ctx context.Context, orderID string) {
	returns, err := s.returns.ListByOrder(ctx, orderID)
	if err != nil {
		s.logger(ctx, "return.flags.refresh.failed", map[string]any{"order": orderID, "error": err.Error()})
		return
	}
	active := false
	for _, ret := range returns {
		if ret.Status.Active() {
			active = true
			break
		}
	}
	_, err = s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		now := s.clock()
		before := [2]bool{o.HasActiveReturn, o.CanReturn}
		o.RefreshReturnFlags(active, now, s.window)
		if before == [2]bool{o.HasActiveReturn, o.CanReturn} {
			return repositories.ErrNoChange
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, repositories.ErrNoChange) {
		s.logger(ctx, "return.flags.refresh.failed", map[string]any{"order": orderID, "error": err.Error()})
		return
	}
	s.effects.invalidate(ctx, orderID)
}

func (s *returnService) publish(ctx context.Context, eventType string, ret domain.Return, reason string) {
	s.effects.publish(ctx, OrderEvent{
		Type:       eventType,
		OrderID:    ret.OrderID,
		OrderKind:  string(domain.OrderKindProduct),
		UserID:     ret.UserID,
		ReturnID:   ret.ID,
		Amount:     ret.TotalRefundAmount,
		Currency:   ret.Currency,
		Status:     string(ret.Status),
		Reason:     reason,
		OccurredAt: s.clock(),
	})
}

func (s *returnService) mapReturnError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrReturnNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrReturnInvalidState, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrReturnUnavailable, err)
		}
	}
	return err
}
