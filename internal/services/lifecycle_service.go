package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// ErrOrderRefundRequired indicates money was collected, so the order must go through a refund.
var ErrOrderRefundRequired = errors.New("order: collected payment must be refunded before cancelling")

// OrderLifecycleServiceDeps bundles collaborators required to construct the lifecycle service.
type OrderLifecycleServiceDeps struct {
	Orders        repositories.OrderRepository
	ServiceOrders repositories.ServiceOrderRepository
	Cache         StatusCache
	Events        EventPublisher
	ReturnWindow  time.Duration
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderLifecycleService struct {
	orders        repositories.OrderRepository
	serviceOrders repositories.ServiceOrderRepository
	effects       sideEffects
	window        time.Duration
	clock         func() time.Time
	logger        logFunc
}

// NewOrderLifecycleService constructs the fulfilment and booking state machine.
func NewOrderLifecycleService(deps OrderLifecycleServiceDeps) (OrderLifecycleService, error) {
	if deps.Orders == nil || deps.ServiceOrders == nil {
		return nil, errors.New("order lifecycle service: order repositories are required")
	}
	window := deps.ReturnWindow
	if window <= 0 {
		window = domain.DefaultReturnWindow
	}
	logger := defaultLogger(deps.Logger)
	return &orderLifecycleService{
		orders:        deps.Orders,
		serviceOrders: deps.ServiceOrders,
		effects:       sideEffects{events: deps.Events, cache: deps.Cache, logger: logger},
		window:        window,
		clock:         defaultClock(deps.Clock),
		logger:        logger,
	}, nil
}

// TransitionOrder applies an admin fulfilment transition. Payment confirmation and the returned
// state are owned by the webhook and refund flows and cannot be set here.
func (s *orderLifecycleService) TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" || cmd.To == "" {
		return domain.Order{}, fmt.Errorf("%w: order id and target status are required", ErrOrderInvalidInput)
	}
	if cmd.To == domain.OrderStatusReturned || cmd.To == domain.OrderStatusConfirmed {
		return domain.Order{}, fmt.Errorf("%w: %s is set by the payment and refund flows", ErrOrderInvalidState, cmd.To)
	}

	var from domain.OrderStatus
	updated, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		from = o.Status
		if o.Status == cmd.To {
			return repositories.ErrNoChange
		}
		if !domain.CanTransitionOrder(o.Status, cmd.To) {
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, o.Status, cmd.To)
		}
		now := s.clock()
		switch cmd.To {
		case domain.OrderStatusCancelled:
			if o.PaymentStatus == domain.PaymentStatusPaid {
				return ErrOrderRefundRequired
			}
			o.Status = domain.OrderStatusCancelled
			o.CancelledAt = timePtr(now)
		case domain.OrderStatusProcessing:
			if o.PaymentStatus != domain.PaymentStatusPaid {
				return fmt.Errorf("%w: order is not paid", ErrOrderInvalidState)
			}
			o.Status = cmd.To
		case domain.OrderStatusDelivered:
			o.MarkDelivered(now, s.window)
		default:
			o.Status = cmd.To
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNoChange):
			return updated, nil
		case errors.Is(err, ErrOrderInvalidState), errors.Is(err, ErrOrderRefundRequired):
			return domain.Order{}, err
		}
		return domain.Order{}, mapOrderRepositoryError(err)
	}

	s.changed(ctx, domain.OrderKindProduct, updated.ID, updated.UserID, string(from), string(updated.Status), cmd.ActorID, cmd.Reason)
	return updated, nil
}

// TransitionServiceOrder applies an admin booking transition. Cancellation follows the same rules
// as CancelServiceOrder.
func (s *orderLifecycleService) TransitionServiceOrder(ctx context.Context, cmd TransitionServiceOrderCommand) (domain.ServiceOrder, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" || cmd.To == "" {
		return domain.ServiceOrder{}, fmt.Errorf("%w: order id and target status are required", ErrOrderInvalidInput)
	}
	if cmd.To == domain.ServiceOrderStatusConfirmed {
		return domain.ServiceOrder{}, fmt.Errorf("%w: confirmation is set by the advance payment", ErrOrderInvalidState)
	}
	if cmd.To == domain.ServiceOrderStatusCancelled {
		return s.CancelServiceOrder(ctx, CancelServiceOrderCommand{
			OrderID:   orderID,
			Requester: Requester{UserID: cmd.ActorID, IsAdmin: true},
			Reason:    cmd.Reason,
		})
	}

	var from domain.ServiceOrderStatus
	updated, err := s.serviceOrders.Mutate(ctx, orderID, func(o *domain.ServiceOrder) error {
		from = o.Status
		if o.Status == cmd.To {
			return repositories.ErrNoChange
		}
		if !domain.CanTransitionServiceOrder(o.Status, cmd.To) {
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, o.Status, cmd.To)
		}
		now := s.clock()
		o.Status = cmd.To
		if cmd.To == domain.ServiceOrderStatusCompleted {
			o.CompletedAt = timePtr(now)
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNoChange):
			return updated, nil
		case errors.Is(err, ErrOrderInvalidState):
			return domain.ServiceOrder{}, err
		}
		return domain.ServiceOrder{}, mapOrderRepositoryError(err)
	}

	s.changed(ctx, domain.OrderKindService, updated.ID, updated.UserID, string(from), string(updated.Status), cmd.ActorID, cmd.Reason)
	return updated, nil
}

// CancelServiceOrder cancels a booking that is not completed and has collected nothing.
func (s *orderLifecycleService) CancelServiceOrder(ctx context.Context, cmd CancelServiceOrderCommand) (domain.ServiceOrder, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.ServiceOrder{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	current, err := s.serviceOrders.FindByID(ctx, orderID)
	if err != nil {
		return domain.ServiceOrder{}, mapOrderRepositoryError(err)
	}
	if !cmd.Requester.CanAccess(current.UserID) {
		return domain.ServiceOrder{}, ErrOrderForbidden
	}

	var from domain.ServiceOrderStatus
	updated, err := s.serviceOrders.Mutate(ctx, orderID, func(o *domain.ServiceOrder) error {
		from = o.Status
		switch {
		case o.Status == domain.ServiceOrderStatusCancelled:
			return repositories.ErrNoChange
		case o.Status == domain.ServiceOrderStatusCompleted:
			return fmt.Errorf("%w: completed bookings cannot be cancelled", ErrOrderInvalidState)
		case o.PaidAmount > 0:
			return ErrOrderRefundRequired
		}
		now := s.clock()
		o.Status = domain.ServiceOrderStatusCancelled
		o.CancelledAt = timePtr(now)
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNoChange):
			return updated, nil
		case errors.Is(err, ErrOrderInvalidState), errors.Is(err, ErrOrderRefundRequired):
			return domain.ServiceOrder{}, err
		}
		return domain.ServiceOrder{}, mapOrderRepositoryError(err)
	}

	s.effects.invalidate(ctx, orderID)
	s.effects.publish(ctx, OrderEvent{
		Type:       EventOrderCancelled,
		OrderID:    orderID,
		OrderKind:  string(domain.OrderKindService),
		UserID:     updated.UserID,
		Status:     string(updated.Status),
		Reason:     strings.TrimSpace(cmd.Reason),
		OccurredAt: s.clock(),
	})
	s.logger(ctx, "order.status.changed", map[string]any{
		"order": orderID,
		"kind":  string(domain.OrderKindService),
		"from":  string(from),
		"to":    string(updated.Status),
		"actor": cmd.Requester.UserID,
	})
	return updated, nil
}

func (s *orderLifecycleService) changed(ctx context.Context, kind domain.OrderKind, orderID, userID, from, to, actor, reason string) {
	s.effects.invalidate(ctx, orderID)
	eventType := EventOrderStatusChanged
	if to == string(domain.OrderStatusCancelled) {
		eventType = EventOrderCancelled
	}
	s.effects.publish(ctx, OrderEvent{
		Type:       eventType,
		OrderID:    orderID,
		OrderKind:  string(kind),
		UserID:     userID,
		Status:     to,
		Reason:     strings.TrimSpace(reason),
		OccurredAt: s.clock(),
	})
	s.logger(ctx, "order.status.changed", map[string]any{
		"order": orderID,
		"kind":  string(kind),
		"from":  from,
		"to":    to,
		"actor": actor,
	})
}
