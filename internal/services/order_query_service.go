package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// OrderQueryServiceDeps bundles collaborators required to construct the query service.
type OrderQueryServiceDeps struct {
	Orders        repositories.OrderRepository
	ServiceOrders repositories.ServiceOrderRepository
	Cache         StatusCache
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderQueryService struct {
	orders        repositories.OrderRepository
	serviceOrders repositories.ServiceOrderRepository
	cache         StatusCache
	logger        logFunc
}

// NewOrderQueryService constructs the read-through status lookup.
func NewOrderQueryService(deps OrderQueryServiceDeps) (OrderQueryService, error) {
	if deps.Orders == nil || deps.ServiceOrders == nil {
		return nil, errors.New("order query service: order repositories are required")
	}
	return &orderQueryService{
		orders:        deps.Orders,
		serviceOrders: deps.ServiceOrders,
		cache:         deps.Cache,
		logger:        defaultLogger(deps.Logger),
	}, nil
}

// GetOrderStatus resolves a product order by id, falling back to its payment session id.
func (s *orderQueryService) GetOrderStatus(ctx context.Context, query OrderStatusQuery) (OrderStatusView, error) {
	id := strings.TrimSpace(query.ID)
	if id == "" {
		return OrderStatusView{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if view, ok := s.cached(ctx, id, domain.OrderKindProduct); ok {
		return authorize(view, query.Requester)
	}

	order, err := s.orders.FindByID(ctx, id)
	if isNotFound(err) {
		order, err = s.orders.FindBySessionID(ctx, id)
	}
	if err != nil {
		return OrderStatusView{}, mapOrderRepositoryError(err)
	}
	view := productStatusView(order)
	s.store(ctx, view)
	return authorize(view, query.Requester)
}

// GetServiceOrderStatus resolves a booking by id, falling back to any of its session ids.
func (s *orderQueryService) GetServiceOrderStatus(ctx context.Context, query OrderStatusQuery) (OrderStatusView, error) {
	id := strings.TrimSpace(query.ID)
	if id == "" {
		return OrderStatusView{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if view, ok := s.cached(ctx, id, domain.OrderKindService); ok {
		return authorize(view, query.Requester)
	}

	order, err := s.serviceOrders.FindByID(ctx, id)
	if isNotFound(err) {
		order, err = s.serviceOrders.FindBySessionID(ctx, id)
	}
	if err != nil {
		return OrderStatusView{}, mapOrderRepositoryError(err)
	}
	view := serviceStatusView(order)
	s.store(ctx, view)
	return authorize(view, query.Requester)
}

func (s *orderQueryService) cached(ctx context.Context, id string, kind domain.OrderKind) (OrderStatusView, bool) {
	if s.cache == nil {
		return OrderStatusView{}, false
	}
	payload, ok, err := s.cache.OrderStatus(ctx, id)
	if err != nil {
		s.logger(ctx, "order.status.cache.read.failed", map[string]any{"order": id, "error": err.Error()})
		return OrderStatusView{}, false
	}
	if !ok {
		return OrderStatusView{}, false
	}
	var view OrderStatusView
	if err := json.Unmarshal(payload, &view); err != nil || view.OrderKind != kind {
		return OrderStatusView{}, false
	}
	return view, true
}

// store caches the view under its order id only, since invalidation is keyed by order id.
func (s *orderQueryService) store(ctx context.Context, view OrderStatusView) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := s.cache.StoreOrderStatus(ctx, view.OrderID, payload); err != nil {
		s.logger(ctx, "order.status.cache.write.failed", map[string]any{"order": view.OrderID, "error": err.Error()})
	}
}

func authorize(view OrderStatusView, requester Requester) (OrderStatusView, error) {
	if !requester.CanAccess(view.UserID) {
		return OrderStatusView{}, ErrOrderForbidden
	}
	return view, nil
}

func productStatusView(order domain.Order) OrderStatusView {
	paid := int64(0)
	if order.PaymentStatus == domain.PaymentStatusPaid || order.PaymentStatus == domain.PaymentStatusRefunded {
		paid = order.Totals.Total
	}
	return OrderStatusView{
		OrderID:         order.ID,
		OrderKind:       domain.OrderKindProduct,
		UserID:          order.UserID,
		Currency:        order.Currency,
		Total:           order.Totals.Total,
		PaidAmount:      paid,
		RemainingAmount: order.Totals.Total - paid,
		PaymentStatus:   order.PaymentStatus,
		OrderStatus:     string(order.Status),
		Payment:         order.PaymentDetails,
		DeliveredAt:     order.DeliveredAt,
		ReturnDeadline:  order.ReturnDeadline,
		CanReturn:       order.CanReturn,
		HasActiveReturn: order.HasActiveReturn,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
		ConfirmedAt:     order.ConfirmedAt,
		CancelledAt:     order.CancelledAt,
	}
}

func serviceStatusView(order domain.ServiceOrder) OrderStatusView {
	return OrderStatusView{
		OrderID:         order.ID,
		OrderKind:       domain.OrderKindService,
		UserID:          order.UserID,
		Currency:        order.Currency,
		Total:           order.Totals.Total,
		PaidAmount:      order.PaidAmount,
		RemainingAmount: order.RemainingAmount,
		PaymentStatus:   order.PaymentStatus,
		OrderStatus:     string(order.Status),
		History:         order.History,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
		ConfirmedAt:     order.ConfirmedAt,
		CancelledAt:     order.CancelledAt,
	}
}
