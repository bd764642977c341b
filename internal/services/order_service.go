package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders            repositories.OrderRepository
	ServiceOrders     repositories.ServiceOrderRepository
	Payments          SessionCreator
	Events            EventPublisher
	DefaultCurrency   string
	AdvancePercentage decimal.Decimal
	ReturnURL         string
	CancelURL         string
	NotifyURL         string
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	serviceOrders repositories.ServiceOrderRepository
	payments      SessionCreator
	effects       sideEffects
	currency      string
	advancePct    decimal.Decimal
	returnURL     string
	cancelURL     string
	notifyURL     string
	clock         func() time.Time
	newID         func() string
	logger        logFunc
}

// NewOrderService wires dependencies into the order creation saga.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.ServiceOrders == nil {
		return nil, errors.New("order service: service order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment session creator is required")
	}

	pct := deps.AdvancePercentage
	if pct.IsZero() {
		pct = decimal.NewFromInt(domain.DefaultAdvancePercentage)
	}
	if err := validateAdvancePercentage(pct); err != nil {
		return nil, fmt.Errorf("order service: %w", err)
	}

	logger := defaultLogger(deps.Logger)
	return &orderService{
		orders:        deps.Orders,
		serviceOrders: deps.ServiceOrders,
		payments:      deps.Payments,
		effects:       sideEffects{events: deps.Events, logger: logger},
		currency:      normalizeCurrency(deps.DefaultCurrency, "INR"),
		advancePct:    pct,
		returnURL:     strings.TrimSpace(deps.ReturnURL),
		cancelURL:     strings.TrimSpace(deps.CancelURL),
		notifyURL:     strings.TrimSpace(deps.NotifyURL),
		clock:         defaultClock(deps.Clock),
		newID:         defaultIDGenerator(deps.IDGenerator),
		logger:        logger,
	}, nil
}

// CreateProductOrder persists the order, opens a gateway session for the full total and stores the
// session id. A gateway failure deletes the order again.
func (s *orderService) CreateProductOrder(ctx context.Context, cmd CreateProductOrderCommand) (CheckoutResult, error) {
	if err := validate.StructCtx(ctx, cmd); err != nil {
		return CheckoutResult{}, validationError(ErrOrderInvalidInput, err)
	}

	now := s.clock()
	order := domain.Order{
		ID:              orderIDPrefix + s.newID(),
		UserID:          strings.TrimSpace(cmd.UserID),
		Currency:        normalizeCurrency(cmd.Currency, s.currency),
		Items:           make([]domain.OrderLineItem, 0, len(cmd.Items)),
		ShippingAddress: cloneAddress(cmd.ShippingAddress),
		BillingAddress:  cloneAddress(cmd.BillingAddress),
		Totals:          cmd.Totals,
		PaymentStatus:   domain.PaymentStatusPending,
		Status:          domain.OrderStatusPlaced,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, item := range cmd.Items {
		line := domain.OrderLineItem{
			ID:        fmt.Sprintf("li_%d", i+1),
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Variant:   strings.TrimSpace(item.Variant),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		}
		if item.DiscountedPrice != nil {
			price := *item.DiscountedPrice
			line.DiscountedPrice = &price
		}
		order.Items = append(order.Items, line)
	}
	if err := validateTotals(order.Totals, order.ItemsTotal()); err != nil {
		return CheckoutResult{}, err
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return CheckoutResult{}, mapOrderRepositoryError(err)
	}

	session, err := s.openSession(ctx, cmd.PreferredProvider, cmd.ReturnURL, cmd.IdempotencyKey, payments.SessionRequest{
		Reference:   order.ID,
		OrderID:     order.ID,
		Amount:      order.Totals.Total,
		Currency:    order.Currency,
		Customer:    customerFor(cmd.Customer, order.UserID),
		Description: fmt.Sprintf("Order %s", order.ID),
		Metadata:    map[string]string{"orderKind": string(domain.OrderKindProduct)},
	})
	if err != nil {
		s.compensate(ctx, domain.OrderKindProduct, order.ID, err)
		return CheckoutResult{}, err
	}

	stored, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		o.SessionID = session.ID
		o.Provider = session.Provider
		o.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		s.logger(ctx, "order.session.bind.failed", map[string]any{
			"order":   order.ID,
			"session": session.ID,
			"error":   err.Error(),
		})
		return CheckoutResult{}, mapOrderRepositoryError(err)
	}

	s.effects.publish(ctx, OrderEvent{
		Type:       EventOrderCreated,
		OrderID:    stored.ID,
		OrderKind:  string(domain.OrderKindProduct),
		UserID:     stored.UserID,
		Amount:     stored.Totals.Total,
		Currency:   stored.Currency,
		Status:     string(stored.Status),
		OccurredAt: now,
	})

	return CheckoutResult{
		OrderID:         stored.ID,
		OrderKind:       domain.OrderKindProduct,
		SessionID:       session.ID,
		Provider:        session.Provider,
		RedirectURL:     session.RedirectURL,
		Token:           session.Token,
		Amount:          stored.Totals.Total,
		Total:           stored.Totals.Total,
		RemainingAmount: stored.Totals.Total,
		Currency:        stored.Currency,
		ExpiresAt:       session.ExpiresAt,
	}, nil
}

// CreateServiceOrder persists the booking and opens a gateway session for the advance only.
func (s *orderService) CreateServiceOrder(ctx context.Context, cmd CreateServiceOrderCommand) (CheckoutResult, error) {
	if err := validate.StructCtx(ctx, cmd); err != nil {
		return CheckoutResult{}, validationError(ErrOrderInvalidInput, err)
	}

	pct := cmd.AdvancePercentage
	if pct.IsZero() {
		pct = s.advancePct
	}
	if err := validateAdvancePercentage(pct); err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	now := s.clock()
	order := domain.ServiceOrder{
		ID:             serviceOrderIDPrefix + s.newID(),
		UserID:         strings.TrimSpace(cmd.UserID),
		Currency:       normalizeCurrency(cmd.Currency, s.currency),
		Services:       make([]domain.BookedService, 0, len(cmd.Services)),
		ServiceAddress: cloneAddress(cmd.ServiceAddress),
		BillingAddress: cloneAddress(cmd.BillingAddress),
		Schedule:       cmd.Schedule,
		Totals:         cmd.Totals,
		PaymentStatus:  domain.PaymentStatusPending,
		Status:         domain.ServiceOrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var itemsTotal int64
	for _, svc := range cmd.Services {
		booked := domain.BookedService{
			ServiceID:     strings.TrimSpace(svc.ServiceID),
			Name:          strings.TrimSpace(svc.Name),
			Price:         svc.Price,
			Quantity:      svc.Quantity,
			PaymentStatus: domain.PaymentStatusPending,
		}
		itemsTotal += booked.LineTotal()
		order.Services = append(order.Services, booked)
	}
	if err := validateTotals(order.Totals, itemsTotal); err != nil {
		return CheckoutResult{}, err
	}

	advance := domain.PercentageOf(order.Totals.Total, pct)
	if advance <= 0 {
		return CheckoutResult{}, fmt.Errorf("%w: advance of %s%% on %d rounds to zero", ErrOrderInvalidInput, pct.String(), order.Totals.Total)
	}
	paymentType := domain.PaymentTypeAdvance
	if advance >= order.Totals.Total {
		advance = order.Totals.Total
		paymentType = domain.PaymentTypeFull
	}
	order.Advance = domain.AdvancePayment{
		Percentage: pct.InexactFloat64(),
		Amount:     advance,
		Status:     domain.LedgerStatusPending,
	}
	order.Recompute()

	if err := s.serviceOrders.Insert(ctx, order); err != nil {
		return CheckoutResult{}, mapOrderRepositoryError(err)
	}

	session, err := s.openSession(ctx, cmd.PreferredProvider, cmd.ReturnURL, cmd.IdempotencyKey, payments.SessionRequest{
		Reference:   order.ID + "-adv",
		OrderID:     order.ID,
		Amount:      advance,
		Currency:    order.Currency,
		Customer:    customerFor(cmd.Customer, order.UserID),
		Description: fmt.Sprintf("Booking %s advance", order.ID),
		Metadata: map[string]string{
			"orderKind":   string(domain.OrderKindService),
			"paymentType": string(paymentType),
		},
	})
	if err != nil {
		s.compensate(ctx, domain.OrderKindService, order.ID, err)
		return CheckoutResult{}, err
	}

	stored, err := s.serviceOrders.Mutate(ctx, order.ID, func(o *domain.ServiceOrder) error {
		at := s.clock()
		o.Provider = session.Provider
		o.Advance.SessionID = session.ID
		o.SessionIDs = append(o.SessionIDs, session.ID)
		o.History = append(o.History, domain.PaymentEntry{
			Amount:    advance,
			SessionID: session.ID,
			Status:    domain.LedgerStatusPending,
			Type:      paymentType,
			CreatedAt: at,
			UpdatedAt: at,
		})
		o.Recompute()
		o.UpdatedAt = at
		return nil
	})
	if err != nil {
		s.logger(ctx, "order.session.bind.failed", map[string]any{
			"order":   order.ID,
			"session": session.ID,
			"error":   err.Error(),
		})
		return CheckoutResult{}, mapOrderRepositoryError(err)
	}

	s.effects.publish(ctx, OrderEvent{
		Type:       EventOrderCreated,
		OrderID:    stored.ID,
		OrderKind:  string(domain.OrderKindService),
		UserID:     stored.UserID,
		Amount:     stored.Totals.Total,
		Currency:   stored.Currency,
		Status:     string(stored.Status),
		OccurredAt: now,
	})

	return CheckoutResult{
		OrderID:         stored.ID,
		OrderKind:       domain.OrderKindService,
		SessionID:       session.ID,
		Provider:        session.Provider,
		RedirectURL:     session.RedirectURL,
		Token:           session.Token,
		Amount:          advance,
		Total:           stored.Totals.Total,
		RemainingAmount: stored.Totals.Total - advance,
		Currency:        stored.Currency,
		ExpiresAt:       session.ExpiresAt,
	}, nil
}

func (s *orderService) openSession(ctx context.Context, preferred, returnURL, idempotencyKey string, req payments.SessionRequest) (payments.Session, error) {
	req.ReturnURL = defaultString(returnURL, s.returnURL)
	req.CancelURL = s.cancelURL
	req.NotifyURL = s.notifyURL
	req.IdempotencyKey = strings.TrimSpace(idempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	} else {
		req.IdempotencyKey = req.IdempotencyKey + ":" + req.Reference
	}

	session, err := s.payments.CreateSession(ctx, payments.PaymentContext{
		PreferredProvider: preferred,
		Currency:          req.Currency,
	}, req)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedCurrency) || errors.Is(err, payments.ErrUnsupportedProvider) {
			return payments.Session{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return payments.Session{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, err)
	}
	return session, nil
}

// compensate removes an order whose payment session could not be opened. A failed delete leaves a
// session-less pending order behind for the stale sweep.
func (s *orderService) compensate(ctx context.Context, kind domain.OrderKind, orderID string, cause error) {
	var err error
	switch kind {
	case domain.OrderKindService:
		err = s.serviceOrders.Delete(ctx, orderID)
	default:
		err = s.orders.Delete(ctx, orderID)
	}
	fields := map[string]any{
		"order": orderID,
		"kind":  string(kind),
		"cause": cause.Error(),
	}
	if err != nil && !isNotFound(err) {
		fields["error"] = err.Error()
		s.logger(ctx, "order.compensation.failed", fields)
		return
	}
	s.logger(ctx, "order.compensated", fields)
}

func validateTotals(totals domain.OrderTotals, itemsTotal int64) error {
	switch {
	case totals.Subtotal < 0 || totals.GST < 0 || totals.Discount < 0:
		return fmt.Errorf("%w: totals must not be negative", ErrOrderInvalidInput)
	case totals.Total <= 0:
		return fmt.Errorf("%w: total must be positive", ErrOrderInvalidInput)
	case !totals.Balanced():
		return fmt.Errorf("%w: total %d does not equal subtotal %d + gst %d - discount %d",
			ErrOrderInvalidInput, totals.Total, totals.Subtotal, totals.GST, totals.Discount)
	case totals.Subtotal != itemsTotal:
		return fmt.Errorf("%w: subtotal %d does not match line totals %d", ErrOrderInvalidInput, totals.Subtotal, itemsTotal)
	}
	return nil
}

func validateAdvancePercentage(pct decimal.Decimal) error {
	if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("advance percentage %s must be within (0, 100]", pct.String())
	}
	return nil
}

func customerFor(customer payments.Customer, userID string) payments.Customer {
	if strings.TrimSpace(customer.ID) == "" {
		customer.ID = userID
	}
	return customer
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}
