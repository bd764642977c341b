package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	orderIDPrefix        = "ord_"
	serviceOrderIDPrefix = "svc_"
	returnIDPrefix       = "ret_"
	creditIDPrefix       = "crd_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the caller does not own the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a concurrent update or duplicate.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderPaymentFailed indicates the gateway did not open a session.
	ErrOrderPaymentFailed = errors.New("order: payment session could not be created")
	// ErrOrderUnavailable indicates storage could not be reached.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

var validate = validator.New()

type logFunc func(ctx context.Context, event string, fields map[string]any)

func defaultLogger(logger func(context.Context, string, map[string]any)) logFunc {
	if logger == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return logger
}

func defaultClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time {
		return clock().UTC()
	}
}

func defaultIDGenerator(gen func() string) func() string {
	if gen != nil {
		return gen
	}
	return func() string {
		return ulid.Make().String()
	}
}

// mapOrderRepositoryError translates repository failures shared by every order-scoped service.
func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func validationError(sentinel error, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", sentinel, strings.Join(fields, "; "))
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}

// sideEffects publishes notifications and events and invalidates cached status views. Every
// operation is best-effort: failures are logged and never undo the committed write.
type sideEffects struct {
	notifications NotificationPublisher
	events        EventPublisher
	cache         StatusCache
	logger        logFunc
}

func (e sideEffects) notify(ctx context.Context, notification OrderNotification) {
	if e.notifications == nil {
		return
	}
	if _, err := e.notifications.PublishOrderNotification(ctx, notification); err != nil {
		e.logger(ctx, "order.notification.publish.failed", map[string]any{
			"kind":  notification.Kind,
			"order": notification.OrderID,
			"error": err.Error(),
		})
	}
}

func (e sideEffects) publish(ctx context.Context, event OrderEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishOrderEvent(ctx, event); err != nil {
		e.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func (e sideEffects) invalidate(ctx context.Context, orderID string) {
	if e.cache == nil || orderID == "" {
		return
	}
	if err := e.cache.InvalidateOrderStatus(ctx, orderID); err != nil {
		e.logger(ctx, "order.status.cache.invalidate.failed", map[string]any{
			"order": orderID,
			"error": err.Error(),
		})
	}
}

func productNotification(kind string, order domain.Order, now time.Time) OrderNotification {
	txn := ""
	if order.PaymentDetails != nil {
		txn = order.PaymentDetails.TransactionID
	}
	paid := int64(0)
	if order.PaymentStatus == domain.PaymentStatusPaid {
		paid = order.Totals.Total
	}
	return OrderNotification{
		Kind:            kind,
		OrderID:         order.ID,
		OrderKind:       string(domain.OrderKindProduct),
		UserID:          order.UserID,
		Currency:        order.Currency,
		Total:           order.Totals.Total,
		PaidAmount:      paid,
		RemainingAmount: order.Totals.Total - paid,
		TransactionID:   txn,
		PaymentStatus:   string(order.PaymentStatus),
		OrderStatus:     string(order.Status),
		Summary: fmt.Sprintf("Order %s confirmed: %s %s paid",
			order.ID, order.Currency, domain.FormatMajorAmount(order.Totals.Total, order.Currency)),
		OccurredAt: now,
	}
}

func serviceNotification(kind string, order domain.ServiceOrder, transactionID string, now time.Time) OrderNotification {
	summary := fmt.Sprintf("Booking %s paid in full: %s %s",
		order.ID, order.Currency, domain.FormatMajorAmount(order.PaidAmount, order.Currency))
	if order.RemainingAmount > 0 {
		summary = fmt.Sprintf("Booking %s confirmed: %s %s paid, %s %s remaining",
			order.ID,
			order.Currency, domain.FormatMajorAmount(order.PaidAmount, order.Currency),
			order.Currency, domain.FormatMajorAmount(order.RemainingAmount, order.Currency))
	}
	return OrderNotification{
		Kind:            kind,
		OrderID:         order.ID,
		OrderKind:       string(domain.OrderKindService),
		UserID:          order.UserID,
		Currency:        order.Currency,
		Total:           order.Totals.Total,
		PaidAmount:      order.PaidAmount,
		RemainingAmount: order.RemainingAmount,
		TransactionID:   transactionID,
		PaymentStatus:   string(order.PaymentStatus),
		OrderStatus:     string(order.Status),
		Summary:         summary,
		OccurredAt:      now,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func normalizeCurrency(currency, fallback string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(fallback))
	}
	return currency
}

func cloneAddress(addr *domain.Address) *domain.Address {
	if addr == nil {
		return nil
	}
	copy := *addr
	return &copy
}
