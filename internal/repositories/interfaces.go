package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

var (
	// ErrNoChange may be returned by a mutation function to leave the document untouched. Mutate
	// then returns the current value together with ErrNoChange.
	ErrNoChange = errors.New("repositories: no change")
	// ErrClaimExists reports that a payment claim was already recorded by an earlier write.
	ErrClaimExists = errors.New("repositories: payment claim already exists")
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderMutation edits a product order inside a read-modify-write transaction.
type OrderMutation func(order *domain.Order) error

// ServiceOrderMutation edits a service order inside a read-modify-write transaction.
type ServiceOrderMutation func(order *domain.ServiceOrder) error

// ReturnMutation edits a return inside a read-modify-write transaction.
type ReturnMutation func(ret *domain.Return) error

// OrderRepository persists product orders.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error)
	// Mutate applies fn atomically and creates the given claims in the same transaction. fn may
	// run more than once when the transaction retries.
	Mutate(ctx context.Context, orderID string, fn OrderMutation, claims ...domain.PaymentClaim) (domain.Order, error)
	Delete(ctx context.Context, orderID string) error
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error)
}

// ServiceOrderRepository persists service bookings and their payment ledger.
type ServiceOrderRepository interface {
	Insert(ctx context.Context, order domain.ServiceOrder) error
	FindByID(ctx context.Context, orderID string) (domain.ServiceOrder, error)
	FindBySessionID(ctx context.Context, sessionID string) (domain.ServiceOrder, error)
	Mutate(ctx context.Context, orderID string, fn ServiceOrderMutation, claims ...domain.PaymentClaim) (domain.ServiceOrder, error)
	Delete(ctx context.Context, orderID string) error
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.ServiceOrder, error)
	// ListStaleReservations returns bookings whose remaining-payment reservation was never
	// bound to a gateway session before the cutoff.
	ListStaleReservations(ctx context.Context, before time.Time, limit int) ([]domain.ServiceOrder, error)
}

// ReturnRepository persists return requests.
type ReturnRepository interface {
	Insert(ctx context.Context, ret domain.Return) error
	FindByID(ctx context.Context, returnID string) (domain.Return, error)
	Mutate(ctx context.Context, returnID string, fn ReturnMutation) (domain.Return, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Return, error)
}

// CreditLedgerRepository stores the append-only store-credit ledger.
type CreditLedgerRepository interface {
	// Append inserts a credited entry. An entry with an existing id fails with a conflict.
	Append(ctx context.Context, entry domain.CreditEntry) error
	ListByUser(ctx context.Context, userID string) ([]domain.CreditEntry, error)
	// Consume reads the user's ledger and appends the entry built by fn in one transaction.
	Consume(ctx context.Context, userID string, fn func(entries []domain.CreditEntry) (domain.CreditEntry, error)) (domain.CreditEntry, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.CreditEntry, error)
	MarkExpired(ctx context.Context, entryID string, at time.Time) error
}

// ClaimRepository reads the durable payment claims written alongside order mutations.
type ClaimRepository interface {
	Find(ctx context.Context, kind domain.ClaimKind, value string) (domain.PaymentClaim, error)
}

// HealthRepository runs dependency probes for the readiness endpoint.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
