package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	defaultStalePendingTimeout = 30 * time.Minute
	defaultReservationTimeout  = 15 * time.Minute
	defaultSweepBatch          = 100
)

// MaintenanceServiceDeps bundles collaborators required to construct the sweeper.
type MaintenanceServiceDeps struct {
	Orders              repositories.OrderRepository
	ServiceOrders       repositories.ServiceOrderRepository
	Credits             CreditService
	Cache               StatusCache
	Events              EventPublisher
	StalePendingTimeout time.Duration
	ReservationTimeout  time.Duration
	BatchSize           int
	Clock               func() time.Time
	Logger              func(ctx context.Context, event string, fields map[string]any)
}

type maintenanceService struct {
	orders             repositories.OrderRepository
	serviceOrders      repositories.ServiceOrderRepository
	credits            CreditService
	effects            sideEffects
	staleTimeout       time.Duration
	reservationTimeout time.Duration
	batch              int
	clock              func() time.Time
	logger             logFunc
}

// NewMaintenanceService constructs the periodic sweeper.
func NewMaintenanceService(deps MaintenanceServiceDeps) (MaintenanceService, error) {
	if deps.Orders == nil || deps.ServiceOrders == nil {
		return nil, errors.New("maintenance service: order repositories are required")
	}
	stale := deps.StalePendingTimeout
	if stale <= 0 {
		stale = defaultStalePendingTimeout
	}
	reservation := deps.ReservationTimeout
	if reservation <= 0 {
		reservation = defaultReservationTimeout
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	logger := defaultLogger(deps.Logger)
	return &maintenanceService{
		orders:             deps.Orders,
		serviceOrders:      deps.ServiceOrders,
		credits:            deps.Credits,
		effects:            sideEffects{events: deps.Events, cache: deps.Cache, logger: logger},
		staleTimeout:       stale,
		reservationTimeout: reservation,
		batch:              batch,
		clock:              defaultClock(deps.Clock),
		logger:             logger,
	}, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *maintenanceService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			fields := map[string]any{
				"cancelled":  report.CancelledOrders,
				"candidates": report.ReconcileCandidates,
				"released":   report.ReleasedReservations,
				"expired":    report.ExpiredCredits,
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			s.logger(ctx, "maintenance.sweep.completed", fields)
		}
	}
}

// Sweep cancels pending orders that never received a payment session, flags stale orders that
// did as reconciliation candidates (once per order), releases unbound remaining-payment reservations and expires
// credits. Storage errors are joined and returned after every pass has run.
func (s *maintenanceService) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error

	cutoff := s.clock().Add(-s.staleTimeout)
	if err := s.sweepProductOrders(ctx, cutoff, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.sweepServiceOrders(ctx, cutoff, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.releaseReservations(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if s.credits != nil {
		expired, err := s.credits.ExpireCredits(ctx, s.batch)
		report.ExpiredCredits = expired
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

func (s *maintenanceService) sweepProductOrders(ctx context.Context, cutoff time.Time, report *SweepReport) error {
	orders, err := s.orders.ListStalePending(ctx, cutoff, s.batch)
	if err != nil {
		return mapOrderRepositoryError(err)
	}
	for _, order := range orders {
		if order.SessionID != "" {
			s.flagProductOrder(ctx, order, report)
			continue
		}
		_, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
			if o.SessionID != "" || o.PaymentStatus != domain.PaymentStatusPending {
				return repositories.ErrNoChange
			}
			now := s.clock()
			o.PaymentStatus = domain.PaymentStatusFailed
			o.Status = domain.OrderStatusCancelled
			o.CancelledAt = timePtr(now)
			o.UpdatedAt = now
			return nil
		})
		if err != nil {
			if !errors.Is(err, repositories.ErrNoChange) {
				s.logger(ctx, "maintenance.order.cancel.failed", map[string]any{"order": order.ID, "error": err.Error()})
			}
			continue
		}
		report.CancelledOrders++
		s.cancelled(ctx, domain.OrderKindProduct, order.ID, order.UserID)
	}
	return nil
}

func (s *maintenanceService) sweepServiceOrders(ctx context.Context, cutoff time.Time, report *SweepReport) error {
	orders, err := s.serviceOrders.ListStalePending(ctx, cutoff, s.batch)
	if err != nil {
		return mapOrderRepositoryError(err)
	}
	for _, order := range orders {
		if len(order.SessionIDs) > 0 {
			s.flagServiceOrder(ctx, order, report)
			continue
		}
		_, err := s.serviceOrders.Mutate(ctx, order.ID, func(o *domain.ServiceOrder) error {
			if len(o.SessionIDs) > 0 || o.PaymentStatus != domain.PaymentStatusPending {
				return repositories.ErrNoChange
			}
			now := s.clock()
			entryType := domain.PaymentTypeAdvance
			if o.Advance.Amount >= o.Totals.Total {
				entryType = domain.PaymentTypeFull
			}
			o.History = append(o.History, domain.PaymentEntry{
				Amount:    o.Advance.Amount,
				Status:    domain.LedgerStatusFailed,
				Type:      entryType,
				CreatedAt: now,
				UpdatedAt: now,
			})
			o.Advance.Status = domain.LedgerStatusFailed
			o.Status = domain.ServiceOrderStatusCancelled
			o.Recompute()
			o.CancelledAt = timePtr(now)
			o.UpdatedAt = now
			return nil
		})
		if err != nil {
			if !errors.Is(err, repositories.ErrNoChange) {
				s.logger(ctx, "maintenance.order.cancel.failed", map[string]any{"order": order.ID, "error": err.Error()})
			}
			continue
		}
		report.CancelledOrders++
		s.cancelled(ctx, domain.OrderKindService, order.ID, order.UserID)
	}
	return nil
}

// flagProductOrder marks a session-bound stale order so later sweeps skip it. The candidate event
// is emitted only by the sweep that wrote the flag.
func (s *maintenanceService) flagProductOrder(ctx context.Context, order domain.Order, report *SweepReport) {
	_, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.SessionID == "" || o.PaymentStatus != domain.PaymentStatusPending || o.ReconcileFlaggedAt != nil {
			return repositories.ErrNoChange
		}
		o.ReconcileFlaggedAt = timePtr(s.clock())
		return nil
	})
	if err != nil {
		if !errors.Is(err, repositories.ErrNoChange) {
			s.logger(ctx, "maintenance.reconcile.flag.failed", map[string]any{"order": order.ID, "error": err.Error()})
		}
		return
	}
	report.ReconcileCandidates++
	s.candidate(ctx, domain.OrderKindProduct, order.ID, order.UserID, order.Totals.Total, order.Currency)
}

func (s *maintenanceService) flagServiceOrder(ctx context.Context, order domain.ServiceOrder, report *SweepReport) {
	_, err := s.serviceOrders.Mutate(ctx, order.ID, func(o *domain.ServiceOrder) error {
		if len(o.SessionIDs) == 0 || o.PaymentStatus != domain.PaymentStatusPending || o.ReconcileFlaggedAt != nil {
			return repositories.ErrNoChange
		}
		o.ReconcileFlaggedAt = timePtr(s.clock())
		return nil
	})
	if err != nil {
		if !errors.Is(err, repositories.ErrNoChange) {
			s.logger(ctx, "maintenance.reconcile.flag.failed", map[string]any{"order": order.ID, "error": err.Error()})
		}
		return
	}
	report.ReconcileCandidates++
	s.candidate(ctx, domain.OrderKindService, order.ID, order.UserID, order.Advance.Amount, order.Currency)
}

// releaseReservations fails remaining-payment reservations whose gateway call never bound a
// session, so the customer can request the balance again.
func (s *maintenanceService) releaseReservations(ctx context.Context, report *SweepReport) error {
	before := s.clock().Add(-s.reservationTimeout)
	orders, err := s.serviceOrders.ListStaleReservations(ctx, before, s.batch)
	if err != nil {
		return mapOrderRepositoryError(err)
	}
	for _, order := range orders {
		_, err := s.serviceOrders.Mutate(ctx, order.ID, func(o *domain.ServiceOrder) error {
			if o.Final == nil || o.Final.Status != domain.LedgerStatusPending || o.Final.SessionID != "" ||
				o.Final.RequestedAt.After(before) {
				return repositories.ErrNoChange
			}
			o.Final.Status = domain.LedgerStatusFailed
			o.UpdatedAt = s.clock()
			return nil
		})
		if err != nil {
			if !errors.Is(err, repositories.ErrNoChange) {
				s.logger(ctx, "maintenance.reservation.release.failed", map[string]any{"order": order.ID, "error": err.Error()})
			}
			continue
		}
		report.ReleasedReservations++
		s.effects.invalidate(ctx, order.ID)
		s.logger(ctx, "maintenance.reservation.released", map[string]any{"order": order.ID})
	}
	return nil
}

func (s *maintenanceService) cancelled(ctx context.Context, kind domain.OrderKind, orderID, userID string) {
	s.effects.invalidate(ctx, orderID)
	s.effects.publish(ctx, OrderEvent{
		Type:       EventOrderCancelled,
		OrderID:    orderID,
		OrderKind:  string(kind),
		UserID:     userID,
		Status:     string(domain.PaymentStatusFailed),
		Reason:     "payment session never created",
		OccurredAt: s.clock(),
	})
	s.logger(ctx, "maintenance.order.cancelled", map[string]any{"order": orderID, "kind": string(kind)})
}

func (s *maintenanceService) candidate(ctx context.Context, kind domain.OrderKind, orderID, userID string, amount int64, currency string) {
	s.effects.publish(ctx, OrderEvent{
		Type:       EventReconcileCandidate,
		OrderID:    orderID,
		OrderKind:  string(kind),
		UserID:     userID,
		Amount:     amount,
		Currency:   currency,
		Reason:     "pending past timeout",
		OccurredAt: s.clock(),
	})
	s.logger(ctx, "maintenance.reconcile.candidate", map[string]any{"order": orderID, "kind": string(kind)})
}
