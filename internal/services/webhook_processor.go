package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/repositories"
)

var (
	// ErrWebhookMissingSignature indicates the signature or timestamp header was absent.
	ErrWebhookMissingSignature = errors.New("webhook: missing signature")
	// ErrWebhookInvalidSignature indicates the signature did not match the body.
	ErrWebhookInvalidSignature = errors.New("webhook: invalid signature")
	// ErrWebhookInvalidPayload indicates the body could not be interpreted.
	ErrWebhookInvalidPayload = errors.New("webhook: invalid payload")
	// ErrWebhookOrderNotFound indicates no order owns the notified session.
	ErrWebhookOrderNotFound = errors.New("webhook: order not found")
	// ErrWebhookAmountMismatch indicates the paid amount differs from the amount that was asked for.
	ErrWebhookAmountMismatch = errors.New("webhook: amount mismatch")
	// ErrWebhookUnavailable indicates storage could not be reached; the gateway should retry.
	ErrWebhookUnavailable = errors.New("webhook: unavailable")
)

// WebhookProcessorDeps bundles collaborators required to construct the webhook processor.
type WebhookProcessorDeps struct {
	Orders        repositories.OrderRepository
	ServiceOrders repositories.ServiceOrderRepository
	Claims        repositories.ClaimRepository
	Verifier      SignatureVerifier
	Dedup         WebhookDedup
	Cache         StatusCache
	Notifications NotificationPublisher
	Events        EventPublisher
	ReturnWindow  time.Duration
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type webhookProcessor struct {
	orders        repositories.OrderRepository
	serviceOrders repositories.ServiceOrderRepository
	claims        repositories.ClaimRepository
	verifier      SignatureVerifier
	dedup         WebhookDedup
	effects       sideEffects
	returnWindow  time.Duration
	clock         func() time.Time
	logger        logFunc
}

// NewWebhookProcessor constructs the gateway notification processor.
func NewWebhookProcessor(deps WebhookProcessorDeps) (WebhookProcessor, error) {
	if deps.Orders == nil || deps.ServiceOrders == nil {
		return nil, errors.New("webhook processor: order repositories are required")
	}
	if deps.Claims == nil {
		return nil, errors.New("webhook processor: claim repository is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("webhook processor: signature verifier is required")
	}
	window := deps.ReturnWindow
	if window <= 0 {
		window = domain.DefaultReturnWindow
	}
	logger := defaultLogger(deps.Logger)
	return &webhookProcessor{
		orders:        deps.Orders,
		serviceOrders: deps.ServiceOrders,
		claims:        deps.Claims,
		verifier:      deps.Verifier,
		dedup:         deps.Dedup,
		effects: sideEffects{
			notifications: deps.Notifications,
			events:        deps.Events,
			cache:         deps.Cache,
			logger:        logger,
		},
		returnWindow: window,
		clock:        defaultClock(deps.Clock),
		logger:       logger,
	}, nil
}

// Process authenticates and applies one delivery. Replays of an already applied transaction or
// idempotency key report WebhookStatusDuplicate without side effects.
func (p *webhookProcessor) Process(ctx context.Context, req WebhookRequest) (WebhookResult, error) {
	if txn := peekTransactionID(req.Body); txn != "" {
		if result, ok := p.seenTransaction(ctx, txn); ok {
			return result, nil
		}
	}

	if err := p.verifier.Verify(req.Timestamp, req.Signature, req.Body); err != nil {
		if errors.Is(err, auth.ErrMissingSignatureHeaders) {
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookMissingSignature, err)
		}
		p.logger(ctx, "webhook.signature.rejected", map[string]any{"error": err.Error()})
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookInvalidSignature, err)
	}

	notification, err := parseWebhookNotification(req.Body, req.QueryOrderID)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookInvalidPayload, err)
	}
	ctx = requestctx.WithOrderID(ctx, notification.CorrelationID)

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		if result, ok := p.seenClaim(ctx, domain.ClaimIdempotencyKey, key); ok {
			result.TransactionID = notification.TransactionID
			return result, nil
		}
	}

	if notification.Pending() {
		p.logger(ctx, "webhook.pending.ignored", map[string]any{
			"correlationId": notification.CorrelationID,
			"status":        notification.Status,
		})
		return WebhookResult{Status: WebhookStatusIgnored, TransactionID: notification.TransactionID}, nil
	}
	if notification.Succeeded() && notification.TransactionID == "" {
		return WebhookResult{}, fmt.Errorf("%w: successful payment without transaction id", ErrWebhookInvalidPayload)
	}

	order, err := p.orders.FindBySessionID(ctx, notification.CorrelationID)
	switch {
	case err == nil:
		return p.applyProduct(ctx, order, notification, key)
	case !isNotFound(err):
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookUnavailable, err)
	}

	booking, err := p.serviceOrders.FindBySessionID(ctx, notification.CorrelationID)
	switch {
	case err == nil:
		return p.applyService(ctx, booking, notification, key)
	case isNotFound(err):
		return WebhookResult{}, fmt.Errorf("%w: session %s", ErrWebhookOrderNotFound, notification.CorrelationID)
	default:
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookUnavailable, err)
	}
}

func (p *webhookProcessor) seenTransaction(ctx context.Context, txn string) (WebhookResult, bool) {
	if p.dedup != nil {
		seen, err := p.dedup.WebhookSeen(ctx, txn)
		if err != nil {
			p.logger(ctx, "webhook.dedup.lookup.failed", map[string]any{"transactionId": txn, "error": err.Error()})
		} else if seen {
			return WebhookResult{Status: WebhookStatusDuplicate, TransactionID: txn}, true
		}
	}
	result, ok := p.seenClaim(ctx, domain.ClaimTransaction, txn)
	result.TransactionID = txn
	return result, ok
}

func (p *webhookProcessor) seenClaim(ctx context.Context, kind domain.ClaimKind, value string) (WebhookResult, bool) {
	claim, err := p.claims.Find(ctx, kind, value)
	if err != nil {
		if !isNotFound(err) {
			p.logger(ctx, "webhook.claim.lookup.failed", map[string]any{
				"kind":  string(kind),
				"error": err.Error(),
			})
		}
		return WebhookResult{}, false
	}
	return WebhookResult{
		Status:    WebhookStatusDuplicate,
		OrderID:   claim.OrderID,
		OrderKind: claim.OrderKind,
	}, true
}

func (p *webhookProcessor) applyProduct(ctx context.Context, order domain.Order, n webhookNotification, key string) (WebhookResult, error) {
	claims := paymentClaims(order.ID, domain.OrderKindProduct, n.TransactionID, key)
	paidAfterCancel := false

	updated, err := p.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		if productOutcomeApplied(*o, n, key) {
			return repositories.ErrNoChange
		}
		now := p.clock()
		paidAt := n.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}

		paidAfterCancel = false
		if n.Succeeded() {
			amount, err := domain.ParseMajorAmount(n.Amount, o.Currency)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrWebhookInvalidPayload, err)
			}
			if !withinTolerance(amount, o.Totals.Total) {
				return fmt.Errorf("%w: paid %d, expected %d", ErrWebhookAmountMismatch, amount, o.Totals.Total)
			}
			o.PaymentStatus = domain.PaymentStatusPaid
			o.PaymentDetails = &domain.PaymentDetails{
				Mode:          n.Mode,
				Amount:        amount,
				TransactionID: n.TransactionID,
				ProcessedAt:   paidAt,
			}
			switch o.Status {
			case domain.OrderStatusPlaced:
				o.Status = domain.OrderStatusConfirmed
				o.ConfirmedAt = timePtr(now)
			case domain.OrderStatusDelivered:
				if o.DeliveredAt == nil {
					o.MarkDelivered(now, p.returnWindow)
				}
				o.RefreshReturnFlags(o.HasActiveReturn, now, p.returnWindow)
			case domain.OrderStatusCancelled:
				paidAfterCancel = true
			}
		} else {
			amount, _ := domain.ParseMajorAmount(n.Amount, o.Currency)
			o.PaymentStatus = domain.PaymentStatusFailed
			o.PaymentDetails = &domain.PaymentDetails{
				Mode:          n.Mode,
				Amount:        amount,
				TransactionID: n.TransactionID,
				ProcessedAt:   paidAt,
			}
			if !o.Status.Settled() && o.Status != domain.OrderStatusCancelled {
				o.Status = domain.OrderStatusCancelled
				o.CancelledAt = timePtr(now)
			}
		}
		if key != "" {
			o.WebhookIdempotencyKey = key
		}
		o.UpdatedAt = now
		return nil
	}, claims...)

	result := WebhookResult{
		OrderID:       order.ID,
		OrderKind:     domain.OrderKindProduct,
		TransactionID: n.TransactionID,
	}
	if duplicate, err := p.classifyMutateError(ctx, err, order.ID); duplicate {
		if updated.ID == "" {
			// A claim conflict aborts the transaction before the order is read back.
			updated = order
			if current, findErr := p.orders.FindByID(ctx, order.ID); findErr == nil {
				updated = current
			}
		}
		result.Status = WebhookStatusDuplicate
		result.PaymentStatus = updated.PaymentStatus
		result.OrderStatus = string(updated.Status)
		return result, nil
	} else if err != nil {
		return WebhookResult{}, err
	}

	now := p.clock()
	p.settled(ctx, n.TransactionID, order.ID)
	event := OrderEvent{
		Type:          EventOrderPaid,
		OrderID:       updated.ID,
		OrderKind:     string(domain.OrderKindProduct),
		UserID:        updated.UserID,
		Amount:        updated.Totals.Total,
		Currency:      updated.Currency,
		TransactionID: n.TransactionID,
		Status:        string(updated.PaymentStatus),
		OccurredAt:    now,
	}
	if n.Succeeded() {
		p.effects.notify(ctx, productNotification(NotificationOrderConfirmation, updated, now))
	} else {
		event.Type = EventOrderPaymentFailed
		event.Reason = n.Status
	}
	p.effects.publish(ctx, event)
	if paidAfterCancel {
		p.reconcile(ctx, domain.OrderKindProduct, updated.ID, updated.UserID, n, "paid after cancellation")
	}

	p.logger(ctx, "webhook.applied", map[string]any{
		"order":         updated.ID,
		"kind":          string(domain.OrderKindProduct),
		"transactionId": n.TransactionID,
		"paymentStatus": string(updated.PaymentStatus),
	})
	result.Status = WebhookStatusProcessed
	result.PaymentStatus = updated.PaymentStatus
	result.OrderStatus = string(updated.Status)
	return result, nil
}

func (p *webhookProcessor) applyService(ctx context.Context, order domain.ServiceOrder, n webhookNotification, key string) (WebhookResult, error) {
	claims := paymentClaims(order.ID, domain.OrderKindService, n.TransactionID, key)
	var entryType domain.PaymentType
	paidAfterCancel := false

	updated, err := p.serviceOrders.Mutate(ctx, order.ID, func(o *domain.ServiceOrder) error {
		if o.HasTransaction(n.TransactionID) || o.HasIdempotencyKey(key) {
			return repositories.ErrNoChange
		}
		idx, ok := o.EntryBySession(n.CorrelationID)
		if !ok {
			return fmt.Errorf("%w: no ledger entry for session %s", ErrWebhookOrderNotFound, n.CorrelationID)
		}
		entry := &o.History[idx]
		if entry.Status == domain.LedgerStatusCompleted {
			return repositories.ErrNoChange
		}
		if !n.Succeeded() && entry.Status == domain.LedgerStatusFailed {
			return repositories.ErrNoChange
		}

		now := p.clock()
		paidAt := n.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}
		entryType = entry.Type
		paidAfterCancel = false

		if n.Succeeded() {
			amount, err := domain.ParseMajorAmount(n.Amount, o.Currency)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrWebhookInvalidPayload, err)
			}
			if !withinTolerance(amount, entry.Amount) {
				return fmt.Errorf("%w: paid %d, expected %d", ErrWebhookAmountMismatch, amount, entry.Amount)
			}
			entry.Status = domain.LedgerStatusCompleted
			entry.TransactionID = n.TransactionID
			entry.Mode = n.Mode
			entry.CompletedAt = timePtr(paidAt)
			entry.UpdatedAt = now

			switch entry.Type {
			case domain.PaymentTypeRemaining:
				if o.Final != nil && o.Final.SessionID == entry.SessionID {
					o.Final.Status = domain.LedgerStatusCompleted
					o.Final.TransactionID = n.TransactionID
					o.Final.Method = n.Mode
				}
			default:
				o.Advance.Status = domain.LedgerStatusCompleted
				o.Advance.TransactionID = n.TransactionID
				o.Advance.Method = n.Mode
			}
			switch o.Status {
			case domain.ServiceOrderStatusPending:
				o.Status = domain.ServiceOrderStatusConfirmed
				o.ConfirmedAt = timePtr(now)
			case domain.ServiceOrderStatusCancelled:
				paidAfterCancel = true
			}
		} else {
			entry.Status = domain.LedgerStatusFailed
			entry.TransactionID = n.TransactionID
			entry.Mode = n.Mode
			entry.UpdatedAt = now

			switch entry.Type {
			case domain.PaymentTypeRemaining:
				if o.Final != nil && o.Final.SessionID == entry.SessionID {
					o.Final.Status = domain.LedgerStatusFailed
					o.Final.TransactionID = n.TransactionID
				}
			default:
				o.Advance.Status = domain.LedgerStatusFailed
				o.Advance.TransactionID = n.TransactionID
				if o.Status == domain.ServiceOrderStatusPending {
					o.Status = domain.ServiceOrderStatusCancelled
					o.CancelledAt = timePtr(now)
				}
			}
		}
		if key != "" {
			o.WebhookIdempotencyKeys = append(o.WebhookIdempotencyKeys, key)
		}
		o.Recompute()
		o.UpdatedAt = now
		return nil
	}, claims...)

	result := WebhookResult{
		OrderID:       order.ID,
		OrderKind:     domain.OrderKindService,
		TransactionID: n.TransactionID,
	}
	if duplicate, err := p.classifyMutateError(ctx, err, order.ID); duplicate {
		if updated.ID == "" {
			updated = order
			if current, findErr := p.serviceOrders.FindByID(ctx, order.ID); findErr == nil {
				updated = current
			}
		}
		result.Status = WebhookStatusDuplicate
		result.PaymentStatus = updated.PaymentStatus
		result.OrderStatus = string(updated.Status)
		return result, nil
	} else if err != nil {
		return WebhookResult{}, err
	}

	now := p.clock()
	p.settled(ctx, n.TransactionID, order.ID)
	var amount int64
	if idx, ok := updated.EntryBySession(n.CorrelationID); ok {
		amount = updated.History[idx].Amount
	}
	event := OrderEvent{
		Type:          EventOrderPaid,
		OrderID:       updated.ID,
		OrderKind:     string(domain.OrderKindService),
		UserID:        updated.UserID,
		Amount:        amount,
		Currency:      updated.Currency,
		TransactionID: n.TransactionID,
		Status:        string(updated.PaymentStatus),
		Reason:        string(entryType),
		OccurredAt:    now,
	}
	if n.Succeeded() {
		p.effects.notify(ctx, serviceNotification(NotificationBookingSummary, updated, n.TransactionID, now))
	} else {
		event.Type = EventOrderPaymentFailed
	}
	p.effects.publish(ctx, event)
	if paidAfterCancel {
		p.reconcile(ctx, domain.OrderKindService, updated.ID, updated.UserID, n, "paid after cancellation")
	}

	p.logger(ctx, "webhook.applied", map[string]any{
		"order":         updated.ID,
		"kind":          string(domain.OrderKindService),
		"transactionId": n.TransactionID,
		"entryType":     string(entryType),
		"paymentStatus": string(updated.PaymentStatus),
	})
	result.Status = WebhookStatusProcessed
	result.PaymentStatus = updated.PaymentStatus
	result.OrderStatus = string(updated.Status)
	return result, nil
}

// classifyMutateError reports whether the mutation was a replay and maps the remaining failures.
func (p *webhookProcessor) classifyMutateError(ctx context.Context, err error, orderID string) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, repositories.ErrNoChange), errors.Is(err, repositories.ErrClaimExists):
		p.logger(ctx, "webhook.duplicate", map[string]any{"order": orderID})
		return true, nil
	case errors.Is(err, ErrWebhookAmountMismatch):
		p.logger(ctx, "webhook.amount.mismatch", map[string]any{"order": orderID, "error": err.Error()})
		return false, err
	case errors.Is(err, ErrWebhookInvalidPayload), errors.Is(err, ErrWebhookOrderNotFound):
		return false, err
	case isNotFound(err):
		return false, fmt.Errorf("%w: %v", ErrWebhookOrderNotFound, err)
	default:
		return false, fmt.Errorf("%w: %v", ErrWebhookUnavailable, err)
	}
}

func (p *webhookProcessor) settled(ctx context.Context, txn, orderID string) {
	p.effects.invalidate(ctx, orderID)
	if p.dedup == nil || txn == "" {
		return
	}
	if err := p.dedup.MarkWebhook(ctx, txn); err != nil {
		p.logger(ctx, "webhook.dedup.mark.failed", map[string]any{"transactionId": txn, "error": err.Error()})
	}
}

func (p *webhookProcessor) reconcile(ctx context.Context, kind domain.OrderKind, orderID, userID string, n webhookNotification, reason string) {
	p.logger(ctx, "webhook.reconcile.candidate", map[string]any{
		"order":         orderID,
		"transactionId": n.TransactionID,
		"reason":        reason,
	})
	p.effects.publish(ctx, OrderEvent{
		Type:          EventReconcileCandidate,
		OrderID:       orderID,
		OrderKind:     string(kind),
		UserID:        userID,
		TransactionID: n.TransactionID,
		Reason:        reason,
		OccurredAt:    p.clock(),
	})
}

func productOutcomeApplied(o domain.Order, n webhookNotification, key string) bool {
	if key != "" && o.WebhookIdempotencyKey == key {
		return true
	}
	switch o.PaymentStatus {
	case domain.PaymentStatusPaid, domain.PaymentStatusRefunded:
		return true
	case domain.PaymentStatusFailed:
		if n.Succeeded() {
			return false
		}
		return o.PaymentDetails != nil && o.PaymentDetails.TransactionID == n.TransactionID
	}
	return n.TransactionID != "" && o.PaymentDetails != nil && o.PaymentDetails.TransactionID == n.TransactionID
}

func paymentClaims(orderID string, kind domain.OrderKind, txn, key string) []domain.PaymentClaim {
	claims := make([]domain.PaymentClaim, 0, 2)
	if txn != "" {
		claims = append(claims, domain.PaymentClaim{Kind: domain.ClaimTransaction, Value: txn, OrderID: orderID, OrderKind: kind})
	}
	if key != "" {
		claims = append(claims, domain.PaymentClaim{Kind: domain.ClaimIdempotencyKey, Value: key, OrderID: orderID, OrderKind: kind})
	}
	return claims
}

func withinTolerance(paid, expected int64) bool {
	diff := paid - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= domain.SettleTolerance
}
