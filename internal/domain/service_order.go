package domain

import (
	"time"
)

// DefaultAdvancePercentage is charged at booking time when the caller does not specify one.
const DefaultAdvancePercentage = 10

// ServiceOrderStatus enumerates the booking lifecycle of a service order.
type ServiceOrderStatus string

const (
	ServiceOrderStatusPending    ServiceOrderStatus = "pending"
	ServiceOrderStatusConfirmed  ServiceOrderStatus = "confirmed"
	ServiceOrderStatusScheduled  ServiceOrderStatus = "scheduled"
	ServiceOrderStatusInProgress ServiceOrderStatus = "in_progress"
	ServiceOrderStatusCompleted  ServiceOrderStatus = "completed"
	ServiceOrderStatusCancelled  ServiceOrderStatus = "cancelled"
)

// LedgerStatus is the state of one payment attempt.
type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusCompleted LedgerStatus = "completed"
	LedgerStatusFailed    LedgerStatus = "failed"
)

// PaymentType distinguishes the attempts recorded in a service order ledger.
type PaymentType string

const (
	PaymentTypeAdvance   PaymentType = "advance"
	PaymentTypeRemaining PaymentType = "remaining"
	PaymentTypeFull      PaymentType = "full"
)

// BookedService is one service line. Its payment fields are informational only.
type BookedService struct {
	ServiceID     string
	Name          string
	Price         int64
	Quantity      int
	PaymentStatus PaymentStatus
	AmountPaid    int64
}

// LineTotal is price multiplied by quantity.
func (s BookedService) LineTotal() int64 {
	return s.Price * int64(s.Quantity)
}

// Schedule is the booked slot.
type Schedule struct {
	Date     time.Time
	TimeSlot string
}

// AdvancePayment records the booking-time payment.
type AdvancePayment struct {
	Percentage    float64
	Amount        int64
	SessionID     string
	TransactionID string
	Status        LedgerStatus
	Method        string
}

// FinalPayment records the balance payment once it has been requested.
type FinalPayment struct {
	Amount        int64
	DueDate       *time.Time
	SessionID     string
	TransactionID string
	Status        LedgerStatus
	Method        string
	RequestedAt   time.Time
}

// PaymentEntry is one append-only ledger row.
type PaymentEntry struct {
	Amount        int64
	SessionID     string
	TransactionID string
	Status        LedgerStatus
	Type          PaymentType
	Mode          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// ServiceOrder is a service booking paid as advance plus remaining balance.
type ServiceOrder struct {
	ID                     string
	UserID                 string
	Currency               string
	Services               []BookedService
	ServiceAddress         *Address
	BillingAddress         *Address
	Schedule               Schedule
	Totals                 OrderTotals
	PaidAmount             int64
	RemainingAmount        int64
	PaymentStatus          PaymentStatus
	Status                 ServiceOrderStatus
	Provider               string
	SessionIDs             []string
	Advance                AdvancePayment
	Final                  *FinalPayment
	History                []PaymentEntry
	WebhookIdempotencyKeys []string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ConfirmedAt            *time.Time
	CompletedAt            *time.Time
	CancelledAt            *time.Time
	ReconcileFlaggedAt     *time.Time
}

// StatusSummary is the payment state derived from a ledger.
type StatusSummary struct {
	PaidAmount      int64
	RemainingAmount int64
	PaymentStatus   PaymentStatus
}

// DeriveStatus computes paid amount, remaining balance and payment status from the ledger alone.
// A shortfall within SettleTolerance counts as fully paid.
func DeriveStatus(ledger []PaymentEntry, total int64) StatusSummary {
	var paid int64
	var pending, failed bool
	for _, entry := range ledger {
		switch entry.Status {
		case LedgerStatusCompleted:
			paid += entry.Amount
		case LedgerStatusPending:
			pending = true
		case LedgerStatusFailed:
			failed = true
		}
	}

	remaining := total - paid
	if remaining < 0 {
		remaining = 0
	}

	summary := StatusSummary{PaidAmount: paid, RemainingAmount: remaining}
	switch {
	case total > 0 && remaining <= SettleTolerance:
		summary.RemainingAmount = 0
		summary.PaymentStatus = PaymentStatusPaid
	case paid > 0:
		summary.PaymentStatus = PaymentStatusPartial
	case failed && !pending:
		summary.PaymentStatus = PaymentStatusFailed
	default:
		summary.PaymentStatus = PaymentStatusPending
	}
	return summary
}

// Recompute refreshes the cached ledger totals and the informational per-service payment fields.
// A refunded order keeps its refunded status.
func (o *ServiceOrder) Recompute() StatusSummary {
	summary := DeriveStatus(o.History, o.Totals.Total)
	o.PaidAmount = summary.PaidAmount
	o.RemainingAmount = summary.RemainingAmount
	if o.PaymentStatus != PaymentStatusRefunded {
		o.PaymentStatus = summary.PaymentStatus
	}

	weights := make([]int64, len(o.Services))
	for i, svc := range o.Services {
		weights[i] = svc.LineTotal()
	}
	shares := Allocate(summary.PaidAmount, weights)
	for i := range o.Services {
		o.Services[i].AmountPaid = shares[i]
		o.Services[i].PaymentStatus = o.PaymentStatus
	}
	return summary
}

// EntryBySession returns the index of the ledger entry opened for the session.
func (o ServiceOrder) EntryBySession(sessionID string) (int, bool) {
	if sessionID == "" {
		return -1, false
	}
	for i := len(o.History) - 1; i >= 0; i-- {
		if o.History[i].SessionID == sessionID {
			return i, true
		}
	}
	return -1, false
}

// HasTransaction reports whether any ledger entry already carries the gateway transaction id.
func (o ServiceOrder) HasTransaction(transactionID string) bool {
	if transactionID == "" {
		return false
	}
	for _, entry := range o.History {
		if entry.TransactionID == transactionID {
			return true
		}
	}
	return false
}

// HasIdempotencyKey reports whether the webhook idempotency key was already applied.
func (o ServiceOrder) HasIdempotencyKey(key string) bool {
	if key == "" {
		return false
	}
	for _, existing := range o.WebhookIdempotencyKeys {
		if existing == key {
			return true
		}
	}
	return false
}

// RemainingPaymentPending reports whether a balance session is already open.
func (o ServiceOrder) RemainingPaymentPending() bool {
	return o.Final != nil && o.Final.Status == LedgerStatusPending
}
