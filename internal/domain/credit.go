package domain

import (
	"errors"
	"time"
)

// CreditEntryType distinguishes credits from consumptions in the store-credit ledger.
type CreditEntryType string

const (
	CreditEntryCredited CreditEntryType = "credited"
	CreditEntryConsumed CreditEntryType = "consumed"
)

// CreditStatus is the cached status of a credited entry. ExpiresAt is authoritative.
type CreditStatus string

const (
	CreditStatusActive  CreditStatus = "active"
	CreditStatusExpired CreditStatus = "expired"
	CreditStatusUsed    CreditStatus = "used"
)

// CreditReason tags why a credit was granted.
type CreditReason string

const (
	CreditReasonReturnRefund CreditReason = "return_refund"
	CreditReasonReferral     CreditReason = "referral"
	CreditReasonPromotion    CreditReason = "promotion"
	CreditReasonAdjustment   CreditReason = "adjustment"
)

// ErrInsufficientCredit indicates a consumption larger than the live balance.
var ErrInsufficientCredit = errors.New("domain: insufficient store credit")

// CreditEntry is an immutable ledger row; only Status may change after creation.
type CreditEntry struct {
	ID           string
	UserID       string
	Type         CreditEntryType
	Amount       int64
	Reason       CreditReason
	OrderID      string
	ReturnID     string
	ExpiresAt    *time.Time
	Status       CreditStatus
	BalanceAfter int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the entry's expiry has passed at now.
func (e CreditEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Spendable reports whether a credited entry counts toward the balance at now.
func (e CreditEntry) Spendable(now time.Time) bool {
	return e.Type == CreditEntryCredited && e.Status == CreditStatusActive && !e.Expired(now)
}

// CreditBalance returns the live balance: spendable credits minus consumptions, never below zero.
func CreditBalance(entries []CreditEntry, now time.Time) int64 {
	var credited, consumed int64
	for _, entry := range entries {
		switch entry.Type {
		case CreditEntryCredited:
			if entry.Spendable(now) {
				credited += entry.Amount
			}
		case CreditEntryConsumed:
			consumed += entry.Amount
		}
	}
	if balance := credited - consumed; balance > 0 {
		return balance
	}
	return 0
}

// NewConsumption validates a consumption against the ledger and returns the entry to append.
func NewConsumption(entries []CreditEntry, userID, orderID string, amount int64, now time.Time) (CreditEntry, error) {
	if amount <= 0 {
		return CreditEntry{}, ErrInvalidAmount
	}
	balance := CreditBalance(entries, now)
	if amount > balance {
		return CreditEntry{}, ErrInsufficientCredit
	}
	return CreditEntry{
		UserID:       userID,
		Type:         CreditEntryConsumed,
		Amount:       amount,
		OrderID:      orderID,
		BalanceAfter: balance - amount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
