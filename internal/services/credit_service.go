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

var (
	// ErrCreditInvalidInput signals the caller provided invalid data.
	ErrCreditInvalidInput = errors.New("credit: invalid input")
	// ErrCreditInsufficient indicates the live balance cannot cover the consumption.
	ErrCreditInsufficient = errors.New("credit: insufficient balance")
	// ErrCreditUnavailable indicates the ledger could not be reached.
	ErrCreditUnavailable = errors.New("credit: unavailable")
)

const defaultExpiryBatch = 200

// CreditServiceDeps bundles collaborators required to construct the credit service.
type CreditServiceDeps struct {
	Ledger      repositories.CreditLedgerRepository
	Events      EventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type creditService struct {
	ledger  repositories.CreditLedgerRepository
	effects sideEffects
	clock   func() time.Time
	newID   func() string
	logger  logFunc
}

// NewCreditService constructs the store-credit ledger service.
func NewCreditService(deps CreditServiceDeps) (CreditService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("credit service: ledger repository is required")
	}
	logger := defaultLogger(deps.Logger)
	return &creditService{
		ledger:  deps.Ledger,
		effects: sideEffects{events: deps.Events, logger: logger},
		clock:   defaultClock(deps.Clock),
		newID:   defaultIDGenerator(deps.IDGenerator),
		logger:  logger,
	}, nil
}

// Balance derives the live balance from the ledger. Expiry is judged by timestamp, so credits the
// sweep has not reached yet are already excluded.
func (s *creditService) Balance(ctx context.Context, userID string) (CreditSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CreditSummary{}, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	entries, err := s.ledger.ListByUser(ctx, userID)
	if err != nil {
		return CreditSummary{}, s.mapError(err)
	}
	return CreditSummary{
		UserID:  userID,
		Balance: domain.CreditBalance(entries, s.clock()),
		Entries: entries,
	}, nil
}

// Grant appends a credited entry. Granting an existing EntryID is a no-op.
func (s *creditService) Grant(ctx context.Context, cmd GrantCreditCommand) (domain.CreditEntry, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.CreditEntry{}, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	if cmd.Amount <= 0 {
		return domain.CreditEntry{}, fmt.Errorf("%w: amount must be positive", ErrCreditInvalidInput)
	}
	reason := cmd.Reason
	if reason == "" {
		reason = domain.CreditReasonAdjustment
	}

	now := s.clock()
	entry := domain.CreditEntry{
		ID:        strings.TrimSpace(cmd.EntryID),
		UserID:    userID,
		Type:      domain.CreditEntryCredited,
		Amount:    cmd.Amount,
		Reason:    reason,
		OrderID:   strings.TrimSpace(cmd.OrderID),
		ReturnID:  strings.TrimSpace(cmd.ReturnID),
		ExpiresAt: cmd.ExpiresAt,
		Status:    domain.CreditStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if entry.ID == "" {
		entry.ID = creditIDPrefix + s.newID()
	}

	if err := s.ledger.Append(ctx, entry); err != nil {
		if isConflict(err) {
			s.logger(ctx, "credit.grant.duplicate", map[string]any{"entry": entry.ID, "user": userID})
			return entry, nil
		}
		return domain.CreditEntry{}, s.mapError(err)
	}

	s.logger(ctx, "credit.granted", map[string]any{
		"entry":  entry.ID,
		"user":   userID,
		"amount": entry.Amount,
		"reason": string(entry.Reason),
	})
	s.effects.publish(ctx, OrderEvent{
		Type:       EventCreditIssued,
		OrderID:    entry.OrderID,
		OrderKind:  string(domain.OrderKindProduct),
		UserID:     userID,
		ReturnID:   entry.ReturnID,
		Amount:     entry.Amount,
		Reason:     string(entry.Reason),
		OccurredAt: now,
	})
	return entry, nil
}

// Consume spends credit against an order. The balance check and the append share a transaction.
func (s *creditService) Consume(ctx context.Context, cmd ConsumeCreditCommand) (domain.CreditEntry, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.CreditEntry{}, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	id := creditIDPrefix + s.newID()
	entry, err := s.ledger.Consume(ctx, userID, func(entries []domain.CreditEntry) (domain.CreditEntry, error) {
		entry, err := domain.NewConsumption(entries, userID, strings.TrimSpace(cmd.OrderID), cmd.Amount, s.clock())
		if err != nil {
			return domain.CreditEntry{}, err
		}
		entry.ID = id
		return entry, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientCredit):
			return domain.CreditEntry{}, fmt.Errorf("%w: %v", ErrCreditInsufficient, err)
		case errors.Is(err, domain.ErrInvalidAmount):
			return domain.CreditEntry{}, fmt.Errorf("%w: %v", ErrCreditInvalidInput, err)
		}
		return domain.CreditEntry{}, s.mapError(err)
	}
	s.logger(ctx, "credit.consumed", map[string]any{
		"entry":        entry.ID,
		"user":         userID,
		"amount":       entry.Amount,
		"balanceAfter": entry.BalanceAfter,
	})
	return entry, nil
}

// ExpireCredits flips the cached status of credits whose expiry has passed.
func (s *creditService) ExpireCredits(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultExpiryBatch
	}
	now := s.clock()
	entries, err := s.ledger.ListExpirable(ctx, now, limit)
	if err != nil {
		return 0, s.mapError(err)
	}
	expired := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if err := s.ledger.MarkExpired(ctx, entry.ID, now); err != nil {
			s.logger(ctx, "credit.expire.failed", map[string]any{"entry": entry.ID, "error": err.Error()})
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *creditService) mapError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCreditUnavailable, err)
		}
	}
	return err
}
