package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const creditLedgerCollection = "store_credit_ledger"

// CreditLedgerRepository stores store-credit entries in a flat collection keyed by entry id.
type CreditLedgerRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[domain.CreditEntry]
}

var _ repositories.CreditLedgerRepository = (*CreditLedgerRepository)(nil)

// NewCreditLedgerRepository constructs a Firestore-backed credit ledger.
func NewCreditLedgerRepository(provider *pfirestore.Provider) (*CreditLedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("credit ledger repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.CreditEntry](provider, creditLedgerCollection, encodeCreditEntry, decodeCreditEntry)
	return &CreditLedgerRepository{provider: provider, base: base}, nil
}

// Append creates the entry. Reusing an id surfaces as a conflict.
func (r *CreditLedgerRepository) Append(ctx context.Context, entry domain.CreditEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("credit ledger repository: id is required")
	}
	return r.base.Create(ctx, entry.ID, entry)
}

// ListByUser returns the user's ledger oldest first.
func (r *CreditLedgerRepository) ListByUser(ctx context.Context, userID string) ([]domain.CreditEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("credit ledger repository: user id is required")
	}
	docs, err := r.base.Query(ctx, userLedger(userID))
	if err != nil {
		return nil, err
	}
	return creditEntries(docs), nil
}

// Consume reads the user's ledger and appends the consumption built by fn in one transaction, so
// two concurrent consumptions cannot both spend the same balance.
func (r *CreditLedgerRepository) Consume(ctx context.Context, userID string, fn func(entries []domain.CreditEntry) (domain.CreditEntry, error)) (domain.CreditEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CreditEntry{}, errors.New("credit ledger repository: user id is required")
	}
	if fn == nil {
		return domain.CreditEntry{}, errors.New("credit ledger repository: consume function is required")
	}

	var created domain.CreditEntry
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := r.base.QueryTx(ctx, tx, userLedger(userID))
		if err != nil {
			return err
		}
		entry, err := fn(creditEntries(docs))
		if err != nil {
			return err
		}
		if strings.TrimSpace(entry.ID) == "" {
			return errors.New("credit ledger repository: consumption id is required")
		}
		if err := r.base.CreateTx(ctx, tx, entry.ID, entry); err != nil {
			return err
		}
		created = entry
		return nil
	})
	if err != nil {
		return domain.CreditEntry{}, pfirestore.WrapError("store_credit_ledger.consume", err)
	}
	return created, nil
}

// ListExpirable returns active credits whose expiry has passed at now.
func (r *CreditLedgerRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.CreditEntry, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("type", "==", string(domain.CreditEntryCredited)).
			Where("status", "==", string(domain.CreditStatusActive)).
			Where("expiresAt", "<=", now.UTC()).
			OrderBy("expiresAt", firestore.Asc).
			Limit(limitOrDefault(limit))
	})
	if err != nil {
		return nil, err
	}
	return creditEntries(docs), nil
}

// MarkExpired flips an active credit to expired. Already expired entries are left untouched.
func (r *CreditLedgerRepository) MarkExpired(ctx context.Context, entryID string, at time.Time) error {
	_, err := mutate(ctx, r.base, strings.TrimSpace(entryID), func(entry *domain.CreditEntry) error {
		if entry.Status != domain.CreditStatusActive {
			return repositories.ErrNoChange
		}
		entry.Status = domain.CreditStatusExpired
		entry.UpdatedAt = at.UTC()
		return nil
	})
	if errors.Is(err, repositories.ErrNoChange) {
		return nil
	}
	return err
}

func userLedger(userID string) pfirestore.QueryBuilder {
	return func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", userID).OrderBy("createdAt", firestore.Asc)
	}
}

func creditEntries(docs []pfirestore.Document[domain.CreditEntry]) []domain.CreditEntry {
	entries := make([]domain.CreditEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.Data)
	}
	return entries
}

type creditEntryDocument struct {
	UserID       string     `firestore:"userId"`
	Type         string     `firestore:"type"`
	Amount       int64      `firestore:"amount"`
	Reason       string     `firestore:"reason,omitempty"`
	OrderID      string     `firestore:"orderId,omitempty"`
	ReturnID     string     `firestore:"returnId,omitempty"`
	ExpiresAt    *time.Time `firestore:"expiresAt,omitempty"`
	Status       string     `firestore:"status,omitempty"`
	BalanceAfter int64      `firestore:"balanceAfter"`
	CreatedAt    time.Time  `firestore:"createdAt"`
	UpdatedAt    time.Time  `firestore:"updatedAt"`
}

func encodeCreditEntry(_ context.Context, entry domain.CreditEntry) (any, error) {
	return creditEntryDocument{
		UserID:       entry.UserID,
		Type:         string(entry.Type),
		Amount:       entry.Amount,
		Reason:       string(entry.Reason),
		OrderID:      entry.OrderID,
		ReturnID:     entry.ReturnID,
		ExpiresAt:    utcPtr(entry.ExpiresAt),
		Status:       string(entry.Status),
		BalanceAfter: entry.BalanceAfter,
		CreatedAt:    entry.CreatedAt.UTC(),
		UpdatedAt:    entry.UpdatedAt.UTC(),
	}, nil
}

func decodeCreditEntry(_ context.Context, snap *firestore.DocumentSnapshot) (domain.CreditEntry, error) {
	var doc creditEntryDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.CreditEntry{}, err
	}
	return domain.CreditEntry{
		ID:           snap.Ref.ID,
		UserID:       doc.UserID,
		Type:         domain.CreditEntryType(doc.Type),
		Amount:       doc.Amount,
		Reason:       domain.CreditReason(doc.Reason),
		OrderID:      doc.OrderID,
		ReturnID:     doc.ReturnID,
		ExpiresAt:    doc.ExpiresAt,
		Status:       domain.CreditStatus(doc.Status),
		BalanceAfter: doc.BalanceAfter,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}
