package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const claimsCollection = "payment_claims"

// ClaimRepository reads payment claim markers. Claims are written by the order repositories as
// part of their Mutate transactions.
type ClaimRepository struct {
	base *pfirestore.BaseRepository[domain.PaymentClaim]
}

var _ repositories.ClaimRepository = (*ClaimRepository)(nil)

// NewClaimRepository constructs a Firestore-backed claim reader.
func NewClaimRepository(provider *pfirestore.Provider) (*ClaimRepository, error) {
	if provider == nil {
		return nil, errors.New("claim repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.PaymentClaim](provider, claimsCollection, nil,
		func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.PaymentClaim, error) {
			var doc claimDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.PaymentClaim{}, err
			}
			return doc.toDomain(), nil
		})
	return &ClaimRepository{base: base}, nil
}

// Find returns the claim for the kind and value.
func (r *ClaimRepository) Find(ctx context.Context, kind domain.ClaimKind, value string) (domain.PaymentClaim, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.PaymentClaim{}, errors.New("claim repository: value is required")
	}
	doc, err := r.base.Get(ctx, domain.ClaimKey(kind, value))
	if err != nil {
		return domain.PaymentClaim{}, err
	}
	return doc.Data, nil
}

func claimKeys(claims []domain.PaymentClaim, now time.Time) []pfirestore.UniqueKey {
	if len(claims) == 0 {
		return nil
	}
	keys := make([]pfirestore.UniqueKey, 0, len(claims))
	for _, claim := range claims {
		if strings.TrimSpace(claim.Value) == "" {
			continue
		}
		if claim.CreatedAt.IsZero() {
			claim.CreatedAt = now
		}
		keys = append(keys, pfirestore.UniqueKey{
			Collection: claimsCollection,
			ID:         claim.Key(),
			Data:       newClaimDocument(claim),
		})
	}
	return keys
}

// mutate runs fn through BaseRepository.Mutate and translates the skip and unique-key sentinels
// into their repository counterparts.
func mutate[T any](ctx context.Context, base *pfirestore.BaseRepository[T], id string, fn func(*T) error, keys ...pfirestore.UniqueKey) (T, error) {
	skipped := false
	doc, err := base.Mutate(ctx, id, func(current *T) error {
		skipped = false
		if err := fn(current); err != nil {
			if errors.Is(err, repositories.ErrNoChange) {
				skipped = true
				return pfirestore.ErrSkipWrite
			}
			return err
		}
		return nil
	}, keys...)
	if err != nil {
		if errors.Is(err, pfirestore.ErrUniqueKeyTaken) {
			return doc.Data, fmt.Errorf("%w: %w", repositories.ErrClaimExists, err)
		}
		return doc.Data, err
	}
	if skipped {
		return doc.Data, repositories.ErrNoChange
	}
	return doc.Data, nil
}
