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

const returnsCollection = "returns"

// ReturnRepository persists return requests in Firestore.
type ReturnRepository struct {
	base *pfirestore.BaseRepository[domain.Return]
}

var _ repositories.ReturnRepository = (*ReturnRepository)(nil)

// NewReturnRepository constructs a Firestore-backed return repository.
func NewReturnRepository(provider *pfirestore.Provider) (*ReturnRepository, error) {
	if provider == nil {
		return nil, errors.New("return repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Return](provider, returnsCollection, encodeReturn, decodeReturn)
	return &ReturnRepository{base: base}, nil
}

func (r *ReturnRepository) Insert(ctx context.Context, ret domain.Return) error {
	if strings.TrimSpace(ret.ID) == "" {
		return errors.New("return repository: id is required")
	}
	return r.base.Create(ctx, ret.ID, ret)
}

func (r *ReturnRepository) FindByID(ctx context.Context, returnID string) (domain.Return, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(returnID))
	if err != nil {
		return domain.Return{}, err
	}
	return doc.Data, nil
}

func (r *ReturnRepository) Mutate(ctx context.Context, returnID string, fn repositories.ReturnMutation) (domain.Return, error) {
	if fn == nil {
		return domain.Return{}, errors.New("return repository: mutation is required")
	}
	return mutate(ctx, r.base, strings.TrimSpace(returnID), fn)
}

// ListByOrder returns every return filed against the order, oldest first.
func (r *ReturnRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Return, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("return repository: order id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("requestedAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	returns := make([]domain.Return, 0, len(docs))
	for _, doc := range docs {
		returns = append(returns, doc.Data)
	}
	return returns, nil
}

type returnItemDocument struct {
	LineItemID    string `firestore:"lineItemId"`
	ProductID     string `firestore:"productId"`
	Name          string `firestore:"name"`
	Quantity      int    `firestore:"quantity"`
	Reason        string `firestore:"reason"`
	Condition     string `firestore:"condition,omitempty"`
	ItemRefund    int64  `firestore:"itemRefund"`
	DiscountShare int64  `firestore:"discountShare"`
	GSTShare      int64  `firestore:"gstShare"`
	RefundAmount  int64  `firestore:"refundAmount"`
}

type returnDocument struct {
	OrderID             string               `firestore:"orderId"`
	UserID              string               `firestore:"userId"`
	Currency            string               `firestore:"currency"`
	Items               []returnItemDocument `firestore:"items"`
	TotalRefundAmount   int64                `firestore:"totalRefundAmount"`
	RefundedAmount      int64                `firestore:"refundedAmount"`
	Status              string               `firestore:"returnStatus"`
	Notes               string               `firestore:"notes,omitempty"`
	RejectionReason     string               `firestore:"rejectionReason,omitempty"`
	RefundTransactionID string               `firestore:"refundTransactionId,omitempty"`
	StoreCreditIssued   bool                 `firestore:"storeCreditIssued"`
	StoreCreditAmount   int64                `firestore:"storeCreditAmount"`
	RequestedAt         time.Time            `firestore:"requestedAt"`
	ApprovedAt          *time.Time           `firestore:"approvedAt,omitempty"`
	RejectedAt          *time.Time           `firestore:"rejectedAt,omitempty"`
	RefundedAt          *time.Time           `firestore:"refundedAt,omitempty"`
	CreatedAt           time.Time            `firestore:"createdAt"`
	UpdatedAt           time.Time            `firestore:"updatedAt"`
}

func encodeReturn(_ context.Context, ret domain.Return) (any, error) {
	doc := returnDocument{
		OrderID:             ret.OrderID,
		UserID:              ret.UserID,
		Currency:            ret.Currency,
		Items:               make([]returnItemDocument, 0, len(ret.Items)),
		TotalRefundAmount:   ret.TotalRefundAmount,
		RefundedAmount:      ret.RefundedAmount,
		Status:              string(ret.Status),
		Notes:               ret.Notes,
		RejectionReason:     ret.RejectionReason,
		RefundTransactionID: ret.RefundTransactionID,
		StoreCreditIssued:   ret.StoreCreditIssued,
		StoreCreditAmount:   ret.StoreCreditAmount,
		RequestedAt:         ret.RequestedAt.UTC(),
		ApprovedAt:          utcPtr(ret.ApprovedAt),
		RejectedAt:          utcPtr(ret.RejectedAt),
		RefundedAt:          utcPtr(ret.RefundedAt),
		CreatedAt:           ret.CreatedAt.UTC(),
		UpdatedAt:           ret.UpdatedAt.UTC(),
	}
	for _, item := range ret.Items {
		doc.Items = append(doc.Items, returnItemDocument(item))
	}
	return doc, nil
}

func decodeReturn(_ context.Context, snap *firestore.DocumentSnapshot) (domain.Return, error) {
	var doc returnDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Return{}, err
	}
	ret := domain.Return{
		ID:                  snap.Ref.ID,
		OrderID:             doc.OrderID,
		UserID:              doc.UserID,
		Currency:            doc.Currency,
		Items:               make([]domain.ReturnItem, 0, len(doc.Items)),
		TotalRefundAmount:   doc.TotalRefundAmount,
		RefundedAmount:      doc.RefundedAmount,
		Status:              domain.ReturnStatus(doc.Status),
		Notes:               doc.Notes,
		RejectionReason:     doc.RejectionReason,
		RefundTransactionID: doc.RefundTransactionID,
		StoreCreditIssued:   doc.StoreCreditIssued,
		StoreCreditAmount:   doc.StoreCreditAmount,
		RequestedAt:         doc.RequestedAt,
		ApprovedAt:          doc.ApprovedAt,
		RejectedAt:          doc.RejectedAt,
		RefundedAt:          doc.RefundedAt,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
	for _, item := range doc.Items {
		ret.Items = append(ret.Items, domain.ReturnItem(item))
	}
	return ret, nil
}
