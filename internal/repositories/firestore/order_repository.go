package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists product orders in Firestore.
type OrderRepository struct {
	base *pfirestore.BaseRepository[domain.Order]
	now  func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Order](provider, ordersCollection, encodeOrder, decodeOrder)
	return &OrderRepository{base: base, now: time.Now}, nil
}

// Insert creates the order and fails when the id is already taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: id is required")
	}
	return r.base.Create(ctx, order.ID, order)
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data, nil
}

// FindBySessionID resolves an order from the gateway session correlation id.
func (r *OrderRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Order{}, errors.New("order repository: session id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("sessionId", "==", sessionID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.find_by_session", status.Error(codes.NotFound, "order not found"))
	}
	return docs[0].Data, nil
}

// Mutate applies fn inside a transaction, creating any payment claims atomically with the write.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation, claims ...domain.PaymentClaim) (domain.Order, error) {
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation is required")
	}
	now := r.now().UTC()
	return mutate(ctx, r.base, strings.TrimSpace(orderID), func(order *domain.Order) error {
		return fn(order)
	}, claimKeys(claims, now)...)
}

// Delete removes the order. Used only as the compensating step of order creation.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	return r.base.Delete(ctx, strings.TrimSpace(orderID))
}

// ListStalePending returns unpaid orders created before olderThan that the sweep has not yet
// flagged for reconciliation, oldest first.
func (r *OrderRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentStatus", "==", string(domain.PaymentStatusPending)).
			Where("reconcileFlagged", "==", false).
			Where("createdAt", "<", olderThan.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data)
	}
	return orders, nil
}

type orderLineItemDocument struct {
	ID               string `firestore:"id"`
	ProductID        string `firestore:"productId"`
	Name             string `firestore:"name"`
	Variant          string `firestore:"variant,omitempty"`
	UnitPrice        int64  `firestore:"unitPrice"`
	DiscountedPrice  *int64 `firestore:"discountedPrice,omitempty"`
	Quantity         int    `firestore:"quantity"`
	ReturnedQuantity int    `firestore:"returnedQuantity"`
}

type paymentDetailsDocument struct {
	Mode          string    `firestore:"mode"`
	Amount        int64     `firestore:"amount"`
	TransactionID string    `firestore:"transactionId"`
	ProcessedAt   time.Time `firestore:"processedAt"`
}

type orderDocument struct {
	UserID                string                  `firestore:"userId"`
	Currency              string                  `firestore:"currency"`
	Items                 []orderLineItemDocument `firestore:"items"`
	ShippingAddress       *addressDocument        `firestore:"shippingAddress,omitempty"`
	BillingAddress        *addressDocument        `firestore:"billingAddress,omitempty"`
	Totals                totalsDocument          `firestore:"totals"`
	PaymentStatus         string                  `firestore:"paymentStatus"`
	Status                string                  `firestore:"orderStatus"`
	Provider              string                  `firestore:"provider,omitempty"`
	SessionID             string                  `firestore:"sessionId"`
	PaymentDetails        *paymentDetailsDocument `firestore:"paymentDetails,omitempty"`
	WebhookIdempotencyKey string                  `firestore:"webhookIdempotencyKey,omitempty"`
	DeliveredAt           *time.Time              `firestore:"deliveredAt,omitempty"`
	ReturnDeadline        *time.Time              `firestore:"returnDeadline,omitempty"`
	HasActiveReturn       bool                    `firestore:"hasActiveReturn"`
	CanReturn             bool                    `firestore:"canReturn"`
	AppliedReturnIDs      []string                `firestore:"appliedReturnIds,omitempty"`
	CreatedAt             time.Time               `firestore:"createdAt"`
	UpdatedAt             time.Time               `firestore:"updatedAt"`
	ConfirmedAt           *time.Time              `firestore:"confirmedAt,omitempty"`
	CancelledAt           *time.Time              `firestore:"cancelledAt,omitempty"`
	ReconcileFlagged      bool                    `firestore:"reconcileFlagged"`
	ReconcileFlaggedAt    *time.Time              `firestore:"reconcileFlaggedAt,omitempty"`
}

func encodeOrder(_ context.Context, order domain.Order) (any, error) {
	doc := orderDocument{
		UserID:                order.UserID,
		Currency:              order.Currency,
		Items:                 make([]orderLineItemDocument, 0, len(order.Items)),
		ShippingAddress:       newAddressDocument(order.ShippingAddress),
		BillingAddress:        newAddressDocument(order.BillingAddress),
		Totals:                newTotalsDocument(order.Totals),
		PaymentStatus:         string(order.PaymentStatus),
		Status:                string(order.Status),
		Provider:              order.Provider,
		SessionID:             order.SessionID,
		WebhookIdempotencyKey: order.WebhookIdempotencyKey,
		DeliveredAt:           utcPtr(order.DeliveredAt),
		ReturnDeadline:        utcPtr(order.ReturnDeadline),
		HasActiveReturn:       order.HasActiveReturn,
		CanReturn:             order.CanReturn,
		AppliedReturnIDs:      order.AppliedReturnIDs,
		CreatedAt:             order.CreatedAt.UTC(),
		UpdatedAt:             order.UpdatedAt.UTC(),
		ConfirmedAt:           utcPtr(order.ConfirmedAt),
		CancelledAt:           utcPtr(order.CancelledAt),
		ReconcileFlagged:      order.ReconcileFlaggedAt != nil,
		ReconcileFlaggedAt:    utcPtr(order.ReconcileFlaggedAt),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderLineItemDocument{
			ID:               item.ID,
			ProductID:        item.ProductID,
			Name:             item.Name,
			Variant:          item.Variant,
			UnitPrice:        item.UnitPrice,
			DiscountedPrice:  item.DiscountedPrice,
			Quantity:         item.Quantity,
			ReturnedQuantity: item.ReturnedQuantity,
		})
	}
	if pd := order.PaymentDetails; pd != nil {
		doc.PaymentDetails = &paymentDetailsDocument{
			Mode:          pd.Mode,
			Amount:        pd.Amount,
			TransactionID: pd.TransactionID,
			ProcessedAt:   pd.ProcessedAt.UTC(),
		}
	}
	return doc, nil
}

func decodeOrder(_ context.Context, snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, err
	}
	order := domain.Order{
		ID:                    snap.Ref.ID,
		UserID:                doc.UserID,
		Currency:              doc.Currency,
		Items:                 make([]domain.OrderLineItem, 0, len(doc.Items)),
		ShippingAddress:       doc.ShippingAddress.toDomain(),
		BillingAddress:        doc.BillingAddress.toDomain(),
		Totals:                doc.Totals.toDomain(),
		PaymentStatus:         domain.PaymentStatus(doc.PaymentStatus),
		Status:                domain.OrderStatus(doc.Status),
		Provider:              doc.Provider,
		SessionID:             doc.SessionID,
		WebhookIdempotencyKey: doc.WebhookIdempotencyKey,
		DeliveredAt:           doc.DeliveredAt,
		ReturnDeadline:        doc.ReturnDeadline,
		HasActiveReturn:       doc.HasActiveReturn,
		CanReturn:             doc.CanReturn,
		AppliedReturnIDs:      doc.AppliedReturnIDs,
		CreatedAt:             doc.CreatedAt,
		UpdatedAt:             doc.UpdatedAt,
		ConfirmedAt:           doc.ConfirmedAt,
		CancelledAt:           doc.CancelledAt,
		ReconcileFlaggedAt:    doc.ReconcileFlaggedAt,
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ID:               item.ID,
			ProductID:        item.ProductID,
			Name:             item.Name,
			Variant:          item.Variant,
			UnitPrice:        item.UnitPrice,
			DiscountedPrice:  item.DiscountedPrice,
			Quantity:         item.Quantity,
			ReturnedQuantity: item.ReturnedQuantity,
		})
	}
	if pd := doc.PaymentDetails; pd != nil {
		order.PaymentDetails = &domain.PaymentDetails{
			Mode:          pd.Mode,
			Amount:        pd.Amount,
			TransactionID: pd.TransactionID,
			ProcessedAt:   pd.ProcessedAt,
		}
	}
	return order, nil
}
