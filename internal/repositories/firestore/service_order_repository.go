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

const serviceOrdersCollection = "service_orders"

// ServiceOrderRepository persists service bookings. The whole payment ledger lives inside the
// booking document so every settlement is a single-document transaction.
type ServiceOrderRepository struct {
	base *pfirestore.BaseRepository[domain.ServiceOrder]
	now  func() time.Time
}

var _ repositories.ServiceOrderRepository = (*ServiceOrderRepository)(nil)

// NewServiceOrderRepository constructs a Firestore-backed service order repository.
func NewServiceOrderRepository(provider *pfirestore.Provider) (*ServiceOrderRepository, error) {
	if provider == nil {
		return nil, errors.New("service order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.ServiceOrder](provider, serviceOrdersCollection, encodeServiceOrder, decodeServiceOrder)
	return &ServiceOrderRepository{base: base, now: time.Now}, nil
}

func (r *ServiceOrderRepository) Insert(ctx context.Context, order domain.ServiceOrder) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("service order repository: id is required")
	}
	return r.base.Create(ctx, order.ID, order)
}

func (r *ServiceOrderRepository) FindByID(ctx context.Context, orderID string) (domain.ServiceOrder, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	return doc.Data, nil
}

// FindBySessionID matches both advance and remaining sessions.
func (r *ServiceOrderRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.ServiceOrder, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ServiceOrder{}, errors.New("service order repository: session id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("sessionIds", "array-contains", sessionID).Limit(1)
	})
	if err != nil {
		return domain.ServiceOrder{}, err
	}
	if len(docs) == 0 {
		return domain.ServiceOrder{}, pfirestore.WrapError("service_orders.find_by_session", status.Error(codes.NotFound, "service order not found"))
	}
	return docs[0].Data, nil
}

func (r *ServiceOrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.ServiceOrderMutation, claims ...domain.PaymentClaim) (domain.ServiceOrder, error) {
	if fn == nil {
		return domain.ServiceOrder{}, errors.New("service order repository: mutation is required")
	}
	return mutate(ctx, r.base, strings.TrimSpace(orderID), fn, claimKeys(claims, r.now().UTC())...)
}

func (r *ServiceOrderRepository) Delete(ctx context.Context, orderID string) error {
	return r.base.Delete(ctx, strings.TrimSpace(orderID))
}

// ListStalePending returns unpaid bookings created before olderThan that have not been flagged
// for reconciliation, oldest first.
func (r *ServiceOrderRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.ServiceOrder, error) {
	return r.list(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentStatus", "==", string(domain.PaymentStatusPending)).
			Where("reconcileFlagged", "==", false).
			Where("createdAt", "<", olderThan.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(limitOrDefault(limit))
	})
}

func (r *ServiceOrderRepository) ListStaleReservations(ctx context.Context, before time.Time, limit int) ([]domain.ServiceOrder, error) {
	return r.list(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("finalPayment.status", "==", string(domain.LedgerStatusPending)).
			Where("finalPayment.sessionId", "==", "").
			Where("finalPayment.requestedAt", "<", before.UTC()).
			Limit(limitOrDefault(limit))
	})
}

func (r *ServiceOrderRepository) list(ctx context.Context, build pfirestore.QueryBuilder) ([]domain.ServiceOrder, error) {
	docs, err := r.base.Query(ctx, build)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.ServiceOrder, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data)
	}
	return orders, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

type bookedServiceDocument struct {
	ServiceID     string `firestore:"serviceId"`
	Name          string `firestore:"name"`
	Price         int64  `firestore:"price"`
	Quantity      int    `firestore:"quantity"`
	PaymentStatus string `firestore:"paymentStatus"`
	AmountPaid    int64  `firestore:"amountPaid"`
}

type scheduleDocument struct {
	Date     time.Time `firestore:"date"`
	TimeSlot string    `firestore:"timeSlot"`
}

type advancePaymentDocument struct {
	Percentage    float64 `firestore:"percentage"`
	Amount        int64   `firestore:"amount"`
	SessionID     string  `firestore:"sessionId"`
	TransactionID string  `firestore:"transactionId,omitempty"`
	Status        string  `firestore:"status"`
	Method        string  `firestore:"method,omitempty"`
}

type finalPaymentDocument struct {
	Amount        int64      `firestore:"amount"`
	DueDate       *time.Time `firestore:"dueDate,omitempty"`
	SessionID     string     `firestore:"sessionId"`
	TransactionID string     `firestore:"transactionId,omitempty"`
	Status        string     `firestore:"status"`
	Method        string     `firestore:"method,omitempty"`
	RequestedAt   time.Time  `firestore:"requestedAt"`
}

type paymentEntryDocument struct {
	Amount        int64      `firestore:"amount"`
	SessionID     string     `firestore:"sessionId"`
	TransactionID string     `firestore:"transactionId,omitempty"`
	Status        string     `firestore:"status"`
	Type          string     `firestore:"type"`
	Mode          string     `firestore:"mode,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
	CompletedAt   *time.Time `firestore:"completedAt,omitempty"`
}

type serviceOrderDocument struct {
	UserID                 string                  `firestore:"userId"`
	Currency               string                  `firestore:"currency"`
	Services               []bookedServiceDocument `firestore:"services"`
	ServiceAddress         *addressDocument        `firestore:"serviceAddress,omitempty"`
	BillingAddress         *addressDocument        `firestore:"billingAddress,omitempty"`
	Schedule               scheduleDocument        `firestore:"schedule"`
	Totals                 totalsDocument          `firestore:"totals"`
	PaidAmount             int64                   `firestore:"paidAmount"`
	RemainingAmount        int64                   `firestore:"remainingAmount"`
	PaymentStatus          string                  `firestore:"paymentStatus"`
	Status                 string                  `firestore:"orderStatus"`
	Provider               string                  `firestore:"provider,omitempty"`
	SessionIDs             []string                `firestore:"sessionIds"`
	Advance                advancePaymentDocument  `firestore:"advancePayment"`
	Final                  *finalPaymentDocument   `firestore:"finalPayment,omitempty"`
	History                []paymentEntryDocument  `firestore:"paymentHistory"`
	WebhookIdempotencyKeys []string                `firestore:"webhookIdempotencyKeys"`
	CreatedAt              time.Time               `firestore:"createdAt"`
	UpdatedAt              time.Time               `firestore:"updatedAt"`
	ConfirmedAt            *time.Time              `firestore:"confirmedAt,omitempty"`
	CompletedAt            *time.Time              `firestore:"completedAt,omitempty"`
	CancelledAt            *time.Time              `firestore:"cancelledAt,omitempty"`
	ReconcileFlagged       bool                    `firestore:"reconcileFlagged"`
	ReconcileFlaggedAt     *time.Time              `firestore:"reconcileFlaggedAt,omitempty"`
}

func encodeServiceOrder(_ context.Context, order domain.ServiceOrder) (any, error) {
	doc := serviceOrderDocument{
		UserID:          order.UserID,
		Currency:        order.Currency,
		Services:        make([]bookedServiceDocument, 0, len(order.Services)),
		ServiceAddress:  newAddressDocument(order.ServiceAddress),
		BillingAddress:  newAddressDocument(order.BillingAddress),
		Schedule:        scheduleDocument{Date: order.Schedule.Date.UTC(), TimeSlot: order.Schedule.TimeSlot},
		Totals:          newTotalsDocument(order.Totals),
		PaidAmount:      order.PaidAmount,
		RemainingAmount: order.RemainingAmount,
		PaymentStatus:   string(order.PaymentStatus),
		Status:          string(order.Status),
		Provider:        order.Provider,
		SessionIDs:      append([]string{}, order.SessionIDs...),
		Advance: advancePaymentDocument{
			Percentage:    order.Advance.Percentage,
			Amount:        order.Advance.Amount,
			SessionID:     order.Advance.SessionID,
			TransactionID: order.Advance.TransactionID,
			Status:        string(order.Advance.Status),
			Method:        order.Advance.Method,
		},
		History:                make([]paymentEntryDocument, 0, len(order.History)),
		WebhookIdempotencyKeys: append([]string{}, order.WebhookIdempotencyKeys...),
		CreatedAt:              order.CreatedAt.UTC(),
		UpdatedAt:              order.UpdatedAt.UTC(),
		ConfirmedAt:            utcPtr(order.ConfirmedAt),
		CompletedAt:            utcPtr(order.CompletedAt),
		CancelledAt:            utcPtr(order.CancelledAt),
		ReconcileFlagged:       order.ReconcileFlaggedAt != nil,
		ReconcileFlaggedAt:     utcPtr(order.ReconcileFlaggedAt),
	}
	for _, svc := range order.Services {
		doc.Services = append(doc.Services, bookedServiceDocument{
			ServiceID:     svc.ServiceID,
			Name:          svc.Name,
			Price:         svc.Price,
			Quantity:      svc.Quantity,
			PaymentStatus: string(svc.PaymentStatus),
			AmountPaid:    svc.AmountPaid,
		})
	}
	if final := order.Final; final != nil {
		doc.Final = &finalPaymentDocument{
			Amount:        final.Amount,
			DueDate:       utcPtr(final.DueDate),
			SessionID:     final.SessionID,
			TransactionID: final.TransactionID,
			Status:        string(final.Status),
			Method:        final.Method,
			RequestedAt:   final.RequestedAt.UTC(),
		}
	}
	for _, entry := range order.History {
		doc.History = append(doc.History, paymentEntryDocument{
			Amount:        entry.Amount,
			SessionID:     entry.SessionID,
			TransactionID: entry.TransactionID,
			Status:        string(entry.Status),
			Type:          string(entry.Type),
			Mode:          entry.Mode,
			CreatedAt:     entry.CreatedAt.UTC(),
			UpdatedAt:     entry.UpdatedAt.UTC(),
			CompletedAt:   utcPtr(entry.CompletedAt),
		})
	}
	return doc, nil
}

func decodeServiceOrder(_ context.Context, snap *firestore.DocumentSnapshot) (domain.ServiceOrder, error) {
	var doc serviceOrderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.ServiceOrder{}, err
	}
	order := domain.ServiceOrder{
		ID:              snap.Ref.ID,
		UserID:          doc.UserID,
		Currency:        doc.Currency,
		Services:        make([]domain.BookedService, 0, len(doc.Services)),
		ServiceAddress:  doc.ServiceAddress.toDomain(),
		BillingAddress:  doc.BillingAddress.toDomain(),
		Schedule:        domain.Schedule{Date: doc.Schedule.Date, TimeSlot: doc.Schedule.TimeSlot},
		Totals:          doc.Totals.toDomain(),
		PaidAmount:      doc.PaidAmount,
		RemainingAmount: doc.RemainingAmount,
		PaymentStatus:   domain.PaymentStatus(doc.PaymentStatus),
		Status:          domain.ServiceOrderStatus(doc.Status),
		Provider:        doc.Provider,
		SessionIDs:      doc.SessionIDs,
		Advance: domain.AdvancePayment{
			Percentage:    doc.Advance.Percentage,
			Amount:        doc.Advance.Amount,
			SessionID:     doc.Advance.SessionID,
			TransactionID: doc.Advance.TransactionID,
			Status:        domain.LedgerStatus(doc.Advance.Status),
			Method:        doc.Advance.Method,
		},
		History:                make([]domain.PaymentEntry, 0, len(doc.History)),
		WebhookIdempotencyKeys: doc.WebhookIdempotencyKeys,
		CreatedAt:              doc.CreatedAt,
		UpdatedAt:              doc.UpdatedAt,
		ConfirmedAt:            doc.ConfirmedAt,
		CompletedAt:            doc.CompletedAt,
		CancelledAt:            doc.CancelledAt,
		ReconcileFlaggedAt:     doc.ReconcileFlaggedAt,
	}
	for _, svc := range doc.Services {
		order.Services = append(order.Services, domain.BookedService{
			ServiceID:     svc.ServiceID,
			Name:          svc.Name,
			Price:         svc.Price,
			Quantity:      svc.Quantity,
			PaymentStatus: domain.PaymentStatus(svc.PaymentStatus),
			AmountPaid:    svc.AmountPaid,
		})
	}
	if final := doc.Final; final != nil {
		order.Final = &domain.FinalPayment{
			Amount:        final.Amount,
			DueDate:       final.DueDate,
			SessionID:     final.SessionID,
			TransactionID: final.TransactionID,
			Status:        domain.LedgerStatus(final.Status),
			Method:        final.Method,
			RequestedAt:   final.RequestedAt,
		}
	}
	for _, entry := range doc.History {
		order.History = append(order.History, domain.PaymentEntry{
			Amount:        entry.Amount,
			SessionID:     entry.SessionID,
			TransactionID: entry.TransactionID,
			Status:        domain.LedgerStatus(entry.Status),
			Type:          domain.PaymentType(entry.Type),
			Mode:          entry.Mode,
			CreatedAt:     entry.CreatedAt,
			UpdatedAt:     entry.UpdatedAt,
			CompletedAt:   entry.CompletedAt,
		})
	}
	return order, nil
}
