package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
)

// Notification kinds understood by the notification worker.
const (
	NotificationOrderConfirmation = "order_confirmation"
	NotificationBookingSummary    = "booking_summary"
)

// Order event types published to the event stream.
const (
	EventOrderCreated              = "order.created"
	EventOrderPaid                 = "order.paid"
	EventOrderPaymentFailed        = "order.payment_failed"
	EventOrderStatusChanged        = "order.status_changed"
	EventOrderCancelled            = "order.cancelled"
	EventRemainingPaymentRequested = "order.remaining_payment_requested"
	EventReconcileCandidate        = "order.reconcile_candidate"
	EventReturnRequested           = "return.requested"
	EventReturnApproved            = "return.approved"
	EventReturnRejected            = "return.rejected"
	EventReturnRefunded            = "return.refunded"
	EventRefundRequested           = "refund.requested"
	EventCreditIssued              = "credit.issued"
)

// OrderNotification is the payload handed to the notification worker once a payment settles.
type OrderNotification struct {
	Kind            string    `json:"kind"`
	OrderID         string    `json:"orderId"`
	OrderKind       string    `json:"orderKind"`
	UserID          string    `json:"userId"`
	Currency        string    `json:"currency"`
	Total           int64     `json:"total"`
	PaidAmount      int64     `json:"paidAmount"`
	RemainingAmount int64     `json:"remainingAmount"`
	TransactionID   string    `json:"transactionId,omitempty"`
	PaymentStatus   string    `json:"paymentStatus"`
	OrderStatus     string    `json:"orderStatus"`
	Summary         string    `json:"summary"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// OrderEvent is a lifecycle fact emitted for downstream consumers.
type OrderEvent struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"orderId"`
	OrderKind     string    `json:"orderKind"`
	UserID        string    `json:"userId,omitempty"`
	ReturnID      string    `json:"returnId,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	Status        string    `json:"status,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// NotificationPublisher enqueues customer notifications. Implementations return the message id.
type NotificationPublisher interface {
	PublishOrderNotification(ctx context.Context, notification OrderNotification) (string, error)
}

// EventPublisher emits order lifecycle events.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// StatusCache stores serialized status views. It is advisory and never authoritative.
type StatusCache interface {
	OrderStatus(ctx context.Context, orderID string) ([]byte, bool, error)
	StoreOrderStatus(ctx context.Context, orderID string, payload []byte) error
	InvalidateOrderStatus(ctx context.Context, orderID string) error
}

// WebhookDedup remembers processed gateway transaction ids for a short window.
type WebhookDedup interface {
	WebhookSeen(ctx context.Context, transactionID string) (bool, error)
	MarkWebhook(ctx context.Context, transactionID string) error
}

// SignatureVerifier authenticates raw webhook deliveries.
type SignatureVerifier interface {
	Verify(timestamp, signature string, body []byte) error
}

// SessionCreator opens gateway payment sessions.
type SessionCreator interface {
	CreateSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SessionRequest) (payments.Session, error)
}

// Requester identifies the caller of an order-scoped operation.
type Requester struct {
	UserID  string
	IsAdmin bool
}

// CanAccess reports whether the requester may read or act on a resource owned by ownerID.
func (r Requester) CanAccess(ownerID string) bool {
	return r.IsAdmin || (r.UserID != "" && r.UserID == ownerID)
}

// OrderService creates product and service orders and opens their first payment session.
type OrderService interface {
	CreateProductOrder(ctx context.Context, cmd CreateProductOrderCommand) (CheckoutResult, error)
	CreateServiceOrder(ctx context.Context, cmd CreateServiceOrderCommand) (CheckoutResult, error)
}

// OrderQueryService answers order status lookups.
type OrderQueryService interface {
	GetOrderStatus(ctx context.Context, query OrderStatusQuery) (OrderStatusView, error)
	GetServiceOrderStatus(ctx context.Context, query OrderStatusQuery) (OrderStatusView, error)
}

// OrderLifecycleService drives fulfilment and booking state changes.
type OrderLifecycleService interface {
	TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (domain.Order, error)
	TransitionServiceOrder(ctx context.Context, cmd TransitionServiceOrderCommand) (domain.ServiceOrder, error)
	CancelServiceOrder(ctx context.Context, cmd CancelServiceOrderCommand) (domain.ServiceOrder, error)
}

// WebhookProcessor applies authenticated gateway notifications exactly once.
type WebhookProcessor interface {
	Process(ctx context.Context, req WebhookRequest) (WebhookResult, error)
}

// RemainingPaymentService opens the balance session of a service order.
type RemainingPaymentService interface {
	Initiate(ctx context.Context, cmd RemainingPaymentCommand) (RemainingPaymentResult, error)
}

// PaymentVerificationService re-derives a service order's payment status from its ledger.
type PaymentVerificationService interface {
	Verify(ctx context.Context, cmd VerifyPaymentCommand) (VerificationResult, error)
}

// ReturnService runs the return workflow of delivered product orders.
type ReturnService interface {
	RequestReturn(ctx context.Context, cmd RequestReturnCommand) (domain.Return, error)
	GetReturn(ctx context.Context, returnID string, requester Requester) (domain.Return, error)
	ListReturns(ctx context.Context, orderID string, requester Requester) ([]domain.Return, error)
	DecideReturn(ctx context.Context, cmd DecideReturnCommand) (domain.Return, error)
	ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (domain.Return, error)
}

// CreditService manages the store-credit ledger.
type CreditService interface {
	Balance(ctx context.Context, userID string) (CreditSummary, error)
	Grant(ctx context.Context, cmd GrantCreditCommand) (domain.CreditEntry, error)
	Consume(ctx context.Context, cmd ConsumeCreditCommand) (domain.CreditEntry, error)
	ExpireCredits(ctx context.Context, limit int) (int, error)
}

// MaintenanceService runs the periodic cleanup sweeps.
type MaintenanceService interface {
	Sweep(ctx context.Context) (SweepReport, error)
	Run(ctx context.Context, interval time.Duration)
}

// ProductLineInput is one requested product line.
type ProductLineInput struct {
	ProductID       string `validate:"required"`
	Name            string `validate:"required"`
	Variant         string
	UnitPrice       int64  `validate:"gte=0"`
	DiscountedPrice *int64 `validate:"omitempty,gte=0"`
	Quantity        int    `validate:"gt=0"`
}

// CreateProductOrderCommand carries a client-priced product checkout.
type CreateProductOrderCommand struct {
	UserID            string             `validate:"required"`
	Currency          string             `validate:"omitempty,len=3"`
	Items             []ProductLineInput `validate:"required,min=1,dive"`
	ShippingAddress   *domain.Address    `validate:"required"`
	BillingAddress    *domain.Address
	Totals            domain.OrderTotals
	Customer          payments.Customer
	PreferredProvider string
	ReturnURL         string
	IdempotencyKey    string
}

// ServiceLineInput is one requested service line.
type ServiceLineInput struct {
	ServiceID string `validate:"required"`
	Name      string `validate:"required"`
	Price     int64  `validate:"gte=0"`
	Quantity  int    `validate:"gt=0"`
}

// CreateServiceOrderCommand carries a service booking.
type CreateServiceOrderCommand struct {
	UserID            string             `validate:"required"`
	Currency          string             `validate:"omitempty,len=3"`
	Services          []ServiceLineInput `validate:"required,min=1,dive"`
	ServiceAddress    *domain.Address    `validate:"required"`
	BillingAddress    *domain.Address
	Schedule          domain.Schedule
	Totals            domain.OrderTotals
	AdvancePercentage decimal.Decimal
	Customer          payments.Customer
	PreferredProvider string
	ReturnURL         string
	IdempotencyKey    string
}

// CheckoutResult is returned after an order and its first payment session exist.
type CheckoutResult struct {
	OrderID         string
	OrderKind       domain.OrderKind
	SessionID       string
	Provider        string
	RedirectURL     string
	Token           string
	Amount          int64
	Total           int64
	RemainingAmount int64
	Currency        string
	ExpiresAt       time.Time
}

// OrderStatusQuery looks up an order by id or payment session id.
type OrderStatusQuery struct {
	ID        string
	Requester Requester
}

// OrderStatusView is the cacheable status projection of either order kind.
type OrderStatusView struct {
	OrderID         string                 `json:"orderId"`
	OrderKind       domain.OrderKind       `json:"orderKind"`
	UserID          string                 `json:"userId"`
	Currency        string                 `json:"currency"`
	Total           int64                  `json:"total"`
	PaidAmount      int64                  `json:"paidAmount"`
	RemainingAmount int64                  `json:"remainingAmount"`
	PaymentStatus   domain.PaymentStatus   `json:"paymentStatus"`
	OrderStatus     string                 `json:"orderStatus"`
	Payment         *domain.PaymentDetails `json:"payment,omitempty"`
	History         []domain.PaymentEntry  `json:"history,omitempty"`
	DeliveredAt     *time.Time             `json:"deliveredAt,omitempty"`
	ReturnDeadline  *time.Time             `json:"returnDeadline,omitempty"`
	CanReturn       bool                   `json:"canReturn"`
	HasActiveReturn bool                   `json:"hasActiveReturn"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	ConfirmedAt     *time.Time             `json:"confirmedAt,omitempty"`
	CancelledAt     *time.Time             `json:"cancelledAt,omitempty"`
}

// TransitionOrderCommand moves a product order along its fulfilment lifecycle.
type TransitionOrderCommand struct {
	OrderID string
	To      domain.OrderStatus
	ActorID string
	Reason  string
}

// TransitionServiceOrderCommand moves a booking along its lifecycle.
type TransitionServiceOrderCommand struct {
	OrderID string
	To      domain.ServiceOrderStatus
	ActorID string
	Reason  string
}

// CancelServiceOrderCommand cancels a booking that has not collected any money.
type CancelServiceOrderCommand struct {
	OrderID   string
	Requester Requester
	Reason    string
}

// WebhookRequest is a raw gateway delivery.
type WebhookRequest struct {
	Body           []byte
	Timestamp      string
	Signature      string
	IdempotencyKey string
	QueryOrderID   string
}

// Webhook outcomes reported back to the gateway.
const (
	WebhookStatusProcessed = "processed"
	WebhookStatusDuplicate = "duplicate"
	WebhookStatusIgnored   = "ignored"
)

// WebhookResult describes how a delivery was handled. Every result maps to a 2xx response.
type WebhookResult struct {
	Status        string
	OrderID       string
	OrderKind     domain.OrderKind
	TransactionID string
	PaymentStatus domain.PaymentStatus
	OrderStatus   string
}

// RemainingPaymentCommand requests the balance session of a service order.
type RemainingPaymentCommand struct {
	OrderID           string
	Requester         Requester
	Customer          payments.Customer
	PreferredProvider string
	ReturnURL         string
}

// RemainingPaymentResult describes the opened balance session.
type RemainingPaymentResult struct {
	OrderID         string
	SessionID       string
	Provider        string
	RedirectURL     string
	Token           string
	RemainingAmount int64
	TotalAmount     int64
	AdvancePaid     int64
	Currency        string
	ExpiresAt       time.Time
}

// VerifyPaymentCommand polls a service order's payment state.
type VerifyPaymentCommand struct {
	OrderID   string
	Requester Requester
}

// VerificationResult is the ledger-derived payment state.
type VerificationResult struct {
	OrderID         string
	PaymentStatus   domain.PaymentStatus
	OrderStatus     domain.ServiceOrderStatus
	TotalPaid       int64
	OrderTotal      int64
	RemainingAmount int64
	IsFullyPaid     bool
	Repaired        bool
}

// ReturnLineInput is one requested return line.
type ReturnLineInput struct {
	LineItemID string `validate:"required"`
	Quantity   int    `validate:"gt=0"`
	Reason     string `validate:"required,max=500"`
	Condition  string `validate:"omitempty,max=100"`
}

// RequestReturnCommand opens a return against a delivered order.
type RequestReturnCommand struct {
	OrderID   string            `validate:"required"`
	Requester Requester         `validate:"-"`
	Items     []ReturnLineInput `validate:"required,min=1,dive"`
	Notes     string            `validate:"max=1000"`
}

// ReturnDecision is an admin verdict on a requested return.
type ReturnDecision string

const (
	ReturnDecisionApprove ReturnDecision = "approve"
	ReturnDecisionReject  ReturnDecision = "reject"
)

// DecideReturnCommand approves or rejects a requested return.
type DecideReturnCommand struct {
	ReturnID string
	Decision ReturnDecision
	Reason   string
	ActorID  string
}

// ProcessRefundCommand records the external refund of an approved return. RefundedAmount defaults
// to the full refund amount; a smaller amount records a partial refund.
type ProcessRefundCommand struct {
	ReturnID            string
	RefundTransactionID string
	RefundedAmount      int64
	ActorID             string
}

// CreditSummary is a user's live balance with the ledger it was derived from.
type CreditSummary struct {
	UserID  string
	Balance int64
	Entries []domain.CreditEntry
}

// GrantCreditCommand appends a credit. A non-empty EntryID makes the grant idempotent.
type GrantCreditCommand struct {
	EntryID   string
	UserID    string
	Amount    int64
	Reason    domain.CreditReason
	OrderID   string
	ReturnID  string
	ExpiresAt *time.Time
}

// ConsumeCreditCommand spends store credit against an order.
type ConsumeCreditCommand struct {
	UserID  string
	OrderID string
	Amount  int64
}

// SweepReport summarises one maintenance pass.
type SweepReport struct {
	CancelledOrders      int
	ReconcileCandidates  int
	ReleasedReservations int
	ExpiredCredits       int
}
