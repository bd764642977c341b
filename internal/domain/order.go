package domain

import (
	"errors"
	"slices"
	"time"
)

// DefaultReturnWindow is the time after delivery during which a product order may be returned.
const DefaultReturnWindow = 7 * 24 * time.Hour

// PaymentStatus is the payment state shared by product and service orders.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPartial  PaymentStatus = "partial"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// OrderStatus enumerates the fulfilment lifecycle of a product order.
type OrderStatus string

const (
	OrderStatusPlaced     OrderStatus = "placed"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusReturned   OrderStatus = "returned"
)

var (
	// ErrOrderNotDelivered indicates a return was requested before delivery.
	ErrOrderNotDelivered = errors.New("order has not been delivered")
	// ErrOrderDeliveryUnknown indicates the delivery timestamp was never recorded.
	ErrOrderDeliveryUnknown = errors.New("order delivery time is unknown")
	// ErrOrderActiveReturn indicates another return is still open for the order.
	ErrOrderActiveReturn = errors.New("order already has an active return")
	// ErrReturnWindowClosed indicates the return window has elapsed.
	ErrReturnWindowClosed = errors.New("return window has closed")
	// ErrNothingToReturn indicates every unit of the order was already returned.
	ErrNothingToReturn = errors.New("order has no returnable items left")
)

// Address is an immutable snapshot of a shipping, billing or service location.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// OrderTotals holds the monetary breakdown in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	GST      int64
	Discount int64
	Total    int64
}

// Balanced reports whether total == subtotal + gst - discount.
func (t OrderTotals) Balanced() bool {
	return t.Total == t.Subtotal+t.GST-t.Discount
}

// OrderLineItem is a purchased product line.
type OrderLineItem struct {
	ID               string
	ProductID        string
	Name             string
	Variant          string
	UnitPrice        int64
	DiscountedPrice  *int64
	Quantity         int
	ReturnedQuantity int
}

// EffectiveUnitPrice returns the discounted price when present, otherwise the list price.
func (i OrderLineItem) EffectiveUnitPrice() int64 {
	if i.DiscountedPrice != nil {
		return *i.DiscountedPrice
	}
	return i.UnitPrice
}

// LineTotal is the effective unit price multiplied by quantity.
func (i OrderLineItem) LineTotal() int64 {
	return i.EffectiveUnitPrice() * int64(i.Quantity)
}

// ReturnableQuantity is the number of units not yet refunded.
func (i OrderLineItem) ReturnableQuantity() int {
	left := i.Quantity - i.ReturnedQuantity
	if left < 0 {
		return 0
	}
	return left
}

// PaymentDetails snapshots the settled gateway payment.
type PaymentDetails struct {
	Mode          string
	Amount        int64
	TransactionID string
	ProcessedAt   time.Time
}

// Order is a product purchase. Payment is always collected in full.
type Order struct {
	ID                    string
	UserID                string
	Currency              string
	Items                 []OrderLineItem
	ShippingAddress       *Address
	BillingAddress        *Address
	Totals                OrderTotals
	PaymentStatus         PaymentStatus
	Status                OrderStatus
	Provider              string
	SessionID             string
	PaymentDetails        *PaymentDetails
	WebhookIdempotencyKey string
	DeliveredAt           *time.Time
	ReturnDeadline        *time.Time
	HasActiveReturn       bool
	CanReturn             bool
	AppliedReturnIDs      []string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ConfirmedAt           *time.Time
	CancelledAt           *time.Time
	// ReconcileFlaggedAt is set once the sweep has reported the order as a reconciliation
	// candidate; flagged orders are not listed again.
	ReconcileFlaggedAt *time.Time
}

// ItemsTotal sums the effective line totals of every item.
func (o Order) ItemsTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.LineTotal()
	}
	return total
}

// FindItem returns the index of the line item with the given id.
func (o Order) FindItem(id string) (int, bool) {
	for i, item := range o.Items {
		if item.ID == id {
			return i, true
		}
	}
	return -1, false
}

// MarkDelivered stamps the delivery time and opens the return window.
func (o *Order) MarkDelivered(at time.Time, window time.Duration) {
	if window <= 0 {
		window = DefaultReturnWindow
	}
	at = at.UTC()
	deadline := at.Add(window)
	o.Status = OrderStatusDelivered
	o.DeliveredAt = &at
	o.ReturnDeadline = &deadline
	o.CanReturn = !o.HasActiveReturn && o.hasReturnableItems()
}

// ReturnEligibility reports why the order cannot be returned at now, or nil when it can.
func (o Order) ReturnEligibility(now time.Time, window time.Duration) error {
	if window <= 0 {
		window = DefaultReturnWindow
	}
	if o.Status != OrderStatusDelivered {
		return ErrOrderNotDelivered
	}
	if o.HasActiveReturn {
		return ErrOrderActiveReturn
	}
	if o.DeliveredAt == nil || o.DeliveredAt.IsZero() {
		return ErrOrderDeliveryUnknown
	}
	if now.After(o.DeliveredAt.Add(window)) {
		return ErrReturnWindowClosed
	}
	if !o.hasReturnableItems() {
		return ErrNothingToReturn
	}
	return nil
}

// RefreshReturnFlags recomputes HasActiveReturn and CanReturn.
func (o *Order) RefreshReturnFlags(activeReturn bool, now time.Time, window time.Duration) {
	o.HasActiveReturn = activeReturn
	o.CanReturn = o.ReturnEligibility(now, window) == nil
}

// ReturnApplied reports whether the refunded quantities of the return were already recorded.
func (o Order) ReturnApplied(returnID string) bool {
	return returnID != "" && slices.Contains(o.AppliedReturnIDs, returnID)
}

// FullyReturned reports whether every unit has been refunded.
func (o Order) FullyReturned() bool {
	return len(o.Items) > 0 && !o.hasReturnableItems()
}

func (o Order) hasReturnableItems() bool {
	for _, item := range o.Items {
		if item.ReturnableQuantity() > 0 {
			return true
		}
	}
	return false
}
