package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ReturnStatus enumerates the return workflow states.
type ReturnStatus string

const (
	ReturnStatusRequested         ReturnStatus = "requested"
	ReturnStatusApproved          ReturnStatus = "approved"
	ReturnStatusRejected          ReturnStatus = "rejected"
	ReturnStatusRefunded          ReturnStatus = "refunded"
	ReturnStatusPartiallyRefunded ReturnStatus = "partially_refunded"
)

var returnTransitions = map[ReturnStatus][]ReturnStatus{
	ReturnStatusRequested: {ReturnStatusApproved, ReturnStatusRejected},
	ReturnStatusApproved:  {ReturnStatusRefunded, ReturnStatusPartiallyRefunded},
}

// ErrInvalidReturnItem reports a return line that does not match the order.
var ErrInvalidReturnItem = errors.New("domain: invalid return item")

// CanTransitionReturn reports whether the return workflow allows moving from one state to another.
func CanTransitionReturn(from, to ReturnStatus) bool {
	return slices.Contains(returnTransitions[from], to)
}

// Active reports whether the return still blocks a new return on the same order.
func (s ReturnStatus) Active() bool {
	return s == ReturnStatusRequested || s == ReturnStatusApproved
}

// ReturnItem is one returned order line with its computed refund.
type ReturnItem struct {
	LineItemID    string
	ProductID     string
	Name          string
	Quantity      int
	Reason        string
	Condition     string
	ItemRefund    int64
	DiscountShare int64
	GSTShare      int64
	RefundAmount  int64
}

// Return is a customer return against a delivered order.
type Return struct {
	ID                  string
	OrderID             string
	UserID              string
	Currency            string
	Items               []ReturnItem
	TotalRefundAmount   int64
	RefundedAmount      int64
	Status              ReturnStatus
	Notes               string
	RejectionReason     string
	RefundTransactionID string
	StoreCreditIssued   bool
	StoreCreditAmount   int64
	RequestedAt         time.Time
	ApprovedAt          *time.Time
	RejectedAt          *time.Time
	RefundedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ReturnLine identifies a quantity of one order line to return.
type ReturnLine struct {
	LineItemID string
	Quantity   int
	Reason     string
	Condition  string
}

// ComputeRefund prices the requested lines against the order.
//
// Order-level discount and GST are first spread across every line with largest-remainder
// allocation weighted by line totals. Each returned unit then takes its slice of the line's share
// on a cumulative basis, so returning every unit of every line, in any number of returns, refunds
// exactly the order total.
func ComputeRefund(order Order, lines []ReturnLine) ([]ReturnItem, int64, error) {
	if len(lines) == 0 {
		return nil, 0, fmt.Errorf("%w: no items", ErrInvalidReturnItem)
	}

	weights := make([]int64, len(order.Items))
	for i, item := range order.Items {
		weights[i] = item.LineTotal()
	}
	discountShares := Allocate(order.Totals.Discount, weights)
	gstShares := Allocate(order.Totals.GST, weights)

	seen := make(map[string]struct{}, len(lines))
	items := make([]ReturnItem, 0, len(lines))
	var total int64
	for _, line := range lines {
		idx, ok := order.FindItem(line.LineItemID)
		if !ok {
			return nil, 0, fmt.Errorf("%w: unknown line %q", ErrInvalidReturnItem, line.LineItemID)
		}
		if _, dup := seen[line.LineItemID]; dup {
			return nil, 0, fmt.Errorf("%w: line %q listed twice", ErrInvalidReturnItem, line.LineItemID)
		}
		seen[line.LineItemID] = struct{}{}

		src := order.Items[idx]
		if line.Quantity <= 0 || line.Quantity > src.ReturnableQuantity() {
			return nil, 0, fmt.Errorf("%w: line %q quantity %d exceeds returnable %d", ErrInvalidReturnItem, line.LineItemID, line.Quantity, src.ReturnableQuantity())
		}

		before := int64(src.ReturnedQuantity)
		after := before + int64(line.Quantity)
		qty := int64(src.Quantity)
		discount := ProportionOf(discountShares[idx], after, qty) - ProportionOf(discountShares[idx], before, qty)
		gst := ProportionOf(gstShares[idx], after, qty) - ProportionOf(gstShares[idx], before, qty)
		gross := src.EffectiveUnitPrice() * int64(line.Quantity)

		item := ReturnItem{
			LineItemID:    src.ID,
			ProductID:     src.ProductID,
			Name:          src.Name,
			Quantity:      line.Quantity,
			Reason:        line.Reason,
			Condition:     line.Condition,
			ItemRefund:    gross,
			DiscountShare: discount,
			GSTShare:      gst,
			RefundAmount:  gross - discount + gst,
		}
		total += item.RefundAmount
		items = append(items, item)
	}
	return items, total, nil
}

// ApplyReturnedQuantities records refunded units on the order lines.
func (o *Order) ApplyReturnedQuantities(items []ReturnItem) {
	for _, item := range items {
		if idx, ok := o.FindItem(item.LineItemID); ok {
			o.Items[idx].ReturnedQuantity += item.Quantity
			if o.Items[idx].ReturnedQuantity > o.Items[idx].Quantity {
				o.Items[idx].ReturnedQuantity = o.Items[idx].Quantity
			}
		}
	}
}
