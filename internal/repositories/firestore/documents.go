package firestore

import (
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

type addressDocument struct {
	Recipient  string `firestore:"recipient"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

func newAddressDocument(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	return &addressDocument{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func (d *addressDocument) toDomain() *domain.Address {
	if d == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

type totalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	GST      int64 `firestore:"gst"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

func newTotalsDocument(t domain.OrderTotals) totalsDocument {
	return totalsDocument{Subtotal: t.Subtotal, GST: t.GST, Discount: t.Discount, Total: t.Total}
}

func (d totalsDocument) toDomain() domain.OrderTotals {
	return domain.OrderTotals{Subtotal: d.Subtotal, GST: d.GST, Discount: d.Discount, Total: d.Total}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

type claimDocument struct {
	Kind      string    `firestore:"kind"`
	Value     string    `firestore:"value"`
	OrderID   string    `firestore:"orderId"`
	OrderKind string    `firestore:"orderKind"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newClaimDocument(claim domain.PaymentClaim) claimDocument {
	return claimDocument{
		Kind:      string(claim.Kind),
		Value:     claim.Value,
		OrderID:   claim.OrderID,
		OrderKind: string(claim.OrderKind),
		CreatedAt: claim.CreatedAt.UTC(),
	}
}

func (d claimDocument) toDomain() domain.PaymentClaim {
	return domain.PaymentClaim{
		Kind:      domain.ClaimKind(d.Kind),
		Value:     d.Value,
		OrderID:   d.OrderID,
		OrderKind: domain.OrderKind(d.OrderKind),
		CreatedAt: d.CreatedAt,
	}
}
