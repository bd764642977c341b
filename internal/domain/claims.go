package domain

import "time"

// OrderKind distinguishes the two order collections.
type OrderKind string

const (
	OrderKindProduct OrderKind = "product"
	OrderKindService OrderKind = "service"
)

// ClaimKind namespaces payment claims.
type ClaimKind string

const (
	ClaimTransaction    ClaimKind = "txn"
	ClaimIdempotencyKey ClaimKind = "idem"
)

// PaymentClaim binds a gateway transaction id or webhook idempotency key to the order that consumed it.
type PaymentClaim struct {
	Kind      ClaimKind
	Value     string
	OrderID   string
	OrderKind OrderKind
	CreatedAt time.Time
}

// Key is the document id of the claim.
func (c PaymentClaim) Key() string {
	return ClaimKey(c.Kind, c.Value)
}

// ClaimKey formats the document id for a claim kind and value.
func ClaimKey(kind ClaimKind, value string) string {
	return string(kind) + ":" + value
}
