package auth

import (
	"context"
	"slices"
	"strings"
)

// Roles carried in the Firebase custom claim.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the verified caller. Roles are lower-cased when the token is decoded.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole matches role case-insensitively.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.ContainsFunc(i.Roles, func(r string) bool {
		return strings.EqualFold(r, role)
	})
}

// IsAdmin reports staff access.
func (i *Identity) IsAdmin() bool { return i.HasRole(RoleAdmin) }

// CanAccess is true for the owner of a resource and for staff.
func (i *Identity) CanAccess(ownerID string) bool {
	if i == nil || i.UID == "" {
		return false
	}
	return i.UID == ownerID || i.IsAdmin()
}

type identityKey struct{}

// WithIdentity attaches identity to ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity set by the authenticator, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}
