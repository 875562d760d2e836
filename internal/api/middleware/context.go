package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

type contextKey string

const (
	identityKey     contextKey = "identity"
	identitySlotKey contextKey = "identitySlot"
)

// identitySlot lets the access logger, which wraps the chain above auth,
// observe the identity auth attaches further down.
type identitySlot struct {
	id *Identity
}

// Identity is what the auth middleware learned about the caller.
type Identity struct {
	UserID      uuid.UUID
	Role        string
	JobPriority int
	KeyPrefix   string
}

// IsAdmin reports whether the caller holds the admin role.
func (id Identity) IsAdmin() bool {
	return id.Role == models.RoleAdmin
}

// WithIdentity stores the caller identity in the context. Exported so handler
// tests can simulate an authenticated request.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	if slot, ok := ctx.Value(identitySlotKey).(*identitySlot); ok {
		slot.id = &id
	}
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the caller identity set by the auth middleware.
func GetIdentity(r *http.Request) (Identity, bool) {
	id, ok := r.Context().Value(identityKey).(Identity)
	return id, ok
}
