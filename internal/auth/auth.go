// Package auth carries the externally-resolved caller identity into the
// engine. Credential verification happens upstream; the engine only sees
// a company id and a role capability and checks what that role permits.
package auth

import (
	"context"
	"net/http"
	"strconv"

	"github.com/recyx/lot-engine/internal/apperr"
)

// Roles recognised by the engine.
const (
	RoleGenerator = "GEN"     // posts lots
	RoleRecycler  = "REC"     // reserves, pays
	RoleCarrier   = "CARRIER" // moves shipments
	RoleAdmin     = "ADMIN"   // administrative override + settlement authority
)

var validRoles = map[string]bool{
	RoleGenerator: true,
	RoleRecycler:  true,
	RoleCarrier:   true,
	RoleAdmin:     true,
}

// Caller is the authorization context for one request.
type Caller struct {
	CompanyID int64
	Role      string
}

// IsAdmin reports whether the caller holds the administrative capability.
func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// HasRole reports whether the caller's role is one of the given roles.
// Admin always passes.
func (c Caller) HasRole(roles ...string) bool {
	if c.IsAdmin() {
		return true
	}
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// Require returns an authorization error unless the caller holds one of
// the given roles (or admin).
func (c Caller) Require(roles ...string) error {
	if c.HasRole(roles...) {
		return nil
	}
	return apperr.Authorization("role %s may not perform this action", c.Role)
}

// RequireCompany returns an authorization error unless the caller belongs
// to companyID or is admin. Used for owner-only actions such as resolving
// offers on one's own lot.
func (c Caller) RequireCompany(companyID int64) error {
	if c.IsAdmin() || c.CompanyID == companyID {
		return nil
	}
	return apperr.Authorization("caller company %d does not own this entity", c.CompanyID)
}

type ctxKey struct{}

// FromContext returns the caller attached by Middleware.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	return c, ok
}

// WithCaller attaches a caller to a context. Exported for tests.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// Middleware extracts the upstream-resolved identity from the
// X-Company-ID and X-Role headers. Requests without a valid identity are
// rejected before reaching any handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		companyID, err := strconv.ParseInt(r.Header.Get("X-Company-ID"), 10, 64)
		if err != nil || companyID <= 0 {
			apperr.WriteMsg(w, "missing or invalid X-Company-ID", http.StatusUnauthorized)
			return
		}
		role := r.Header.Get("X-Role")
		if !validRoles[role] {
			apperr.WriteMsg(w, "missing or invalid X-Role", http.StatusUnauthorized)
			return
		}
		ctx := WithCaller(r.Context(), Caller{CompanyID: companyID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MustCaller returns the request's caller; handlers behind Middleware can
// assume it is present.
func MustCaller(r *http.Request) Caller {
	c, _ := FromContext(r.Context())
	return c
}
