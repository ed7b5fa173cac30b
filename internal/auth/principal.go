package auth

import (
	"context"

	"driving-school-jobs/internal/models"
)

// Principal is the authenticated identity behind a request or realtime connection.
type Principal struct {
	UserID   int64
	UserType string
	SchoolID int64
	Token    string
}

// IsAdmin reports whether the principal is not bound to a school.
func (p Principal) IsAdmin() bool {
	return p.UserType == models.UserTypeAdmin
}

// CanAccessSchool reports whether the principal may act on the school's data.
func (p Principal) CanAccessSchool(schoolID int64) bool {
	return p.IsAdmin() || (p.SchoolID != 0 && p.SchoolID == schoolID)
}

type contextKey int

const principalContextKey contextKey = iota

// WithPrincipal stores p on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, &p)
}

// PrincipalFromContext returns nil for unauthenticated requests.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}
