package models

import "time"

// User types known to the back office. Only admins are not bound to a school.
const (
	UserTypeAdmin   = "admin"
	UserTypeOwner   = "owner"
	UserTypeManager = "manager"
)

// Session binds a bearer token to an identity until ExpiresAt.
// There is at most one session per (UserID, UserType).
type Session struct {
	Token        string
	UserID       int64
	UserType     string
	SchoolID     int64
	ExpiresAt    time.Time
	LastActivity time.Time
	LastLogin    time.Time
}

// IsExpired reports whether the session is past its expiry at the given instant.
func (s Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
