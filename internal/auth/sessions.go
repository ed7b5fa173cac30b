package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/store"
)

// SessionManager implements login and logout over the session table.
type SessionManager struct {
	tokens   *Tokens
	sessions store.SessionStore
	now      func() time.Time
}

func NewSessionManager(tokens *Tokens, sessions store.SessionStore) *SessionManager {
	return &SessionManager{tokens: tokens, sessions: sessions, now: time.Now}
}

// Login issues a fresh token and leaves exactly one session for (userID, userType).
func (m *SessionManager) Login(ctx context.Context, userID int64, userType string, schoolID int64) (models.Session, error) {
	if userID <= 0 {
		return models.Session{}, fmt.Errorf("invalid user id %d", userID)
	}
	switch userType {
	case models.UserTypeAdmin:
		schoolID = 0
	case models.UserTypeOwner, models.UserTypeManager:
		if schoolID <= 0 {
			return models.Session{}, fmt.Errorf("%s users need a school", userType)
		}
	default:
		return models.Session{}, fmt.Errorf("unknown user type %q", userType)
	}

	token, expires, err := m.tokens.Issue(userID, userType, schoolID)
	if err != nil {
		return models.Session{}, err
	}
	now := m.now()
	sess := models.Session{
		Token:        token,
		UserID:       userID,
		UserType:     userType,
		SchoolID:     schoolID,
		ExpiresAt:    expires,
		LastActivity: now,
		LastLogin:    now,
	}
	if err := m.sessions.ReplaceSessions(ctx, sess); err != nil {
		return models.Session{}, fmt.Errorf("store session: %w", err)
	}
	log.Info().Int64("user_id", userID).Str("user_type", userType).Msg("Session created")
	return sess, nil
}

// Logout deletes the session. Open realtime connections stay up.
func (m *SessionManager) Logout(ctx context.Context, token string) error {
	return m.sessions.DeleteSession(ctx, token)
}

// PruneExpired removes every session past its expiry.
func (m *SessionManager) PruneExpired(ctx context.Context) (int, error) {
	return m.sessions.DeleteExpired(ctx, m.now())
}
