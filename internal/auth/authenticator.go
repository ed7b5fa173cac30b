package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/store"
)

// Handshake rejection codes sent to realtime clients.
const (
	CodeNoToken         = "NO_TOKEN"
	CodeNoUserID        = "NO_USER_ID"
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeUserIDMismatch  = "USER_ID_MISMATCH"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeAuthFailed      = "AUTH_FAILED"
)

// HandshakeError is a rejected authentication attempt.
type HandshakeError struct {
	Code    string
	Message string
	Err     error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func reject(code, msg string, err error) *HandshakeError {
	return &HandshakeError{Code: code, Message: msg, Err: err}
}

// Authenticator resolves bearer tokens to principals through the session table.
type Authenticator struct {
	tokens   *Tokens
	sessions store.SessionStore
	now      func() time.Time
}

func NewAuthenticator(tokens *Tokens, sessions store.SessionStore) *Authenticator {
	return &Authenticator{tokens: tokens, sessions: sessions, now: time.Now}
}

// Authenticate validates a REST bearer token. The user id comes from the token subject.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, reject(CodeNoToken, "authentication token required", nil)
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return Principal{}, reject(CodeInvalidToken, "invalid token", err)
	}
	userID, _ := claims.UserID()
	return a.resolve(ctx, token, userID)
}

// AuthenticateHandshake validates a realtime handshake, where the client also names
// the user id it expects to act as.
func (a *Authenticator) AuthenticateHandshake(ctx context.Context, token, claimedUserID string) (Principal, error) {
	if token == "" {
		return Principal{}, reject(CodeNoToken, "authentication token required", nil)
	}
	if claimedUserID == "" {
		return Principal{}, reject(CodeNoUserID, "user id required", nil)
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return Principal{}, reject(CodeInvalidToken, "invalid token", err)
	}
	userID, _ := claims.UserID()
	claimed, err := strconv.ParseInt(claimedUserID, 10, 64)
	if err != nil || claimed != userID {
		return Principal{}, reject(CodeUserIDMismatch, "token does not belong to this user", nil)
	}
	return a.resolve(ctx, token, userID)
}

func (a *Authenticator) resolve(ctx context.Context, token string, userID int64) (Principal, error) {
	sess, err := a.sessions.GetSession(ctx, token, userID)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return Principal{}, reject(CodeSessionNotFound, "session not found", err)
	case errors.Is(err, store.ErrSessionExpired):
		return Principal{}, reject(CodeSessionExpired, "session expired", err)
	case err != nil:
		return Principal{}, reject(CodeAuthFailed, "authentication failed", err)
	}

	if err := a.sessions.TouchSession(ctx, token, a.now()); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to update session activity")
	}
	return Principal{
		UserID:   sess.UserID,
		UserType: sess.UserType,
		SchoolID: sess.SchoolID,
		Token:    token,
	}, nil
}
