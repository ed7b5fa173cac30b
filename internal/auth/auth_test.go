package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/store"
)

const testSecret = "test-secret"

func newTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens(testSecret, "driving-school", time.Hour)
	require.NoError(t, err)
	return tokens
}

type failingSessions struct {
	store.SessionStore
}

func (failingSessions) GetSession(context.Context, string, int64) (models.Session, error) {
	return models.Session{}, store.ErrUnavailable
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr), "expected handshake error, got %v", err)
	require.Equal(t, code, herr.Code)
}

func TestTokensRoundTrip(t *testing.T) {
	tokens := newTokens(t)
	signed, expires, err := tokens.Issue(42, models.UserTypeOwner, 3)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := tokens.Verify(signed)
	require.NoError(t, err)
	uid, err := claims.UserID()
	require.NoError(t, err)
	require.Equal(t, int64(42), uid)
	require.Equal(t, models.UserTypeOwner, claims.UserType)
	require.Equal(t, int64(3), claims.SchoolID)
	require.NotEmpty(t, claims.ID)
}

func TestTokensRejectsForeignAndExpired(t *testing.T) {
	tokens := newTokens(t)

	other, err := NewTokens("other-secret", "driving-school", time.Hour)
	require.NoError(t, err)
	signed, _, err := other.Issue(1, models.UserTypeAdmin, 0)
	require.NoError(t, err)
	_, err = tokens.Verify(signed)
	require.Error(t, err)

	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _, err := tokens.Issue(1, models.UserTypeAdmin, 0)
	require.NoError(t, err)
	tokens.now = time.Now
	_, err = tokens.Verify(stale)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.Verify(unsigned)
	require.Error(t, err)

	_, err = NewTokens("", "x", time.Hour)
	require.Error(t, err)
}

func TestHandshakeCodes(t *testing.T) {
	ctx := context.Background()
	tokens := newTokens(t)
	sessions := store.NewMemoryStore()
	mgr := NewSessionManager(tokens, sessions)
	authn := NewAuthenticator(tokens, sessions)

	sess, err := mgr.Login(ctx, 10, models.UserTypeManager, 5)
	require.NoError(t, err)
	uid := strconv.FormatInt(sess.UserID, 10)

	_, err = authn.AuthenticateHandshake(ctx, "", uid)
	requireCode(t, err, CodeNoToken)

	_, err = authn.AuthenticateHandshake(ctx, sess.Token, "")
	requireCode(t, err, CodeNoUserID)

	_, err = authn.AuthenticateHandshake(ctx, "garbage", uid)
	requireCode(t, err, CodeInvalidToken)

	_, err = authn.AuthenticateHandshake(ctx, sess.Token, "11")
	requireCode(t, err, CodeUserIDMismatch)

	orphan, _, err := tokens.Issue(99, models.UserTypeOwner, 5)
	require.NoError(t, err)
	_, err = authn.AuthenticateHandshake(ctx, orphan, "99")
	requireCode(t, err, CodeSessionNotFound)

	expiredToken, _, err := tokens.Issue(12, models.UserTypeOwner, 5)
	require.NoError(t, err)
	require.NoError(t, sessions.ReplaceSessions(ctx, models.Session{
		Token: expiredToken, UserID: 12, UserType: models.UserTypeOwner, SchoolID: 5,
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	_, err = authn.AuthenticateHandshake(ctx, expiredToken, "12")
	requireCode(t, err, CodeSessionExpired)

	broken := NewAuthenticator(tokens, failingSessions{sessions})
	_, err = broken.AuthenticateHandshake(ctx, sess.Token, uid)
	requireCode(t, err, CodeAuthFailed)

	p, err := authn.AuthenticateHandshake(ctx, sess.Token, uid)
	require.NoError(t, err)
	require.Equal(t, Principal{UserID: 10, UserType: models.UserTypeManager, SchoolID: 5, Token: sess.Token}, p)
}

func TestLoginKeepsOneSessionPerIdentity(t *testing.T) {
	ctx := context.Background()
	tokens := newTokens(t)
	sessions := store.NewMemoryStore()
	mgr := NewSessionManager(tokens, sessions)
	authn := NewAuthenticator(tokens, sessions)

	first, err := mgr.Login(ctx, 20, models.UserTypeOwner, 2)
	require.NoError(t, err)
	second, err := mgr.Login(ctx, 20, models.UserTypeOwner, 2)
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)
	require.Equal(t, 1, sessions.SessionCount(20, models.UserTypeOwner))

	_, err = authn.Authenticate(ctx, first.Token)
	requireCode(t, err, CodeSessionNotFound)
	_, err = authn.Authenticate(ctx, second.Token)
	require.NoError(t, err)

	// Same user id with another role is a separate identity.
	_, err = mgr.Login(ctx, 20, models.UserTypeAdmin, 0)
	require.NoError(t, err)
	require.Equal(t, 1, sessions.SessionCount(20, models.UserTypeOwner))

	require.NoError(t, mgr.Logout(ctx, second.Token))
	_, err = authn.Authenticate(ctx, second.Token)
	requireCode(t, err, CodeSessionNotFound)

	_, err = mgr.Login(ctx, 21, models.UserTypeManager, 0)
	require.Error(t, err)
	_, err = mgr.Login(ctx, 21, "student", 1)
	require.Error(t, err)
}

func TestPruneExpired(t *testing.T) {
	ctx := context.Background()
	tokens := newTokens(t)
	sessions := store.NewMemoryStore()
	mgr := NewSessionManager(tokens, sessions)

	_, err := mgr.Login(ctx, 1, models.UserTypeAdmin, 0)
	require.NoError(t, err)
	require.NoError(t, sessions.ReplaceSessions(ctx, models.Session{
		Token: "old", UserID: 2, UserType: models.UserTypeOwner, SchoolID: 1,
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	n, err := mgr.PruneExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPrincipalSchoolAccess(t *testing.T) {
	admin := Principal{UserID: 1, UserType: models.UserTypeAdmin}
	owner := Principal{UserID: 2, UserType: models.UserTypeOwner, SchoolID: 7}
	require.True(t, admin.CanAccessSchool(99))
	require.True(t, owner.CanAccessSchool(7))
	require.False(t, owner.CanAccessSchool(8))
}

func TestRequireSession(t *testing.T) {
	ctx := context.Background()
	tokens := newTokens(t)
	sessions := store.NewMemoryStore()
	sess, err := NewSessionManager(tokens, sessions).Login(ctx, 30, models.UserTypeOwner, 4)
	require.NoError(t, err)

	var seen *Principal
	h := RequireSession(NewAuthenticator(tokens, sessions))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"status":"error","message":"authentication token required"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, int64(4), seen.SchoolID)
}
