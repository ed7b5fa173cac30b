package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"driving-school-jobs/internal/auth"
	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/store"
)

type harness struct {
	hub      *Hub
	store    *store.MemoryStore
	sessions *auth.SessionManager
	server   *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	tokens, err := auth.NewTokens("hub-secret", "test", time.Hour)
	require.NoError(t, err)
	hub := NewHub(cfg, auth.NewAuthenticator(tokens, st), st)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &harness{hub: hub, store: st, sessions: auth.NewSessionManager(tokens, st), server: srv}
}

func (h *harness) login(t *testing.T, userID int64, userType string, schoolID int64) models.Session {
	t.Helper()
	sess, err := h.sessions.Login(context.Background(), userID, userType, schoolID)
	require.NoError(t, err)
	return sess
}

func (h *harness) dial(t *testing.T, token, userID string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if userID != "" {
		q.Set("userId", userID)
	}
	u := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?" + q.Encode()
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (h *harness) connect(t *testing.T, sess models.Session) *websocket.Conn {
	t.Helper()
	ws := h.dial(t, sess.Token, strconv.FormatInt(sess.UserID, 10))
	ev := readEvent(t, ws)
	require.Equal(t, models.EventHello, ev.Name)
	return ws
}

type rawEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, ws *websocket.Conn) rawEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev rawEvent
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestHandshakeHelloAndCatchUp(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	job, err := h.store.CreateJob(ctx, store.CreateJobParams{Type: models.JobTypePDFGeneration, SchoolID: 5, UserID: 99})
	require.NoError(t, err)
	_, err = h.store.ApplyProgress(ctx, job.ID, models.ProgressUpdate{Outcome: models.OutcomeProgress, Progress: 30})
	require.NoError(t, err)

	sess := h.login(t, 10, models.UserTypeOwner, 5)
	ws := h.dial(t, sess.Token, "10")

	hello := readEvent(t, ws)
	require.Equal(t, models.EventHello, hello.Name)
	var hd models.Hello
	require.NoError(t, json.Unmarshal(hello.Data, &hd))
	require.Equal(t, "10", hd.UserID)
	require.NotEmpty(t, hd.ConnectionID)

	// Default scope replays every in-flight job, not only the user's.
	catchUp := readEvent(t, ws)
	require.Equal(t, models.EventJobUpdate, catchUp.Name)
	var upd models.JobUpdate
	require.NoError(t, json.Unmarshal(catchUp.Data, &upd))
	require.Equal(t, job.IDString(), upd.JobID)
	require.Equal(t, 30, upd.Progress)
	require.Equal(t, models.StatusProcessing, upd.Status)

	require.Eventually(t, func() bool { return h.hub.UserConnections(10) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCatchUpOwnerScope(t *testing.T) {
	h := newHarness(t, Config{CatchUpScope: CatchUpOwner})
	ctx := context.Background()

	for _, owner := range []int64{99, 10} {
		job, err := h.store.CreateJob(ctx, store.CreateJobParams{Type: models.JobTypePDFGeneration, SchoolID: 5, UserID: owner})
		require.NoError(t, err)
		_, err = h.store.ApplyProgress(ctx, job.ID, models.ProgressUpdate{Outcome: models.OutcomeProgress, Progress: 10})
		require.NoError(t, err)
	}

	sess := h.login(t, 10, models.UserTypeOwner, 5)
	ws := h.connect(t, sess)
	ev := readEvent(t, ws)
	var upd models.JobUpdate
	require.NoError(t, json.Unmarshal(ev.Data, &upd))
	require.Equal(t, "2", upd.JobID)

	require.Eventually(t, func() bool { return h.hub.UserConnections(10) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.hub.SendToUser(10, models.Event{Name: "direct"}))
	require.Equal(t, "direct", readEvent(t, ws).Name)
}

// The default scope replays in-flight jobs of every school and owner.
func TestCatchUpAllSpansSchools(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	want := map[string]int64{}
	for _, tc := range []struct{ school, owner int64 }{{5, 98}, {6, 99}} {
		job, err := h.store.CreateJob(ctx, store.CreateJobParams{Type: models.JobTypeGroupSimulation, SchoolID: tc.school, UserID: tc.owner})
		require.NoError(t, err)
		_, err = h.store.ApplyProgress(ctx, job.ID, models.ProgressUpdate{Outcome: models.OutcomeProgress, Progress: 20})
		require.NoError(t, err)
		want[job.IDString()] = tc.school
	}

	ws := h.connect(t, h.login(t, 10, models.UserTypeOwner, 5))
	got := map[string]bool{}
	for range want {
		ev := readEvent(t, ws)
		require.Equal(t, models.EventJobUpdate, ev.Name)
		var upd models.JobUpdate
		require.NoError(t, json.Unmarshal(ev.Data, &upd))
		require.Equal(t, models.StatusProcessing, upd.Status)
		got[upd.JobID] = true
	}
	require.Len(t, got, 2)
	for id := range want {
		require.True(t, got[id], "job %s missing from catch-up", id)
	}
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.login(t, 10, models.UserTypeOwner, 5)

	cases := []struct {
		name   string
		token  string
		userID string
		code   string
	}{
		{"missing token", "", "10", auth.CodeNoToken},
		{"missing user", sess.Token, "", auth.CodeNoUserID},
		{"bad token", "not-a-jwt", "10", auth.CodeInvalidToken},
		{"other user", sess.Token, "11", auth.CodeUserIDMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws := h.dial(t, tc.token, tc.userID)
			ev := readEvent(t, ws)
			require.Equal(t, models.EventAuthError, ev.Name)
			var ae models.AuthError
			require.NoError(t, json.Unmarshal(ev.Data, &ae))
			require.Equal(t, tc.code, ae.Code)
			require.False(t, ae.ShouldReconnect)

			_, _, err := ws.ReadMessage()
			require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}
	require.Eventually(t, func() bool { return h.hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSendToUserReachesEveryConnection(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.login(t, 10, models.UserTypeOwner, 5)
	other := h.login(t, 11, models.UserTypeOwner, 5)

	first := h.connect(t, sess)
	second := h.connect(t, sess)
	third := h.connect(t, other)
	require.Eventually(t, func() bool {
		return h.hub.UserConnections(10) == 2 && h.hub.UserConnections(11) == 1
	}, time.Second, 5*time.Millisecond)

	job := models.Job{ID: 101, Type: models.JobTypePDFGeneration, Status: models.StatusProcessing, Progress: 25}
	n := h.hub.SendToUser(10, models.NewJobUpdateEvent(job, "", time.Now()))
	require.Equal(t, 2, n)
	for _, ws := range []*websocket.Conn{first, second} {
		ev := readEvent(t, ws)
		require.Equal(t, models.EventJobUpdate, ev.Name)
		var upd models.JobUpdate
		require.NoError(t, json.Unmarshal(ev.Data, &upd))
		require.Equal(t, "101", upd.JobID)
		require.Equal(t, 25, upd.Progress)
	}

	require.Equal(t, 3, h.hub.SendToRoom("school:5", models.Event{Name: "school-notice"}))
	require.Equal(t, "school-notice", readEvent(t, third).Name)
	require.Equal(t, 3, h.hub.BroadcastAuthenticated(models.Event{Name: "notice"}))
	require.Equal(t, 3, h.hub.BroadcastAll(models.Event{Name: "notice"}))
	require.Equal(t, 0, h.hub.SendToUser(12, models.Event{Name: "nobody"}))
}

func TestDisconnectRemovesFromIndexes(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.login(t, 10, models.UserTypeOwner, 5)
	ws := h.connect(t, sess)
	require.Eventually(t, func() bool { return h.hub.UserConnections(10) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return h.hub.UserConnections(10) == 0 && h.hub.ConnectionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, h.hub.SendToRoom("school:5", models.Event{Name: "gone"}))
}

func TestClientPingAndRooms(t *testing.T) {
	h := newHarness(t, Config{})
	owner := h.connect(t, h.login(t, 10, models.UserTypeOwner, 5))
	admin := h.connect(t, h.login(t, 1, models.UserTypeAdmin, 0))

	require.NoError(t, owner.WriteJSON(map[string]any{"event": "ping"}))
	require.Equal(t, models.EventPong, readEvent(t, owner).Name)

	require.NoError(t, owner.WriteJSON(map[string]any{"event": "join", "data": map[string]string{"room": "school:9"}}))
	require.Equal(t, eventDenied, readEvent(t, owner).Name)

	require.NoError(t, admin.WriteJSON(map[string]any{"event": "join", "data": map[string]string{"room": "school:9"}}))
	require.Equal(t, eventJoined, readEvent(t, admin).Name)
	require.Equal(t, 1, h.hub.SendToRoom("school:9", models.Event{Name: "school-9"}))
	require.Equal(t, "school-9", readEvent(t, admin).Name)

	require.NoError(t, admin.WriteJSON(map[string]any{"event": "leave", "data": map[string]string{"room": "school:9"}}))
	require.Equal(t, eventLeft, readEvent(t, admin).Name)
	require.Zero(t, h.hub.SendToRoom("school:9", models.Event{Name: "school-9"}))
}

func TestSlowClientIsEvicted(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1}, nil, nil)
	c := newConn(h, nil, "slow", 1)
	c.principal.Store(&auth.Principal{UserID: 10, UserType: models.UserTypeOwner, SchoolID: 5})
	h.conns[c] = struct{}{}
	require.True(t, h.activate(c))

	require.Equal(t, 1, h.SendToUser(10, models.Event{Name: "first"}))
	require.Equal(t, 0, h.SendToUser(10, models.Event{Name: "second"}))
	require.Equal(t, StateDisconnected, c.State())
	require.Zero(t, h.UserConnections(10))
	require.Zero(t, h.ConnectionCount())
}

type gatedAuthenticator struct {
	gate chan struct{}
}

func (a gatedAuthenticator) AuthenticateHandshake(ctx context.Context, _, _ string) (auth.Principal, error) {
	select {
	case <-a.gate:
	case <-ctx.Done():
		return auth.Principal{}, ctx.Err()
	}
	return auth.Principal{UserID: 10, UserType: models.UserTypeOwner, SchoolID: 5}, nil
}

// Broadcasts reach connections that are still authenticating and may evict them
// while the handshake stores the principal.
func TestEvictionDuringHandshake(t *testing.T) {
	gate := make(chan struct{})
	hub := NewHub(Config{SendBuffer: 1}, gatedAuthenticator{gate: gate}, store.NewMemoryStore())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/?token=t&userId=10", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	// Nothing drains the buffer before the handshake finishes, so the second frame evicts.
	require.Equal(t, 1, hub.BroadcastAll(models.Event{Name: "first"}))
	require.Zero(t, hub.BroadcastAll(models.Event{Name: "second"}))
	require.Zero(t, hub.ConnectionCount())
	close(gate)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	for err == nil {
		_, _, err = ws.ReadMessage()
	}
	var netErr interface{ Timeout() bool }
	require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection was never closed")
	require.Never(t, func() bool { return hub.UserConnections(10) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	require.Zero(t, hub.ConnectionCount())
	require.Zero(t, hub.SendToRoom("school:5", models.Event{Name: "gone"}))
}

func TestCanJoin(t *testing.T) {
	owner := auth.Principal{UserID: 10, UserType: models.UserTypeOwner, SchoolID: 5}
	require.True(t, canJoin(owner, "user:10"))
	require.False(t, canJoin(owner, "user:11"))
	require.True(t, canJoin(owner, "school:5"))
	require.False(t, canJoin(owner, "school:6"))
	require.False(t, canJoin(owner, "lobby"))
	require.False(t, canJoin(owner, "job:1"))
}
