package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/auth"
	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/telemetry"
)

const (
	maxClientFrame = 4096

	// Catch-up replays every PROCESSING job, or only the connecting user's.
	CatchUpAll   = "all"
	CatchUpOwner = "owner"
)

// Authenticator checks a handshake's token against the claimed user id.
type Authenticator interface {
	AuthenticateHandshake(ctx context.Context, token, claimedUserID string) (auth.Principal, error)
}

// ProcessingLister returns in-flight jobs for the reconnect catch-up.
type ProcessingLister interface {
	ListProcessing(ctx context.Context, userID *int64) ([]models.Job, error)
}

// Config tunes the gateway.
type Config struct {
	SendBuffer     int
	PingPeriod     time.Duration
	WriteWait      time.Duration
	CatchUpScope   string
	AllowedOrigins []string
}

// Hub owns every realtime connection and the indexes used to address them.
type Hub struct {
	cfg      Config
	authn    Authenticator
	jobs     ProcessingLister
	upgrader websocket.Upgrader
	now      func() time.Time

	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	byUser map[int64]map[*Conn]struct{}
	rooms  map[string]map[*Conn]struct{}
}

// NewHub builds a gateway.
func NewHub(cfg Config, authn Authenticator, jobs ProcessingLister) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 25 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.CatchUpScope != CatchUpOwner {
		cfg.CatchUpScope = CatchUpAll
	}
	h := &Hub{
		cfg:    cfg,
		authn:  authn,
		jobs:   jobs,
		now:    time.Now,
		conns:  make(map[*Conn]struct{}),
		byUser: make(map[int64]map[*Conn]struct{}),
		rooms:  make(map[string]map[*Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = r.Header.Get("X-User-Id")
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	c := newConn(h, ws, uuid.NewString(), h.cfg.SendBuffer)
	c.setState(StateConnecting)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	c.setState(StateAuthenticating)
	p, err := h.authn.AuthenticateHandshake(r.Context(), token, userID)
	if err != nil {
		h.rejectHandshake(c, err)
		return
	}
	c.principal.Store(&p)

	go c.writePump()
	h.mustSend(r.Context(), c, models.Event{Name: models.EventHello, Data: models.Hello{
		UserID:       strconv.FormatInt(p.UserID, 10),
		ConnectionID: c.id,
		Timestamp:    h.now().UnixMilli(),
	}})
	h.catchUp(r.Context(), c)

	if !h.activate(c) {
		return
	}
	log.Info().
		Str("connection_id", c.id).
		Int64("user_id", p.UserID).
		Str("user_type", p.UserType).
		Msg("Realtime client connected")

	c.readPump()
	log.Debug().Str("connection_id", c.id).Int64("user_id", p.UserID).Msg("Realtime client disconnected")
}

func (h *Hub) rejectHandshake(c *Conn, err error) {
	code, msg := auth.CodeAuthFailed, "authentication failed"
	var herr *auth.HandshakeError
	if errors.As(err, &herr) {
		code, msg = herr.Code, herr.Message
	}
	telemetry.AuthRejections.WithLabelValues(code).Inc()
	log.Info().Err(err).Str("code", code).Str("connection_id", c.id).Msg("Realtime handshake rejected")

	deadline := time.Now().Add(h.cfg.WriteWait)
	_ = c.ws.SetWriteDeadline(deadline)
	_ = c.ws.WriteJSON(models.Event{Name: models.EventAuthError, Data: models.AuthError{
		Code:            code,
		Message:         msg,
		ShouldReconnect: false,
	}})
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	c.close()
}

func (h *Hub) catchUp(ctx context.Context, c *Conn) {
	var owner *int64
	if h.cfg.CatchUpScope == CatchUpOwner {
		id := c.Principal().UserID
		owner = &id
	}
	jobs, err := h.jobs.ListProcessing(ctx, owner)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("Catch-up lookup failed")
		return
	}
	now := h.now()
	for _, job := range jobs {
		if !h.mustSend(ctx, c, models.NewJobUpdateEvent(job, "", now)) {
			return
		}
	}
	if len(jobs) > 0 {
		log.Debug().Str("connection_id", c.id).Int("jobs", len(jobs)).Msg("Catch-up replayed")
	}
}

// activate indexes the connection by user and joins its default rooms.
func (h *Hub) activate(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return false
	}
	p := c.Principal()
	set := h.byUser[p.UserID]
	if set == nil {
		set = make(map[*Conn]struct{})
		h.byUser[p.UserID] = set
	}
	set[c] = struct{}{}
	h.joinLocked(c, userRoom(p.UserID))
	if p.SchoolID != 0 {
		h.joinLocked(c, schoolRoom(p.SchoolID))
	}
	c.setState(StateConnected)
	telemetry.RealtimeConnections.Inc()
	return true
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	userID := c.Principal().UserID
	if set, ok := h.byUser[userID]; ok {
		if _, indexed := set[c]; indexed {
			delete(set, c)
			telemetry.RealtimeConnections.Dec()
		}
		if len(set) == 0 {
			delete(h.byUser, userID)
		}
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
}

func (h *Hub) joinLocked(c *Conn, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func userRoom(id int64) string   { return "user:" + strconv.FormatInt(id, 10) }
func schoolRoom(id int64) string { return "school:" + strconv.FormatInt(id, 10) }

// canJoin allows a principal into its own user room and into school rooms it may access.
func canJoin(p auth.Principal, room string) bool {
	kind, rawID, ok := strings.Cut(room, ":")
	if !ok {
		return false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return false
	}
	switch kind {
	case "user":
		return id == p.UserID
	case "school":
		return p.CanAccessSchool(id)
	}
	return false
}

func (h *Hub) mustSend(ctx context.Context, c *Conn, ev models.Event) bool {
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name).Msg("Failed to encode event")
		return false
	}
	if !c.enqueueWait(ctx, frame) {
		return false
	}
	telemetry.EventsSent.WithLabelValues(ev.Name).Inc()
	return true
}

// deliver queues ev on every target and evicts the ones whose buffer is full.
func (h *Hub) deliver(targets []*Conn, ev models.Event) int {
	if len(targets) == 0 {
		return 0
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name).Msg("Failed to encode event")
		return 0
	}
	sent := 0
	var slow []*Conn
	for _, c := range targets {
		if c.enqueue(frame) {
			sent++
			continue
		}
		if c.State() != StateDisconnected {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		telemetry.SlowClientEvictions.Inc()
		log.Warn().Str("connection_id", c.id).Int64("user_id", c.Principal().UserID).Msg("Evicting slow realtime client")
		c.close()
	}
	if sent > 0 {
		telemetry.EventsSent.WithLabelValues(ev.Name).Add(float64(sent))
	}
	return sent
}

func collect(set map[*Conn]struct{}, keep func(*Conn) bool) []*Conn {
	out := make([]*Conn, 0, len(set))
	for c := range set {
		if keep == nil || keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// BroadcastAll sends ev to every open connection, authenticated or not.
func (h *Hub) BroadcastAll(ev models.Event) int {
	h.mu.RLock()
	targets := collect(h.conns, nil)
	h.mu.RUnlock()
	return h.deliver(targets, ev)
}

// BroadcastAuthenticated sends ev to every connection that completed the handshake.
func (h *Hub) BroadcastAuthenticated(ev models.Event) int {
	h.mu.RLock()
	targets := collect(h.conns, func(c *Conn) bool { return c.State() == StateConnected })
	h.mu.RUnlock()
	return h.deliver(targets, ev)
}

// SendToRoom sends ev to the members of a room.
func (h *Hub) SendToRoom(room string, ev models.Event) int {
	h.mu.RLock()
	targets := collect(h.rooms[room], nil)
	h.mu.RUnlock()
	return h.deliver(targets, ev)
}

// SendToUser sends ev to every live connection of the user.
func (h *Hub) SendToUser(userID int64, ev models.Event) int {
	h.mu.RLock()
	targets := collect(h.byUser[userID], nil)
	h.mu.RUnlock()
	return h.deliver(targets, ev)
}

// UserConnections reports how many connections are indexed for a user.
func (h *Hub) UserConnections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// ConnectionCount reports every open connection, including ones still authenticating.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := collect(h.conns, nil)
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}

type clientFrame struct {
	Event string `json:"event"`
	Data  struct {
		Room string `json:"room"`
	} `json:"data"`
}

type pongData struct {
	Timestamp int64 `json:"timestamp"`
}

type roomData struct {
	Room string `json:"room"`
}

// Client events answered by the gateway.
const (
	clientPing  = "ping"
	clientJoin  = "join"
	clientLeave = "leave"

	eventJoined = "joined"
	eventLeft   = "left"
	eventDenied = "join-denied"
)

func (h *Hub) handleClientFrame(c *Conn, data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Debug().Err(err).Str("connection_id", c.id).Msg("Ignoring malformed client frame")
		return
	}
	switch f.Event {
	case clientPing:
		h.deliver([]*Conn{c}, models.Event{Name: models.EventPong, Data: pongData{Timestamp: h.now().UnixMilli()}})
	case clientJoin:
		if !canJoin(c.Principal(), f.Data.Room) {
			h.deliver([]*Conn{c}, models.Event{Name: eventDenied, Data: roomData{Room: f.Data.Room}})
			return
		}
		h.mu.Lock()
		if _, ok := h.conns[c]; ok {
			h.joinLocked(c, f.Data.Room)
		}
		h.mu.Unlock()
		h.deliver([]*Conn{c}, models.Event{Name: eventJoined, Data: roomData{Room: f.Data.Room}})
	case clientLeave:
		h.mu.Lock()
		h.leaveLocked(c, f.Data.Room)
		h.mu.Unlock()
		h.deliver([]*Conn{c}, models.Event{Name: eventLeft, Data: roomData{Room: f.Data.Room}})
	default:
		log.Debug().Str("connection_id", c.id).Str("event", f.Event).Msg("Ignoring unknown client event")
	}
}
