// Package gateway manages socket client sessions: handshake
// authentication with a grace period for late credentials, per-session
// fixed-window rate limiting, rooms, and fan-out of worker replies and
// broadcasts.
//
// The Gateway owns all session state behind its own locks and knows
// nothing about the wire; [Server] adapts it to websocket connections.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/auth"
	"github.com/xraph/switchboard/channel"
	"github.com/xraph/switchboard/ext"
	"github.com/xraph/switchboard/id"
	"github.com/xraph/switchboard/router"
	"github.com/xraph/switchboard/scope"
)

// ErrSessionNotFound is returned for an unknown or closed session id.
var ErrSessionNotFound = errors.New("gateway: session not found")

// Ack statuses and codes.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusOK      = "ok"

	CodeInvalidToken = "INVALID_TOKEN"
)

// Router routes client events. *router.Router satisfies it.
type Router interface {
	RouteEvent(ctx context.Context, eventName string, metadata any) (*router.Result, error)
}

// Verifier checks credentials. *auth.Service satisfies it.
type Verifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// Bus delivers reply and global topics. *channel.Channel satisfies it.
type Bus interface {
	Subscribe(ctx context.Context, topic string, handler channel.Handler) error
	Unsubscribe(ctx context.Context, topic string)
}

// AuthAck answers an authenticate request.
type AuthAck struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Code    string         `json:"code,omitempty"`
	User    *auth.Identity `json:"user,omitempty"`
}

// Ack answers an incoming event.
type Ack struct {
	Status    string    `json:"status"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// JoinAck answers join_room and leave_room.
type JoinAck struct {
	Status  string `json:"status"`
	Room    string `json:"room"`
	Message string `json:"message,omitempty"`
}

// Counts summarizes live sessions.
type Counts struct {
	Total         int `json:"total"`
	Authenticated int `json:"authenticated"`
	Anonymous     int `json:"anonymous"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithExtensions sets the registry that receives client hooks.
func WithExtensions(reg *ext.Registry) Option {
	return func(g *Gateway) { g.exts = reg }
}

// WithGracePeriod sets how long an unauthenticated session may stay.
func WithGracePeriod(d time.Duration) Option {
	return func(g *Gateway) { g.grace = d }
}

// WithRateLimit sets the per-session event limit and window.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(g *Gateway) {
		g.rateLimit = limit
		g.rateWindow = window
	}
}

// WithClock overrides the time source used for rate windows and acks.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithReplyTopic sets the topic worker replies arrive on.
func WithReplyTopic(topic string) Option {
	return func(g *Gateway) { g.replyTopic = topic }
}

// WithGlobalTopic sets the topic broadcast to every session. Empty
// disables it.
func WithGlobalTopic(topic string) Option {
	return func(g *Gateway) { g.globalTopic = topic }
}

// WithOutboundSize sets the per-session outbound buffer in frames.
func WithOutboundSize(n int) Option {
	return func(g *Gateway) { g.outSize = n }
}

// Gateway tracks live sessions and routes their events.
type Gateway struct {
	router   Router
	verifier Verifier
	bus      Bus
	exts     *ext.Registry
	logger   *slog.Logger
	now      func() time.Time

	grace       time.Duration
	rateLimit   int
	rateWindow  time.Duration
	replyTopic  string
	globalTopic string
	outSize     int

	limiter *RateLimiter
	rateLog rate.Sometimes

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session

	// replyMu serializes reply-topic subscription changes.
	replyMu         sync.Mutex
	replySubscribed bool
}

// New creates a Gateway. bus may be nil, in which case no reply or global
// topics are delivered.
func New(r Router, v Verifier, bus Bus, opts ...Option) *Gateway {
	g := &Gateway{
		router:      r,
		verifier:    v,
		bus:         bus,
		logger:      slog.Default(),
		now:         time.Now,
		grace:       10 * time.Second,
		rateLimit:   50,
		rateWindow:  time.Minute,
		replyTopic:  "worker_responses",
		globalTopic: "global-events",
		outSize:     256,
		rateLog:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		sessions:    make(map[string]*Session),
		rooms:       make(map[string]map[string]*Session),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.limiter = NewRateLimiter(g.rateLimit, g.rateWindow, g.now)
	return g
}

// Start subscribes the global topic.
func (g *Gateway) Start(ctx context.Context) error {
	if g.bus == nil || g.globalTopic == "" {
		return nil
	}
	if err := g.bus.Subscribe(ctx, g.globalTopic, g.onGlobal); err != nil {
		return fmt.Errorf("gateway: subscribe %s: %w", g.globalTopic, err)
	}
	return nil
}

// Stop disconnects every session and drops the topic subscriptions.
func (g *Gateway) Stop(ctx context.Context) {
	g.mu.RLock()
	ids := make([]string, 0, len(g.sessions))
	for sid := range g.sessions {
		ids = append(ids, sid)
	}
	g.mu.RUnlock()

	for _, sid := range ids {
		g.Disconnect(ctx, sid, "shutdown")
	}
	if g.bus != nil && g.globalTopic != "" {
		g.bus.Unsubscribe(ctx, g.globalTopic)
	}
}

// ──────────────────────────────────────────────────
// Session lifecycle
// ──────────────────────────────────────────────────

// Connect registers a new session. An empty credential registers it
// unauthenticated and arms the grace timer. A credential that fails
// verification closes conn and the session is never registered.
func (g *Gateway) Connect(ctx context.Context, sessionID string, conn Conn, credential string) (*Session, error) {
	sess := newSession(sessionID, conn, g.outSize)

	if credential != "" {
		claims, err := g.verifier.Verify(ctx, credential)
		if err != nil {
			_ = conn.Close()
			g.logger.Warn("client with invalid token rejected",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			if g.exts != nil {
				g.exts.EmitClientRejected(ctx, sessionID, err)
			}
			return nil, fmt.Errorf("gateway: reject %s: %w", sessionID, err)
		}
		sess.identity = claims.Identity()
	}

	g.mu.Lock()
	g.sessions[sessionID] = sess
	total := len(g.sessions)
	g.mu.Unlock()

	authenticated := sess.identity != nil
	if !authenticated {
		bg := context.WithoutCancel(ctx)
		sess.armGrace(g.grace, func() {
			if sess.expire() {
				g.logger.Warn("disconnecting unauthenticated client", slog.String("session_id", sessionID))
				g.Disconnect(bg, sessionID, "authentication timeout")
			}
		})
	}

	g.syncReply(ctx)

	attrs := []any{
		slog.String("session_id", sessionID),
		slog.Bool("authenticated", authenticated),
		slog.Int("total", total),
	}
	if authenticated {
		attrs = append(attrs, slog.String("user_id", sess.identity.UserID))
	}
	g.logger.Info("client connected", attrs...)
	if g.exts != nil {
		g.exts.EmitClientConnected(ctx, sessionID, authenticated)
	}
	return sess, nil
}

// Authenticate verifies credential for an already connected session. A
// failure keeps the connection so the client can retry within the grace
// period.
func (g *Gateway) Authenticate(ctx context.Context, sessionID, credential string) AuthAck {
	sess, ok := g.Session(sessionID)
	if !ok {
		return AuthAck{Status: StatusError, Message: ErrSessionNotFound.Error(), Code: switchboard.CodeNotFound}
	}
	if credential == "" {
		return AuthAck{Status: StatusError, Message: "JWT token is required", Code: switchboard.CodeBadRequest}
	}

	claims, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		g.logger.Warn("authentication failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return AuthAck{Status: StatusError, Message: "Invalid token", Code: CodeInvalidToken}
	}

	identity := claims.Identity()
	if !sess.authenticate(identity) {
		return AuthAck{Status: StatusError, Message: "Authentication timeout", Code: switchboard.CodeUnauthorized}
	}
	g.logger.Info("client authenticated",
		slog.String("session_id", sessionID),
		slog.String("user_id", identity.UserID),
	)
	return AuthAck{Status: StatusSuccess, Message: "Authentication successful", User: identity}
}

// Disconnect removes a session from every set it belongs to and closes
// its connection. Unknown ids are ignored. In-flight routes are not
// cancelled.
func (g *Gateway) Disconnect(ctx context.Context, sessionID, reason string) {
	g.mu.Lock()
	sess, ok := g.sessions[sessionID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, sessionID)
	rooms, _ := sess.close()
	for _, r := range rooms {
		members := g.rooms[r]
		delete(members, sessionID)
		if len(members) == 0 {
			delete(g.rooms, r)
		}
	}
	remaining := len(g.sessions)
	g.mu.Unlock()

	g.limiter.Forget(sessionID)
	_ = sess.conn.Close()
	g.syncReply(ctx)

	g.logger.Info("client disconnected",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.Int("remaining", remaining),
	)
	if g.exts != nil {
		g.exts.EmitClientDisconnected(ctx, sessionID, reason)
	}
}

// Session returns a live session.
func (g *Gateway) Session(sessionID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[sessionID]
	return s, ok
}

// Counts reports live sessions.
func (g *Gateway) Counts() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c := Counts{Total: len(g.sessions)}
	for _, s := range g.sessions {
		if s.Authenticated() {
			c.Authenticated++
		}
	}
	c.Anonymous = c.Total - c.Authenticated
	return c
}

// syncReply keeps the reply topic subscribed exactly while at least one
// session is live.
func (g *Gateway) syncReply(ctx context.Context) {
	if g.bus == nil || g.replyTopic == "" {
		return
	}
	g.replyMu.Lock()
	defer g.replyMu.Unlock()

	g.mu.RLock()
	live := len(g.sessions) > 0
	g.mu.RUnlock()

	switch {
	case live && !g.replySubscribed:
		if err := g.bus.Subscribe(ctx, g.replyTopic, g.onReply); err != nil {
			g.logger.Error("reply topic subscribe failed",
				slog.String("topic", g.replyTopic),
				slog.String("error", err.Error()),
			)
			return
		}
		g.replySubscribed = true
		g.logger.Debug("reply topic subscribed", slog.String("topic", g.replyTopic))
	case !live && g.replySubscribed:
		g.bus.Unsubscribe(ctx, g.replyTopic)
		g.replySubscribed = false
		g.logger.Debug("no live sessions, reply topic unsubscribed", slog.String("topic", g.replyTopic))
	}
}

// ──────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────

// HandleEvent routes a client event. It never panics; every failure is
// reported in the returned Ack.
func (g *Gateway) HandleEvent(ctx context.Context, sessionID string, env EventEnvelope) (ack Ack) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("event handling panicked",
				slog.String("session_id", sessionID),
				slog.Any("panic", r),
			)
			ack = g.errorAck(switchboard.CodeInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	sess, ok := g.Session(sessionID)
	if !ok || !sess.Authenticated() {
		g.logger.Warn("unauthenticated event", slog.String("session_id", sessionID))
		return g.errorAck(switchboard.CodeUnauthorized, "Authentication required. Please authenticate first.")
	}
	identity := sess.Identity()

	if !g.limiter.Allow(sessionID) {
		g.rateLog.Do(func() {
			g.logger.Warn("rate limit exceeded",
				slog.String("session_id", sessionID),
				slog.String("user_id", identity.UserID),
			)
		})
		if g.exts != nil {
			g.exts.EmitRateLimited(ctx, sessionID, identity.UserID)
		}
		return g.errorAck(switchboard.CodeRateLimited, "Rate limit exceeded. Try again later.")
	}

	if env.Event == "" {
		return g.errorAck(switchboard.CodeBadRequest, "Invalid event format: missing event name")
	}

	payload := withMeta(env.Payload, map[string]any{
		"userId":   identity.UserID,
		"socketId": sessionID,
		"roles":    identity.Roles,
	})

	requestID := id.NewRequestID()
	g.logger.Debug("received event",
		slog.String("request_id", requestID),
		slog.String("session_id", sessionID),
		slog.String("event", env.Event),
	)

	ctx = scope.With(ctx, scope.Caller{
		Source:    scope.SourceWebSocket,
		UserID:    identity.UserID,
		SessionID: sessionID,
	})
	res, err := g.router.RouteEvent(ctx, env.Event, payload)
	if err != nil {
		g.logger.Warn("failed to route event",
			slog.String("request_id", requestID),
			slog.String("event", env.Event),
			slog.String("error", err.Error()),
		)
		return g.errorAck(switchboard.Code(err), err.Error())
	}

	return Ack{
		Status:    StatusSuccess,
		RequestID: requestID,
		Timestamp: g.now().UTC(),
		Data:      res,
	}
}

func (g *Gateway) errorAck(code, message string) Ack {
	return Ack{
		Status:    StatusError,
		Code:      code,
		Message:   message,
		Timestamp: g.now().UTC(),
	}
}

// withMeta attaches _meta to an event payload. Non-object payloads are
// wrapped as {value: payload}.
func withMeta(payload any, meta map[string]any) map[string]any {
	var out map[string]any
	switch p := payload.(type) {
	case nil:
		out = make(map[string]any, 1)
	case map[string]any:
		out = make(map[string]any, len(p)+1)
		maps.Copy(out, p)
	default:
		out = map[string]any{"value": p}
	}
	out["_meta"] = meta
	return out
}

// ──────────────────────────────────────────────────
// Rooms
// ──────────────────────────────────────────────────

// JoinRoom adds a session to room.
func (g *Gateway) JoinRoom(sessionID, room string) JoinAck {
	if room == "" {
		return JoinAck{Status: StatusError, Message: "room is required"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[sessionID]
	if !ok {
		return JoinAck{Status: StatusError, Room: room, Message: ErrSessionNotFound.Error()}
	}
	g.joinLocked(sess, room)
	g.logger.Debug("client joined room", slog.String("session_id", sessionID), slog.String("room", room))
	return JoinAck{Status: StatusOK, Room: room}
}

// LeaveRoom removes a session from room.
func (g *Gateway) LeaveRoom(sessionID, room string) JoinAck {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[sessionID]
	if !ok {
		return JoinAck{Status: StatusError, Room: room, Message: ErrSessionNotFound.Error()}
	}
	sess.leave(room)
	if members, ok := g.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
	return JoinAck{Status: StatusOK, Room: room}
}

// JoinClientsToChannels adds the given sessions, or every live session
// when clientIDs is nil, to each channel. Unknown ids are skipped. It
// returns how many sessions were joined.
func (g *Gateway) JoinClientsToChannels(channels, clientIDs []string) int {
	if len(channels) == 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var targets []*Session
	if clientIDs == nil {
		targets = make([]*Session, 0, len(g.sessions))
		for _, s := range g.sessions {
			targets = append(targets, s)
		}
	} else {
		for _, cid := range clientIDs {
			if s, ok := g.sessions[cid]; ok {
				targets = append(targets, s)
			}
		}
	}

	for _, s := range targets {
		for _, ch := range channels {
			if ch != "" {
				g.joinLocked(s, ch)
			}
		}
	}
	return len(targets)
}

func (g *Gateway) joinLocked(sess *Session, room string) {
	members, ok := g.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		g.rooms[room] = members
	}
	members[sess.ID] = sess
	sess.join(room)
}

// ──────────────────────────────────────────────────
// Fan-out
// ──────────────────────────────────────────────────

// Broadcast pushes out as an outgoing_event. It returns how many sessions
// it was queued for.
func (g *Gateway) Broadcast(_ context.Context, out Outgoing) int {
	raw, err := json.Marshal(out)
	if err != nil {
		g.logger.Warn("broadcast not encodable", slog.String("error", err.Error()))
		return 0
	}
	return g.deliver(out.Room, out.ClientID, raw)
}

// EmitToRooms pushes data to each room. It returns the total deliveries.
func (g *Gateway) EmitToRooms(_ context.Context, rooms []string, data any) int {
	raw, err := json.Marshal(data)
	if err != nil {
		g.logger.Warn("room message not encodable", slog.String("error", err.Error()))
		return 0
	}
	n := 0
	for _, r := range rooms {
		if r != "" {
			n += g.deliver(r, "", raw)
		}
	}
	return n
}

// deliver routes raw by room, else clientID, else to every session.
func (g *Gateway) deliver(room, clientID string, raw json.RawMessage) int {
	g.mu.RLock()
	var targets []*Session
	switch {
	case room != "":
		for _, s := range g.rooms[room] {
			targets = append(targets, s)
		}
	case clientID != "":
		if s, ok := g.sessions[clientID]; ok {
			targets = append(targets, s)
		}
	default:
		targets = make([]*Session, 0, len(g.sessions))
		for _, s := range g.sessions {
			targets = append(targets, s)
		}
	}
	g.mu.RUnlock()

	f := newEventFrame(room, raw)
	n := 0
	for _, s := range targets {
		if s.Send(f) {
			n++
		} else {
			g.logger.Debug("outbound frame dropped", slog.String("session_id", s.ID))
		}
	}
	return n
}

// onReply fans a worker reply out by its room or clientId member.
func (g *Gateway) onReply(_ context.Context, topic, payload string) {
	var target struct {
		Room     string `json:"room"`
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal([]byte(payload), &target); err != nil {
		g.logger.Warn("undecodable worker reply dropped",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		return
	}
	g.deliver(target.Room, target.ClientID, json.RawMessage(payload))
}

// onGlobal sends every message to every session. Non-JSON messages are
// sent as a JSON string.
func (g *Gateway) onGlobal(_ context.Context, _, payload string) {
	raw := json.RawMessage(payload)
	if !json.Valid(raw) {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = b
	}
	g.deliver("", "", raw)
}
