package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/auth"
	"github.com/xraph/switchboard/channel"
	"github.com/xraph/switchboard/gateway"
	"github.com/xraph/switchboard/router"
	"github.com/xraph/switchboard/scope"
	"github.com/xraph/switchboard/store/memory"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct{ closed atomic.Bool }

func (c *fakeConn) Close() error { c.closed.Store(true); return nil }

// fakeVerifier accepts "good-<user>" tokens.
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (*auth.Claims, error) {
	if len(token) < 5 || token[:5] != "good-" {
		return nil, switchboard.ErrUnauthorized
	}
	return &auth.Claims{
		Roles:            []string{"user"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: token[5:]},
	}, nil
}

type routeCall struct {
	name     string
	metadata any
	caller   scope.Caller
}

type fakeRouter struct {
	mu    sync.Mutex
	calls []routeCall
	err   error
}

func (r *fakeRouter) RouteEvent(ctx context.Context, name string, metadata any) (*router.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, _ := scope.From(ctx)
	r.calls = append(r.calls, routeCall{name: name, metadata: metadata, caller: c})
	if r.err != nil {
		return nil, r.err
	}
	return &router.Result{Status: router.StatusStarted, WorkflowInstanceID: "workflow_instance:1", RequestID: "req-1"}, nil
}

// fakeBus records subscription changes.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]channel.Handler
	events   []string
}

func newFakeBus() *fakeBus { return &fakeBus{handlers: map[string]channel.Handler{}} }

func (b *fakeBus) Subscribe(_ context.Context, topic string, h channel.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	b.events = append(b.events, "sub:"+topic)
	return nil
}

func (b *fakeBus) Unsubscribe(_ context.Context, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	b.events = append(b.events, "unsub:"+topic)
}

func (b *fakeBus) publish(topic, payload string) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(context.Background(), topic, payload)
	}
}

func (b *fakeBus) log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func newGateway(t *testing.T, r gateway.Router, bus gateway.Bus, opts ...gateway.Option) *gateway.Gateway {
	t.Helper()
	if r == nil {
		r = &fakeRouter{}
	}
	opts = append([]gateway.Option{gateway.WithLogger(testLogger())}, opts...)
	g := gateway.New(r, fakeVerifier{}, bus, opts...)
	t.Cleanup(func() { g.Stop(context.Background()) })
	return g
}

func connect(t *testing.T, g *gateway.Gateway, id, token string) (*gateway.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess, err := g.Connect(context.Background(), id, conn, token)
	if err != nil {
		t.Fatalf("Connect(%s): %v", id, err)
	}
	return sess, conn
}

func recv(t *testing.T, s *gateway.Session) *gateway.Frame {
	t.Helper()
	select {
	case f, ok := <-s.Outbound():
		if !ok {
			t.Fatal("outbound closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func expectNone(t *testing.T, s *gateway.Session) {
	t.Helper()
	select {
	case f := <-s.Outbound():
		t.Fatalf("unexpected frame %+v", f)
	default:
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

// ── Handshake ─────────────────────────────────────────

func TestConnect_GracePeriodDisconnectsAnonymous(t *testing.T) {
	g := newGateway(t, nil, nil, gateway.WithGracePeriod(20*time.Millisecond))
	_, conn := connect(t, g, "conn:1", "")

	if c := g.Counts(); c.Total != 1 || c.Anonymous != 1 {
		t.Fatalf("counts = %+v", c)
	}
	eventually(t, func() bool { return g.Counts().Total == 0 })
	if !conn.closed.Load() {
		t.Error("connection not closed after grace period")
	}
}

func TestConnect_AuthenticatedWithinGraceSurvives(t *testing.T) {
	g := newGateway(t, nil, nil, gateway.WithGracePeriod(30*time.Millisecond))
	_, conn := connect(t, g, "conn:1", "")

	ack := g.Authenticate(context.Background(), "conn:1", "good-u1")
	if ack.Status != gateway.StatusSuccess || ack.User == nil || ack.User.UserID != "u1" {
		t.Fatalf("ack = %+v", ack)
	}

	time.Sleep(80 * time.Millisecond)
	if conn.closed.Load() {
		t.Error("authenticated session was disconnected")
	}
	if c := g.Counts(); c.Total != 1 || c.Authenticated != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestAuthenticate_RacesGraceExpiry(t *testing.T) {
	g := newGateway(t, nil, nil, gateway.WithGracePeriod(time.Millisecond))

	for i := range 50 {
		sid := fmt.Sprintf("conn:%d", i)
		_, conn := connect(t, g, sid, "")
		time.Sleep(time.Duration(i%3) * 500 * time.Microsecond)
		ack := g.Authenticate(context.Background(), sid, "good-u1")

		time.Sleep(10 * time.Millisecond)
		_, live := g.Session(sid)
		switch ack.Status {
		case gateway.StatusSuccess:
			if !live || conn.closed.Load() {
				t.Fatalf("%s: authenticated session was disconnected", sid)
			}
		default:
			if live {
				t.Fatalf("%s: rejected session still registered, ack = %+v", sid, ack)
			}
		}
	}
}

func TestConnect_InvalidCredentialRejected(t *testing.T) {
	g := newGateway(t, nil, nil)
	conn := &fakeConn{}

	sess, err := g.Connect(context.Background(), "conn:1", conn, "bad")
	if !errors.Is(err, switchboard.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if sess != nil {
		t.Error("session returned for rejected connection")
	}
	if !conn.closed.Load() {
		t.Error("rejected connection not closed")
	}
	if _, ok := g.Session("conn:1"); ok {
		t.Error("rejected session registered")
	}
}

func TestAuthenticate_FailureKeepsConnection(t *testing.T) {
	g := newGateway(t, nil, nil)
	_, conn := connect(t, g, "conn:1", "")

	ack := g.Authenticate(context.Background(), "conn:1", "nope")
	if ack.Status != gateway.StatusError || ack.Code != "INVALID_TOKEN" || ack.Message != "Invalid token" {
		t.Errorf("ack = %+v", ack)
	}
	if conn.closed.Load() {
		t.Error("connection closed on failed authenticate")
	}

	if ack := g.Authenticate(context.Background(), "conn:1", ""); ack.Status != gateway.StatusError {
		t.Errorf("empty credential ack = %+v", ack)
	}
}

// ── Events ────────────────────────────────────────────

func TestHandleEvent_RequiresAuthentication(t *testing.T) {
	r := &fakeRouter{}
	g := newGateway(t, r, nil)
	connect(t, g, "conn:1", "")

	ack := g.HandleEvent(context.Background(), "conn:1", gateway.EventEnvelope{Event: "e"})
	if ack.Status != gateway.StatusError || ack.Code != switchboard.CodeUnauthorized {
		t.Errorf("ack = %+v", ack)
	}
	if len(r.calls) != 0 {
		t.Error("router called for unauthenticated session")
	}
}

func TestHandleEvent_RoutesWithMeta(t *testing.T) {
	r := &fakeRouter{}
	g := newGateway(t, r, nil)
	connect(t, g, "conn:1", "good-u1")

	ack := g.HandleEvent(context.Background(), "conn:1", gateway.EventEnvelope{
		Event:   "order.placed",
		Payload: map[string]any{"id": "o-1"},
	})
	if ack.Status != gateway.StatusSuccess || ack.RequestID == "" || ack.Timestamp.IsZero() {
		t.Fatalf("ack = %+v", ack)
	}
	if res, ok := ack.Data.(*router.Result); !ok || res.WorkflowInstanceID != "workflow_instance:1" {
		t.Errorf("ack data = %#v", ack.Data)
	}

	call := r.calls[0]
	if call.name != "order.placed" {
		t.Errorf("routed name = %q", call.name)
	}
	p := call.metadata.(map[string]any)
	meta := p["_meta"].(map[string]any)
	if p["id"] != "o-1" || meta["userId"] != "u1" || meta["socketId"] != "conn:1" {
		t.Errorf("payload = %v", p)
	}
	if call.caller.Source != scope.SourceWebSocket || call.caller.UserID != "u1" || call.caller.SessionID != "conn:1" {
		t.Errorf("caller = %+v", call.caller)
	}
}

func TestHandleEvent_WrapsNonObjectPayload(t *testing.T) {
	r := &fakeRouter{}
	g := newGateway(t, r, nil)
	connect(t, g, "conn:1", "good-u1")

	g.HandleEvent(context.Background(), "conn:1", gateway.EventEnvelope{Event: "e", Payload: "plain"})
	p := r.calls[0].metadata.(map[string]any)
	if p["value"] != "plain" {
		t.Errorf("payload = %v", p)
	}
	if _, ok := p["_meta"]; !ok {
		t.Error("_meta missing")
	}
}

func TestHandleEvent_Errors(t *testing.T) {
	r := &fakeRouter{err: errors.Join(errors.New("no workflow definition found for event: x"), switchboard.ErrNotFound)}
	g := newGateway(t, r, nil)
	connect(t, g, "conn:1", "good-u1")

	if ack := g.HandleEvent(context.Background(), "conn:1", gateway.EventEnvelope{}); ack.Code != switchboard.CodeBadRequest {
		t.Errorf("empty event ack = %+v", ack)
	}
	ack := g.HandleEvent(context.Background(), "conn:1", gateway.EventEnvelope{Event: "x"})
	if ack.Status != gateway.StatusError || ack.Code != switchboard.CodeNotFound || ack.Message == "" {
		t.Errorf("router failure ack = %+v", ack)
	}
}

type panicRouter struct{}

func (panicRouter) RouteEvent(context.Context, string, any) (*router.Result, error) {
	panic("router exploded")
}

func TestHandleEvent_RecoversPanics(t *testing.T) {
	g := newGateway(t, panicRouter{}, nil)
	connect(t, g, "conn:1", "good-u1")

	ack := g.HandleEvent(context.Background(), "conn:1", gateway.EventEnvelope{Event: "e"})
	if ack.Status != gateway.StatusError || ack.Code != switchboard.CodeInternal {
		t.Errorf("ack = %+v", ack)
	}
}

func TestHandleEvent_RateLimitWindow(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	g := newGateway(t, &fakeRouter{}, nil, gateway.WithClock(clock), gateway.WithRateLimit(50, time.Minute))
	connect(t, g, "conn:1", "good-u1")
	ctx := context.Background()
	env := gateway.EventEnvelope{Event: "e"}

	for i := range 50 {
		if ack := g.HandleEvent(ctx, "conn:1", env); ack.Status != gateway.StatusSuccess {
			t.Fatalf("event %d: %+v", i+1, ack)
		}
	}
	if ack := g.HandleEvent(ctx, "conn:1", env); ack.Code != switchboard.CodeRateLimited {
		t.Fatalf("event 51: %+v, want RATE_LIMITED", ack)
	}

	mu.Lock()
	now = now.Add(time.Minute + time.Millisecond)
	mu.Unlock()

	if ack := g.HandleEvent(ctx, "conn:1", env); ack.Status != gateway.StatusSuccess {
		t.Errorf("after reset: %+v", ack)
	}
}

// ── Rooms & fan-out ───────────────────────────────────

func TestBroadcast_RoomClientAll(t *testing.T) {
	g := newGateway(t, nil, nil)
	a, _ := connect(t, g, "conn:a", "good-a")
	b, _ := connect(t, g, "conn:b", "good-b")

	if ack := g.JoinRoom("conn:a", "lobby"); ack.Status != gateway.StatusOK || ack.Room != "lobby" {
		t.Fatalf("join ack = %+v", ack)
	}

	ctx := context.Background()
	if n := g.Broadcast(ctx, gateway.Outgoing{Event: "hi", Data: 1, Room: "lobby"}); n != 1 {
		t.Errorf("room deliveries = %d", n)
	}
	f := recv(t, a)
	if f.Method != gateway.MethodOutgoingEvent || f.Channel != "lobby" {
		t.Errorf("frame = %+v", f)
	}
	expectNone(t, b)

	if n := g.Broadcast(ctx, gateway.Outgoing{Data: 2, ClientID: "conn:b"}); n != 1 {
		t.Errorf("client deliveries = %d", n)
	}
	recv(t, b)
	expectNone(t, a)

	if n := g.Broadcast(ctx, gateway.Outgoing{Data: 3}); n != 2 {
		t.Errorf("all deliveries = %d", n)
	}

	g.LeaveRoom("conn:a", "lobby")
	if n := g.Broadcast(ctx, gateway.Outgoing{Data: 4, Room: "lobby"}); n != 0 {
		t.Errorf("deliveries after leave = %d", n)
	}
}

func TestJoinClientsToChannels(t *testing.T) {
	g := newGateway(t, nil, nil)
	connect(t, g, "conn:a", "good-a")
	connect(t, g, "conn:b", "")

	if n := g.JoinClientsToChannels([]string{"c1", "c2"}, nil); n != 2 {
		t.Errorf("joined = %d, want 2", n)
	}
	if n := g.EmitToRooms(context.Background(), []string{"c1", "c2"}, map[string]any{"x": 1}); n != 4 {
		t.Errorf("room deliveries = %d, want 4", n)
	}
	if n := g.JoinClientsToChannels([]string{"c3"}, []string{"conn:a", "conn:missing"}); n != 1 {
		t.Errorf("joined = %d, want 1", n)
	}
	if n := g.JoinClientsToChannels(nil, nil); n != 0 {
		t.Errorf("no channels joined %d", n)
	}
}

func TestReplyTopic_FollowsLiveSessions(t *testing.T) {
	bus := newFakeBus()
	g := newGateway(t, nil, bus)

	connect(t, g, "conn:a", "good-a")
	connect(t, g, "conn:b", "good-b")
	g.Disconnect(context.Background(), "conn:a", "closed")
	g.Disconnect(context.Background(), "conn:b", "closed")
	g.Disconnect(context.Background(), "conn:b", "closed")

	got := bus.log()
	want := []string{"sub:worker_responses", "unsub:worker_responses"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("bus log = %v, want %v", got, want)
	}
}

func TestReplyFanIn(t *testing.T) {
	bus := newFakeBus()
	g := newGateway(t, nil, bus)
	a, _ := connect(t, g, "conn:a", "good-a")
	b, _ := connect(t, g, "conn:b", "good-b")
	g.JoinRoom("conn:b", "r1")

	bus.publish("worker_responses", `{"room":"r1","result":"done"}`)
	f := recv(t, b)
	expectNone(t, a)
	var body map[string]any
	if err := json.Unmarshal(f.Data, &body); err != nil || body["result"] != "done" {
		t.Errorf("reply data = %s (%v)", f.Data, err)
	}

	bus.publish("worker_responses", `{"clientId":"conn:a"}`)
	recv(t, a)
	expectNone(t, b)

	bus.publish("worker_responses", `{"anything":true}`)
	recv(t, a)
	recv(t, b)

	bus.publish("worker_responses", `not json`)
	expectNone(t, a)
	expectNone(t, b)
}

func TestGlobalTopic(t *testing.T) {
	bus := newFakeBus()
	g := newGateway(t, nil, bus)
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	a, _ := connect(t, g, "conn:a", "")

	bus.publish("global-events", "maintenance")
	f := recv(t, a)
	if string(f.Data) != `"maintenance"` {
		t.Errorf("global data = %s", f.Data)
	}
}

func TestReplyFanIn_ThroughChannel(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	ch := channel.New(srv.Dialer(), channel.WithLogger(testLogger()))
	ch.Start(ctx)
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })

	g := newGateway(t, nil, ch)
	a, _ := connect(t, g, "conn:a", "good-a")

	eventually(t, func() bool { return srv.Subscribers("worker_responses") == 1 })
	if n := ch.Publish(ctx, "worker_responses", `{"clientId":"conn:a","ok":true}`); n != 1 {
		t.Fatalf("publish receivers = %d", n)
	}
	recv(t, a)
}

func TestDisconnect_IdempotentAndCleansUp(t *testing.T) {
	g := newGateway(t, nil, nil)
	sess, conn := connect(t, g, "conn:a", "good-a")
	g.JoinRoom("conn:a", "r")

	g.Disconnect(context.Background(), "conn:a", "closed")
	g.Disconnect(context.Background(), "conn:a", "closed")

	if !conn.closed.Load() {
		t.Error("connection not closed")
	}
	if _, ok := <-sess.Outbound(); ok {
		t.Error("outbound not closed")
	}
	if sess.Send(&gateway.Frame{}) {
		t.Error("Send succeeded on closed session")
	}
	if n := g.Broadcast(context.Background(), gateway.Outgoing{Room: "r"}); n != 0 {
		t.Errorf("room still has %d members", n)
	}
	if c := g.Counts(); c.Total != 0 {
		t.Errorf("counts = %+v", c)
	}
}

func TestSession_DropsWhenBufferFull(t *testing.T) {
	g := newGateway(t, nil, nil, gateway.WithOutboundSize(1))
	sess, _ := connect(t, g, "conn:a", "good-a")

	g.Broadcast(context.Background(), gateway.Outgoing{Data: 1})
	if n := g.Broadcast(context.Background(), gateway.Outgoing{Data: 2}); n != 0 {
		t.Errorf("deliveries with full buffer = %d", n)
	}
	if sess.Dropped() != 1 {
		t.Errorf("dropped = %d", sess.Dropped())
	}
}
