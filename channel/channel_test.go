package channel_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/switchboard/backoff"
	"github.com/xraph/switchboard/channel"
	"github.com/xraph/switchboard/store"
	"github.com/xraph/switchboard/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingDialer wraps a memory server and records every SUBSCRIBE in
// call order across all connections.
type recordingDialer struct {
	srv *memory.Server

	mu     sync.Mutex
	topics []string
}

func (d *recordingDialer) dial(ctx context.Context) (store.Backend, error) {
	b, err := d.srv.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingBackend{Backend: b, d: d}, nil
}

func (d *recordingDialer) subscribed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.topics...)
}

type recordingBackend struct {
	store.Backend
	d *recordingDialer
}

func (b *recordingBackend) Subscribe(ctx context.Context, topic string) (store.Subscription, error) {
	sub, err := b.Backend.Subscribe(ctx, topic)
	if err == nil {
		b.d.mu.Lock()
		b.d.topics = append(b.d.topics, topic)
		b.d.mu.Unlock()
	}
	return sub, err
}

type reconnectCounter struct{ n atomic.Int64 }

func (r *reconnectCounter) EmitChannelReconnected(_ context.Context, _ int) { r.n.Add(1) }

func newChannel(t *testing.T, dial store.Dialer, opts ...channel.Option) *channel.Channel {
	t.Helper()
	opts = append([]channel.Option{
		channel.WithLogger(testLogger()),
		channel.WithBackoff(backoff.NewConstant(5 * time.Millisecond)),
		channel.WithHealthInterval(time.Hour),
	}, opts...)
	c := channel.New(dial, opts...)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStart_ConnectsAndDelivers(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	c := newChannel(t, srv.Dialer())
	c.Start(ctx)

	if c.State() != channel.StateConnected {
		t.Fatalf("State = %v, want connected", c.State())
	}

	got := make(chan string, 1)
	if err := c.Subscribe(ctx, "worker_responses", func(_ context.Context, _, payload string) {
		got <- payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if n := c.Publish(ctx, "worker_responses", "hello"); n != 1 {
		t.Fatalf("Publish receivers = %d, want 1", n)
	}
	select {
	case p := <-got:
		if p != "hello" {
			t.Errorf("payload = %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestReconnect_ReplaysSubscriptionsInOrder(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	rd := &recordingDialer{srv: srv}
	events := &reconnectCounter{}
	c := newChannel(t, rd.dial, channel.WithEmitter(events))
	c.Start(ctx)

	var mu sync.Mutex
	received := map[string]int{}
	handler := func(_ context.Context, topic, _ string) {
		mu.Lock()
		received[topic]++
		mu.Unlock()
	}
	_ = c.Subscribe(ctx, "A", handler)
	_ = c.Subscribe(ctx, "B", handler)

	srv.SetDown(true)
	eventually(t, "disconnect", func() bool { return c.State() != channel.StateConnected })
	srv.SetDown(false)
	eventually(t, "reconnect", func() bool {
		return c.State() == channel.StateConnected && srv.Subscribers("A") == 1 && srv.Subscribers("B") == 1
	})

	got := rd.subscribed()
	want := []string{"A", "B", "A", "B"}
	if len(got) != len(want) {
		t.Fatalf("subscribe calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("subscribe calls = %v, want %v", got, want)
		}
	}
	if srv.Subscribes("A") != 2 || srv.Subscribes("B") != 2 {
		t.Errorf("Subscribes A=%d B=%d, want 2 each", srv.Subscribes("A"), srv.Subscribes("B"))
	}

	c.Publish(ctx, "A", "x")
	c.Publish(ctx, "B", "y")
	eventually(t, "delivery after replay", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["A"] == 1 && received["B"] == 1
	})

	st := c.Stats()
	if st.ReconnectAttempts < 1 {
		t.Errorf("ReconnectAttempts = %d, want >= 1", st.ReconnectAttempts)
	}
	if st.LastReconnect.IsZero() {
		t.Error("LastReconnect not set")
	}
	eventually(t, "reconnect hook", func() bool { return events.n.Load() == 1 })
}

func TestSubscribe_ReplacesHandlerInPlace(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	c := newChannel(t, srv.Dialer())
	c.Start(ctx)

	first := make(chan string, 1)
	second := make(chan string, 1)
	_ = c.Subscribe(ctx, "A", func(_ context.Context, _, p string) { first <- p })
	_ = c.Subscribe(ctx, "B", func(context.Context, string, string) {})
	_ = c.Subscribe(ctx, "A", func(_ context.Context, _, p string) { second <- p })

	if srv.Subscribes("A") != 1 {
		t.Errorf("re-subscribe issued a new SUBSCRIBE: %d", srv.Subscribes("A"))
	}
	if topics := c.Stats().Topics; len(topics) != 2 || topics[0] != "A" || topics[1] != "B" {
		t.Errorf("Topics = %v, want [A B]", topics)
	}

	c.Publish(ctx, "A", "z")
	select {
	case <-second:
	case <-first:
		t.Fatal("old handler invoked")
	case <-time.After(time.Second):
		t.Fatal("no handler invoked")
	}
}

func TestSubscribe_WhileDisconnectedAttachesOnConnect(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	srv.SetDown(true)
	c := newChannel(t, srv.Dialer())
	c.Start(ctx)

	if err := c.Subscribe(ctx, "late", func(context.Context, string, string) {}); err != nil {
		t.Fatalf("Subscribe while down: %v", err)
	}
	if !c.Subscribed("late") {
		t.Fatal("registration not kept while down")
	}

	srv.SetDown(false)
	eventually(t, "attach after connect", func() bool { return srv.Subscribers("late") == 1 })
}

// gatedBackend holds SUBSCRIBE for the gated topic until release closes.
type gatedBackend struct {
	store.Backend
	topic   string
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Subscribe(ctx context.Context, topic string) (store.Subscription, error) {
	if topic == b.topic {
		close(b.entered)
		<-b.release
	}
	return b.Backend.Subscribe(ctx, topic)
}

func newGated(srv *memory.Server, topic string) (*gatedBackend, store.Dialer) {
	g := &gatedBackend{topic: topic, entered: make(chan struct{}), release: make(chan struct{})}
	return g, func(ctx context.Context) (store.Backend, error) {
		b, err := srv.Dial(ctx)
		if err != nil {
			return nil, err
		}
		g.Backend = b
		return g, nil
	}
}

func TestSubscribe_SlowAttachDoesNotBlockOperations(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	gate, dial := newGated(srv, "slow")
	c := newChannel(t, dial)
	c.Start(ctx)

	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, "slow", func(_ context.Context, _, payload string) { got <- payload })
	}()
	<-gate.entered

	ops := make(chan struct{})
	go func() {
		defer close(ops)
		c.Set(ctx, "k", "v", 0)
		c.Get(ctx, "k")
		c.HSet(ctx, "h", map[string]string{"f": "v"})
		_ = c.Stats()
	}()
	select {
	case <-ops:
	case <-time.After(time.Second):
		t.Fatal("operations blocked behind a pending subscribe")
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	eventually(t, "delivery", func() bool { return c.Publish(ctx, "slow", "hi") == 1 })
	if p := <-got; p != "hi" {
		t.Errorf("payload = %q", p)
	}
}

func TestSubscribe_UnsubscribedDuringAttachIsDropped(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	gate, dial := newGated(srv, "gone")
	c := newChannel(t, dial)
	c.Start(ctx)

	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, "gone", func(context.Context, string, string) {})
	}()
	<-gate.entered
	c.Unsubscribe(ctx, "gone")
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	eventually(t, "stale subscription closed", func() bool { return c.Publish(ctx, "gone", "x") == 0 })
	if c.Subscribed("gone") {
		t.Error("topic still registered")
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	c := newChannel(t, srv.Dialer())
	c.Start(ctx)

	_ = c.Subscribe(ctx, "A", func(context.Context, string, string) {})
	c.Unsubscribe(ctx, "A")
	c.Unsubscribe(ctx, "never-subscribed")

	if c.Subscribed("A") {
		t.Error("A still registered")
	}
	if srv.Subscribers("A") != 0 {
		t.Errorf("Subscribers(A) = %d, want 0", srv.Subscribers("A"))
	}
	if c.State() != channel.StateConnected {
		t.Error("unsubscribe from inactive topic changed state")
	}
}

func TestCheckHealth_ReconnectsAfterPingFailure(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	c := newChannel(t, srv.Dialer())
	c.Start(ctx)
	dials := srv.Dials()

	srv.SetDown(true)
	c.CheckHealth(ctx)
	if c.State() == channel.StateConnected {
		t.Fatal("still connected after failed ping")
	}
	srv.SetDown(false)
	eventually(t, "reconnect", func() bool { return c.State() == channel.StateConnected })
	if srv.Dials() <= dials {
		t.Error("no new dial after health failure")
	}
}

func TestOperations_DegradeWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	srv.SetDown(true)
	c := newChannel(t, srv.Dialer(), channel.WithBackoff(backoff.NewConstant(time.Hour)))
	c.Start(ctx)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("Get succeeded while down")
	}
	if c.Set(ctx, "k", "v", 0) {
		t.Error("Set succeeded while down")
	}
	if c.Exists(ctx, "k") {
		t.Error("Exists true while down")
	}
	if n := c.LPush(ctx, "q", "v"); n != 0 {
		t.Errorf("LPush = %d, want 0", n)
	}
	if m := c.HGetAll(ctx, "h"); m == nil || len(m) != 0 {
		t.Errorf("HGetAll = %v, want empty map", m)
	}
	if keys := c.Keys(ctx, "*"); keys != nil {
		t.Errorf("Keys = %v, want nil", keys)
	}
	if n := c.Publish(ctx, "t", "p"); n != 0 {
		t.Errorf("Publish = %d, want 0", n)
	}
	if c.Stats().Errors < 7 {
		t.Errorf("Errors = %d, want >= 7", c.Stats().Errors)
	}
}

func TestOperations_MissingKeyIsNotAnError(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	c := newChannel(t, srv.Dialer())
	c.Start(ctx)

	before := c.Stats().Errors
	if _, ok := c.Get(ctx, "workflow:none"); ok {
		t.Error("Get(missing) reported found")
	}
	if _, ok := c.HGet(ctx, "h", "f"); ok {
		t.Error("HGet(missing) reported found")
	}
	if _, ok := c.RPop(ctx, "q"); ok {
		t.Error("RPop(empty) reported found")
	}
	if after := c.Stats().Errors; after != before {
		t.Errorf("Errors grew from %d to %d on missing keys", before, after)
	}
}

func TestOperations_RoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	c := newChannel(t, srv.Dialer())
	c.Start(ctx)

	c.Set(ctx, "k", "v", 0)
	if v, ok := c.Get(ctx, "k"); !ok || v != "v" {
		t.Errorf("Get = %q, %v", v, ok)
	}
	if !c.Exists(ctx, "k") {
		t.Error("Exists = false")
	}
	c.Del(ctx, "k")
	if c.Exists(ctx, "k") {
		t.Error("Exists after Del")
	}

	c.LPush(ctx, "q", "1")
	c.LPush(ctx, "q", "2")
	if vals := c.LRange(ctx, "q", 0, -1); len(vals) != 2 || vals[0] != "2" {
		t.Errorf("LRange = %v", vals)
	}
	if !c.LTrim(ctx, "q", 0, 0) {
		t.Error("LTrim failed")
	}
	if v, ok := c.RPop(ctx, "q"); !ok || v != "2" {
		t.Errorf("RPop = %q, %v", v, ok)
	}

	c.HSet(ctx, "h", map[string]string{"a": "1"})
	if v, ok := c.HGet(ctx, "h", "a"); !ok || v != "1" {
		t.Errorf("HGet = %q, %v", v, ok)
	}
	if m := c.HGetAll(ctx, "h"); m["a"] != "1" {
		t.Errorf("HGetAll = %v", m)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	srv := memory.New()
	c := newChannel(t, srv.Dialer())
	c.Start(ctx)
	_ = c.Subscribe(ctx, "worker_responses", func(context.Context, string, string) {})

	st := c.Stats()
	if st.State != "connected" || !st.Connected {
		t.Errorf("State = %q connected=%v", st.State, st.Connected)
	}
	if st.ActiveSubscriptions != 1 || st.Topics[0] != "worker_responses" {
		t.Errorf("subscriptions = %d %v", st.ActiveSubscriptions, st.Topics)
	}
	if st.ReconnectAttempts != 0 || !st.LastReconnect.IsZero() {
		t.Errorf("unexpected reconnect stats %+v", st)
	}
}

func TestStop_IsCleanWhileReconnecting(t *testing.T) {
	srv := memory.New()
	srv.SetDown(true)
	c := channel.New(srv.Dialer(),
		channel.WithLogger(testLogger()),
		channel.WithBackoff(backoff.NewConstant(time.Millisecond)),
	)
	c.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = c.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked while reconnect loop was running")
	}
}
