package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/switchboard/backoff"
	"github.com/xraph/switchboard/store"
)

// State is the connection state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives messages published on a subscribed topic. Handlers for
// one topic are called sequentially.
type Handler func(ctx context.Context, topic, payload string)

// Emitter receives channel lifecycle notifications.
// ext.Registry satisfies this interface.
type Emitter interface {
	EmitChannelReconnected(ctx context.Context, attempts int)
}

// ErrNotConnected is logged when an operation runs while the channel is down.
var ErrNotConnected = errors.New("channel: not connected")

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithBackoff sets the reconnect strategy. Defaults to backoff.Reconnect().
func WithBackoff(s backoff.Strategy) Option {
	return func(c *Channel) { c.strategy = s }
}

// WithHealthInterval sets how often the health check runs. Defaults to 30s.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Channel) { c.healthInterval = d }
}

// WithEmitter sets the lifecycle emitter.
func WithEmitter(e Emitter) Option {
	return func(c *Channel) { c.emitter = e }
}

// subscription is one registry entry. live is the backend subscription on
// the current connection, nil while disconnected.
type subscription struct {
	topic   string
	handler atomic.Pointer[Handler]
	live    store.Subscription
}

// Channel is a self-healing connection to the shared store.
type Channel struct {
	dial           store.Dialer
	strategy       backoff.Strategy
	healthInterval time.Duration
	emitter        Emitter
	logger         *slog.Logger

	mu      sync.RWMutex
	backend store.Backend
	state   State
	subs    []*subscription // registration order
	byTopic map[string]*subscription

	reconnecting atomic.Bool

	// Stats.
	reconnectAttempts atomic.Int64
	lastReconnect     atomic.Int64 // unix nanos
	errorCount        atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a disconnected Channel. Call Start to connect.
func New(dial store.Dialer, opts ...Option) *Channel {
	c := &Channel{
		dial:           dial,
		strategy:       backoff.Reconnect(),
		healthInterval: 30 * time.Second,
		logger:         slog.Default(),
		byTopic:        make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start attempts an initial connection and launches the health loop. A
// failed first attempt is retried in the background; Start itself never
// fails because of an unreachable store.
func (c *Channel) Start(ctx context.Context) {
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("initial store connection failed, retrying in background",
			slog.String("error", err.Error()),
		)
		c.triggerReconnect()
	}

	c.wg.Add(1)
	go c.healthLoop()
}

// Stop halts background work and closes the current connection.
func (c *Channel) Stop(_ context.Context) error {
	c.cancel()

	var err error
	c.mu.Lock()
	for _, s := range c.subs {
		if s.live != nil {
			_ = s.live.Close()
			s.live = nil
		}
	}
	c.state = StateDisconnected
	if c.backend != nil {
		err = c.backend.Close()
		c.backend = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	return err
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect makes a single connection attempt. On success the channel enters
// Connected and every registered subscription is replayed in order.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	b, err := c.dial(ctx)
	if err != nil {
		c.errorCount.Add(1)
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("channel: connect: %w", err)
	}

	c.mu.Lock()
	if c.baseCtx.Err() != nil {
		_ = b.Close()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("channel: connect: %w", c.baseCtx.Err())
	}
	if c.state == StateConnected {
		// Lost a race with a concurrent Connect.
		_ = b.Close()
		c.mu.Unlock()
		return nil
	}
	c.backend = b
	c.state = StateConnected
	replay := append([]*subscription(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range replay {
		c.attach(ctx, b, s)
	}
	c.logger.Info("store connected", slog.Int("subscriptions", len(replay)))
	return nil
}

// CheckHealth pings the store. If the channel is down or the ping fails,
// the connection is dropped and a reconnect is scheduled.
func (c *Channel) CheckHealth(ctx context.Context) {
	c.mu.RLock()
	b, state := c.backend, c.state
	c.mu.RUnlock()

	if state != StateConnected || b == nil {
		c.triggerReconnect()
		return
	}
	if err := b.Ping(ctx); err != nil {
		c.errorCount.Add(1)
		c.logger.Warn("store health check failed", slog.String("error", err.Error()))
		c.markDown(b)
		c.triggerReconnect()
	}
}

func (c *Channel) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.baseCtx.Done():
			return
		case <-ticker.C:
			c.CheckHealth(c.baseCtx)
		}
	}
}

// markDown drops b if it is still the current backend.
func (c *Channel) markDown(b store.Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != b || b == nil {
		return
	}
	for _, s := range c.subs {
		if s.live != nil {
			_ = s.live.Close()
			s.live = nil
		}
	}
	_ = b.Close()
	c.backend = nil
	c.state = StateDisconnected
	c.logger.Warn("store connection lost")
}

// triggerReconnect starts the reconnect loop unless one is already running.
func (c *Channel) triggerReconnect() {
	if c.baseCtx.Err() != nil || !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)
		c.reconnect(c.baseCtx)
	}()
}

// reconnect retries Connect with backoff until it succeeds or the channel
// is stopped.
func (c *Channel) reconnect(ctx context.Context) {
	if c.State() == StateConnected {
		return
	}
	attempts := 0
	err := backoff.Retry(ctx, c.strategy,
		func(ctx context.Context) error {
			attempts++
			c.reconnectAttempts.Add(1)
			return c.Connect(ctx)
		},
		func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("store reconnect failed",
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()),
			)
		},
	)
	if err != nil {
		return
	}
	c.lastReconnect.Store(time.Now().UnixNano())
	c.logger.Info("store reconnected", slog.Int("attempts", attempts))
	if c.emitter != nil {
		c.emitter.EmitChannelReconnected(ctx, attempts)
	}
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// Subscribe registers handler for topic. Subscribing an already active
// topic replaces its handler and keeps its position in the registry.
// While disconnected the registration is kept and attached on reconnect.
func (c *Channel) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if topic == "" {
		return errors.New("channel: subscribe: empty topic")
	}
	if handler == nil {
		return errors.New("channel: subscribe: nil handler")
	}

	c.mu.Lock()
	if s, ok := c.byTopic[topic]; ok {
		s.handler.Store(&handler)
		c.mu.Unlock()
		c.logger.Debug("subscription handler replaced", slog.String("topic", topic))
		return nil
	}

	s := &subscription{topic: topic}
	s.handler.Store(&handler)
	c.subs = append(c.subs, s)
	c.byTopic[topic] = s
	b := c.backend
	connected := c.state == StateConnected && b != nil
	c.mu.Unlock()

	if connected {
		c.attach(ctx, b, s)
	}
	c.logger.Info("subscribed", slog.String("topic", topic))
	return nil
}

// Unsubscribe removes topic from the registry. Unknown topics only warn.
func (c *Channel) Unsubscribe(_ context.Context, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byTopic[topic]
	if !ok {
		c.logger.Warn("unsubscribe from inactive topic", slog.String("topic", topic))
		return
	}
	delete(c.byTopic, topic)
	for i, cur := range c.subs {
		if cur == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	if s.live != nil {
		_ = s.live.Close()
		s.live = nil
	}
	c.logger.Info("unsubscribed", slog.String("topic", topic))
}

// Subscribed reports whether topic is in the registry.
func (c *Channel) Subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byTopic[topic]
	return ok
}

// attach opens the backend subscription for s on b and starts its pump.
// The round trip runs without c.mu held. The result is installed only if
// b is still the current backend and s is still registered.
func (c *Channel) attach(ctx context.Context, b store.Backend, s *subscription) {
	live, err := b.Subscribe(ctx, s.topic)
	if err != nil {
		c.errorCount.Add(1)
		c.logger.Error("subscribe failed",
			slog.String("topic", s.topic),
			slog.String("error", err.Error()),
		)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != b || c.byTopic[s.topic] != s || c.baseCtx.Err() != nil {
		_ = live.Close()
		return
	}
	if s.live != nil {
		_ = s.live.Close()
	}
	s.live = live

	c.wg.Add(1)
	go c.pump(b, s, live)
}

// pump delivers messages from live to the subscription's current handler.
// A stream that ends while still current means the connection was lost.
func (c *Channel) pump(b store.Backend, s *subscription, live store.Subscription) {
	defer c.wg.Done()
	for msg := range live.Messages() {
		h := s.handler.Load()
		(*h)(c.baseCtx, msg.Topic, msg.Payload)
	}

	c.mu.RLock()
	current := s.live == live && c.backend == b
	c.mu.RUnlock()
	if current && c.baseCtx.Err() == nil {
		c.logger.Warn("subscription stream ended unexpectedly", slog.String("topic", s.topic))
		c.errorCount.Add(1)
		c.markDown(b)
		c.triggerReconnect()
	}
}

// ──────────────────────────────────────────────────
// Stats
// ──────────────────────────────────────────────────

// Stats is a point-in-time snapshot of channel counters.
type Stats struct {
	State               string    `json:"state"`
	Connected           bool      `json:"connected"`
	ReconnectAttempts   int64     `json:"reconnect_attempts"`
	LastReconnect       time.Time `json:"last_reconnect,omitzero"`
	Errors              int64     `json:"errors"`
	ActiveSubscriptions int       `json:"active_subscriptions"`
	Topics              []string  `json:"topics"`
}

// Stats returns the current counters.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	topics := make([]string, 0, len(c.subs))
	for _, s := range c.subs {
		topics = append(topics, s.topic)
	}
	state := c.state
	c.mu.RUnlock()

	st := Stats{
		State:               state.String(),
		Connected:           state == StateConnected,
		ReconnectAttempts:   c.reconnectAttempts.Load(),
		Errors:              c.errorCount.Load(),
		ActiveSubscriptions: len(topics),
		Topics:              topics,
	}
	if ns := c.lastReconnect.Load(); ns > 0 {
		st.LastReconnect = time.Unix(0, ns).UTC()
	}
	return st
}
