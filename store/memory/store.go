// Package memory is an in-process implementation of the store contract.
//
// A Server plays the part of the remote store: its data outlives individual
// connections, exactly like a Redis server outlives client reconnects. Each
// Dial returns a fresh Conn. SetDown simulates an outage by failing every
// call and ending every live subscription, which lets tests drive the
// channel package's reconnect path without a network.
package memory

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/switchboard/store"
)

// ErrUnavailable is returned by every call while the server is down.
var ErrUnavailable = errors.New("store/memory: server unavailable")

// subscriptionBuffer is the per-subscription delivery buffer.
const subscriptionBuffer = 256

type stringEntry struct {
	value     string
	expiresAt time.Time
}

// Server holds the shared state. Safe for concurrent access.
type Server struct {
	mu      sync.RWMutex
	strings map[string]stringEntry
	lists   map[string][]string
	hashes  map[string]map[string]string
	subs    map[string]map[*subscription]struct{} // topic → live subscriptions

	down       atomic.Bool
	dials      atomic.Int64
	subscribes sync.Map // topic → *atomic.Int64
	now        func() time.Time
}

// Compile-time interface check.
var _ store.Backend = (*Conn)(nil)

// New returns an empty, reachable Server.
func New() *Server {
	return &Server{
		strings: make(map[string]stringEntry),
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]string),
		subs:    make(map[string]map[*subscription]struct{}),
		now:     time.Now,
	}
}

// Dial opens a new connection. It fails while the server is down.
func (s *Server) Dial(_ context.Context) (store.Backend, error) {
	s.dials.Add(1)
	if s.down.Load() {
		return nil, ErrUnavailable
	}
	return &Conn{srv: s}, nil
}

// Dialer returns Dial as a store.Dialer.
func (s *Server) Dialer() store.Dialer { return s.Dial }

// SetDown toggles the simulated outage. Going down ends every live
// subscription on every connection.
func (s *Server) SetDown(down bool) {
	s.down.Store(down)
	if !down {
		return
	}
	s.mu.Lock()
	all := s.subs
	s.subs = make(map[string]map[*subscription]struct{})
	s.mu.Unlock()
	for _, set := range all {
		for sub := range set {
			sub.end()
		}
	}
}

// Dials reports how many connection attempts were made.
func (s *Server) Dials() int64 { return s.dials.Load() }

// Subscribes reports how many successful SUBSCRIBE calls a topic received.
func (s *Server) Subscribes(topic string) int64 {
	v, ok := s.subscribes.Load(topic)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load() //nolint:errcheck // always *atomic.Int64
}

// Subscribers reports the live subscriptions on a topic.
func (s *Server) Subscribers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[topic])
}

func (s *Server) expired(e stringEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

// ──────────────────────────────────────────────────
// Conn
// ──────────────────────────────────────────────────

// Conn is one client connection to a Server.
type Conn struct {
	srv    *Server
	closed atomic.Bool

	mu   sync.Mutex
	mine []*subscription
}

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return store.ErrClosed
	}
	if c.srv.down.Load() {
		return ErrUnavailable
	}
	return nil
}

// Ping reports whether the server is reachable through this connection.
func (c *Conn) Ping(ctx context.Context) error { return c.check(ctx) }

// Close ends the connection and all its subscriptions.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	mine := c.mine
	c.mine = nil
	c.mu.Unlock()
	for _, sub := range mine {
		_ = sub.Close()
	}
	return nil
}

// ── KV ──────────────────────────────────────────────

func (c *Conn) Get(ctx context.Context, key string) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	c.srv.mu.RLock()
	e, ok := c.srv.strings[key]
	c.srv.mu.RUnlock()
	if !ok || c.srv.expired(e) {
		return "", store.ErrNil
	}
	return e.value, nil
}

func (c *Conn) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	e := stringEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.srv.now().Add(ttl)
	}
	c.srv.mu.Lock()
	c.srv.strings[key] = e
	c.srv.mu.Unlock()
	return nil
}

func (c *Conn) Exists(ctx context.Context, keys ...string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.srv.mu.RLock()
	defer c.srv.mu.RUnlock()
	var n int64
	for _, k := range keys {
		if c.srv.has(k) {
			n++
		}
	}
	return n, nil
}

func (c *Conn) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	var n int64
	for _, k := range keys {
		if c.srv.has(k) {
			n++
		}
		delete(c.srv.strings, k)
		delete(c.srv.lists, k)
		delete(c.srv.hashes, k)
	}
	return n, nil
}

func (c *Conn) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.srv.mu.RLock()
	defer c.srv.mu.RUnlock()
	var out []string
	match := func(k string) {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	for k, e := range c.srv.strings {
		if !c.srv.expired(e) {
			match(k)
		}
	}
	for k := range c.srv.lists {
		match(k)
	}
	for k := range c.srv.hashes {
		match(k)
	}
	sort.Strings(out)
	return out, nil
}

// has must be called with srv.mu held.
func (s *Server) has(key string) bool {
	if e, ok := s.strings[key]; ok && !s.expired(e) {
		return true
	}
	if _, ok := s.lists[key]; ok {
		return true
	}
	_, ok := s.hashes[key]
	return ok
}

// ── Lists ───────────────────────────────────────────

func (c *Conn) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	l := c.srv.lists[key]
	for _, v := range values {
		l = append([]string{v}, l...)
	}
	c.srv.lists[key] = l
	return int64(len(l)), nil
}

func (c *Conn) RPop(ctx context.Context, key string) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	l := c.srv.lists[key]
	if len(l) == 0 {
		return "", store.ErrNil
	}
	v := l[len(l)-1]
	l = l[:len(l)-1]
	if len(l) == 0 {
		delete(c.srv.lists, key)
	} else {
		c.srv.lists[key] = l
	}
	return v, nil
}

func (c *Conn) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.srv.mu.RLock()
	defer c.srv.mu.RUnlock()
	l := c.srv.lists[key]
	lo, hi, ok := span(int64(len(l)), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, l[lo:hi+1])
	return out, nil
}

func (c *Conn) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	l := c.srv.lists[key]
	lo, hi, ok := span(int64(len(l)), start, stop)
	if !ok {
		delete(c.srv.lists, key)
		return nil
	}
	c.srv.lists[key] = append([]string(nil), l[lo:hi+1]...)
	return nil
}

// span resolves Redis-style inclusive indexes (negatives count from the end).
func span(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

// ── Hashes ──────────────────────────────────────────

func (c *Conn) HSet(ctx context.Context, key string, fields map[string]string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	h, ok := c.srv.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		c.srv.hashes[key] = h
	}
	var added int64
	for f, v := range fields {
		if _, exists := h[f]; !exists {
			added++
		}
		h[f] = v
	}
	return added, nil
}

func (c *Conn) HGet(ctx context.Context, key, field string) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	c.srv.mu.RLock()
	defer c.srv.mu.RUnlock()
	v, ok := c.srv.hashes[key][field]
	if !ok {
		return "", store.ErrNil
	}
	return v, nil
}

func (c *Conn) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.srv.mu.RLock()
	defer c.srv.mu.RUnlock()
	out := make(map[string]string, len(c.srv.hashes[key]))
	for f, v := range c.srv.hashes[key] {
		out[f] = v
	}
	return out, nil
}

// ── Pub/Sub ─────────────────────────────────────────

func (c *Conn) Publish(ctx context.Context, topic, payload string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.srv.mu.RLock()
	targets := make([]*subscription, 0, len(c.srv.subs[topic]))
	for sub := range c.srv.subs[topic] {
		targets = append(targets, sub)
	}
	c.srv.mu.RUnlock()

	var delivered int64
	for _, sub := range targets {
		if sub.deliver(store.Message{Topic: topic, Payload: payload}) {
			delivered++
		}
	}
	return delivered, nil
}

func (c *Conn) Subscribe(ctx context.Context, topic string) (store.Subscription, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	sub := &subscription{
		srv:   c.srv,
		topic: topic,
		ch:    make(chan store.Message, subscriptionBuffer),
	}
	c.srv.mu.Lock()
	set, ok := c.srv.subs[topic]
	if !ok {
		set = make(map[*subscription]struct{})
		c.srv.subs[topic] = set
	}
	set[sub] = struct{}{}
	c.srv.mu.Unlock()

	c.mu.Lock()
	c.mine = append(c.mine, sub)
	c.mu.Unlock()

	counter, _ := c.srv.subscribes.LoadOrStore(topic, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1) //nolint:errcheck // always *atomic.Int64
	return sub, nil
}

// subscription is one live topic subscription.
type subscription struct {
	srv   *Server
	topic string

	mu     sync.Mutex
	ch     chan store.Message
	closed bool
}

func (s *subscription) Messages() <-chan store.Message { return s.ch }

// deliver performs a non-blocking send; a full buffer drops the message.
func (s *subscription) deliver(msg store.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// end closes the delivery channel without touching the server index.
func (s *subscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Close unregisters the subscription and closes its channel.
func (s *subscription) Close() error {
	s.srv.mu.Lock()
	if set, ok := s.srv.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.srv.subs, s.topic)
		}
	}
	s.srv.mu.Unlock()
	s.end()
	return nil
}
