package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/switchboard/store"
)

// Compile-time interface check.
var _ store.Backend = (*Backend)(nil)

// Option configures the Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// Backend implements store.Backend backed by Redis.
type Backend struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// New wraps an existing client. The Backend takes ownership and closes the
// client on Close.
func New(client goredis.UniversalClient, opts ...Option) *Backend {
	b := &Backend{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Dialer returns a store.Dialer that opens a fresh client per attempt.
func Dialer(ro *goredis.Options, opts ...Option) store.Dialer {
	return func(ctx context.Context) (store.Backend, error) {
		client := goredis.NewClient(ro)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("switchboard/redis: dial %s: %w", ro.Addr, err)
		}
		return New(client, opts...), nil
	}
}

// Client returns the underlying Redis client.
func (b *Backend) Client() goredis.UniversalClient { return b.client }

// Ping verifies the Redis connection is alive.
func (b *Backend) Ping(ctx context.Context) error {
	return wrap("ping", b.client.Ping(ctx).Err())
}

// Close closes the client and every subscription opened through it.
func (b *Backend) Close() error {
	return wrap("close", b.client.Close())
}

// wrap maps goredis.Nil onto store.ErrNil and prefixes transport errors.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.Nil):
		return store.ErrNil
	default:
		return fmt.Errorf("switchboard/redis: %s: %w", op, err)
	}
}

// ── KV ──────────────────────────────────────────────

func (b *Backend) Get(ctx context.Context, key string) (string, error) {
	v, err := b.client.Get(ctx, key).Result()
	return v, wrap("get", err)
}

func (b *Backend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("set", b.client.Set(ctx, key, value, ttl).Err())
}

func (b *Backend) Exists(ctx context.Context, keys ...string) (int64, error) {
	n, err := b.client.Exists(ctx, keys...).Result()
	return n, wrap("exists", err)
}

func (b *Backend) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := b.client.Del(ctx, keys...).Result()
	return n, wrap("del", err)
}

func (b *Backend) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := b.client.Keys(ctx, pattern).Result()
	return keys, wrap("keys", err)
}

// ── Lists ───────────────────────────────────────────

func (b *Backend) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := b.client.LPush(ctx, key, args...).Result()
	return n, wrap("lpush", err)
}

func (b *Backend) RPop(ctx context.Context, key string) (string, error) {
	v, err := b.client.RPop(ctx, key).Result()
	return v, wrap("rpop", err)
}

func (b *Backend) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := b.client.LRange(ctx, key, start, stop).Result()
	return vals, wrap("lrange", err)
}

func (b *Backend) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap("ltrim", b.client.LTrim(ctx, key, start, stop).Err())
}

// ── Hashes ──────────────────────────────────────────

func (b *Backend) HSet(ctx context.Context, key string, fields map[string]string) (int64, error) {
	n, err := b.client.HSet(ctx, key, fields).Result()
	return n, wrap("hset", err)
}

func (b *Backend) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := b.client.HGet(ctx, key, field).Result()
	return v, wrap("hget", err)
}

func (b *Backend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := b.client.HGetAll(ctx, key).Result()
	return vals, wrap("hgetall", err)
}

// ── Pub/Sub ─────────────────────────────────────────

func (b *Backend) Publish(ctx context.Context, topic, payload string) (int64, error) {
	n, err := b.client.Publish(ctx, topic, payload).Result()
	return n, wrap("publish", err)
}

// Subscribe opens a dedicated pub/sub connection for topic and waits for
// the server's confirmation before returning.
func (b *Backend) Subscribe(ctx context.Context, topic string) (store.Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrap("subscribe", err)
	}
	sub := &subscription{
		ps:   ps,
		out:  make(chan store.Message),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

type subscription struct {
	ps   *goredis.PubSub
	out  chan store.Message
	done chan struct{}
	once sync.Once
}

func (s *subscription) forward() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		select {
		case s.out <- store.Message{Topic: m.Channel, Payload: m.Payload}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan store.Message { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = wrap("unsubscribe", s.ps.Close())
	})
	return err
}
