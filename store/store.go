package store

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by single-value reads when the key or field does not
// exist. It is not a transport failure.
var ErrNil = errors.New("store: nil")

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("store: closed")

// Message is a single pub/sub delivery.
type Message struct {
	Topic   string
	Payload string
}

// Subscription is a live topic subscription on one backend connection.
// Messages is closed when the subscription ends, either through Close or
// because the underlying connection was lost.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// KV covers string keys.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, keys ...string) (int64, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Lists covers list keys.
type Lists interface {
	// LPush inserts values at the head and returns the new length.
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	// RPop removes and returns the tail element.
	RPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// Hashes covers hash keys.
type Hashes interface {
	HSet(ctx context.Context, key string, fields map[string]string) (int64, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// PubSub covers topic messaging.
type PubSub interface {
	// Publish returns the number of receivers.
	Publish(ctx context.Context, topic, payload string) (int64, error)
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Backend is one connection to the shared substrate.
type Backend interface {
	KV
	Lists
	Hashes
	PubSub

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection and ends all its subscriptions.
	Close() error
}

// Dialer opens a new Backend. The channel package calls it once per
// connection attempt.
type Dialer func(ctx context.Context) (Backend, error)
