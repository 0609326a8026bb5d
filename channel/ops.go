package channel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/switchboard/store"
)

// current returns the live connection or ErrNotConnected.
func (c *Channel) current() (store.Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected || c.backend == nil {
		return nil, ErrNotConnected
	}
	return c.backend, nil
}

// fail records a failed operation. A missing key is not a failure.
func (c *Channel) fail(op, key string, err error) {
	if errors.Is(err, store.ErrNil) {
		return
	}
	c.errorCount.Add(1)
	c.logger.Error("store operation failed",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// ── KV ──────────────────────────────────────────────

// Get returns the value at key and whether it was found.
func (c *Channel) Get(ctx context.Context, key string) (string, bool) {
	b, err := c.current()
	if err == nil {
		var v string
		if v, err = b.Get(ctx, key); err == nil {
			return v, true
		}
	}
	c.fail("get", key, err)
	return "", false
}

// Set stores value at key. A zero ttl means no expiry. It reports success.
func (c *Channel) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	b, err := c.current()
	if err == nil {
		if err = b.Set(ctx, key, value, ttl); err == nil {
			return true
		}
	}
	c.fail("set", key, err)
	return false
}

// Exists reports whether key exists.
func (c *Channel) Exists(ctx context.Context, key string) bool {
	b, err := c.current()
	if err == nil {
		var n int64
		if n, err = b.Exists(ctx, key); err == nil {
			return n == 1
		}
	}
	c.fail("exists", key, err)
	return false
}

// Del removes key.
func (c *Channel) Del(ctx context.Context, key string) {
	b, err := c.current()
	if err == nil {
		if _, err = b.Del(ctx, key); err == nil {
			return
		}
	}
	c.fail("del", key, err)
}

// Keys returns keys matching pattern, or nil on failure.
func (c *Channel) Keys(ctx context.Context, pattern string) []string {
	b, err := c.current()
	if err == nil {
		var keys []string
		if keys, err = b.Keys(ctx, pattern); err == nil {
			return keys
		}
	}
	c.fail("keys", pattern, err)
	return nil
}

// ── Lists ───────────────────────────────────────────

// LPush inserts value at the head of key and returns the new length, or 0
// on failure.
func (c *Channel) LPush(ctx context.Context, key, value string) int64 {
	b, err := c.current()
	if err == nil {
		var n int64
		if n, err = b.LPush(ctx, key, value); err == nil {
			return n
		}
	}
	c.fail("lpush", key, err)
	return 0
}

// RPop removes and returns the tail of key.
func (c *Channel) RPop(ctx context.Context, key string) (string, bool) {
	b, err := c.current()
	if err == nil {
		var v string
		if v, err = b.RPop(ctx, key); err == nil {
			return v, true
		}
	}
	c.fail("rpop", key, err)
	return "", false
}

// LRange returns elements start..stop of key, or nil on failure.
func (c *Channel) LRange(ctx context.Context, key string, start, stop int64) []string {
	b, err := c.current()
	if err == nil {
		var vals []string
		if vals, err = b.LRange(ctx, key, start, stop); err == nil {
			return vals
		}
	}
	c.fail("lrange", key, err)
	return nil
}

// LTrim keeps elements start..stop of key.
func (c *Channel) LTrim(ctx context.Context, key string, start, stop int64) bool {
	b, err := c.current()
	if err == nil {
		if err = b.LTrim(ctx, key, start, stop); err == nil {
			return true
		}
	}
	c.fail("ltrim", key, err)
	return false
}

// ── Hashes ──────────────────────────────────────────

// HSet writes fields into the hash at key and reports success.
func (c *Channel) HSet(ctx context.Context, key string, fields map[string]string) bool {
	b, err := c.current()
	if err == nil {
		if _, err = b.HSet(ctx, key, fields); err == nil {
			return true
		}
	}
	c.fail("hset", key, err)
	return false
}

// HGet returns one hash field.
func (c *Channel) HGet(ctx context.Context, key, field string) (string, bool) {
	b, err := c.current()
	if err == nil {
		var v string
		if v, err = b.HGet(ctx, key, field); err == nil {
			return v, true
		}
	}
	c.fail("hget", key, err)
	return "", false
}

// HGetAll returns every field of the hash at key. The map is empty, never
// nil, when the key is missing or the store is down.
func (c *Channel) HGetAll(ctx context.Context, key string) map[string]string {
	b, err := c.current()
	if err == nil {
		var m map[string]string
		if m, err = b.HGetAll(ctx, key); err == nil && m != nil {
			return m
		}
	}
	if err != nil {
		c.fail("hgetall", key, err)
	}
	return map[string]string{}
}

// ── PubSub ──────────────────────────────────────────

// Publish sends payload on topic and returns the receiver count, or 0 on
// failure.
func (c *Channel) Publish(ctx context.Context, topic, payload string) int64 {
	b, err := c.current()
	if err == nil {
		var n int64
		if n, err = b.Publish(ctx, topic, payload); err == nil {
			return n
		}
	}
	c.fail("publish", topic, err)
	return 0
}
