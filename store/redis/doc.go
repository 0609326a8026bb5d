// Package redis implements store.Backend on top of go-redis v9.
//
// Usage:
//
//	dial := redis.Dialer(&goredis.Options{Addr: "localhost:6379"})
//	ch := channel.New(dial)
//
// Each Dial creates a new client and verifies it with PING, so a failed
// dial never leaks a half-open client. The Backend owns its client and
// closes it on Close.
package redis
