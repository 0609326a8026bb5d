// Package store defines the contract switchboard requires of the shared
// key-value + pub/sub substrate.
//
// The contract is deliberately small: string values with optional TTL,
// key listing, lists (push at the head, pop from the tail), hash fields, and
// topic publish/subscribe. No transactions or server-side scripts are
// assumed, so any backend that offers these primitives can serve.
//
// # Available Backends
//
//   - store/redis: Redis via go-redis v9
//   - store/memory: in-process backend for development and testing
//
// Backends return raw transport errors. The channel package wraps a
// Backend, reconnects it with backoff, and degrades failed calls to empty
// results so business code never sees transport errors.
package store
