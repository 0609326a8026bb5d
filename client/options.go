package client

import (
	"log/slog"

	"github.com/xraph/switchboard/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the credential sent with the handshake.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithFormat sets the wire format for frame encoding.
// Supported values: "json" (default), "msgpack".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect enables automatic reconnection. A nil strategy keeps the
// default 1s doubling to 30s.
func WithReconnect(maxRetries int, s backoff.Strategy) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		if s != nil {
			c.strategy = s
		}
	}
}
