// Package client connects to a switchboard gateway over WebSocket.
//
// Usage:
//
//	c, err := client.Dial("wss://events.example.com/ws",
//	    client.WithToken(token),
//	)
//	defer c.Close()
//
//	ack, err := c.Emit(ctx, "order.placed", map[string]any{"id": "o-1"})
//	fmt.Println(ack.RequestID)
//
//	_, _ = c.JoinRoom(ctx, "orders")
//	for evt := range c.Events() {
//	    fmt.Printf("%s: %s\n", evt.Room, evt.Data)
//	}
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/switchboard/backoff"
	"github.com/xraph/switchboard/gateway"
	"github.com/xraph/switchboard/id"
)

// welcomeTimeout bounds the wait for the connected push when ctx has no
// deadline.
const welcomeTimeout = 10 * time.Second

// ErrClosed is returned by requests made on a closed client.
var ErrClosed = errors.New("switchboard/client: closed")

// Error is a failure reported by the gateway, either as an error frame or
// as an ack with status "error".
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("switchboard/client: %s: %s", e.Code, e.Message)
}

// Event is a server push delivered to the client.
type Event struct {
	// Room is set when the push was addressed to a room.
	Room      string
	Data      json.RawMessage
	Timestamp time.Time
}

// Client is a gateway websocket client.
type Client struct {
	url    string
	format string
	codec  gateway.Codec
	logger *slog.Logger

	reconnect  bool
	maxRetries int
	strategy   backoff.Strategy

	// mu guards conn, token, and writes to conn.
	mu     sync.Mutex
	conn   net.Conn
	token  string
	closed atomic.Bool

	sessionID     atomic.Value // string
	authenticated atomic.Bool

	pending sync.Map // frame ID → chan *gateway.Frame
	rooms   sync.Map // room → struct{}
	events  chan *Event

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to a gateway.
func Dial(rawURL string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), rawURL, opts...)
}

// DialContext connects to a gateway and waits for the connected push
// carrying the session id. A rejected token fails the dial.
func DialContext(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        rawURL,
		format:     gateway.CodecNameJSON,
		logger:     slog.Default(),
		maxRetries: 5,
		strategy:   backoff.Reconnect(),
		events:     make(chan *Event, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = gateway.GetCodec(c.format)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, w, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("switchboard/client: dial: %w", err)
	}
	c.conn = conn
	c.welcome(w)

	go c.readLoop()
	return c, nil
}

// connect dials the gateway and reads frames until the connected push
// arrives. The read loop is not running yet so it reads the socket
// directly.
func (c *Client) connect(ctx context.Context) (net.Conn, *gateway.Welcome, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, nil, err
	}
	raw, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, nil, fmt.Errorf("websocket dial: %w", err)
	}
	// The connected push usually arrives with the handshake response.
	conn := gateway.NewBufferedConn(raw, br)
	if br != nil {
		ws.PutReader(br)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(welcomeTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		data, _, readErr := wsutil.ReadServerData(conn)
		if readErr != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("read welcome: %w", readErr)
		}
		frame, decErr := c.codec.Decode(data)
		if decErr != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("decode welcome: %w", decErr)
		}
		if frame.Type == gateway.FrameErr {
			_ = conn.Close()
			return nil, nil, frameError(frame)
		}
		if frame.Method != gateway.MethodConnected {
			continue
		}
		var w gateway.Welcome
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("decode welcome: %w", err)
		}
		return conn, &w, nil
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	c.mu.Lock()
	if c.token != "" {
		q.Set("token", c.token)
	}
	c.mu.Unlock()
	if c.format != gateway.CodecNameJSON {
		q.Set("format", c.format)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) welcome(w *gateway.Welcome) {
	c.sessionID.Store(w.SessionID)
	c.authenticated.Store(w.Authenticated)
	c.logger.Info("gateway client connected",
		slog.String("session_id", w.SessionID),
		slog.Bool("authenticated", w.Authenticated),
		slog.String("format", w.Format),
	)
}

// readLoop owns the events channel and closes it when the connection is
// gone for good.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("gateway client read error", slog.String("error", err.Error()))
			if c.reconnect && c.tryReconnect() {
				continue
			}
			c.shutdown()
			return
		}

		frame, decErr := c.codec.Decode(data)
		if decErr != nil {
			c.logger.Warn("gateway client: invalid frame", slog.String("error", decErr.Error()))
			continue
		}

		switch frame.Type {
		case gateway.FrameResponse, gateway.FrameErr, gateway.FramePong:
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *gateway.Frame) //nolint:errcheck // pending map always stores chan *gateway.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case gateway.FrameEvent:
			if frame.Method != gateway.MethodOutgoingEvent {
				continue
			}
			select {
			case c.events <- &Event{Room: frame.Channel, Data: frame.Data, Timestamp: frame.Timestamp}:
			default:
				// Slow consumer.
			}
		}
	}
}

// tryReconnect redials with backoff. Rooms are rejoined once the read
// loop is back.
func (c *Client) tryReconnect() bool {
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		delay := c.strategy.Delay(attempt)
		c.logger.Info("gateway client reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if backoff.Sleep(c.ctx, delay) != nil {
			return false
		}

		conn, w, err := c.connect(c.ctx)
		if err != nil {
			c.logger.Warn("gateway client reconnect failed", slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.welcome(w)
		go c.rejoin()
		return true
	}
	c.logger.Error("gateway client: max reconnection attempts reached")
	return false
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*gateway.Frame, error) {
	frame := &gateway.Frame{
		ID:        id.NewMessageID(),
		Type:      gateway.FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal request data: %w", err)
		}
		frame.Data = raw
	}
	return c.roundTrip(ctx, frame)
}

func (c *Client) roundTrip(ctx context.Context, frame *gateway.Frame) (*gateway.Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	respCh := make(chan *gateway.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == gateway.FrameErr {
			return nil, frameError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

func (c *Client) writeFrame(frame *gateway.Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, c.codec.OpCode(), data)
}

func frameError(f *gateway.Frame) error {
	if f.Error == nil {
		return &Error{Code: "UNKNOWN", Message: "unknown error"}
	}
	return &Error{Code: f.Error.Code, Message: f.Error.Message}
}

// ──────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────

// Authenticate sends a credential for the current session. A rejected
// credential leaves the connection open; the returned error is an *Error.
func (c *Client) Authenticate(ctx context.Context, token string) (*gateway.AuthAck, error) {
	resp, err := c.request(ctx, gateway.MethodAuthenticate, gateway.AuthRequest{Token: token})
	if err != nil {
		return nil, err
	}
	var ack gateway.AuthAck
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, fmt.Errorf("decode auth ack: %w", err)
	}
	if ack.Status != gateway.StatusSuccess {
		return &ack, &Error{Code: ack.Code, Message: ack.Message}
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.authenticated.Store(true)
	return &ack, nil
}

// Emit submits an event for routing and returns the gateway's ack.
func (c *Client) Emit(ctx context.Context, event string, payload any) (*gateway.Ack, error) {
	resp, err := c.request(ctx, gateway.MethodIncomingEvent, gateway.EventEnvelope{Event: event, Payload: payload})
	if err != nil {
		return nil, err
	}
	var ack gateway.Ack
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, fmt.Errorf("decode event ack: %w", err)
	}
	if ack.Status != gateway.StatusSuccess {
		return &ack, &Error{Code: ack.Code, Message: ack.Message}
	}
	return &ack, nil
}

// Ping round-trips a ping frame.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &gateway.Frame{
		ID:        id.NewMessageID(),
		Type:      gateway.FramePing,
		Timestamp: time.Now().UTC(),
	})
	return err
}

// SessionID returns the session id assigned by the gateway.
func (c *Client) SessionID() string {
	s, _ := c.sessionID.Load().(string)
	return s
}

// Authenticated reports whether the session holds an accepted credential.
func (c *Client) Authenticated() bool { return c.authenticated.Load() }

// Done is closed once the client is closed or the connection is lost
// without a successful reconnect.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Client) shutdown() {
	c.closed.Store(true)
	c.cancel()
}

// Close closes the client connection. Events is closed once the read loop
// exits.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
