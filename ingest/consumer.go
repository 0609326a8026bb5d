// Package ingest consumes routing requests from the durable bus.
//
// Each record value is JSON {"event": name, "payload": any}. The consumer
// reads one record at a time per consumer group member and routes it. A
// record that fails is redelivered in place after a backoff delay; the
// partition does not advance until the record is routed or, after the
// configured number of attempts (3 by default), published to the
// dead-letter topic. Attempt counts are kept per message identity, the
// record key or "<timestamp-ms>-<offset>" when unkeyed.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/backoff"
	"github.com/xraph/switchboard/dlq"
	"github.com/xraph/switchboard/ext"
	"github.com/xraph/switchboard/router"
	"github.com/xraph/switchboard/scope"
)

// ErrMissingEvent is returned for a record without an event name.
var ErrMissingEvent = fmt.Errorf("ingest: missing event field: %w", switchboard.ErrBadRequest)

// Fetcher reads records for a consumer group. *kafka.Reader satisfies it.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Router routes decoded events. *router.Router satisfies it.
type Router interface {
	RouteEvent(ctx context.Context, eventName string, metadata any) (*router.Result, error)
}

// DeadLetterer publishes dead letters. *dlq.Service satisfies it.
type DeadLetterer interface {
	Push(ctx context.Context, entry *dlq.Entry) error
}

// Outcome is the result of handling one record.
type Outcome int

const (
	// Processed means the record was routed; its offset is committed.
	Processed Outcome = iota
	// Retry means the record failed and will be redelivered in place.
	Retry
	// DeadLettered means the record was given up on and published to the
	// dead-letter topic; its offset is committed.
	DeadLettered
	// Skipped means the record had no value; its offset is committed.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Retry:
		return "retry"
	case DeadLettered:
		return "dead_lettered"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of consumer counters.
type Stats struct {
	Processed    int64 `json:"processed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Pending      int   `json:"pending"`
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// WithMaxAttempts sets how many failures send a record to the dead-letter
// topic.
func WithMaxAttempts(n int) Option {
	return func(c *Consumer) { c.maxAttempts = n }
}

// WithRetryBackoff sets the delay between in-place redeliveries and
// between failed fetches.
func WithRetryBackoff(s backoff.Strategy) Option {
	return func(c *Consumer) { c.backoff = s }
}

// WithExtensions sets the registry notified of dead letters.
func WithExtensions(reg *ext.Registry) Option {
	return func(c *Consumer) { c.exts = reg }
}

// Consumer routes bus records.
type Consumer struct {
	fetcher     Fetcher
	router      Router
	dead        DeadLetterer
	exts        *ext.Registry
	backoff     backoff.Strategy
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	attempts map[string]int

	processed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// NewConsumer creates a consumer. dead may be nil, in which case records
// that exhaust their attempts are logged and dropped.
func NewConsumer(f Fetcher, r Router, dead DeadLetterer, opts ...Option) *Consumer {
	c := &Consumer{
		fetcher:     f,
		router:      r,
		dead:        dead,
		backoff:     backoff.NewExponentialWithJitter(time.Second, 30*time.Second),
		maxAttempts: 3,
		logger:      slog.Default(),
		attempts:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run fetches and handles records until ctx is done. Fetch errors back
// off and retry forever. Run returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("ingestion consumer started", slog.Int("max_attempts", c.maxAttempts))
	failures := 0
	for {
		msg, err := c.fetcher.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			delay := c.backoff.Delay(failures)
			c.logger.Error("fetch failed",
				slog.Int("attempt", failures),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()),
			)
			if backoff.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		failures = 0

		if !c.deliver(ctx, msg) {
			return nil
		}
		if err := c.fetcher.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("commit failed",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// deliver handles msg until it no longer asks for a retry. It returns
// false when ctx ends first, leaving msg uncommitted.
func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		if c.Handle(ctx, msg) != Retry {
			return true
		}
		if backoff.Sleep(ctx, c.backoff.Delay(attempt)) != nil {
			return false
		}
	}
}

// Handle processes one record and reports what should happen to its
// offset.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) Outcome {
	mid := MessageID(msg)
	if len(msg.Value) == 0 {
		c.logger.Debug("empty record skipped", slog.String("message_id", mid))
		return Skipped
	}

	name, payload, err := decode(msg.Value)
	if err == nil {
		c.logger.Info("received record",
			slog.String("message_id", mid),
			slog.String("event", name),
		)
		_, err = c.router.RouteEvent(scope.With(ctx, scope.Caller{Source: scope.SourceKafka}), name, payload)
	}
	if err != nil {
		return c.fail(ctx, msg, mid, err)
	}

	c.mu.Lock()
	delete(c.attempts, mid)
	c.mu.Unlock()
	c.processed.Add(1)
	return Processed
}

// fail counts a processing failure and dead-letters the record once it
// reaches the attempt ceiling.
func (c *Consumer) fail(ctx context.Context, msg kafka.Message, mid string, cause error) Outcome {
	c.mu.Lock()
	c.attempts[mid]++
	n := c.attempts[mid]
	if n >= c.maxAttempts {
		delete(c.attempts, mid)
	}
	c.mu.Unlock()

	c.logger.Error("record processing failed",
		slog.String("message_id", mid),
		slog.Int("attempt", n),
		slog.Int("max_attempts", c.maxAttempts),
		slog.String("code", switchboard.Code(cause)),
		slog.String("error", cause.Error()),
	)

	if n < c.maxAttempts {
		c.retried.Add(1)
		return Retry
	}

	entry := dlq.NewEntry(msg, cause, n)
	if c.dead != nil {
		if err := c.dead.Push(ctx, entry); err != nil {
			// Keep the record one failure short of the ceiling so the next
			// failure retries the publish with the same attempt count.
			c.mu.Lock()
			c.attempts[mid] = n - 1
			c.mu.Unlock()
			c.logger.Error("failed to publish dead letter",
				slog.String("message_id", mid),
				slog.String("error", err.Error()),
			)
			c.retried.Add(1)
			return Retry
		}
	} else {
		c.logger.Warn("record dropped after exhausting attempts", slog.String("message_id", mid))
	}

	c.deadLettered.Add(1)
	if c.exts != nil {
		c.exts.EmitMessageDeadLettered(ctx, entry)
	}
	return DeadLettered
}

// Attempts returns the failure count recorded for a message identity.
func (c *Consumer) Attempts(messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[messageID]
}

// Stats returns the current counters.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	pending := len(c.attempts)
	c.mu.Unlock()
	return Stats{
		Processed:    c.processed.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
		Pending:      pending,
	}
}

// Close closes the fetcher.
func (c *Consumer) Close() error {
	return c.fetcher.Close()
}

// MessageID returns the record key, or "<timestamp-ms>-<offset>" for an
// unkeyed record.
func MessageID(msg kafka.Message) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return strconv.FormatInt(msg.Time.UnixMilli(), 10) + "-" + strconv.FormatInt(msg.Offset, 10)
}

func decode(value []byte) (string, any, error) {
	var rec struct {
		Event   string `json:"event"`
		Payload any    `json:"payload"`
	}
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return "", nil, fmt.Errorf("ingest: decode record: %w: %w", switchboard.ErrDecode, err)
	}
	if rec.Event == "" {
		return "", nil, ErrMissingEvent
	}
	return rec.Event, rec.Payload, nil
}
