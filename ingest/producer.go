package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/switchboard/backoff"
)

// Writer publishes records. *kafka.Writer satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sender publishes one record. Producer and NoopProducer implement it.
type Sender interface {
	Send(ctx context.Context, topic string, key, value []byte) error
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithProducerLogger sets the structured logger.
func WithProducerLogger(l *slog.Logger) ProducerOption {
	return func(p *Producer) { p.logger = l }
}

// WithProducerBackoff sets the delay between failed writes.
func WithProducerBackoff(s backoff.Strategy) ProducerOption {
	return func(p *Producer) { p.backoff = s }
}

// Producer writes records, retrying transient failures with backoff until
// ctx is done.
type Producer struct {
	w       Writer
	backoff backoff.Strategy
	logger  *slog.Logger
}

// NewProducer creates a producer on w.
func NewProducer(w Writer, opts ...ProducerOption) *Producer {
	p := &Producer{w: w, backoff: backoff.Reconnect(), logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send writes one record to topic. Broker errors that kafka marks as not
// temporary are returned at once.
func (p *Producer) Send(ctx context.Context, topic string, key, value []byte) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	for attempt := 1; ; attempt++ {
		err := p.w.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("ingest: send to %s: %w", topic, ctx.Err())
		}
		var kerr kafka.Error
		if errors.As(err, &kerr) && !kerr.Temporary() {
			return fmt.Errorf("ingest: send to %s: %w", topic, err)
		}

		delay := p.backoff.Delay(attempt)
		p.logger.Warn("produce failed, retrying",
			slog.String("topic", topic),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		if backoff.Sleep(ctx, delay) != nil {
			return fmt.Errorf("ingest: send to %s: %w", topic, ctx.Err())
		}
	}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error { return p.w.Close() }

// NoopProducer stands in when the bus is disabled. Records are logged and
// discarded.
type NoopProducer struct {
	Logger *slog.Logger
}

// Send logs the record and returns nil.
func (n NoopProducer) Send(_ context.Context, topic string, _, value []byte) error {
	if n.Logger != nil {
		n.Logger.Debug("bus disabled, record discarded",
			slog.String("topic", topic),
			slog.Int("bytes", len(value)),
		)
	}
	return nil
}
