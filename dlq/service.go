package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultTopic is the dead-letter topic used when none is configured.
const DefaultTopic = "dead-letter-queue"

// Sender publishes one record to the bus. ingest.Producer implements it.
type Sender interface {
	Send(ctx context.Context, topic string, key, value []byte) error
}

// Option configures a Service.
type Option func(*Service)

// WithTopic sets the dead-letter topic.
func WithTopic(topic string) Option {
	return func(s *Service) { s.topic = topic }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRetain sets how many recent entries are kept in memory.
func WithRetain(n int) Option {
	return func(s *Service) { s.retain = n }
}

// Service publishes dead letters.
type Service struct {
	sender Sender
	topic  string
	retain int
	logger *slog.Logger

	count  atomic.Int64
	mu     sync.Mutex
	recent []*Entry // newest last
}

// NewService creates a dead-letter service.
func NewService(sender Sender, opts ...Option) *Service {
	s := &Service{
		sender: sender,
		topic:  DefaultTopic,
		retain: 100,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push publishes entry to the dead-letter topic keyed by the original
// message key.
func (s *Service) Push(ctx context.Context, entry *Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: encode entry: %w", err)
	}

	var key []byte
	if entry.OriginalMessage.Key != "" {
		key = []byte(entry.OriginalMessage.Key)
	}
	if err := s.sender.Send(ctx, s.topic, key, value); err != nil {
		return fmt.Errorf("dlq: publish to %s: %w", s.topic, err)
	}

	s.count.Add(1)
	s.mu.Lock()
	s.recent = append(s.recent, entry)
	if over := len(s.recent) - s.retain; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
	s.mu.Unlock()

	s.logger.Warn("message dead-lettered",
		slog.String("topic", entry.OriginalMessage.Topic),
		slog.Int64("offset", entry.OriginalMessage.Offset),
		slog.String("key", entry.OriginalMessage.Key),
		slog.Int("attempts", entry.ProcessingAttempts),
		slog.String("error", entry.Error),
	)
	return nil
}

// Topic returns the dead-letter topic.
func (s *Service) Topic() string { return s.topic }

// Count returns how many entries were published since start.
func (s *Service) Count() int64 { return s.count.Load() }

// Recent returns the retained entries, newest first.
func (s *Service) Recent() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.recent))
	for i, e := range s.recent {
		out[len(s.recent)-1-i] = e
	}
	return out
}
