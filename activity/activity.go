// Package activity records request/response audit entries for routing
// calls on the shared activity:logs list.
//
// Writes are fire-and-forget: entries are queued for a single writer
// goroutine with a detached context, so they land in the order they were
// logged and never fail or delay routing. The newest entry is at the head
// of the list.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/switchboard"
)

// Entry kinds.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Entry is one audit record.
type Entry struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	EventName string `json:"eventName"`
	// Origin is the entry point that accepted the event (http, websocket,
	// kafka). Empty for internal calls.
	Origin    string    `json:"origin,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Response  any       `json:"response,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the list subset of the resilient channel the log needs.
// *channel.Channel satisfies it.
type Store interface {
	LPush(ctx context.Context, key, value string) int64
	LRange(ctx context.Context, key string, start, stop int64) []string
	LTrim(ctx context.Context, key string, start, stop int64) bool
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Log) { a.logger = l }
}

// WithKey overrides the list key. Defaults to activity:logs.
func WithKey(key string) Option {
	return func(a *Log) { a.key = key }
}

// WithMaxEntries sets how many entries Trim keeps.
func WithMaxEntries(n int64) Option {
	return func(a *Log) { a.maxEntries = n }
}

// WithSync makes writes happen on the caller's goroutine.
func WithSync() Option {
	return func(a *Log) { a.sync = true }
}

// WithBufferSize sets how many entries may wait for the writer. Entries
// logged while the buffer is full are dropped. Defaults to 1024.
func WithBufferSize(n int) Option {
	return func(a *Log) { a.bufferSize = n }
}

// Log appends audit entries to a shared list.
type Log struct {
	store      Store
	key        string
	maxEntries int64
	sync       bool
	bufferSize int
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	queue   chan pending
	started bool
	closed  bool
	inQueue sync.WaitGroup
}

// pending is one entry waiting for the writer.
type pending struct {
	ctx  context.Context
	line string
}

// New creates an activity log over store.
func New(store Store, opts ...Option) *Log {
	l := &Log{
		store:      store,
		key:        switchboard.ActivityLogKey,
		maxEntries: 10000,
		bufferSize: 1024,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.bufferSize < 1 {
		l.bufferSize = 1
	}
	l.queue = make(chan pending, l.bufferSize)
	return l
}

// LogRequest records that source received eventName with payload.
func (l *Log) LogRequest(ctx context.Context, source, origin, eventName string, payload any) {
	l.append(ctx, Entry{
		Type:      TypeRequest,
		Source:    source,
		EventName: eventName,
		Origin:    origin,
		Payload:   payload,
	})
}

// LogResponse records the outcome source produced for eventName.
func (l *Log) LogResponse(ctx context.Context, source, origin, eventName string, response any) {
	l.append(ctx, Entry{
		Type:      TypeResponse,
		Source:    source,
		EventName: eventName,
		Origin:    origin,
		Response:  response,
	})
}

func (l *Log) append(ctx context.Context, e Entry) {
	e.Timestamp = l.now().UTC()
	b, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("activity entry not encodable",
			slog.String("event", e.EventName),
			slog.String("error", err.Error()),
		)
		return
	}

	if l.sync {
		l.store.LPush(ctx, l.key, string(b))
		return
	}

	l.enqueue(pending{ctx: context.WithoutCancel(ctx), line: string(b)}, e.EventName)
}

func (l *Log) enqueue(p pending, event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if !l.started {
		l.started = true
		go l.run()
	}
	l.inQueue.Add(1)
	select {
	case l.queue <- p:
	default:
		l.inQueue.Done()
		l.logger.Warn("activity buffer full, entry dropped", slog.String("event", event))
	}
}

// run is the single writer. It exits once Close has been called and the
// queue is drained.
func (l *Log) run() {
	for p := range l.queue {
		l.store.LPush(p.ctx, l.key, p.line)
		l.inQueue.Done()
	}
}

// Recent returns up to n entries, newest first. Entries that fail to
// decode are skipped.
func (l *Log) Recent(ctx context.Context, n int) []Entry {
	if n <= 0 {
		return []Entry{}
	}
	raw := l.store.LRange(ctx, l.key, 0, int64(n)-1)
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Trim drops everything past the newest maxEntries entries.
func (l *Log) Trim(ctx context.Context) {
	if l.maxEntries <= 0 {
		return
	}
	if l.store.LTrim(ctx, l.key, 0, l.maxEntries-1) {
		l.logger.Debug("activity log trimmed", slog.Int64("max_entries", l.maxEntries))
	}
}

// Wait blocks until queued writes are done.
func (l *Log) Wait() { l.inQueue.Wait() }

// Close stops accepting entries. Queued entries are still written; call
// Wait first to block on them.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.queue)
}
