package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/engine"
	"github.com/xraph/switchboard/scope"
	"github.com/xraph/switchboard/store/memory"
	"github.com/xraph/switchboard/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() switchboard.Config {
	cfg := switchboard.DefaultConfig()
	cfg.Auth.Secret = "test-secret"
	cfg.Channel.BackoffInitial = time.Millisecond
	cfg.Channel.BackoffMax = 5 * time.Millisecond
	return cfg
}

// seed writes the order.placed template and its email target.
func seed(t *testing.T, srv *memory.Server) {
	t.Helper()
	ctx := context.Background()
	b, err := srv.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer b.Close()

	docs := map[string]string{
		"order.placed": `{"definition":{"steps":[{"definition":{"type":"email"}}]}}`,
		"email":        `{"definition":{"steps":[]},"workers":{"w1":{"instance_id":"i1","threads":2}}}`,
	}
	for name, doc := range docs {
		if err := b.Set(ctx, switchboard.WorkflowKey(name), doc, 0); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
}

func build(t *testing.T, cfg switchboard.Config, opts ...engine.Option) (*engine.Engine, *memory.Server) {
	t.Helper()
	srv := memory.New()
	seed(t, srv)
	opts = append([]engine.Option{
		engine.WithLogger(testLogger()),
		engine.WithDialer(srv.Dialer()),
		engine.WithMeterProvider(sdkmetric.NewMeterProvider()),
	}, opts...)
	eng, err := engine.Build(cfg, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng, srv
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── Fakes ───────────────────────────────────────────

// shutdownExt records OnShutdown.
type shutdownExt struct{ called atomic.Bool }

func (e *shutdownExt) Name() string { return "shutdown-recorder" }

func (e *shutdownExt) OnShutdown(context.Context) error {
	e.called.Store(true)
	return nil
}

// fakeFetcher hands out queued messages once each.
type fakeFetcher struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			m := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return m, nil
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

// fakeWriter records produced messages.
type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

// ── Tests ───────────────────────────────────────────

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := switchboard.DefaultConfig()
	_, err := engine.Build(cfg, engine.WithLogger(testLogger()))
	if !errors.Is(err, switchboard.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBuild_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Log.StatsSchedule = "whenever"
	_, err := engine.Build(cfg, engine.WithLogger(testLogger()), engine.WithDialer(memory.New().Dialer()))
	if err == nil {
		t.Fatal("expected error for an unparsable schedule")
	}
}

func TestEngine_RoutesThroughStore(t *testing.T) {
	eng, srv := build(t, testConfig())
	ctx := scope.With(context.Background(), scope.Caller{Source: scope.SourceHTTP})

	res, err := eng.Router().RouteEvent(ctx, "order.placed", map[string]any{"id": 7})
	if err != nil {
		t.Fatalf("RouteEvent: %v", err)
	}

	b, err := srv.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer b.Close()

	items, err := b.LRange(context.Background(), switchboard.WorkerQueueKey("i1"), 0, -1)
	if err != nil || len(items) != 1 {
		t.Fatalf("queue items = %v (%v), want 1", items, err)
	}
	var item workflow.QueueItem
	if err := json.Unmarshal([]byte(items[0]), &item); err != nil {
		t.Fatalf("decode queue item: %v", err)
	}
	if item.WorkflowInstanceID != res.WorkflowInstanceID {
		t.Errorf("queue item instance = %q, want %q", item.WorkflowInstanceID, res.WorkflowInstanceID)
	}

	fields, err := b.HGetAll(context.Background(), res.WorkflowInstanceID)
	if err != nil || fields["definition"] == "" {
		t.Fatalf("instance hash = %v (%v)", fields, err)
	}

	// The activity log receives a request and a response entry.
	eng.Activity().Wait()
	if got := len(eng.Activity().Recent(context.Background(), 10)); got != 2 {
		t.Errorf("activity entries = %d, want 2", got)
	}
}

func TestEngine_UnknownEventIsNotFound(t *testing.T) {
	eng, _ := build(t, testConfig())
	_, err := eng.Router().RouteEvent(context.Background(), "nope", nil)
	if !errors.Is(err, switchboard.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_MaintenanceTasks(t *testing.T) {
	eng, _ := build(t, testConfig())

	entries := eng.Scheduler().Entries()
	if len(entries) != 2 {
		t.Fatalf("tasks = %d, want 2", len(entries))
	}
	if entries[0].Name != engine.TaskActivityTrim || entries[1].Name != engine.TaskStats {
		t.Errorf("task names = %q, %q", entries[0].Name, entries[1].Name)
	}
}

func TestEngine_KafkaDisabled(t *testing.T) {
	eng, _ := build(t, testConfig())

	if eng.Consumer() != nil {
		t.Error("consumer should be nil when kafka is disabled")
	}
	if err := eng.Producer().Send(context.Background(), "event-topic", nil, []byte(`{}`)); err != nil {
		t.Errorf("noop producer Send: %v", err)
	}

	st := eng.Stats()
	if st.Consumer != nil {
		t.Error("stats should omit the consumer")
	}
	if !st.Channel.Connected {
		t.Errorf("channel state = %s, want connected", st.Channel.State)
	}
}

func TestEngine_KafkaDeadLettersUnroutableRecords(t *testing.T) {
	cfg := testConfig()
	cfg.Kafka.Enabled = true

	fetcher := &fakeFetcher{queue: []kafka.Message{{
		Topic:  "event-topic",
		Offset: 9,
		Key:    []byte("order-1"),
		Value:  []byte(`{"event":"unknown.event","payload":{}}`),
	}}}
	writer := &fakeWriter{}
	eng, _ := build(t, cfg, engine.WithKafka(fetcher, writer))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	eventually(t, "dead letter", func() bool { return len(writer.written()) == 1 })
	eventually(t, "commit", func() bool { return len(fetcher.commits()) == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	msg := writer.written()[0]
	if msg.Topic != cfg.Kafka.DeadLetterTopic {
		t.Errorf("topic = %q, want %q", msg.Topic, cfg.Kafka.DeadLetterTopic)
	}
	var entry struct {
		ProcessingAttempts int `json:"processingAttempts"`
	}
	if err := json.Unmarshal(msg.Value, &entry); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if entry.ProcessingAttempts != 3 {
		t.Errorf("processingAttempts = %d, want 3", entry.ProcessingAttempts)
	}
	if got := fetcher.commits(); len(got) != 1 || got[0] != 9 {
		t.Errorf("commits = %v, want [9]", got)
	}
	if eng.DLQService().Count() != 1 {
		t.Errorf("dlq count = %d, want 1", eng.DLQService().Count())
	}
}

func TestEngine_StopEmitsShutdown(t *testing.T) {
	rec := &shutdownExt{}
	srv := memory.New()
	eng, err := engine.Build(testConfig(),
		engine.WithLogger(testLogger()),
		engine.WithDialer(srv.Dialer()),
		engine.WithExtension(rec),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !rec.called.Load() {
		t.Error("OnShutdown was not called")
	}
}
