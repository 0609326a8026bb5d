package dlq_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/switchboard/dlq"
)

type record struct {
	topic      string
	key, value []byte
}

type fakeSender struct {
	sent []record
	err  error
}

func (f *fakeSender) Send(_ context.Context, topic string, key, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, record{topic, key, value})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage(offset int64) kafka.Message {
	return kafka.Message{
		Topic:     "event-topic",
		Partition: 2,
		Offset:    offset,
		Key:       []byte("order-1"),
		Value:     []byte(`{"event":"order.placed"}`),
		Time:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNewEntry_CapturesOriginal(t *testing.T) {
	e := dlq.NewEntry(testMessage(42), errors.New("boom"), 3)

	if e.OriginalMessage.Topic != "event-topic" || e.OriginalMessage.Partition != 2 || e.OriginalMessage.Offset != 42 {
		t.Errorf("original = %+v", e.OriginalMessage)
	}
	if e.OriginalMessage.Key != "order-1" || e.OriginalMessage.Value != `{"event":"order.placed"}` {
		t.Errorf("key/value = %q %q", e.OriginalMessage.Key, e.OriginalMessage.Value)
	}
	if e.Error != "boom" || e.ProcessingAttempts != 3 {
		t.Errorf("error=%q attempts=%d", e.Error, e.ProcessingAttempts)
	}
	if e.FailedAt.IsZero() {
		t.Error("FailedAt not set")
	}
}

func TestService_Push_PublishesJSON(t *testing.T) {
	sender := &fakeSender{}
	svc := dlq.NewService(sender, dlq.WithLogger(testLogger()))

	if err := svc.Push(context.Background(), dlq.NewEntry(testMessage(7), errors.New("boom"), 3)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d records, want 1", len(sender.sent))
	}
	rec := sender.sent[0]
	if rec.topic != dlq.DefaultTopic || string(rec.key) != "order-1" {
		t.Errorf("topic=%q key=%q", rec.topic, rec.key)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.value, &body); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	for _, k := range []string{"originalMessage", "error", "processingAttempts", "failedAt"} {
		if _, ok := body[k]; !ok {
			t.Errorf("missing %q in %s", k, rec.value)
		}
	}
	if body["processingAttempts"] != float64(3) {
		t.Errorf("processingAttempts = %v", body["processingAttempts"])
	}
	if svc.Count() != 1 {
		t.Errorf("Count = %d", svc.Count())
	}
}

func TestService_Push_SenderError(t *testing.T) {
	svc := dlq.NewService(&fakeSender{err: errors.New("broker down")},
		dlq.WithTopic("dlq"), dlq.WithLogger(testLogger()))

	err := svc.Push(context.Background(), dlq.NewEntry(testMessage(1), errors.New("x"), 3))
	if err == nil {
		t.Fatal("expected error")
	}
	if svc.Count() != 0 || len(svc.Recent()) != 0 {
		t.Error("failed publish was recorded")
	}
}

func TestService_RecentIsBoundedNewestFirst(t *testing.T) {
	svc := dlq.NewService(&fakeSender{}, dlq.WithRetain(2), dlq.WithLogger(testLogger()))
	ctx := context.Background()
	for off := int64(1); off <= 3; off++ {
		_ = svc.Push(ctx, dlq.NewEntry(testMessage(off), errors.New("x"), 3))
	}

	recent := svc.Recent()
	if len(recent) != 2 {
		t.Fatalf("len(Recent) = %d, want 2", len(recent))
	}
	if recent[0].OriginalMessage.Offset != 3 || recent[1].OriginalMessage.Offset != 2 {
		t.Errorf("offsets = %d, %d; want 3, 2", recent[0].OriginalMessage.Offset, recent[1].OriginalMessage.Offset)
	}
	if svc.Count() != 3 {
		t.Errorf("Count = %d, want 3", svc.Count())
	}
}
