package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/switchboard/backoff"
	"github.com/xraph/switchboard/ingest"
)

type flakyWriter struct {
	mu       sync.Mutex
	failures []error
	written  []kafka.Message
	calls    int
}

func (w *flakyWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *flakyWriter) Close() error { return nil }

func newProducer(w ingest.Writer) *ingest.Producer {
	return ingest.NewProducer(w,
		ingest.WithProducerLogger(testLogger()),
		ingest.WithProducerBackoff(backoff.NewConstant(time.Millisecond)),
	)
}

func TestProducer_RetriesTransientFailures(t *testing.T) {
	w := &flakyWriter{failures: []error{errors.New("dial tcp: refused"), kafka.LeaderNotAvailable}}
	p := newProducer(w)

	if err := p.Send(context.Background(), "dead-letter-queue", []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if w.calls != 3 || len(w.written) != 1 {
		t.Fatalf("calls = %d written = %d", w.calls, len(w.written))
	}
	m := w.written[0]
	if m.Topic != "dead-letter-queue" || string(m.Key) != "k" || string(m.Value) != "v" {
		t.Errorf("message = %+v", m)
	}
}

func TestProducer_PermanentErrorReturned(t *testing.T) {
	w := &flakyWriter{failures: []error{kafka.MessageSizeTooLarge}}
	p := newProducer(w)

	err := p.Send(context.Background(), "t", nil, []byte("v"))
	if !errors.Is(err, kafka.MessageSizeTooLarge) {
		t.Fatalf("err = %v, want MessageSizeTooLarge", err)
	}
	if w.calls != 1 {
		t.Errorf("calls = %d, want 1", w.calls)
	}
}

func TestProducer_StopsOnCancel(t *testing.T) {
	fail := make([]error, 1000)
	for i := range fail {
		fail[i] = errors.New("broker down")
	}
	p := newProducer(&flakyWriter{failures: fail})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Send(ctx, "t", nil, []byte("v")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestNoopProducer(t *testing.T) {
	var s ingest.Sender = ingest.NoopProducer{Logger: testLogger()}
	if err := s.Send(context.Background(), "t", nil, []byte("v")); err != nil {
		t.Errorf("Send: %v", err)
	}
}
