package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
	lag       int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{Lag: r.lag} }
func (r *fakeReader) Close() error             { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestSplitBrokers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a:9092", []string{"a:9092"}},
		{" a:9092, ,b:9092 ", []string{"a:9092", "b:9092"}},
	}
	for _, tt := range tests {
		if got := SplitBrokers(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitBrokers(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestKafkaQueue_EnqueueKeysByTask(t *testing.T) {
	w := &fakeWriter{}
	q := &KafkaQueue{writer: w, topic: "etl.jobs"}

	job := NewJob(KindOCR, 42)
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "42" {
		t.Errorf("key = %q", msg.Key)
	}
	var got Job
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != job.ID || got.Kind != KindOCR || got.TaskID != 42 {
		t.Errorf("decoded job = %+v", got)
	}

	w.err = errors.New("broker down")
	if err := q.Enqueue(context.Background(), NewJob(KindPostprocess, 42)); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestKafkaConsumer_HandlesAndCommits(t *testing.T) {
	good, _ := json.Marshal(NewJob(KindOCR, 1))
	failing, _ := json.Marshal(NewJob(KindPostprocess, 2))
	r := &fakeReader{
		pending: []kafka.Message{
			{Value: good, Offset: 1},
			{Value: []byte("not json"), Offset: 2},
			{Value: failing, Offset: 3},
		},
		lag: 5,
	}

	var mu sync.Mutex
	var handled []Job
	handler := func(ctx context.Context, job Job) error {
		mu.Lock()
		handled = append(handled, job)
		mu.Unlock()
		if job.Kind == KindPostprocess {
			return errors.New("llm down")
		}
		return nil
	}

	c := newKafkaConsumer([]messageReader{r}, "etl.jobs", time.Second, handler, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.committedCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if n := r.committedCount(); n != 3 {
		t.Fatalf("committed %d messages, want 3", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 {
		t.Fatalf("handled %d jobs, want 2 (malformed is dropped)", len(handled))
	}
	if c.Lag() != 5 {
		t.Errorf("lag = %d", c.Lag())
	}
}

func TestMemoryQueue_RunsJobsAndDrains(t *testing.T) {
	q := NewMemoryQueue(quietLogger(), WithWorkers(2), WithQueueSize(8))

	var mu sync.Mutex
	seen := map[uint64]bool{}
	for i := uint64(1); i <= 5; i++ {
		if err := q.Enqueue(context.Background(), NewJob(KindOCR, i)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if q.Len() != 5 {
		t.Errorf("buffered = %d", q.Len())
	}
	q.Start(func(ctx context.Context, job Job) error {
		mu.Lock()
		seen[job.TaskID] = true
		mu.Unlock()
		return nil
	})
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(seen) != 5 {
		t.Errorf("ran %d jobs, want 5", len(seen))
	}
	if err := q.Enqueue(context.Background(), NewJob(KindOCR, 9)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestMemoryQueue_FollowUpsNeverBlockWorkers(t *testing.T) {
	q := NewMemoryQueue(quietLogger(), WithWorkers(1), WithQueueSize(1), WithJobTimeout(500*time.Millisecond))

	var mu sync.Mutex
	var errs []error
	done := map[uint64]bool{}
	q.Start(func(ctx context.Context, job Job) error {
		if job.Kind == KindOCR {
			if err := q.Enqueue(ctx, NewJob(KindPostprocess, job.TaskID)); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		}
		mu.Lock()
		done[job.TaskID] = true
		mu.Unlock()
		return nil
	})

	for i := uint64(1); i <= 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := q.Enqueue(ctx, NewJob(KindOCR, i))
		cancel()
		if err != nil {
			t.Fatalf("enqueue ocr %d: %v", i, err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(errs) != 0 {
		t.Fatalf("follow-up enqueue errors: %v", errs)
	}
	if len(done) != 3 {
		t.Errorf("postprocess jobs run = %d, want 3", len(done))
	}
}

func TestMemoryQueue_FullQueueHonoursContext(t *testing.T) {
	q := NewMemoryQueue(quietLogger(), WithQueueSize(1))
	if err := q.Enqueue(context.Background(), NewJob(KindOCR, 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, NewJob(KindOCR, 2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("pending = %d", q.Len())
	}
}
