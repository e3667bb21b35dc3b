package queue

import (
	"context"
	"sync"
	"time"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	"github.com/sirupsen/logrus"
)

type workerCtxKey struct{}

// MemoryQueue is an in-process queue for single-binary deployments.
// External producers block while size jobs are pending; jobs enqueued from
// inside a handler are always accepted, since the workers are the only consumers.
type MemoryQueue struct {
	size       int
	workers    int
	jobTimeout time.Duration
	logger     *logrus.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Job
	closed  bool
	started bool
	wg      sync.WaitGroup
}

type MemoryOption func(*MemoryQueue)

func WithWorkers(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.size = n
		}
	}
}

func WithJobTimeout(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.jobTimeout = d
		}
	}
}

func NewMemoryQueue(logger *logrus.Logger, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		size:       256,
		workers:    2,
		jobTimeout: 15 * time.Minute,
		logger:     logger,
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the workers. Jobs enqueued before Start stay pending.
func (q *MemoryQueue) Start(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i, handler)
	}
}

func (q *MemoryQueue) worker(id int, handler Handler) {
	defer q.wg.Done()
	q.logger.WithField("worker_id", id).Info("memory queue worker started")
	for {
		job, ok := q.pop()
		if !ok {
			break
		}
		ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), workerCtxKey{}, true), q.jobTimeout)
		err := handler(ctx, job)
		cancel()
		if err != nil {
			q.logger.WithError(err).WithFields(logrus.Fields{
				"job_id":  job.ID,
				"kind":    job.Kind,
				"task_id": job.TaskID,
			}).Error("job handler failed")
		}
	}
	q.logger.WithField("worker_id", id).Info("memory queue worker stopped")
}

// pop blocks for the next job; false once the queue is closed and drained.
func (q *MemoryQueue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return Job{}, false
	}
	job := q.pending[0]
	q.pending[0] = Job{}
	q.pending = q.pending[1:]
	q.cond.Broadcast()
	return job, true
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	fromWorker, _ := ctx.Value(workerCtxKey{}).(bool)

	q.mu.Lock()
	defer q.mu.Unlock()
	// 关闭后仍接收 handler 产生的后续任务，由排空中的 worker 处理
	if q.closed && !fromWorker {
		return ErrQueueClosed
	}
	if !fromWorker {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer stop()
		for len(q.pending) >= q.size && !q.closed {
			if err := ctx.Err(); err != nil {
				metrics.JobsEnqueued.WithLabelValues(job.Kind, "error").Inc()
				return err
			}
			q.cond.Wait()
		}
		if q.closed {
			return ErrQueueClosed
		}
	}
	q.pending = append(q.pending, job)
	q.cond.Broadcast()
	metrics.JobsEnqueued.WithLabelValues(job.Kind, "ok").Inc()
	return nil
}

// Len reports the number of pending jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting external jobs and waits for pending jobs to drain.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
