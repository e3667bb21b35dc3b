package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	KindOCR         = "ocr"
	KindPostprocess = "postprocess"
)

var ErrQueueClosed = errors.New("queue closed")

// Job mirrors the message exchanged between the control plane and workers.
type Job struct {
	ID         string    `json:"job_id"`
	Kind       string    `json:"kind"`
	TaskID     uint64    `json:"task_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob allocates the job id up front so it can be recorded before the job is visible.
func NewJob(kind string, taskID uint64) Job {
	return Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		TaskID:     taskID,
		EnqueuedAt: time.Now().UTC(),
	}
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Handler executes one delivery. Deliveries are at-least-once.
type Handler func(ctx context.Context, job Job) error
