package worker

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/sirupsen/logrus"
)

// Heartbeat publishes this worker's liveness and backlog so the control plane
// can report worker_count and queue_size.
type Heartbeat struct {
	runtime     repository.RuntimeRepository
	id          string
	hostname    string
	concurrency int
	lag         func() int64
	interval    time.Duration
	logger      *logrus.Logger
}

func NewHeartbeat(runtime repository.RuntimeRepository, concurrency int, lag func() int64, interval time.Duration, logger *logrus.Logger) *Heartbeat {
	host, _ := os.Hostname()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Heartbeat{
		runtime:     runtime,
		id:          host + "-" + uuid.NewString()[:8],
		hostname:    host,
		concurrency: concurrency,
		lag:         lag,
		interval:    interval,
		logger:      logger,
	}
}

func (h *Heartbeat) ID() string { return h.id }

// Beat writes one heartbeat; its TTL is three intervals.
func (h *Heartbeat) Beat(ctx context.Context) error {
	var lag int64
	if h.lag != nil {
		lag = h.lag()
	}
	return h.runtime.Heartbeat(ctx, repository.WorkerHeartbeat{
		WorkerID:    h.id,
		Hostname:    h.hostname,
		Concurrency: h.concurrency,
		Lag:         lag,
	}, 3*h.interval)
}

func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.logger.WithError(err).Warn("heartbeat failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
