package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/redis/go-redis/v9"
)

// WorkerHeartbeat is published by every worker consumer on a short TTL.
type WorkerHeartbeat struct {
	WorkerID    string    `json:"worker_id"`
	Hostname    string    `json:"hostname"`
	Concurrency int       `json:"concurrency"`
	Lag         int64     `json:"lag"`
	SeenAt      time.Time `json:"seen_at"`
}

type RuntimeRepository interface {
	Get(ctx context.Context, taskID uint64) (*models.ETLRuntimeState, error)
	Set(ctx context.Context, state *models.ETLRuntimeState) error
	Delete(ctx context.Context, taskID uint64) error
	GetMany(ctx context.Context, taskIDs []uint64) (map[uint64]*models.ETLRuntimeState, error)
	CountTasks(ctx context.Context) (int64, error)
	Heartbeat(ctx context.Context, hb WorkerHeartbeat, ttl time.Duration) error
	Workers(ctx context.Context) ([]WorkerHeartbeat, error)
	Ping(ctx context.Context) error
}

type RuntimeRepositoryImpl struct {
	client      redis.UniversalClient
	prefix      string
	activeTTL   time.Duration
	terminalTTL time.Duration
	now         func() time.Time
}

type RuntimeOption func(*RuntimeRepositoryImpl)

// WithClock overrides the time source used to stamp updated_at.
func WithClock(now func() time.Time) RuntimeOption {
	return func(r *RuntimeRepositoryImpl) { r.now = now }
}

func NewRuntimeRepository(client redis.UniversalClient, prefix string, activeTTL, terminalTTL time.Duration, opts ...RuntimeOption) RuntimeRepository {
	r := &RuntimeRepositoryImpl{
		client:      client,
		prefix:      prefix,
		activeTTL:   activeTTL,
		terminalTTL: terminalTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TaskKey 格式: <prefix>task:<task_id>
func (r *RuntimeRepositoryImpl) TaskKey(taskID uint64) string {
	return r.prefix + "task:" + strconv.FormatUint(taskID, 10)
}

func (r *RuntimeRepositoryImpl) workerKey(workerID string) string {
	return r.prefix + "worker:" + workerID
}

func (r *RuntimeRepositoryImpl) Get(ctx context.Context, taskID uint64) (*models.ETLRuntimeState, error) {
	raw, err := r.client.Get(ctx, r.TaskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRuntimeStateNotFound
		}
		return nil, fmt.Errorf("get runtime state %d: %w", taskID, err)
	}
	var state models.ETLRuntimeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode runtime state %d: %w", taskID, err)
	}
	return &state, nil
}

// Set 写入状态并刷新 updated_at；终态使用更短的 TTL
func (r *RuntimeRepositoryImpl) Set(ctx context.Context, state *models.ETLRuntimeState) error {
	now := r.now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode runtime state %d: %w", state.TaskID, err)
	}
	ttl := r.activeTTL
	if state.IsTerminal() {
		ttl = r.terminalTTL
	}
	if err := r.client.Set(ctx, r.TaskKey(state.TaskID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set runtime state %d: %w", state.TaskID, err)
	}
	return nil
}

func (r *RuntimeRepositoryImpl) Delete(ctx context.Context, taskID uint64) error {
	return r.client.Del(ctx, r.TaskKey(taskID)).Err()
}

func (r *RuntimeRepositoryImpl) GetMany(ctx context.Context, taskIDs []uint64) (map[uint64]*models.ETLRuntimeState, error) {
	out := make(map[uint64]*models.ETLRuntimeState, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = r.TaskKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget runtime states: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var state models.ETLRuntimeState
		if err := json.Unmarshal([]byte(s), &state); err != nil {
			continue
		}
		out[taskIDs[i]] = &state
	}
	return out, nil
}

func (r *RuntimeRepositoryImpl) scanCount(ctx context.Context, pattern string) (int64, error) {
	var n int64
	iter := r.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

func (r *RuntimeRepositoryImpl) CountTasks(ctx context.Context) (int64, error) {
	return r.scanCount(ctx, r.prefix+"task:*")
}

func (r *RuntimeRepositoryImpl) Heartbeat(ctx context.Context, hb WorkerHeartbeat, ttl time.Duration) error {
	hb.SeenAt = r.now()
	raw, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.workerKey(hb.WorkerID), raw, ttl).Err()
}

func (r *RuntimeRepositoryImpl) Workers(ctx context.Context) ([]WorkerHeartbeat, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"worker:*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan workers: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget workers: %w", err)
	}
	workers := make([]WorkerHeartbeat, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var hb WorkerHeartbeat
		if err := json.Unmarshal([]byte(s), &hb); err == nil {
			workers = append(workers, hb)
		}
	}
	return workers, nil
}

func (r *RuntimeRepositoryImpl) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
