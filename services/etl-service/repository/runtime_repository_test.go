package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/redis/go-redis/v9"
)

func setupRuntime(t *testing.T, opts ...RuntimeOption) (*miniredis.Miniredis, RuntimeRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRuntimeRepository(client, "etl:", time.Hour, time.Minute, opts...)
}

func TestRuntimeRepository_KeySchemaAndTTL(t *testing.T) {
	ctx := context.Background()
	mr, repo := setupRuntime(t)

	state := &models.ETLRuntimeState{TaskID: 7, UserID: "u1", Status: models.TaskStatusPending, Phase: models.PhaseOCR}
	if err := repo.Set(ctx, state); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("etl:task:7") {
		t.Fatalf("expected key etl:task:7, keys=%v", mr.Keys())
	}
	if ttl := mr.TTL("etl:task:7"); ttl != time.Hour {
		t.Errorf("active ttl = %v", ttl)
	}
	if state.UpdatedAt.IsZero() || state.CreatedAt.IsZero() {
		t.Errorf("timestamps not stamped: %+v", state)
	}

	state.Status = models.TaskStatusCompleted
	if err := repo.Set(ctx, state); err != nil {
		t.Fatalf("set terminal: %v", err)
	}
	if ttl := mr.TTL("etl:task:7"); ttl != time.Minute {
		t.Errorf("terminal ttl = %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := repo.Get(ctx, 7); !errors.Is(err, ErrRuntimeStateNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestRuntimeRepository_GetManyAndCount(t *testing.T) {
	ctx := context.Background()
	_, repo := setupRuntime(t)

	for _, id := range []uint64{1, 2, 3} {
		if err := repo.Set(ctx, &models.ETLRuntimeState{TaskID: id, Status: models.TaskStatusMineruParsing, Progress: int(id)}); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	got, err := repo.GetMany(ctx, []uint64{1, 3, 9})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 2 || got[3].Progress != 3 {
		t.Fatalf("unexpected states: %+v", got)
	}
	if _, ok := got[9]; ok {
		t.Errorf("missing id should not be present")
	}

	n, err := repo.CountTasks(ctx)
	if err != nil || n != 3 {
		t.Errorf("count = %d, %v", n, err)
	}
	if err := repo.Delete(ctx, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := repo.CountTasks(ctx); n != 2 {
		t.Errorf("count after delete = %d", n)
	}
}

func TestRuntimeRepository_Clock(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	_, repo := setupRuntime(t, WithClock(func() time.Time { return past }))

	if err := repo.Set(ctx, &models.ETLRuntimeState{TaskID: 1, Status: models.TaskStatusMineruParsing}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := repo.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.UpdatedAt.Equal(past) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, past)
	}
}

func TestRuntimeRepository_Heartbeats(t *testing.T) {
	ctx := context.Background()
	mr, repo := setupRuntime(t)

	if err := repo.Heartbeat(ctx, WorkerHeartbeat{WorkerID: "w1", Lag: 3}, 30*time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := repo.Heartbeat(ctx, WorkerHeartbeat{WorkerID: "w2", Lag: 4}, 30*time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	workers, err := repo.Workers(ctx)
	if err != nil || len(workers) != 2 {
		t.Fatalf("workers = %v, %v", workers, err)
	}
	// worker keys must not be counted as tasks
	if n, _ := repo.CountTasks(ctx); n != 0 {
		t.Errorf("task count = %d", n)
	}

	mr.FastForward(time.Minute)
	workers, err = repo.Workers(ctx)
	if err != nil || len(workers) != 0 {
		t.Fatalf("expected heartbeats to expire, got %v, %v", workers, err)
	}
}
