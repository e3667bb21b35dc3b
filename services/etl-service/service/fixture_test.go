package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/queue"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	putErr  error
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{objects: map[string][]byte{}} }

func (b *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	b.puts++
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (b *fakeBlobs) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *fakeBlobs) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blob.test/" + key, nil
}

type fixture struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	db      *gorm.DB
	tasks   repository.TaskRepository
	runtime repository.RuntimeRepository
	docs    repository.DocumentRepository
	rules   RuleService
	state   *StateStore
	queue   *fakeQueue
	blobs   *fakeBlobs
	cfg     *config.Config
	logger  *logrus.Logger
	svc     ETLService
}

func testConfig() *config.Config {
	return &config.Config{
		Blob: config.BlobConfig{PresignExpiry: 600},
		ETL: config.ETLConfig{
			TaskTimeoutSeconds:    900,
			StaleBufferSeconds:    60,
			RuntimeTTLSeconds:     3600,
			TerminalTTLSeconds:    60,
			MaxRetries:            2,
			CallbackMaxAttempts:   3,
			CallbackBaseBackoffMs: 1,
			MaxBatchSize:          3,
		},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&models.ETLTask{}, &models.ETLRule{}, &models.TargetDocument{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := testConfig()
	f := &fixture{
		mr:      mr,
		client:  client,
		db:      db,
		tasks:   repository.NewTaskRepository(db),
		runtime: repository.NewRuntimeRepository(client, "etl:", cfg.ETL.RuntimeTTL(), cfg.ETL.TerminalTTL()),
		docs:    repository.NewDocumentRepository(db),
		queue:   &fakeQueue{},
		blobs:   newFakeBlobs(),
		cfg:     cfg,
		logger:  log,
	}
	f.rules = NewRuleService(repository.NewRuleRepository(db), f.tasks, log)
	f.state = NewStateStore(f.tasks, f.runtime, log)
	f.svc = NewETLService(f.state, f.rules, f.queue, f.blobs, cfg, log, opts...)
	return f
}

// runtimeAt returns a runtime repository that stamps updated_at with a fixed time.
func (f *fixture) runtimeAt(at time.Time) repository.RuntimeRepository {
	return repository.NewRuntimeRepository(f.client, "etl:", f.cfg.ETL.RuntimeTTL(), f.cfg.ETL.TerminalTTL(),
		repository.WithClock(func() time.Time { return at }))
}

func (f *fixture) submit(t *testing.T, userID string) *models.ETLTask {
	t.Helper()
	task, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:    userID,
		ProjectID: "p1",
		Filename:  "a.pdf",
		SourceKey: "raw/" + userID + "/p1/a.pdf",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

// setStatus forces a task into a status in both stores.
func (f *fixture) setStatus(t *testing.T, id uint64, status string, mutate func(*models.ETLRuntimeState)) {
	t.Helper()
	ctx := context.Background()
	if err := f.tasks.Update(ctx, id, map[string]interface{}{"status": status}); err != nil {
		t.Fatalf("update: %v", err)
	}
	state, err := f.runtime.Get(ctx, id)
	if err != nil {
		t.Fatalf("runtime get: %v", err)
	}
	state.Status = status
	if mutate != nil {
		mutate(state)
	}
	if err := f.runtime.Set(ctx, state); err != nil {
		t.Fatalf("runtime set: %v", err)
	}
}

func (f *fixture) llmRule(t *testing.T, userID string) *models.ETLRule {
	t.Helper()
	rule, err := f.rules.Create(context.Background(), userID, CreateRuleRequest{
		Name: "doc",
		JSONSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"title", "content"},
		},
		SystemPrompt: "extract",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
