package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/engine"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/queue"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/service"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) last(t *testing.T, kind string) queue.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.jobs) - 1; i >= 0; i-- {
		if q.jobs[i].Kind == kind {
			return q.jobs[i]
		}
	}
	t.Fatalf("no %s job enqueued", kind)
	return queue.Job{}
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (b *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
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

type fakeParser struct {
	markdown string
	err      error
	calls    int
	urls     []string
	during   func()
}

func (p *fakeParser) Parse(_ context.Context, fileURL string) (string, string, error) {
	p.calls++
	p.urls = append(p.urls, fileURL)
	if p.during != nil {
		p.during()
	}
	if p.err != nil {
		return "", "m-task", p.err
	}
	return p.markdown, "m-task", nil
}

// scriptedLLM replays replies in order and repeats the last one.
type scriptedLLM struct {
	replies []string
	calls   int
}

func (s *scriptedLLM) CompleteJSON(_ context.Context, _, _ string) (string, error) {
	i := s.calls
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	s.calls++
	return s.replies[i], nil
}

// flakyRuntime fails Set for states matched by failSet, once each time failSet is armed.
type flakyRuntime struct {
	repository.RuntimeRepository
	mu      sync.Mutex
	failSet func(*models.ETLRuntimeState) bool
}

func (r *flakyRuntime) Set(ctx context.Context, state *models.ETLRuntimeState) error {
	r.mu.Lock()
	fail := r.failSet != nil && r.failSet(state)
	if fail {
		r.failSet = nil
	}
	r.mu.Unlock()
	if fail {
		return errors.New("redis: connection reset")
	}
	return r.RuntimeRepository.Set(ctx, state)
}

type fixture struct {
	mr      *miniredis.Miniredis
	tasks   repository.TaskRepository
	runtime repository.RuntimeRepository
	flaky   *flakyRuntime
	docs    repository.DocumentRepository
	rules   service.RuleService
	svc     service.ETLService
	queue   *fakeQueue
	blobs   *fakeBlobs
	parser  *fakeParser
	llm     *scriptedLLM
	cfg     *config.Config
	jobs    *Jobs
}

func newFixture(t *testing.T) *fixture {
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

	cfg := &config.Config{
		Blob: config.BlobConfig{PresignExpiry: 600},
		ETL: config.ETLConfig{
			TaskTimeoutSeconds:    900,
			StaleBufferSeconds:    60,
			RuntimeTTLSeconds:     3600,
			TerminalTTLSeconds:    60,
			MaxRetries:            2,
			CallbackMaxAttempts:   3,
			CallbackBaseBackoffMs: 1,
			MaxBatchSize:          10,
		},
	}

	ruleRepo := repository.NewRuleRepository(db)
	f := &fixture{
		mr:      mr,
		tasks:   repository.NewTaskRepository(db),
		runtime: repository.NewRuntimeRepository(client, "etl:", cfg.ETL.RuntimeTTL(), cfg.ETL.TerminalTTL()),
		docs:    repository.NewDocumentRepository(db),
		queue:   &fakeQueue{},
		blobs:   &fakeBlobs{objects: map[string][]byte{}},
		parser:  &fakeParser{markdown: "# Q3 report\n\nRevenue grew."},
		llm:     &scriptedLLM{replies: []string{`{"title":"Q3 report","content":"Revenue grew."}`}},
		cfg:     cfg,
	}
	f.flaky = &flakyRuntime{RuntimeRepository: f.runtime}
	state := service.NewStateStore(f.tasks, f.flaky, log)
	f.rules = service.NewRuleService(ruleRepo, f.tasks, log)
	f.svc = service.NewETLService(state, f.rules, f.queue, f.blobs, cfg, log)
	f.jobs = NewJobs(Deps{
		State:      state,
		Rules:      ruleRepo,
		Blobs:      f.blobs,
		Parser:     f.parser,
		Engine:     engine.New(f.llm, cfg.ETL.MaxRetries, 0, log),
		Callback:   service.NewCompletionCallback(f.tasks, f.docs, f.blobs, cfg.ETL, log),
		Queue:      f.queue,
		PresignTTL: cfg.Blob.PresignTTL(),
		Logger:     log,
	})
	return f
}

func (f *fixture) llmRule(t *testing.T) *models.ETLRule {
	t.Helper()
	rule, err := f.rules.Create(context.Background(), "u1", service.CreateRuleRequest{
		Name: "report",
		JSONSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"title", "content"},
			"properties": map[string]interface{}{
				"title":   map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
			},
		},
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func (f *fixture) submit(t *testing.T, ruleID string, meta map[string]interface{}) *models.ETLTask {
	t.Helper()
	task, err := f.svc.Submit(context.Background(), service.SubmitRequest{
		UserID:    "u1",
		ProjectID: "p1",
		Filename:  "report.pdf",
		RuleID:    ruleID,
		SourceKey: "raw/u1/p1/report.pdf",
		Metadata:  meta,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

func (f *fixture) handle(t *testing.T, job queue.Job) {
	t.Helper()
	if err := f.jobs.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle %s job: %v", job.Kind, err)
	}
}

func (f *fixture) ttl(taskID uint64) time.Duration {
	return f.mr.TTL(f.runtime.(*repository.RuntimeRepositoryImpl).TaskKey(taskID))
}
