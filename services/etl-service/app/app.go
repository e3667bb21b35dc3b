// Package app 组装 etl-service 与 etl-worker 共用的基础设施
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/database"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/engine"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/provider"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/queue"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/service"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/storage"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/worker"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Infra struct {
	Config  *config.Config
	Logger  *logrus.Logger
	DB      *gorm.DB
	Redis   *redis.Client
	Tasks   repository.TaskRepository
	Rules   repository.RuleRepository
	Docs    repository.DocumentRepository
	Runtime repository.RuntimeRepository
	State   *service.StateStore
	RuleSvc service.RuleService
	Blobs   storage.BlobStore
}

// NewLogger returns a JSON logrus logger at the configured level.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// Open connects the durable store, the runtime store and the blob store.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Infra, error) {
	db, err := database.InitDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	blobs, err := storage.New(ctx, cfg)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("blob store: %w", err)
	}

	tasks := repository.NewTaskRepository(db)
	rules := repository.NewRuleRepository(db)
	runtime := repository.NewRuntimeRepository(rdb, cfg.Redis.KeyPrefix, cfg.ETL.RuntimeTTL(), cfg.ETL.TerminalTTL())

	return &Infra{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Redis:   rdb,
		Tasks:   tasks,
		Rules:   rules,
		Docs:    repository.NewDocumentRepository(db),
		Runtime: runtime,
		State:   service.NewStateStore(tasks, runtime, logger),
		RuleSvc: service.NewRuleService(rules, tasks, logger),
		Blobs:   blobs,
	}, nil
}

// NewJobs wires the OCR provider, the LLM engine and the completion callback
// into a job handler. q receives the follow-up postprocess jobs.
func (i *Infra) NewJobs(q queue.Queue) *worker.Jobs {
	cfg := i.Config
	llm := provider.NewOpenAIClient(cfg.OpenAI, i.Logger)
	return worker.NewJobs(worker.Deps{
		State:      i.State,
		Rules:      i.Rules,
		Blobs:      i.Blobs,
		Parser:     provider.NewMinerUClient(cfg.MinerU, i.Logger),
		Engine:     engine.New(llm, cfg.ETL.MaxRetries, cfg.ETL.PostprocessTruncateLen, i.Logger),
		Callback:   service.NewCompletionCallback(i.Tasks, i.Docs, i.Blobs, cfg.ETL, i.Logger),
		Queue:      q,
		PresignTTL: cfg.Blob.PresignTTL(),
		Logger:     i.Logger,
	})
}

func (i *Infra) Close() {
	if err := i.Redis.Close(); err != nil {
		i.Logger.WithError(err).Warn("redis close")
	}
	if sqlDB, err := i.DB.DB(); err == nil {
		sqlDB.Close()
	}
	if c, ok := i.Blobs.(interface{ Close() error }); ok {
		c.Close()
	}
}
