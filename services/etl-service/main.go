package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/app"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/handler/api"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/queue"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/service"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg.Log.Level)

	// 启动 Prometheus metrics 服务器
	metricsSrv := metrics.StartMetricsServer(cfg.HTTP.MetricsPort)
	logger.Infof("Prometheus metrics server started on :%s", cfg.HTTP.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("init infrastructure")
	}
	defer infra.Close()

	// kafka: 由独立的 etl-worker 消费；memory: 本进程内执行
	var (
		q    queue.Queue
		opts []service.Option
	)
	switch cfg.Queue.Driver {
	case "memory":
		mq := queue.NewMemoryQueue(logger,
			queue.WithWorkers(cfg.Queue.WorkerConcurrency),
			queue.WithJobTimeout(cfg.ETL.TaskTimeout()),
		)
		mq.Start(infra.NewJobs(mq).Handle)
		opts = append(opts, service.WithQueueDepth(func() int64 { return int64(mq.Len()) }))
		q = mq
		logger.Infof("in-process worker started: concurrency=%d", cfg.Queue.WorkerConcurrency)
	default:
		q = queue.NewKafkaQueue(cfg.Queue.Brokers, cfg.Queue.Topic)
		logger.Infof("kafka producer ready: topic=%s", cfg.Queue.Topic)
	}

	svc := service.NewETLService(infra.State, infra.RuleSvc, q, infra.Blobs, cfg, logger, opts...)
	go svc.RunSweeper(ctx, cfg.ETL.SweepInterval())

	srv := &http.Server{
		Addr: ":" + cfg.HTTP.Port,
		Handler: api.NewRouter(api.RouterDeps{
			Tasks:     svc,
			Rules:     infra.RuleSvc,
			JWTSecret: cfg.Auth.JWTSecret,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("ETL HTTP server listening on %s", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http serve")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	// memory 队列会等待在途任务结束
	if err := q.Close(); err != nil {
		logger.WithError(err).Warn("queue close")
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
}
