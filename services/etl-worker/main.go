package main

import (
	"context"
	"log"
	"net"
	"os/signal"
	"syscall"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	grpcMetrics "github.com/puppyone-ai/puppyone-etl/pkg/metrics/grpc"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/app"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/queue"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/worker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg.Log.Level)
	if cfg.Queue.Driver != "kafka" {
		logger.Fatalf("etl-worker requires QUEUE_DRIVER=kafka, got %q", cfg.Queue.Driver)
	}

	// 启动 Prometheus metrics 服务器
	metrics.StartMetricsServer(cfg.HTTP.MetricsPort)
	logger.Infof("Prometheus metrics server started on :%s", cfg.HTTP.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("init infrastructure")
	}
	defer infra.Close()

	// postprocess 任务回写同一个 topic
	producer := queue.NewKafkaQueue(cfg.Queue.Brokers, cfg.Queue.Topic)
	defer producer.Close()

	jobs := infra.NewJobs(producer)
	consumer := queue.NewKafkaConsumer(
		cfg.Queue.Brokers, cfg.Queue.Topic, cfg.Queue.GroupID,
		cfg.Queue.WorkerConcurrency, cfg.ETL.TaskTimeout(),
		jobs.Handle, logger,
	)

	hb := worker.NewHeartbeat(infra.Runtime, cfg.Queue.WorkerConcurrency, consumer.Lag, 0, logger)
	go hb.Run(ctx)
	logger.WithField("worker_id", hb.ID()).Info("heartbeat started")

	// gRPC 仅提供健康检查
	lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		logger.WithError(err).Fatal("listen")
	}
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcMetrics.UnaryServerInterceptor("etl-worker")),
		grpc.StreamInterceptor(grpcMetrics.StreamServerInterceptor("etl-worker")),
	)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)
	go func() {
		logger.Infof("ETL worker gRPC health server listening on %s", cfg.GRPC.Port)
		if err := grpcServer.Serve(lis); err != nil {
			logger.WithError(err).Error("grpc serve")
		}
	}()

	consumer.Run(ctx)

	logger.Info("consumer stopped, shutting down")
	healthSrv.Shutdown()
	grpcServer.GracefulStop()
}
