package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP/gRPC 请求指标
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of requests",
		},
		[]string{"service", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// 消息队列指标
	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_total",
			Help: "Total number of Kafka messages consumed",
		},
		[]string{"topic", "status"},
	)

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_jobs_enqueued_total",
			Help: "Jobs handed to the queue",
		},
		[]string{"kind", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etl_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind", "outcome"},
	)

	// 业务指标
	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_tasks_finished_total",
			Help: "Tasks that reached a terminal status",
		},
		[]string{"status", "stage"},
	)

	TransformAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "etl_transform_attempts",
			Help:    "LLM attempts used per transformation",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	StaleTasksReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_stale_tasks_reconciled_total",
			Help: "Tasks failed because their runtime state went stale",
		},
		[]string{"source"},
	)

	CallbackOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_completion_callbacks_total",
			Help: "Completion callback outcomes",
		},
		[]string{"outcome"},
	)
)

func init() {
	// 注册所有指标
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		KafkaMessagesTotal,
		JobsEnqueued,
		JobDuration,
		TasksFinished,
		TransformAttempts,
		StaleTasksReconciled,
		CallbackOutcomes,
	)
}

// StartMetricsServer 启动独立的 metrics HTTP 服务器
func StartMetricsServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic("failed to start metrics server: " + err.Error())
		}
	}()
	return srv
}

// RecordRequest 记录请求指标的助手函数
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

func RecordJob(kind, outcome string, duration time.Duration) {
	JobDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}
