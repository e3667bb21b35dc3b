package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Blob     BlobConfig     `mapstructure:"blob"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	MinerU   MinerUConfig   `mapstructure:"mineru"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	ETL      ETLConfig      `mapstructure:"etl"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type HTTPConfig struct {
	Port        string `mapstructure:"port"`
	MetricsPort string `mapstructure:"metrics_port"`
}

// GRPCConfig 仅用于 worker 的健康检查服务
type GRPCConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"` // postgres | sqlite
	Host       string `mapstructure:"host"`
	Port       string `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbname"`
	SSLMode    string `mapstructure:"sslmode"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// QueueConfig: Brokers 即队列连接串，Topic 即队列名
type QueueConfig struct {
	Driver            string `mapstructure:"driver"` // kafka | memory
	Brokers           string `mapstructure:"brokers"`
	Topic             string `mapstructure:"topic"`
	GroupID           string `mapstructure:"group_id"`
	WorkerConcurrency int    `mapstructure:"worker_concurrency"`
}

type BlobConfig struct {
	Driver        string `mapstructure:"driver"` // minio | gocloud
	BucketURL     string `mapstructure:"bucket_url"`
	PresignExpiry int    `mapstructure:"presign_expiry_seconds"`
}

type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key"`
	SecretAccessKey string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket"`
}

type MinerUConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	APIKey              string `mapstructure:"api_key"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	PollTimeoutSeconds  int    `mapstructure:"poll_timeout_seconds"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

type ETLConfig struct {
	TaskTimeoutSeconds     int `mapstructure:"task_timeout_seconds"`
	StaleBufferSeconds     int `mapstructure:"stale_buffer_seconds"`
	RuntimeTTLSeconds      int `mapstructure:"runtime_ttl_seconds"`
	TerminalTTLSeconds     int `mapstructure:"terminal_ttl_seconds"`
	MaxRetries             int `mapstructure:"max_retries"`
	SweepIntervalSeconds   int `mapstructure:"sweep_interval_seconds"`
	CallbackMaxAttempts    int `mapstructure:"callback_max_attempts"`
	CallbackBaseBackoffMs  int `mapstructure:"callback_base_backoff_ms"`
	MaxBatchSize           int `mapstructure:"max_batch_size"`
	PostprocessTruncateLen int `mapstructure:"postprocess_truncate_chars"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

var envBindings = map[string]string{
	"http.port":                      "HTTP_PORT",
	"http.metrics_port":              "METRICS_PORT",
	"grpc.port":                      "GRPC_PORT",
	"log.level":                      "LOG_LEVEL",
	"database.driver":                "DB_DRIVER",
	"database.host":                  "DB_HOST",
	"database.port":                  "DB_PORT",
	"database.user":                  "DB_USER",
	"database.password":              "DB_PASSWORD",
	"database.dbname":                "DB_NAME",
	"database.sslmode":               "DB_SSLMODE",
	"database.sqlite_path":           "DB_SQLITE_PATH",
	"redis.addr":                     "REDIS_ADDR",
	"redis.password":                 "REDIS_PASSWORD",
	"redis.db":                       "REDIS_DB",
	"redis.key_prefix":               "REDIS_KEY_PREFIX",
	"queue.driver":                   "QUEUE_DRIVER",
	"queue.brokers":                  "QUEUE_BROKERS",
	"queue.topic":                    "QUEUE_TOPIC",
	"queue.group_id":                 "QUEUE_GROUP_ID",
	"queue.worker_concurrency":       "QUEUE_WORKER_CONCURRENCY",
	"blob.driver":                    "BLOB_DRIVER",
	"blob.bucket_url":                "BLOB_BUCKET_URL",
	"blob.presign_expiry_seconds":    "BLOB_PRESIGN_EXPIRY_SECONDS",
	"minio.endpoint":                 "MINIO_ENDPOINT",
	"minio.access_key":               "MINIO_ACCESS_KEY",
	"minio.secret_key":               "MINIO_SECRET_KEY",
	"minio.use_ssl":                  "MINIO_USE_SSL",
	"minio.bucket":                   "MINIO_BUCKET_NAME",
	"mineru.base_url":                "MINERU_BASE_URL",
	"mineru.api_key":                 "MINERU_API_KEY",
	"mineru.poll_interval_seconds":   "MINERU_POLL_INTERVAL_SECONDS",
	"mineru.poll_timeout_seconds":    "MINERU_POLL_TIMEOUT_SECONDS",
	"openai.api_key":                 "OPENAI_API_KEY",
	"openai.base_url":                "OPENAI_BASE_URL",
	"openai.model":                   "OPENAI_MODEL",
	"openai.temperature":             "OPENAI_TEMPERATURE",
	"etl.task_timeout_seconds":       "ETL_TASK_TIMEOUT_SECONDS",
	"etl.stale_buffer_seconds":       "ETL_STALE_BUFFER_SECONDS",
	"etl.runtime_ttl_seconds":        "ETL_RUNTIME_TTL_SECONDS",
	"etl.terminal_ttl_seconds":       "ETL_TERMINAL_TTL_SECONDS",
	"etl.max_retries":                "ETL_MAX_RETRIES",
	"etl.sweep_interval_seconds":     "ETL_SWEEP_INTERVAL_SECONDS",
	"etl.callback_max_attempts":      "ETL_CALLBACK_MAX_ATTEMPTS",
	"etl.callback_base_backoff_ms":   "ETL_CALLBACK_BASE_BACKOFF_MS",
	"etl.max_batch_size":             "ETL_MAX_BATCH_SIZE",
	"etl.postprocess_truncate_chars": "ETL_POSTPROCESS_TRUNCATE_CHARS",
	"auth.jwt_secret":                "JWT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8090")
	v.SetDefault("http.metrics_port", "2112")
	v.SetDefault("grpc.port", "50060")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.sqlite_path", "etl.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "etl:")

	v.SetDefault("queue.driver", "kafka")
	v.SetDefault("queue.topic", "etl.jobs")
	v.SetDefault("queue.group_id", "etl-worker")
	v.SetDefault("queue.worker_concurrency", 4)

	v.SetDefault("blob.driver", "minio")
	v.SetDefault("blob.presign_expiry_seconds", 3600)

	v.SetDefault("mineru.base_url", "https://mineru.net/api/v4")
	v.SetDefault("mineru.poll_interval_seconds", 3)
	v.SetDefault("mineru.poll_timeout_seconds", 600)

	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.temperature", 0.1)

	v.SetDefault("etl.task_timeout_seconds", 900)
	v.SetDefault("etl.stale_buffer_seconds", 60)
	v.SetDefault("etl.runtime_ttl_seconds", 86400)
	v.SetDefault("etl.terminal_ttl_seconds", 600)
	v.SetDefault("etl.max_retries", 2)
	v.SetDefault("etl.sweep_interval_seconds", 120)
	v.SetDefault("etl.callback_max_attempts", 5)
	v.SetDefault("etl.callback_base_backoff_ms", 200)
	v.SetDefault("etl.max_batch_size", 50)
	v.SetDefault("etl.postprocess_truncate_chars", 60000)
}

// LoadConfig 读取 .env（可选）和环境变量
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	switch c.Queue.Driver {
	case "kafka":
		if c.Queue.Brokers == "" {
			return fmt.Errorf("config: QUEUE_BROKERS is required for the kafka queue")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown queue driver %q", c.Queue.Driver)
	}
	switch c.Blob.Driver {
	case "minio", "gocloud":
	default:
		return fmt.Errorf("config: unknown blob driver %q", c.Blob.Driver)
	}
	if c.Queue.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: worker concurrency must be positive")
	}
	e := c.ETL
	if e.TaskTimeoutSeconds <= 0 || e.RuntimeTTLSeconds <= 0 || e.TerminalTTLSeconds <= 0 {
		return fmt.Errorf("config: task timeout and ttls must be positive")
	}
	if e.TerminalTTLSeconds >= e.RuntimeTTLSeconds {
		return fmt.Errorf("config: terminal ttl (%ds) must be shorter than runtime ttl (%ds)", e.TerminalTTLSeconds, e.RuntimeTTLSeconds)
	}
	if e.StaleBufferSeconds < 0 || e.MaxRetries < 0 {
		return fmt.Errorf("config: stale buffer and max retries must not be negative")
	}
	if e.RuntimeTTLSeconds <= e.TaskTimeoutSeconds+e.StaleBufferSeconds {
		return fmt.Errorf("config: runtime ttl (%ds) must exceed task timeout + stale buffer (%ds)",
			e.RuntimeTTLSeconds, e.TaskTimeoutSeconds+e.StaleBufferSeconds)
	}
	if e.CallbackMaxAttempts <= 0 || e.MaxBatchSize <= 0 {
		return fmt.Errorf("config: callback attempts and batch size must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func (e ETLConfig) TaskTimeout() time.Duration { return time.Duration(e.TaskTimeoutSeconds) * time.Second }
func (e ETLConfig) StaleBuffer() time.Duration { return time.Duration(e.StaleBufferSeconds) * time.Second }
func (e ETLConfig) RuntimeTTL() time.Duration  { return time.Duration(e.RuntimeTTLSeconds) * time.Second }
func (e ETLConfig) TerminalTTL() time.Duration { return time.Duration(e.TerminalTTLSeconds) * time.Second }
func (e ETLConfig) SweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalSeconds) * time.Second
}
func (e ETLConfig) CallbackBaseBackoff() time.Duration {
	return time.Duration(e.CallbackBaseBackoffMs) * time.Millisecond
}

func (b BlobConfig) PresignTTL() time.Duration { return time.Duration(b.PresignExpiry) * time.Second }

func (m MinerUConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalSeconds) * time.Second
}
func (m MinerUConfig) PollTimeout() time.Duration {
	return time.Duration(m.PollTimeoutSeconds) * time.Second
}
