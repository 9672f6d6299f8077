package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Addr        string
	Storage     string
	DatabaseURL string
	LogMode     string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	ProviderTimeout time.Duration
	Environment     string

	APIKey      string
	JWTSecret   string
	JWTScope    string
	CORSOrigins []string

	QueueBackend  string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroupID  string
	RedisURL      string
	RedisQueueKey string

	S3Bucket string
	S3Prefix string

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerLease        time.Duration
	RetryBase          time.Duration
	RetryMax           time.Duration
	MaxRetries         int
}

const (
	defaultAddr       = ":8000"
	defaultKafkaTopic = "promptledger.executions"
)

// Load reads configuration from the environment. Keys map to upper-case
// variables with dots replaced by underscores, e.g. worker.concurrency is
// WORKER_CONCURRENCY.
func Load() (Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("storage", StoragePostgres)
	v.SetDefault("log.mode", "production")
	v.SetDefault("openai.base_url", "https://api.openai.com")
	v.SetDefault("provider.timeout", 60*time.Second)
	v.SetDefault("environment", "dev")
	v.SetDefault("jwt.scope", "")
	v.SetDefault("cors.origins", "*")
	v.SetDefault("queue.backend", "postgres")
	v.SetDefault("kafka.topic", defaultKafkaTopic)
	v.SetDefault("kafka.group_id", "promptledger-runner")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.queue_key", "promptledger:executions")
	v.SetDefault("s3.prefix", "promptledger")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.lease", 10*time.Minute)
	v.SetDefault("retry.base", 5*time.Second)
	v.SetDefault("retry.max", 20*time.Second)
	v.SetDefault("retry.count", 3)

	cfg := Config{
		Addr:        v.GetString("addr"),
		Storage:     strings.ToLower(v.GetString("storage")),
		DatabaseURL: v.GetString("database_url"),
		LogMode:     v.GetString("log.mode"),

		OpenAIAPIKey:    v.GetString("openai.api_key"),
		OpenAIBaseURL:   v.GetString("openai.base_url"),
		ProviderTimeout: v.GetDuration("provider.timeout"),
		Environment:     v.GetString("environment"),

		APIKey:      v.GetString("api_key"),
		JWTSecret:   v.GetString("jwt.secret"),
		JWTScope:    v.GetString("jwt.scope"),
		CORSOrigins: splitList(v.GetString("cors.origins")),

		QueueBackend:  strings.ToLower(v.GetString("queue.backend")),
		KafkaBrokers:  splitList(v.GetString("kafka.brokers")),
		KafkaTopic:    v.GetString("kafka.topic"),
		KafkaGroupID:  v.GetString("kafka.group_id"),
		RedisURL:      v.GetString("redis.url"),
		RedisQueueKey: v.GetString("redis.queue_key"),

		S3Bucket: v.GetString("s3.bucket"),
		S3Prefix: v.GetString("s3.prefix"),

		WorkerConcurrency:  v.GetInt("worker.concurrency"),
		WorkerPollInterval: v.GetDuration("worker.poll_interval"),
		WorkerLease:        v.GetDuration("worker.lease"),
		RetryBase:          v.GetDuration("retry.base"),
		RetryMax:           v.GetDuration("retry.max"),
		MaxRetries:         v.GetInt("retry.count"),
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
		if port := v.GetString("port"); port != "" {
			cfg.Addr = ":" + port
		}
	}

	switch cfg.Storage {
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL required")
		}
		cfg.DatabaseURL = normalizeDatabaseURL(cfg.DatabaseURL)
	case StorageMemory:
	default:
		return Config{}, fmt.Errorf("STORAGE must be postgres or memory, got %q", cfg.Storage)
	}

	switch cfg.QueueBackend {
	case "postgres", "memory", "redis":
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return Config{}, fmt.Errorf("KAFKA_BROKERS required when QUEUE_BACKEND=kafka")
		}
	default:
		return Config{}, fmt.Errorf("QUEUE_BACKEND must be postgres, kafka, redis or memory, got %q", cfg.QueueBackend)
	}
	if cfg.QueueBackend == "postgres" && cfg.Storage == StorageMemory {
		// claiming needs the shared table
		return Config{}, fmt.Errorf("QUEUE_BACKEND=postgres requires STORAGE=postgres")
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if budget := cfg.AttemptBudget(); cfg.WorkerLease <= budget {
		return Config{}, fmt.Errorf("WORKER_LEASE must exceed %s, the longest a worker spends on one execution", budget)
	}
	return cfg, nil
}

// AttemptBudget is the longest one execution can occupy a worker: every attempt
// timing out plus the capped waits between them.
func (c Config) AttemptBudget() time.Duration {
	retries := time.Duration(c.MaxRetries)
	return (retries+1)*c.ProviderTimeout + retries*c.RetryMax
}

// normalizeDatabaseURL maps driver-qualified schemes, as emitted by some
// hosting platforms and SQLAlchemy configs, to the plain postgres scheme.
func normalizeDatabaseURL(u string) string {
	for _, prefix := range []string{"postgresql+asyncpg://", "postgresql+psycopg2://", "postgresql://"} {
		if strings.HasPrefix(u, prefix) {
			return "postgres://" + strings.TrimPrefix(u, prefix)
		}
	}
	return u
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
