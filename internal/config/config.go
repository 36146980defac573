// Package config loads the env-var-driven configuration surface shared by
// the orchestrator, worker, and reaper binaries. The options here are the
// complete configuration surface named in the external interfaces; anything
// else is either a handler concern or infrastructure.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every recognised setting, with the defaults named in the
// component design.
type Config struct {
	// Redis / state store
	RedisURL      string
	RedisPassword string
	RedisDB       int
	StatePrefix   string
	TerminalTTL   time.Duration

	// Worker
	WorkerMaxRetries  int
	WorkerRetryBase   time.Duration
	WorkerRetryCap    time.Duration
	WorkerRetryJitter time.Duration
	HandlerTimeout    time.Duration
	WorkerBatchSize   int
	WorkerBlockMs     int
	CBThreshold       int
	CBOpenTimeout     time.Duration

	// Orchestrator
	OrchestratorBatchSize       int
	OrchestratorBlockMs         int
	LockTTL                     time.Duration
	CompletionReclaimIdleMs     int64
	WorkflowTimeout             time.Duration

	// Reaper
	ReaperCheckInterval time.Duration
	ReaperMinIdleMs     int64
	ReaperBatchSize     int
	ReaperMaxReclaims   int

	// Streams
	StreamMaxLen int64

	// Observability HTTP surface (/healthz, /metrics only)
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64

	// Definition repository cold store
	S3Enabled   bool
	S3Bucket    string
	S3Endpoint  string
	S3Region    string
	S3UseSSL    bool
}

// Load reads configuration from environment variables, falling back to the
// defaults named in the external interfaces section.
func Load() *Config {
	return &Config{
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		StatePrefix:   getEnv("STATE_PREFIX", "workflow"),
		TerminalTTL:   getDuration("TERMINAL_STATE_TTL", 24*time.Hour),

		WorkerMaxRetries:  getInt("WORKER_MAX_RETRIES", 4),
		WorkerRetryBase:   getDuration("WORKER_RETRY_BASE", time.Second),
		WorkerRetryCap:    getDuration("WORKER_RETRY_CAP", 30*time.Second),
		WorkerRetryJitter: getDuration("WORKER_RETRY_JITTER", time.Second),
		HandlerTimeout:    getDuration("HANDLER_TIMEOUT", 60*time.Second),
		WorkerBatchSize:   getInt("WORKER_BATCH_SIZE", 10),
		WorkerBlockMs:     getInt("WORKER_BLOCK_MS", 2000),
		CBThreshold:       getInt("CB_THRESHOLD", 5),
		CBOpenTimeout:     getDuration("CB_OPEN_TIMEOUT", 30*time.Second),

		OrchestratorBatchSize:   getInt("ORCHESTRATOR_BATCH_SIZE", 10),
		OrchestratorBlockMs:     getInt("ORCHESTRATOR_BLOCK_MS", 2000),
		LockTTL:                 getDuration("ORCHESTRATOR_LOCK_TTL", 30*time.Second),
		CompletionReclaimIdleMs: getInt64("COMPLETION_RECLAIM_IDLE_MS", 60000),
		WorkflowTimeout:         getDuration("WORKFLOW_TIMEOUT", time.Hour),

		ReaperCheckInterval: getDuration("REAPER_CHECK_INTERVAL", 5*time.Second),
		ReaperMinIdleMs:     getInt64("REAPER_MIN_IDLE_MS", 25000),
		ReaperBatchSize:     getInt("REAPER_BATCH_SIZE", 100),
		ReaperMaxReclaims:   getInt("REAPER_MAX_RECLAIMS", 10),

		StreamMaxLen: getInt64("STREAM_MAX_LEN", 100000),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		TracingEnabled:    getBool("TRACING_ENABLED", false),
		TracingEndpoint:   getEnv("TRACING_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getFloat("TRACING_SAMPLE_RATE", 1.0),

		S3Enabled:  getBool("DEFSTORE_S3_ENABLED", false),
		S3Bucket:   getEnv("DEFSTORE_S3_BUCKET", ""),
		S3Endpoint: getEnv("DEFSTORE_S3_ENDPOINT", ""),
		S3Region:   getEnv("DEFSTORE_S3_REGION", "us-east-1"),
		S3UseSSL:   getBool("DEFSTORE_S3_USE_SSL", false),
	}
}

// Stream and consumer-group names, fixed per the external interfaces.
const (
	TasksStream       = "workflow:tasks"
	CompletionsStream = "workflow:completions"
	DLQStream         = "workflow:dlq"
	OrchestratorGroup = "g:orchestrator"
	WorkerGroup       = "g:worker"
)

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
