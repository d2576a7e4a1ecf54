package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port              string // default: 8080
	TrustProxyHeaders bool   // honor X-Forwarded-For / X-Real-IP, default: false

	// Storage
	StoreDriver string // "postgres" or "sqlite", default: postgres
	PostgresDSN string
	SQLitePath  string // default: usage.db

	// Cache
	RedisAddr string // empty means in-process counters

	// Upstream
	OpenAIAPIKey  string
	OpenAIBaseURL string // default: https://api.openai.com/v1

	// Observability
	OTELExporterType     string  // "stdout", "otlp" or "none"
	OTELExporterEndpoint string  // default: "localhost:4317"
	OTELSampleRatio      float64 // root span sampling, default: 1
	LogLevel             string  // default: info

	// Pricing and quota policy (YAML, built-in defaults when empty)
	PricingFile string
	PolicyFile  string

	// Admission
	DefaultBurstTPM int64         // tokens per minute per user, 0 disables
	AdmitTimeout    time.Duration // default: 250ms

	// Background work
	WorkerCount       int           // default: 4
	WorkerQueueSize   int           // default: 1024
	WorkerTaskTimeout time.Duration // default: 10s

	// Streaming
	StreamFlushChars int // default: 400
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		TrustProxyHeaders:    getEnv("TRUST_PROXY_HEADERS", "false") == "true",
		StoreDriver:          getEnv("STORE_DRIVER", "postgres"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		SQLitePath:           getEnv("SQLITE_PATH", "usage.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		PricingFile:          os.Getenv("PRICING_FILE"),
		PolicyFile:           os.Getenv("POLICY_FILE"),
	}

	var err error
	if cfg.OTELSampleRatio, err = getFloat("OTEL_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}
	if cfg.DefaultBurstTPM, err = getInt64("DEFAULT_BURST_TPM", 0); err != nil {
		return nil, err
	}
	if cfg.AdmitTimeout, err = getDuration("ADMIT_TIMEOUT", 250*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.WorkerTaskTimeout, err = getDuration("WORKER_TASK_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	workers, err := getInt64("WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	cfg.WorkerCount = int(workers)

	queue, err := getInt64("WORKER_QUEUE_SIZE", 1024)
	if err != nil {
		return nil, err
	}
	cfg.WorkerQueueSize = int(queue)

	flush, err := getInt64("STREAM_FLUSH_CHARS", 400)
	if err != nil {
		return nil, err
	}
	cfg.StreamFlushChars = int(flush)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the combinations Load cannot express through defaults.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q (want postgres or sqlite)", c.StoreDriver)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.WorkerQueueSize <= 0 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be positive")
	}
	if c.StreamFlushChars <= 0 {
		return fmt.Errorf("STREAM_FLUSH_CHARS must be positive")
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.DefaultBurstTPM < 0 {
		return fmt.Errorf("DEFAULT_BURST_TPM must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
