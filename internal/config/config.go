// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Storage settings.
	Store           string // "postgres" or "memory"
	DatabaseURL     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Logging.
	LogLevel  string
	LogFormat string // "json" or "text"

	// Generation providers.
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GoogleAPIKey    string
	DefaultProvider string
	DefaultModel    string

	// Circuit breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Object store. An empty endpoint keeps artifacts in memory.
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIORegion    string
	MinIOUseSSL    bool

	// Outbound webhook connector. An empty URL leaves only the log connector.
	WebhookURL      string
	WebhookSecret   string
	WebhookChannels []string

	// Queue settings.
	ExperimentWorkers int
	AIWorkers         int
	OutboundWorkers   int
	MetricsWorkers    int
	JobLease          time.Duration
	PollInterval      time.Duration

	// Stage envelope.
	GenerationTimeout time.Duration
	LeaseTTL          time.Duration
	BusyDelay         time.Duration
	ScoreThreshold    float64
	AdmissionPerMin   int
	KillSwitchTTL     time.Duration
	HeartbeatInterval time.Duration

	// Lifecycle limits.
	MaxRetriesPerStage int
	MaxRejectionCycles int

	// Maintenance.
	IdempotencyCleanupInterval time.Duration
	IdempotencyCompletedTTL    time.Duration
	IdempotencyAbandonedTTL    time.Duration
	ApprovalSweepInterval      time.Duration
	ApprovalTTL                time.Duration
	StuckStageInterval         time.Duration
	StuckStageAfter            time.Duration
	DeadJobInterval            time.Duration
	DeadJobRetention           time.Duration

	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults
// and validates it.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse reads configuration from environment variables without validating
// it, so callers can apply overrides first. Every malformed value is
// reported, not just the first.
func Parse() (Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := Config{
		Store:           envStr("JIKKEN_STORE", "postgres"),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		MaxConns:        p.int("JIKKEN_DB_MAX_CONNS", 20),
		MinConns:        p.int("JIKKEN_DB_MIN_CONNS", 2),
		MaxConnLifetime: p.duration("JIKKEN_DB_MAX_CONN_LIFETIME", time.Hour),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: p.bool("JIKKEN_OTEL_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "jikken"),

		LogLevel:  envStr("JIKKEN_LOG_LEVEL", "info"),
		LogFormat: envStr("JIKKEN_LOG_FORMAT", "json"),

		OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   envStr("OPENAI_BASE_URL", ""),
		GoogleAPIKey:    envStr("GOOGLE_API_KEY", ""),
		DefaultProvider: envStr("JIKKEN_DEFAULT_PROVIDER", "openai"),
		DefaultModel:    envStr("JIKKEN_DEFAULT_MODEL", "gpt-4o-mini"),

		BreakerThreshold: p.int("JIKKEN_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  p.duration("JIKKEN_BREAKER_COOLDOWN", 60*time.Second),

		MinIOEndpoint:  envStr("JIKKEN_MINIO_ENDPOINT", ""),
		MinIOAccessKey: envStr("JIKKEN_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: envStr("JIKKEN_MINIO_SECRET_KEY", ""),
		MinIOBucket:    envStr("JIKKEN_MINIO_BUCKET", "jikken-artifacts"),
		MinIORegion:    envStr("JIKKEN_MINIO_REGION", ""),
		MinIOUseSSL:    p.bool("JIKKEN_MINIO_USE_SSL", true),

		WebhookURL:      envStr("JIKKEN_WEBHOOK_URL", ""),
		WebhookSecret:   envStr("JIKKEN_WEBHOOK_SECRET", ""),
		WebhookChannels: envList("JIKKEN_WEBHOOK_CHANNELS", "webhook,email"),

		ExperimentWorkers: p.int("JIKKEN_EXPERIMENT_WORKERS", 4),
		AIWorkers:         p.int("JIKKEN_AI_WORKERS", 4),
		OutboundWorkers:   p.int("JIKKEN_OUTBOUND_WORKERS", 2),
		MetricsWorkers:    p.int("JIKKEN_METRICS_WORKERS", 2),
		JobLease:          p.duration("JIKKEN_JOB_LEASE", 5*time.Minute),
		PollInterval:      p.duration("JIKKEN_POLL_INTERVAL", time.Second),

		GenerationTimeout: p.duration("JIKKEN_GENERATION_TIMEOUT", 2*time.Minute),
		LeaseTTL:          p.duration("JIKKEN_LEASE_TTL", 5*time.Minute),
		BusyDelay:         p.duration("JIKKEN_BUSY_DELAY", 15*time.Second),
		ScoreThreshold:    p.float("JIKKEN_SCORE_THRESHOLD", 0.3),
		AdmissionPerMin:   p.int("JIKKEN_ADMISSION_PER_MINUTE", 30),
		KillSwitchTTL:     p.duration("JIKKEN_KILL_SWITCH_TTL", 10*time.Second),
		HeartbeatInterval: p.duration("JIKKEN_HEARTBEAT_INTERVAL", 30*time.Second),

		MaxRetriesPerStage: p.int("JIKKEN_MAX_RETRIES_PER_STAGE", 3),
		MaxRejectionCycles: p.int("JIKKEN_MAX_REJECTION_CYCLES", 3),

		IdempotencyCleanupInterval: p.duration("JIKKEN_IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour),
		IdempotencyCompletedTTL:    p.duration("JIKKEN_IDEMPOTENCY_COMPLETED_TTL", 7*24*time.Hour),
		IdempotencyAbandonedTTL:    p.duration("JIKKEN_IDEMPOTENCY_ABANDONED_TTL", 24*time.Hour),
		ApprovalSweepInterval:      p.duration("JIKKEN_APPROVAL_SWEEP_INTERVAL", time.Hour),
		ApprovalTTL:                p.duration("JIKKEN_APPROVAL_TTL", 72*time.Hour),
		StuckStageInterval:         p.duration("JIKKEN_STUCK_STAGE_INTERVAL", 5*time.Minute),
		StuckStageAfter:            p.duration("JIKKEN_STUCK_STAGE_AFTER", 30*time.Minute),
		DeadJobInterval:            p.duration("JIKKEN_DEAD_JOB_INTERVAL", 6*time.Hour),
		DeadJobRetention:           p.duration("JIKKEN_DEAD_JOB_RETENTION", 14*24*time.Hour),

		ShutdownTimeout: p.duration("JIKKEN_SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when JIKKEN_STORE=postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("JIKKEN_STORE must be postgres or memory, got %q", c.Store))
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("JIKKEN_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	for name, n := range map[string]int{
		"JIKKEN_EXPERIMENT_WORKERS": c.ExperimentWorkers,
		"JIKKEN_AI_WORKERS":         c.AIWorkers,
		"JIKKEN_OUTBOUND_WORKERS":   c.OutboundWorkers,
		"JIKKEN_METRICS_WORKERS":    c.MetricsWorkers,
	} {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", name))
		}
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, errors.New("JIKKEN_BREAKER_THRESHOLD must be at least 1"))
	}
	if c.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("JIKKEN_GENERATION_TIMEOUT must be positive"))
	}
	if c.GenerationTimeout >= c.JobLease {
		errs = append(errs, fmt.Errorf("JIKKEN_GENERATION_TIMEOUT (%s) must be shorter than JIKKEN_JOB_LEASE (%s)",
			c.GenerationTimeout, c.JobLease))
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		errs = append(errs, errors.New("JIKKEN_SCORE_THRESHOLD must be between 0 and 1"))
	}
	if c.MinConns > c.MaxConns {
		errs = append(errs, errors.New("JIKKEN_DB_MIN_CONNS must not exceed JIKKEN_DB_MAX_CONNS"))
	}
	if c.MinIOEndpoint != "" && (c.MinIOAccessKey == "" || c.MinIOSecretKey == "") {
		errs = append(errs, errors.New("JIKKEN_MINIO_ACCESS_KEY and JIKKEN_MINIO_SECRET_KEY are required with JIKKEN_MINIO_ENDPOINT"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// parser accumulates parse errors so Load can report all of them.
type parser struct {
	errs *[]error
}

func (p parser) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		*p.errs = append(*p.errs, err)
	}
	return v
}

func (p parser) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		*p.errs = append(*p.errs, err)
	}
	return v
}

func (p parser) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		*p.errs = append(*p.errs, err)
	}
	return v
}

func (p parser) float(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	if err != nil {
		*p.errs = append(*p.errs, err)
	}
	return v
}

func envStr(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated value, dropping empty items.
func envList(key, defaultVal string) []string {
	var out []string
	for item := range strings.SplitSeq(envStr(key, defaultVal), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}
