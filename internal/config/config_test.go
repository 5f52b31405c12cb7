package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.EqualError(t, err, `TEST_INT_BAD="abc" is not a valid integer`)
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.EqualError(t, err, `TEST_BOOL_BAD="maybe" is not a valid boolean`)
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	require.EqualError(t, err, `TEST_DUR_BAD="five-seconds" is not a valid duration`)
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.75")
	v, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, v, 1e-9)

	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err = envFloat("TEST_FLOAT_BAD", 0)
	require.EqualError(t, err, `TEST_FLOAT_BAD="high" is not a valid number`)
}

func TestLoadFailsOnInvalidValue(t *testing.T) {
	t.Setenv("JIKKEN_STORE", "memory")
	t.Setenv("JIKKEN_AI_WORKERS", "abc")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JIKKEN_AI_WORKERS")
	assert.Contains(t, err.Error(), "abc")
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("JIKKEN_STORE", "memory")
	t.Setenv("JIKKEN_AI_WORKERS", "abc")
	t.Setenv("JIKKEN_JOB_LEASE", "forever")
	t.Setenv("JIKKEN_MINIO_USE_SSL", "perhaps")
	_, err := Load()
	require.Error(t, err)
	for _, name := range []string{"JIKKEN_AI_WORKERS", "JIKKEN_JOB_LEASE", "JIKKEN_MINIO_USE_SSL"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	t.Setenv("JIKKEN_STORE", "memory")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 4, cfg.AIWorkers)
	assert.Equal(t, 5*time.Minute, cfg.JobLease)
	assert.Equal(t, 2*time.Minute, cfg.GenerationTimeout)
	assert.InDelta(t, 0.3, cfg.ScoreThreshold, 1e-9)
	assert.Equal(t, 30, cfg.AdmissionPerMin)
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("JIKKEN_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:             "memory",
			LogFormat:         "json",
			ExperimentWorkers: 1,
			AIWorkers:         1,
			OutboundWorkers:   1,
			MetricsWorkers:    1,
			BreakerThreshold:  5,
			GenerationTimeout: time.Minute,
			JobLease:          5 * time.Minute,
			ScoreThreshold:    0.3,
			MaxConns:          10,
			MinConns:          1,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, "JIKKEN_STORE must be postgres or memory"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "JIKKEN_LOG_FORMAT"},
		{"zero workers", func(c *Config) { c.OutboundWorkers = 0 }, "JIKKEN_OUTBOUND_WORKERS must be at least 1"},
		{"breaker threshold", func(c *Config) { c.BreakerThreshold = 0 }, "JIKKEN_BREAKER_THRESHOLD"},
		{"timeout exceeds lease", func(c *Config) { c.GenerationTimeout = 10 * time.Minute }, "must be shorter than JIKKEN_JOB_LEASE"},
		{"timeout equals lease", func(c *Config) { c.GenerationTimeout = c.JobLease }, "must be shorter than JIKKEN_JOB_LEASE"},
		{"score threshold", func(c *Config) { c.ScoreThreshold = 1.5 }, "JIKKEN_SCORE_THRESHOLD"},
		{"conn bounds", func(c *Config) { c.MinConns = 50 }, "JIKKEN_DB_MIN_CONNS"},
		{"minio keys", func(c *Config) { c.MinIOEndpoint = "localhost:9000" }, "JIKKEN_MINIO_ACCESS_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " email , ,sms")
	assert.Equal(t, []string{"email", "sms"}, envList("TEST_LIST", "webhook"))
	assert.Equal(t, []string{"webhook", "email"}, envList("TEST_LIST_MISSING", "webhook,email"))
}
