package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/flow-engine/internal/automation"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  api_key: "secret"
  allowed_origins: ["https://app.example.com"]

database:
  url: "postgres://localhost/flows?sslmode=disable"

redis:
  addr: "localhost:6379"

automation:
  enabled: true
  workers: 8
  poll_interval_ms: 250
  queue_backend: redis
  max_attempts: 3
  retry_base_seconds: 10
  retry_max_seconds: 600
  retention_days: -1

ses:
  region: us-east-1
  from_email: hello@example.com

webhook:
  timeout_seconds: 5
  retries: 1

logging:
  level: debug
  redact_pii: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, QueueRedis, cfg.Automation.QueueBackend)
	assert.True(t, cfg.Automation.Enabled)
	assert.Equal(t, "us-east-1", cfg.SQS.Region, "sqs region follows ses")
	assert.Equal(t, 5*time.Second, cfg.Webhook.Timeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Redact())

	ec := cfg.Automation.EngineConfig()
	assert.Equal(t, 8, ec.Workers)
	assert.Equal(t, 250*time.Millisecond, ec.PollInterval)
	assert.Equal(t, 3, ec.MaxAttempts)
	assert.Equal(t, 10*time.Second, ec.RetryBase)
	assert.Equal(t, 10*time.Minute, ec.RetryMax)
	assert.Equal(t, -1, ec.RetentionDays)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://localhost/flows"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, QueuePostgres, cfg.Automation.QueueBackend)
	assert.Equal(t, "us-west-2", cfg.SES.Region)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redact())
	assert.Equal(t, 300*time.Second, cfg.Database.Lifetime())

	ec := cfg.Automation.EngineConfig()
	assert.Equal(t, automation.DefaultWorkers, ec.Workers)
	assert.Equal(t, automation.DefaultPollInterval, ec.PollInterval)
	assert.Equal(t, automation.DefaultRetryBase, ec.RetryBase)
	assert.Equal(t, automation.DefaultRetryMax, ec.RetryMax)
	assert.Equal(t, automation.DefaultStaleClaimAfter, ec.StaleClaimAfter)
	assert.Equal(t, automation.DefaultRecoveryInterval, ec.RecoveryInterval)
	assert.Equal(t, automation.DefaultRetentionDays, ec.RetentionDays)
	assert.Equal(t, automation.DefaultRetentionSchedule, ec.RetentionSchedule)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"postgres without url", "automation:\n  queue_backend: postgres\n"},
		{"redis without addr", "automation:\n  queue_backend: redis\n"},
		{"unknown backend", "automation:\n  queue_backend: kafka\n"},
		{"sqs without url", "automation:\n  queue_backend: memory\nsqs:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(writeConfig(t, "automation:\n  queue_backend: memory\n"))
	assert.NoError(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `
automation:
  queue_backend: memory
`)

	t.Setenv("DATABASE_URL", "postgres://env/flows")
	t.Setenv("AUTOMATION_QUEUE_BACKEND", "postgres")
	t.Setenv("AUTOMATION_WORKERS", "12")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.us-west-2.amazonaws.com/1/events")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("PORT", "7000")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/flows", cfg.Database.URL)
	assert.Equal(t, QueuePostgres, cfg.Automation.QueueBackend)
	assert.Equal(t, 12, cfg.Automation.Workers)
	assert.True(t, cfg.SQS.Enabled)
	assert.Len(t, cfg.Server.AllowedOrigins, 2)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestServerAddr(t *testing.T) {
	t.Setenv("ECS_CONTAINER_METADATA_URI", "")
	t.Setenv("AWS_EXECUTION_ENV", "")
	t.Setenv("SERVER_HOST", "")
	assert.Equal(t, "127.0.0.1:8081", ServerConfig{Host: "127.0.0.1", Port: 8081}.Addr())
}
