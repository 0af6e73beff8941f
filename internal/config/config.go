package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/flow-engine/internal/automation"
)

// Queue backends accepted by automation.queue_backend.
const (
	QueuePostgres = "postgres"
	QueueRedis    = "redis"
	QueueMemory   = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Automation AutomationConfig `yaml:"automation"`
	SES        SESConfig        `yaml:"ses"`
	SQS        SQSConfig        `yaml:"sqs"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port for the listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
	AutoMigrate     bool   `yaml:"auto_migrate"`
}

// Lifetime returns the connection max lifetime.
func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AutomationConfig holds automation flow engine settings.
type AutomationConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	Workers                 int    `yaml:"workers"`
	PollIntervalMS          int    `yaml:"poll_interval_ms"`
	QueueBackend            string `yaml:"queue_backend"`
	MaxAttempts             int    `yaml:"max_attempts"`
	RetryBaseSeconds        int    `yaml:"retry_base_seconds"`
	RetryMaxSeconds         int    `yaml:"retry_max_seconds"`
	StaleClaimSeconds       int    `yaml:"stale_claim_seconds"`
	RecoveryIntervalSeconds int    `yaml:"recovery_interval_seconds"`
	RetentionDays           int    `yaml:"retention_days"`
	RetentionSchedule       string `yaml:"retention_schedule"`
}

// EngineConfig converts the YAML settings into the engine's tuning knobs.
func (c AutomationConfig) EngineConfig() automation.Config {
	return automation.Config{
		Workers:           c.Workers,
		PollInterval:      time.Duration(c.PollIntervalMS) * time.Millisecond,
		MaxAttempts:       c.MaxAttempts,
		RetryBase:         time.Duration(c.RetryBaseSeconds) * time.Second,
		RetryMax:          time.Duration(c.RetryMaxSeconds) * time.Second,
		StaleClaimAfter:   time.Duration(c.StaleClaimSeconds) * time.Second,
		RecoveryInterval:  time.Duration(c.RecoveryIntervalSeconds) * time.Second,
		RetentionDays:     c.RetentionDays,
		RetentionSchedule: c.RetentionSchedule,
	}
}

// SESConfig holds AWS SES configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	FromEmail        string `yaml:"from_email"`
	FromName         string `yaml:"from_name"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SQSConfig holds the event intake queue settings.
type SQSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
}

// WebhookConfig holds outbound webhook settings.
type WebhookConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
	Secret         string `yaml:"secret"`
}

// Timeout returns the per-request webhook timeout.
func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. It defaults to true.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}

	a := &cfg.Automation
	if a.QueueBackend == "" {
		a.QueueBackend = QueuePostgres
	}
	if a.Workers == 0 {
		a.Workers = automation.DefaultWorkers
	}
	if a.PollIntervalMS == 0 {
		a.PollIntervalMS = int(automation.DefaultPollInterval / time.Millisecond)
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = automation.DefaultMaxAttempts
	}
	if a.RetryBaseSeconds == 0 {
		a.RetryBaseSeconds = int(automation.DefaultRetryBase / time.Second)
	}
	if a.RetryMaxSeconds == 0 {
		a.RetryMaxSeconds = int(automation.DefaultRetryMax / time.Second)
	}
	if a.StaleClaimSeconds == 0 {
		a.StaleClaimSeconds = int(automation.DefaultStaleClaimAfter / time.Second)
	}
	if a.RecoveryIntervalSeconds == 0 {
		a.RecoveryIntervalSeconds = int(automation.DefaultRecoveryInterval / time.Second)
	}
	if a.RetentionDays == 0 {
		a.RetentionDays = automation.DefaultRetentionDays
	}
	if a.RetentionSchedule == "" {
		a.RetentionSchedule = automation.DefaultRetentionSchedule
	}

	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SQS.Region == "" {
		cfg.SQS.Region = cfg.SES.Region
	}
	if cfg.Webhook.TimeoutSeconds == 0 {
		cfg.Webhook.TimeoutSeconds = 10
	}
	if cfg.Webhook.Retries == 0 {
		cfg.Webhook.Retries = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects settings the worker cannot start with.
func (cfg *Config) Validate() error {
	switch cfg.Automation.QueueBackend {
	case QueuePostgres:
		if cfg.Database.URL == "" {
			return fmt.Errorf("automation.queue_backend %q requires database.url", QueuePostgres)
		}
	case QueueRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("automation.queue_backend %q requires redis.addr", QueueRedis)
		}
	case QueueMemory:
	default:
		return fmt.Errorf("unknown automation.queue_backend %q", cfg.Automation.QueueBackend)
	}
	if cfg.SQS.Enabled && cfg.SQS.QueueURL == "" {
		return fmt.Errorf("sqs.enabled requires sqs.queue_url")
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file in the working directory is read first when present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyEnv() {
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Server.APIKey, "FLOW_API_KEY")
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}

	setString(&cfg.Automation.QueueBackend, "AUTOMATION_QUEUE_BACKEND")
	if v := os.Getenv("AUTOMATION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Automation.Workers = n
		}
	}

	setString(&cfg.SES.AccessKey, "AWS_SES_ACCESS_KEY")
	setString(&cfg.SES.SecretKey, "AWS_SES_SECRET_KEY")
	setString(&cfg.SES.Region, "AWS_SES_REGION")
	setString(&cfg.SES.FromEmail, "SES_FROM_EMAIL")

	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		cfg.SQS.QueueURL = v
		cfg.SQS.Enabled = true
	}
	setString(&cfg.SQS.Region, "SQS_REGION")

	setString(&cfg.Webhook.Secret, "WEBHOOK_SECRET")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
