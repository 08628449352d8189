package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the notification engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SparkPost SparkPostConfig `yaml:"sparkpost"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Mailer    MailerConfig    `yaml:"mailer"`
	Reminders ReminderConfig  `yaml:"reminders"`
	Consent   ConsentConfig   `yaml:"consent"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, listening on all interfaces in containers.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used by the dispatcher rate limiter.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// SparkPostConfig holds the primary delivery provider configuration.
type SparkPostConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c SparkPostConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SMTPConfig holds the secondary (fallback) transport configuration.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration.
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MailerConfig holds sending identity and dispatch tuning.
type MailerConfig struct {
	FromName            string `yaml:"from_name"`
	FromEmail           string `yaml:"from_email"`
	ReplyTo             string `yaml:"reply_to"`
	BaseURL             string `yaml:"base_url"` // public site URL for consent links
	MinBatchSize        int    `yaml:"min_batch_size"`
	MaxBatchSize        int    `yaml:"max_batch_size"`
	PerMinuteCap        int    `yaml:"per_minute_cap"`
	InterSendDelayMS    int    `yaml:"inter_send_delay_ms"`
	InterBatchPauseMS   int    `yaml:"inter_batch_pause_ms"`
	DispatchWorkers     int    `yaml:"dispatch_workers"`
	DefaultMaxRetries   int    `yaml:"default_max_retries"`
	RetentionDays       int    `yaml:"retention_days"`
	DispatchIntervalSec int    `yaml:"dispatch_interval_seconds"`
}

// InterSendDelay returns the minimum delay between two sends.
func (c MailerConfig) InterSendDelay() time.Duration {
	return time.Duration(c.InterSendDelayMS) * time.Millisecond
}

// InterBatchPause returns the pause inserted between sub-batches.
func (c MailerConfig) InterBatchPause() time.Duration {
	return time.Duration(c.InterBatchPauseMS) * time.Millisecond
}

// DispatchInterval returns how often the worker triggers a dispatch cycle.
func (c MailerConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSec) * time.Second
}

// ReminderConfig holds event reminder scheduling parameters.
type ReminderConfig struct {
	BatchSize        int `yaml:"batch_size"`
	PerEmailDelaySec int `yaml:"per_email_delay_seconds"`
	PollIntervalSec  int `yaml:"poll_interval_seconds"`
}

// PerEmailDelay returns the estimated per-email send cost used for
// backward scheduling.
func (c ReminderConfig) PerEmailDelay() time.Duration {
	return time.Duration(c.PerEmailDelaySec) * time.Second
}

// ConsentConfig holds the keys for consent token issuing/verification.
type ConsentConfig struct {
	SigningKey    string `yaml:"signing_key"`
	EncryptionKey string `yaml:"encryption_key"` // 32 bytes for AES-256
	ValidityDays  int    `yaml:"validity_days"`
}

// Validity returns the token validity window.
func (c ConsentConfig) Validity() time.Duration {
	return time.Duration(c.ValidityDays) * 24 * time.Hour
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.SparkPost.BaseURL == "" {
		cfg.SparkPost.BaseURL = "https://api.sparkpost.com/api/v1"
	}
	if cfg.SparkPost.TimeoutSeconds == 0 {
		cfg.SparkPost.TimeoutSeconds = 30
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
	if cfg.Mailer.MinBatchSize == 0 {
		cfg.Mailer.MinBatchSize = 10
	}
	if cfg.Mailer.MaxBatchSize == 0 {
		cfg.Mailer.MaxBatchSize = 50
	}
	if cfg.Mailer.PerMinuteCap == 0 {
		cfg.Mailer.PerMinuteCap = 100
	}
	if cfg.Mailer.InterSendDelayMS == 0 {
		cfg.Mailer.InterSendDelayMS = 200
	}
	if cfg.Mailer.InterBatchPauseMS == 0 {
		cfg.Mailer.InterBatchPauseMS = 2000
	}
	if cfg.Mailer.DispatchWorkers == 0 {
		cfg.Mailer.DispatchWorkers = 5
	}
	if cfg.Mailer.DefaultMaxRetries == 0 {
		cfg.Mailer.DefaultMaxRetries = 3
	}
	if cfg.Mailer.RetentionDays == 0 {
		cfg.Mailer.RetentionDays = 90
	}
	if cfg.Mailer.DispatchIntervalSec == 0 {
		cfg.Mailer.DispatchIntervalSec = 60
	}
	if cfg.Reminders.BatchSize == 0 {
		cfg.Reminders.BatchSize = 50
	}
	if cfg.Reminders.PerEmailDelaySec == 0 {
		cfg.Reminders.PerEmailDelaySec = 1
	}
	if cfg.Reminders.PollIntervalSec == 0 {
		cfg.Reminders.PollIntervalSec = 300
	}
	if cfg.Consent.ValidityDays == 0 {
		cfg.Consent.ValidityDays = 30
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SPARKPOST_API_KEY"); v != "" {
		cfg.SparkPost.APIKey = v
	}
	if v := os.Getenv("SPARKPOST_BASE_URL"); v != "" {
		cfg.SparkPost.BaseURL = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
		cfg.SMTP.Enabled = true
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("MAILER_FROM_EMAIL"); v != "" {
		cfg.Mailer.FromEmail = v
	}
	if v := os.Getenv("MAILER_BASE_URL"); v != "" {
		cfg.Mailer.BaseURL = v
	}
	if v := os.Getenv("CONSENT_SIGNING_KEY"); v != "" {
		cfg.Consent.SigningKey = v
	}
	if v := os.Getenv("CONSENT_ENCRYPTION_KEY"); v != "" {
		cfg.Consent.EncryptionKey = v
	}

	return cfg, nil
}
