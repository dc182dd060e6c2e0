// Package config loads application configuration from a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
// Nested keys are separated by a double underscore: ALARMS_DATABASE__URL.
const EnvPrefix = "ALARMS_"

// Config is the root application configuration.
type Config struct {
	Server         ServerConfig         `koanf:"server"`
	Database       DatabaseConfig       `koanf:"database"`
	Redis          RedisConfig          `koanf:"redis"`
	Log            LogConfig            `koanf:"log"`
	Auth           AuthConfig           `koanf:"auth"`
	Flags          FlagsConfig          `koanf:"flags"`
	RateLimit      RateLimitConfig      `koanf:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
	Email          EmailConfig          `koanf:"email"`
	SMS            SMSConfig            `koanf:"sms"`
	Voice          VoiceConfig          `koanf:"voice"`
	Push           PushConfig           `koanf:"push"`
	Templates      TemplatesConfig      `koanf:"templates"`
	DLQ            DLQConfig            `koanf:"dlq"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// RedisConfig holds the shared counter store settings.
// An empty URL switches rate limiting and flag overrides to in-process stores.
type RedisConfig struct {
	URL    string `koanf:"url"`
	Prefix string `koanf:"prefix"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `koanf:"format" validate:"omitempty,oneof=text json"`
	Output     string `koanf:"output" validate:"omitempty,oneof=stdout file"`
	FilePath   string `koanf:"file_path" validate:"required_if=Output file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// AuthConfig holds operator API authentication settings.
// An empty secret leaves the operator API unauthenticated.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" validate:"omitempty,min=16"`
	Issuer    string `koanf:"issuer"`
}

// FlagsConfig holds feature flag defaults. Redis overrides win when present.
type FlagsConfig struct {
	RateLimitingEnabled     bool `koanf:"rate_limiting_enabled"`
	CircuitBreakerEnabled   bool `koanf:"circuit_breaker_enabled"`
	SMSMockMode             bool `koanf:"sms_mock_mode"`
	EmailMockMode           bool `koanf:"email_mock_mode"`
	DLQAutoReprocessEnabled bool `koanf:"dlq_auto_reprocess_enabled"`
}

// RateLimitConfig holds recipient and domain limiter settings.
type RateLimitConfig struct {
	RecipientLimit    int           `koanf:"recipient_limit" validate:"min=1"`
	RecipientWindow   time.Duration `koanf:"recipient_window" validate:"min=1s"`
	RecipientFailOpen bool          `koanf:"recipient_fail_open"`
	DomainLimit       int           `koanf:"domain_limit" validate:"min=1"`
	DomainWindow      time.Duration `koanf:"domain_window" validate:"min=1s"`
	DomainFailOpen    bool          `koanf:"domain_fail_open"`
}

// CircuitBreakerConfig holds breaker settings shared by all channels.
type CircuitBreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"min=1"`
	CoolDown         time.Duration `koanf:"cool_down"`
	ProbeInterval    time.Duration `koanf:"probe_interval" validate:"min=1s"`
}

// EmailConfig holds email channel settings.
type EmailConfig struct {
	Enabled          bool          `koanf:"enabled"`
	StrictRecipients bool          `koanf:"strict_recipients"`
	FromAddress      string        `koanf:"from_address" validate:"required_if=Enabled true"`
	SMTPHost         string        `koanf:"smtp_host"`
	SMTPPort         int           `koanf:"smtp_port"`
	SMTPUser         string        `koanf:"smtp_user"`
	SMTPPassword     string        `koanf:"smtp_password"`
	MockSMTPHost     string        `koanf:"mock_smtp_host"`
	MockSMTPPort     int           `koanf:"mock_smtp_port"`
	MaxConnections   int           `koanf:"max_connections"`
	MaxMessages      int           `koanf:"max_messages"`
	RatePerSecond    float64       `koanf:"rate_per_second"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout"`
	GreetingTimeout  time.Duration `koanf:"greeting_timeout"`
	SocketTimeout    time.Duration `koanf:"socket_timeout"`
}

// SMSConfig holds SMS channel and modem pool settings.
type SMSConfig struct {
	Enabled          bool          `koanf:"enabled"`
	StrictRecipients bool          `koanf:"strict_recipients"`
	Service          string        `koanf:"service"`
	MockServices     []string      `koanf:"mock_services"`
	HealthInterval   time.Duration `koanf:"health_interval"`
	SendTimeout      time.Duration `koanf:"send_timeout"`
}

// VoiceConfig holds voice channel settings.
type VoiceConfig struct {
	Enabled          bool          `koanf:"enabled"`
	StrictRecipients bool          `koanf:"strict_recipients"`
	APIURL           string        `koanf:"api_url" validate:"omitempty,url"`
	APIKey           string        `koanf:"api_key"`
	Timeout          time.Duration `koanf:"timeout"`
	HealthTimeout    time.Duration `koanf:"health_timeout"`
}

// PushConfig holds push channel settings.
type PushConfig struct {
	Enabled       bool          `koanf:"enabled"`
	ServerKey     string        `koanf:"server_key"`
	Endpoint      string        `koanf:"endpoint" validate:"omitempty,url"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerSecond float64       `koanf:"rate_per_second"`
}

// TemplatesConfig holds the template service client settings.
// An empty URL makes every channel use the built-in fallback template.
type TemplatesConfig struct {
	URL     string        `koanf:"url" validate:"omitempty,url"`
	Timeout time.Duration `koanf:"timeout"`
}

// DLQConfig holds dead letter queue settings.
type DLQConfig struct {
	MaxAttempts  int `koanf:"max_attempts" validate:"min=1"`
	DefaultLimit int `koanf:"default_limit" validate:"min=1"`
	MaxLimit     int `koanf:"max_limit" validate:"min=1"`
	// AutoInterval is how often the reprocessor checks dlq_auto_reprocess_enabled.
	AutoInterval  time.Duration `koanf:"auto_interval" validate:"min=1s"`
	AutoBatchSize int           `koanf:"auto_batch_size" validate:"min=1"`
}

// Default returns the configuration used when nothing overrides a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			MigrationsPath:  "file://migrations",
		},
		Redis: RedisConfig{
			Prefix: "alarms:",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Flags: FlagsConfig{
			RateLimitingEnabled:   true,
			CircuitBreakerEnabled: true,
		},
		RateLimit: RateLimitConfig{
			RecipientLimit:    5,
			RecipientWindow:   time.Hour,
			RecipientFailOpen: true,
			DomainLimit:       100,
			DomainWindow:      time.Hour,
			DomainFailOpen:    true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			CoolDown:         60 * time.Second,
			ProbeInterval:    60 * time.Second,
		},
		Email: EmailConfig{
			SMTPPort:        587,
			MockSMTPHost:    "localhost",
			MockSMTPPort:    1025,
			MaxConnections:  5,
			MaxMessages:     100,
			RatePerSecond:   10,
			ConnectTimeout:  10 * time.Second,
			GreetingTimeout: 10 * time.Second,
			SocketTimeout:   30 * time.Second,
		},
		SMS: SMSConfig{
			Service:        "alarms",
			HealthInterval: 60 * time.Second,
			SendTimeout:    30 * time.Second,
		},
		Voice: VoiceConfig{
			Timeout:       30 * time.Second,
			HealthTimeout: 5 * time.Second,
		},
		Push: PushConfig{
			Endpoint:      "https://fcm.googleapis.com/fcm/send",
			Timeout:       10 * time.Second,
			RatePerSecond: 50,
		},
		Templates: TemplatesConfig{
			Timeout: 5 * time.Second,
		},
		DLQ: DLQConfig{
			MaxAttempts:   5,
			DefaultLimit:  50,
			MaxLimit:      500,
			AutoInterval:  5 * time.Minute,
			AutoBatchSize: 50,
		},
	}
}

// Load reads configuration from the optional YAML file at path and then from
// ALARMS_* environment variables. Missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// envKey maps ALARMS_RATE_LIMIT__RECIPIENT_LIMIT to rate_limit.recipient_limit.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}
