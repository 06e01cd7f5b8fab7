package config

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Publish modes.
const (
	PublishLog     = "log"
	PublishRedis   = "redis"
	PublishWebhook = "webhook"
)

// Config holds all configuration for the cronqueue application.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	// HTTPAddr falls back to ":$PORT" and then ":8000".
	HTTPAddr        string `env:"HTTP_ADDR"`
	DisplayTimezone string `env:"DISPLAY_TIMEZONE, default=Asia/Kolkata"`

	WorkerPoolSize  int    `env:"WORKER_POOL_SIZE, default=20"`
	WorkerQueueSize int    `env:"WORKER_QUEUE_SIZE, default=100"`
	JobLogDir       string `env:"JOB_LOG_DIR, default=."`

	PublishMode    string        `env:"PUBLISH_MODE, default=log"`
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisStream    string        `env:"REDIS_STREAM, default=scheduled_jobs"`
	WebhookURL     string        `env:"WEBHOOK_URL"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT, default=30s"`

	AnalyticsEnabled   bool          `env:"ANALYTICS_ENABLED, default=false"`
	AnalyticsRetention time.Duration `env:"ANALYTICS_RETENTION, default=168h"`

	DBOpTimeout       time.Duration `env:"DB_OP_TIMEOUT, default=5s"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS, default=25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS, default=5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME, default=30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME, default=5m"`
	MigrateOnStart    bool          `env:"MIGRATE_ON_START, default=true"`

	HTTPShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT, default=10s"`

	MetricsEnabled bool   `env:"METRICS_ENABLED, default=false"`
	MetricsPath    string `env:"METRICS_PATH, default=/metrics"`
	MetricsPort    int    `env:"METRICS_PORT, default=9090"`

	ReconcileEnabled  bool          `env:"RECONCILE_ENABLED, default=true"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL, default=5m"`
	// ReconcileThreshold must exceed the time a healthy create takes to
	// patch the trigger with its row id.
	ReconcileThreshold time.Duration `env:"RECONCILE_THRESHOLD, default=2m"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD, default=5"`
	CircuitBreakerCooldown  time.Duration `env:"CIRCUIT_BREAKER_COOLDOWN, default=2m"`
}

// LoadEnv loads variables from .env style files into the process
// environment without overriding variables already set. Missing files are
// ignored. With no arguments it reads ".env".
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads configuration from the process environment with defaults.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads configuration from the given lookuper. Only type errors
// are returned here; semantic checks are handled separately by Validate().
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port, ok := l.Lookup("PORT"); ok && port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8000"
		}
	}
	cfg.PublishMode = strings.ToLower(strings.TrimSpace(cfg.PublishMode))

	return cfg, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		HTTPAddr                string `json:"http_addr"`
		DisplayTimezone         string `json:"display_timezone"`
		WorkerPoolSize          int    `json:"worker_pool_size"`
		WorkerQueueSize         int    `json:"worker_queue_size"`
		JobLogDir               string `json:"job_log_dir"`
		PublishMode             string `json:"publish_mode"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		RedisPassword           string `json:"redis_password,omitempty"`
		RedisStream             string `json:"redis_stream"`
		WebhookURL              string `json:"webhook_url,omitempty"`
		WebhookSecret           string `json:"webhook_secret,omitempty"`
		WebhookTimeout          string `json:"webhook_timeout"`
		AnalyticsEnabled        bool   `json:"analytics_enabled"`
		AnalyticsRetention      string `json:"analytics_retention"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		MigrateOnStart          bool   `json:"migrate_on_start"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		MetricsPort             int    `json:"metrics_port"`
		ReconcileEnabled        bool   `json:"reconcile_enabled"`
		ReconcileInterval       string `json:"reconcile_interval"`
		ReconcileThreshold      string `json:"reconcile_threshold"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		HTTPAddr:                c.HTTPAddr,
		DisplayTimezone:         c.DisplayTimezone,
		WorkerPoolSize:          c.WorkerPoolSize,
		WorkerQueueSize:         c.WorkerQueueSize,
		JobLogDir:               c.JobLogDir,
		PublishMode:             c.PublishMode,
		RedisAddr:               c.RedisAddr,
		RedisPassword:           maskSecret(c.RedisPassword),
		RedisStream:             c.RedisStream,
		WebhookURL:              c.WebhookURL,
		WebhookSecret:           maskSecret(c.WebhookSecret),
		WebhookTimeout:          c.WebhookTimeout.String(),
		AnalyticsEnabled:        c.AnalyticsEnabled,
		AnalyticsRetention:      c.AnalyticsRetention.String(),
		DBOpTimeout:             c.DBOpTimeout.String(),
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetime.String(),
		DBConnMaxIdleTime:       c.DBConnMaxIdleTime.String(),
		MigrateOnStart:          c.MigrateOnStart,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeout.String(),
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		MetricsPort:             c.MetricsPort,
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileInterval:       c.ReconcileInterval.String(),
		ReconcileThreshold:      c.ReconcileThreshold.String(),
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldown.String(),
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
