package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required")
	}

	if _, err := time.LoadLocation(cfg.DisplayTimezone); err != nil {
		add("DISPLAY_TIMEZONE", "unknown time zone %q", cfg.DisplayTimezone)
	}

	if cfg.WorkerPoolSize <= 0 {
		add("WORKER_POOL_SIZE", "must be positive")
	}
	if cfg.WorkerQueueSize <= 0 {
		add("WORKER_QUEUE_SIZE", "must be positive")
	}
	if cfg.JobLogDir == "" {
		add("JOB_LOG_DIR", "required")
	}

	switch cfg.PublishMode {
	case PublishLog:
	case PublishRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when PUBLISH_MODE=redis")
		}
		if cfg.RedisStream == "" {
			add("REDIS_STREAM", "required when PUBLISH_MODE=redis")
		}
	case PublishWebhook:
		if cfg.WebhookURL == "" {
			add("WEBHOOK_URL", "required when PUBLISH_MODE=webhook")
		} else if !strings.HasPrefix(cfg.WebhookURL, "http://") && !strings.HasPrefix(cfg.WebhookURL, "https://") {
			add("WEBHOOK_URL", "must be an http or https URL")
		}
	default:
		add("PUBLISH_MODE", "must be 'log', 'redis' or 'webhook', got %q", cfg.PublishMode)
	}

	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		add("REDIS_ADDR", "required when ANALYTICS_ENABLED=true")
	}

	positive := []struct {
		field string
		d     time.Duration
	}{
		{"WEBHOOK_TIMEOUT", cfg.WebhookTimeout},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetention},
		{"DB_OP_TIMEOUT", cfg.DBOpTimeout},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeout},
		{"RECONCILE_INTERVAL", cfg.ReconcileInterval},
		{"RECONCILE_THRESHOLD", cfg.ReconcileThreshold},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldown},
	}
	for _, p := range positive {
		if p.d <= 0 {
			add(p.field, "must be positive")
		}
	}

	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	if cfg.MetricsEnabled {
		if !strings.HasPrefix(cfg.MetricsPath, "/") {
			add("METRICS_PATH", "must start with '/'")
		}
		if cfg.MetricsPort <= 0 || cfg.MetricsPort > 65535 {
			add("METRICS_PORT", "must be between 1 and 65535")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
