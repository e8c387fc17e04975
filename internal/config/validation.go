package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.RateLimitPerMin < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.rate_limit_per_min",
			Message: fmt.Sprintf("rate_limit_per_min cannot be negative, got %d", c.Server.RateLimitPerMin),
		})
	}

	if c.Server.TLSEnabled {
		errs = append(errs, validateFile("server.tls_cert_path", c.Server.TLSCertPath, "tls_cert_path is required when tls_enabled is true")...)
		errs = append(errs, validateFile("server.tls_key_path", c.Server.TLSKeyPath, "tls_key_path is required when tls_enabled is true")...)
	}

	// Validate live gateway configuration
	if c.Live.Enabled {
		if c.Live.Address == "" {
			errs = append(errs, &ValidationError{
				Field:   "live.address",
				Message: "gateway address is required when live is enabled",
			})
		} else if host, port, err := net.SplitHostPort(c.Live.Address); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "live.address",
				Message: fmt.Sprintf("invalid address format (expected host:port): %v", err),
			})
		} else if host == "" || port == "" {
			errs = append(errs, &ValidationError{
				Field:   "live.address",
				Message: "gateway host and port cannot be empty",
			})
		}

		if c.Live.ServerName == "" {
			errs = append(errs, &ValidationError{
				Field:   "live.server_name",
				Message: "server_name is required when live is enabled",
			})
		}
		if c.Live.Timeout < 1 {
			errs = append(errs, &ValidationError{
				Field:   "live.timeout",
				Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Live.Timeout),
			})
		}
		if c.Live.ConnectTimeout < 1 {
			errs = append(errs, &ValidationError{
				Field:   "live.connect_timeout",
				Message: fmt.Sprintf("connect_timeout must be at least 1 second, got %d", c.Live.ConnectTimeout),
			})
		}
		if c.Live.RateLimit < 0 {
			errs = append(errs, &ValidationError{
				Field:   "live.rate_limit",
				Message: fmt.Sprintf("rate_limit cannot be negative, got %.2f", c.Live.RateLimit),
			})
		}
		if c.Live.TLSEnabled && c.Live.TLSCAPath != "" {
			if _, err := os.Stat(c.Live.TLSCAPath); os.IsNotExist(err) {
				errs = append(errs, &ValidationError{
					Field:   "live.tls_ca_path",
					Message: fmt.Sprintf("CA file does not exist: %s", c.Live.TLSCAPath),
				})
			}
		}
	}

	// Validate orchestrator configuration
	if c.Orchestrator.RefreshIntervalMs < 0 {
		errs = append(errs, &ValidationError{
			Field:   "orchestrator.refresh_interval_ms",
			Message: fmt.Sprintf("refresh_interval_ms cannot be negative, got %d", c.Orchestrator.RefreshIntervalMs),
		})
	}
	if c.Orchestrator.CacheTTLSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "orchestrator.cache_ttl_seconds",
			Message: fmt.Sprintf("cache_ttl_seconds cannot be negative, got %d", c.Orchestrator.CacheTTLSeconds),
		})
	}
	if c.Orchestrator.MaxRetries < 1 || c.Orchestrator.MaxRetries > 10 {
		errs = append(errs, &ValidationError{
			Field:   "orchestrator.max_retries",
			Message: fmt.Sprintf("max_retries must be between 1 and 10, got %d", c.Orchestrator.MaxRetries),
		})
	}
	if c.Orchestrator.BaseDelayMs < 0 {
		errs = append(errs, &ValidationError{
			Field:   "orchestrator.base_delay_ms",
			Message: fmt.Sprintf("base_delay_ms cannot be negative, got %d", c.Orchestrator.BaseDelayMs),
		})
	}

	// Validate synthetic configuration
	if c.Synthetic.FailureRate < 0 || c.Synthetic.FailureRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "synthetic.failure_rate",
			Message: fmt.Sprintf("failure_rate must be between 0 and 1, got %.2f", c.Synthetic.FailureRate),
		})
	}
	if c.Synthetic.LatencyMs < 0 {
		errs = append(errs, &ValidationError{
			Field:   "synthetic.latency_ms",
			Message: fmt.Sprintf("latency_ms cannot be negative, got %d", c.Synthetic.LatencyMs),
		})
	}

	// Validate database configuration
	if c.Database.Type != "sqlite" {
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type '%s', must be: sqlite", c.Database.Type),
		})
	} else if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required when database type is sqlite",
		})
	}
	if c.Database.HistoryRetentionDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "database.history_retention_days",
			Message: fmt.Sprintf("retention days must be at least 1, got %d", c.Database.HistoryRetentionDays),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	// Validate budget configuration
	if c.Budget.WarnThreshold <= 0 || c.Budget.WarnThreshold > 1 {
		errs = append(errs, &ValidationError{
			Field:   "budget.warn_threshold",
			Message: fmt.Sprintf("warn_threshold must be in (0, 1], got %.2f", c.Budget.WarnThreshold),
		})
	}
	for category, budget := range c.Budget.DefaultBudgets {
		if budget < 0 {
			errs = append(errs, &ValidationError{
				Field:   "budget.default_budgets." + category,
				Message: fmt.Sprintf("budget cannot be negative, got %d", budget),
			})
		}
	}

	// Validate tracing configuration
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "tracing.sampling_rate",
			Message: fmt.Sprintf("sampling_rate must be between 0 and 1, got %.2f", c.Tracing.SamplingRate),
		})
	}

	return errs
}

func validateFile(field, path, missingMsg string) []error {
	if path == "" {
		return []error{&ValidationError{Field: field, Message: missingMsg}}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return []error{&ValidationError{
			Field:   field,
			Message: fmt.Sprintf("file does not exist: %s", path),
		}}
	}
	return nil
}
