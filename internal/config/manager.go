package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("KUBILITICS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// A missing config file is fine: defaults + env vars apply.
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and delivers every successfully reloaded
// configuration on the returned channel. Updates are dropped while the
// previous one is still unread.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()

		select {
		case m.watchChan <- *m.Get(ctx):
		default:
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || os.IsNotExist(err)
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_per_min", defaults.Server.RateLimitPerMin)

	// Live defaults
	m.viper.SetDefault("live.enabled", defaults.Live.Enabled)
	m.viper.SetDefault("live.address", defaults.Live.Address)
	m.viper.SetDefault("live.server_name", defaults.Live.ServerName)
	m.viper.SetDefault("live.timeout", defaults.Live.Timeout)
	m.viper.SetDefault("live.connect_timeout", defaults.Live.ConnectTimeout)
	m.viper.SetDefault("live.tls_enabled", defaults.Live.TLSEnabled)
	m.viper.SetDefault("live.tls_cert_path", defaults.Live.TLSCertPath)
	m.viper.SetDefault("live.tls_key_path", defaults.Live.TLSKeyPath)
	m.viper.SetDefault("live.tls_ca_path", defaults.Live.TLSCAPath)
	m.viper.SetDefault("live.rate_limit", defaults.Live.RateLimit)
	m.viper.SetDefault("live.rate_burst", defaults.Live.RateBurst)
	m.viper.SetDefault("live.enable_batch", defaults.Live.EnableBatch)
	m.viper.SetDefault("live.subscribe_updates", defaults.Live.SubscribeUpdates)

	// Orchestrator defaults
	m.viper.SetDefault("orchestrator.refresh_interval_ms", defaults.Orchestrator.RefreshIntervalMs)
	m.viper.SetDefault("orchestrator.cache_ttl_seconds", defaults.Orchestrator.CacheTTLSeconds)
	m.viper.SetDefault("orchestrator.max_retries", defaults.Orchestrator.MaxRetries)
	m.viper.SetDefault("orchestrator.base_delay_ms", defaults.Orchestrator.BaseDelayMs)
	m.viper.SetDefault("orchestrator.force_synthetic", defaults.Orchestrator.ForceSynthetic)

	// Synthetic defaults
	m.viper.SetDefault("synthetic.failure_rate", defaults.Synthetic.FailureRate)
	m.viper.SetDefault("synthetic.latency_ms", defaults.Synthetic.LatencyMs)
	m.viper.SetDefault("synthetic.seed", defaults.Synthetic.Seed)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.history_retention_days", defaults.Database.HistoryRetentionDays)
	m.viper.SetDefault("database.history_limit", defaults.Database.HistoryLimit)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.app_log_path", defaults.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.stderr", defaults.Logging.Stderr)

	// Budget defaults
	m.viper.SetDefault("budget.warn_threshold", defaults.Budget.WarnThreshold)
	m.viper.SetDefault("budget.default_budgets", defaults.Budget.DefaultBudgets)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitPerMin = m.viper.GetInt("server.rate_limit_per_min")

	// Live
	cfg.Live.Enabled = m.viper.GetBool("live.enabled")
	cfg.Live.Address = m.viper.GetString("live.address")
	cfg.Live.ServerName = m.viper.GetString("live.server_name")
	cfg.Live.Timeout = m.viper.GetInt("live.timeout")
	cfg.Live.ConnectTimeout = m.viper.GetInt("live.connect_timeout")
	cfg.Live.TLSEnabled = m.viper.GetBool("live.tls_enabled")
	cfg.Live.TLSCertPath = m.viper.GetString("live.tls_cert_path")
	cfg.Live.TLSKeyPath = m.viper.GetString("live.tls_key_path")
	cfg.Live.TLSCAPath = m.viper.GetString("live.tls_ca_path")
	cfg.Live.RateLimit = m.viper.GetFloat64("live.rate_limit")
	cfg.Live.RateBurst = m.viper.GetInt("live.rate_burst")
	cfg.Live.EnableBatch = m.viper.GetBool("live.enable_batch")
	cfg.Live.SubscribeUpdates = m.viper.GetBool("live.subscribe_updates")

	// Orchestrator
	cfg.Orchestrator.RefreshIntervalMs = m.viper.GetInt("orchestrator.refresh_interval_ms")
	cfg.Orchestrator.CacheTTLSeconds = m.viper.GetInt("orchestrator.cache_ttl_seconds")
	cfg.Orchestrator.MaxRetries = m.viper.GetInt("orchestrator.max_retries")
	cfg.Orchestrator.BaseDelayMs = m.viper.GetInt("orchestrator.base_delay_ms")
	cfg.Orchestrator.ForceSynthetic = m.viper.GetBool("orchestrator.force_synthetic")

	// Synthetic
	cfg.Synthetic.FailureRate = m.viper.GetFloat64("synthetic.failure_rate")
	cfg.Synthetic.LatencyMs = m.viper.GetInt("synthetic.latency_ms")
	cfg.Synthetic.Seed = m.viper.GetInt64("synthetic.seed")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.HistoryRetentionDays = m.viper.GetInt("database.history_retention_days")
	cfg.Database.HistoryLimit = m.viper.GetInt("database.history_limit")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Stderr = m.viper.GetBool("logging.stderr")

	// Budget
	cfg.Budget.WarnThreshold = m.viper.GetFloat64("budget.warn_threshold")
	if err := m.viper.UnmarshalKey("budget.default_budgets", &cfg.Budget.DefaultBudgets); err != nil {
		return fmt.Errorf("budget.default_budgets: %w", err)
	}

	// Tracing
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.ServiceName = m.viper.GetString("tracing.service_name")
	cfg.Tracing.SamplingRate = m.viper.GetFloat64("tracing.sampling_rate")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies short-form environment variables.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Gateway address from environment
	if addr := os.Getenv("KUBILITICS_GATEWAY_ADDRESS"); addr != "" {
		m.config.Live.Address = addr
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("KUBILITICS_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}

	// Synthetic-only mode, e.g. for demos without a gateway
	if os.Getenv("KUBILITICS_SYNTHETIC_ONLY") == "true" {
		m.config.Live.Enabled = false
		m.config.Orchestrator.ForceSynthetic = true
	}

	// OTLP endpoint follows the standard OpenTelemetry variable
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" && m.config.Tracing.Endpoint == "" {
		m.config.Tracing.Endpoint = endpoint
	}
}
