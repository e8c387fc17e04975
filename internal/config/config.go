// Package config provides configuration management for kubilitics-usage.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (KUBILITICS_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/kubilitics/usage.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - host, port: HTTP listen address (default 0.0.0.0:8090)
//      - allowed_origins: CORS / WebSocket origins
//      - rate_limit_per_min: Per-client API request limit
//
//   2. Live
//      - enabled: Use the live MCP gateway at all
//      - address: Gateway gRPC address (default localhost:50061)
//      - server_name: MCP server that owns dashboard data
//      - timeout, connect_timeout: Per-call and connect bounds in seconds
//      - rate_limit, rate_burst: Client-side call rate limit
//
//   3. Orchestrator
//      - refresh_interval_ms: Background refresh period (0 disables)
//      - cache_ttl_seconds: Snapshot cache lifetime (default 30)
//      - max_retries, base_delay_ms: Live call retry/backoff
//
//   4. Synthetic
//      - failure_rate: Simulated failure probability per call
//      - latency_ms: Simulated latency per call
//
//   5. Database, Logging, Budget, Tracing
package config

import "context"

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host        string
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted for CORS and WebSocket.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// RateLimitPerMin caps API requests per client IP. 0 disables.
		RateLimitPerMin int
	}

	// Live MCP gateway configuration
	Live struct {
		Enabled          bool
		Address          string // gRPC address (e.g. localhost:50061)
		ServerName       string // MCP server name
		Timeout          int    // seconds per call
		ConnectTimeout   int    // seconds for the single connect attempt
		TLSEnabled       bool
		TLSCertPath      string // client cert for mTLS
		TLSKeyPath       string // client key for mTLS
		TLSCAPath        string // custom CA certificate
		RateLimit        float64
		RateBurst        int
		EnableBatch      bool
		SubscribeUpdates bool
	}

	// Orchestrator configuration
	Orchestrator struct {
		RefreshIntervalMs int
		CacheTTLSeconds   int
		MaxRetries        int
		BaseDelayMs       int
		ForceSynthetic    bool
	}

	// Synthetic backend configuration
	Synthetic struct {
		FailureRate float64
		LatencyMs   int
		Seed        int64
	}

	// Database configuration
	Database struct {
		Type                 string
		SQLitePath           string
		HistoryRetentionDays int
		HistoryLimit         int
	}

	// Logging configuration
	Logging struct {
		Level        string
		Format       string
		AppLogPath   string
		AuditLogPath string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Stderr       bool
	}

	// Budget configuration
	Budget struct {
		WarnThreshold  float64
		DefaultBudgets map[string]int64
	}

	// Tracing configuration
	Tracing struct {
		Endpoint     string
		ServiceName  string
		SamplingRate float64
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}

// DefaultConfigPath is used when no config file is given.
const DefaultConfigPath = "/etc/kubilitics/usage.yaml"
