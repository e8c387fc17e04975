package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.TLSEnabled = false
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitPerMin = 600

	// Live gateway defaults
	cfg.Live.Enabled = true
	cfg.Live.Address = "localhost:50061"
	cfg.Live.ServerName = "token-dashboard"
	cfg.Live.Timeout = 10
	cfg.Live.ConnectTimeout = 3
	cfg.Live.TLSEnabled = false
	cfg.Live.RateLimit = 20
	cfg.Live.RateBurst = 5
	cfg.Live.EnableBatch = true
	cfg.Live.SubscribeUpdates = true

	// Orchestrator defaults
	cfg.Orchestrator.RefreshIntervalMs = 5000
	cfg.Orchestrator.CacheTTLSeconds = 30
	cfg.Orchestrator.MaxRetries = 3
	cfg.Orchestrator.BaseDelayMs = 500
	cfg.Orchestrator.ForceSynthetic = false

	// Synthetic defaults
	cfg.Synthetic.FailureRate = 0.05
	cfg.Synthetic.LatencyMs = 150
	cfg.Synthetic.Seed = 0 // 0 = seed from time

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/kubilitics/usage.db"
	cfg.Database.HistoryRetentionDays = 7
	cfg.Database.HistoryLimit = 500

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AppLogPath = "logs/app.log"
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Stderr = true

	// Budget defaults
	cfg.Budget.WarnThreshold = 0.80
	cfg.Budget.DefaultBudgets = map[string]int64{
		"input":  5_000_000,
		"output": 1_000_000,
		"cache":  10_000_000,
	}

	// Tracing defaults (empty endpoint disables export)
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.ServiceName = "kubilitics-usage"
	cfg.Tracing.SamplingRate = 1.0

	return cfg
}
