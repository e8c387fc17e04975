package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.False(t, cfg.Server.TLSEnabled)

	// Test live gateway defaults
	assert.True(t, cfg.Live.Enabled)
	assert.Equal(t, "localhost:50061", cfg.Live.Address)
	assert.Equal(t, "token-dashboard", cfg.Live.ServerName)
	assert.Equal(t, 3, cfg.Live.ConnectTimeout)

	// Test orchestrator defaults
	assert.Equal(t, 5000, cfg.Orchestrator.RefreshIntervalMs)
	assert.Equal(t, 30, cfg.Orchestrator.CacheTTLSeconds)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 500, cfg.Orchestrator.BaseDelayMs)

	// Test database defaults
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Test budget defaults
	assert.InDelta(t, 0.8, cfg.Budget.WarnThreshold, 1e-9)
	assert.Equal(t, int64(1_000_000), cfg.Budget.DefaultBudgets["output"])

	assert.Empty(t, DefaultConfig().Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		expectErr bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(c *Config) {},
			expectErr: false,
		},
		{
			name: "invalid port",
			modifyFn: func(c *Config) {
				c.Server.Port = 70000
			},
			expectErr: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "negative api rate limit",
			modifyFn: func(c *Config) {
				c.Server.RateLimitPerMin = -1
			},
			expectErr: true,
			errorMsg:  "rate_limit_per_min cannot be negative",
		},
		{
			name: "tls without cert",
			modifyFn: func(c *Config) {
				c.Server.TLSEnabled = true
			},
			expectErr: true,
			errorMsg:  "tls_cert_path is required",
		},
		{
			name: "live enabled without address",
			modifyFn: func(c *Config) {
				c.Live.Address = ""
			},
			expectErr: true,
			errorMsg:  "gateway address is required",
		},
		{
			name: "live address without port",
			modifyFn: func(c *Config) {
				c.Live.Address = "gateway"
			},
			expectErr: true,
			errorMsg:  "invalid address format",
		},
		{
			name: "live disabled ignores address",
			modifyFn: func(c *Config) {
				c.Live.Enabled = false
				c.Live.Address = ""
				c.Live.Timeout = 0
			},
			expectErr: false,
		},
		{
			name: "zero connect timeout",
			modifyFn: func(c *Config) {
				c.Live.ConnectTimeout = 0
			},
			expectErr: true,
			errorMsg:  "connect_timeout must be at least 1 second",
		},
		{
			name: "negative rate limit",
			modifyFn: func(c *Config) {
				c.Live.RateLimit = -1
			},
			expectErr: true,
			errorMsg:  "rate_limit cannot be negative",
		},
		{
			name: "max retries out of range",
			modifyFn: func(c *Config) {
				c.Orchestrator.MaxRetries = 0
			},
			expectErr: true,
			errorMsg:  "max_retries must be between 1 and 10",
		},
		{
			name: "negative cache ttl",
			modifyFn: func(c *Config) {
				c.Orchestrator.CacheTTLSeconds = -5
			},
			expectErr: true,
			errorMsg:  "cache_ttl_seconds cannot be negative",
		},
		{
			name: "failure rate above one",
			modifyFn: func(c *Config) {
				c.Synthetic.FailureRate = 1.5
			},
			expectErr: true,
			errorMsg:  "failure_rate must be between 0 and 1",
		},
		{
			name: "unsupported database",
			modifyFn: func(c *Config) {
				c.Database.Type = "postgres"
			},
			expectErr: true,
			errorMsg:  "invalid database type",
		},
		{
			name: "sqlite without path",
			modifyFn: func(c *Config) {
				c.Database.SQLitePath = ""
			},
			expectErr: true,
			errorMsg:  "sqlite_path is required",
		},
		{
			name: "invalid log level",
			modifyFn: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			expectErr: true,
			errorMsg:  "invalid log level",
		},
		{
			name: "invalid log format",
			modifyFn: func(c *Config) {
				c.Logging.Format = "xml"
			},
			expectErr: true,
			errorMsg:  "invalid log format",
		},
		{
			name: "warn threshold out of range",
			modifyFn: func(c *Config) {
				c.Budget.WarnThreshold = 0
			},
			expectErr: true,
			errorMsg:  "warn_threshold must be in (0, 1]",
		},
		{
			name: "negative category budget",
			modifyFn: func(c *Config) {
				c.Budget.DefaultBudgets["input"] = -10
			},
			expectErr: true,
			errorMsg:  "budget.default_budgets.input",
		},
		{
			name: "sampling rate out of range",
			modifyFn: func(c *Config) {
				c.Tracing.SamplingRate = 2
			},
			expectErr: true,
			errorMsg:  "sampling_rate must be between 0 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()

			if tt.expectErr {
				require.NotEmpty(t, errs, "expected validation errors but got none")
				found := false
				for _, err := range errs {
					if strings.Contains(err.Error(), tt.errorMsg) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected error message containing '%s', got: %v", tt.errorMsg, errs)
			} else {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
			}
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090

live:
  address: "gateway:50061"
  timeout: 20
  enable_batch: false

orchestrator:
  cache_ttl_seconds: 10
  max_retries: 5

synthetic:
  failure_rate: 0
  seed: 42

budget:
  default_budgets:
    input: 2000

logging:
  level: "debug"
  format: "text"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "gateway:50061", cfg.Live.Address)
	assert.Equal(t, 20, cfg.Live.Timeout)
	assert.False(t, cfg.Live.EnableBatch)
	assert.Equal(t, 10, cfg.Orchestrator.CacheTTLSeconds)
	assert.Equal(t, 5, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 500, cfg.Orchestrator.BaseDelayMs, "unset keys keep defaults")
	assert.Equal(t, 0.0, cfg.Synthetic.FailureRate)
	assert.Equal(t, int64(42), cfg.Synthetic.Seed)
	assert.Equal(t, int64(2000), cfg.Budget.DefaultBudgets["input"])
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("KUBILITICS_GATEWAY_ADDRESS", "env-gateway:9999")
	t.Setenv("KUBILITICS_PORT", "7070")
	t.Setenv("KUBILITICS_SYNTHETIC_ONLY", "true")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8081

live:
  address: "localhost:50061"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)

	assert.Equal(t, 7070, cfg.Server.Port, "PORT should be overridden by environment variable")
	assert.Equal(t, "env-gateway:9999", cfg.Live.Address)
	assert.False(t, cfg.Live.Enabled)
	assert.True(t, cfg.Orchestrator.ForceSynthetic)
}

func TestConfigManagerMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent-config.yaml")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	// Should not error - should use defaults
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, int64(5_000_000), cfg.Budget.DefaultBudgets["input"])
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 99999

live:
  address: ""

logging:
  level: "loud"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "live.address")
}
