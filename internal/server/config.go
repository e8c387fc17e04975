package server

import (
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-usage/internal/config"
)

// Defaults used when the service configuration leaves a field empty.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHistoryLimit      = 100
	MaxHistoryLimit          = 1000
)

// defaultOrigins are the dashboard dev servers allowed when no origins are configured.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// Config represents the server configuration
type Config struct {
	// HTTP settings
	Host        string `json:"host"`
	Port        int    `json:"port"`
	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertPath string `json:"tls_cert_path"`
	TLSKeyPath  string `json:"tls_key_path"`

	// AllowedOrigins is the list of origins permitted for CORS and the
	// WebSocket upgrade. Use "*" to allow all origins (development only).
	// Defaults to localhost origins.
	AllowedOrigins []string `json:"allowed_origins"`

	// HeartbeatInterval is how often event stream clients get a heartbeat.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// HistoryLimit is the default page size of the history endpoint.
	HistoryLimit int `json:"history_limit"`

	// RateLimitPerMin caps /api/v1 requests per client IP. 0 disables.
	RateLimitPerMin int `json:"rate_limit_per_min"`
}

// NewConfig derives the server configuration from the service configuration.
func NewConfig(cfg *config.Config) *Config {
	c := &Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		TLSEnabled:        cfg.Server.TLSEnabled,
		TLSCertPath:       cfg.Server.TLSCertPath,
		TLSKeyPath:        cfg.Server.TLSKeyPath,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HistoryLimit:      cfg.Database.HistoryLimit,
		RateLimitPerMin:   cfg.Server.RateLimitPerMin,
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.HistoryLimit > MaxHistoryLimit {
		c.HistoryLimit = MaxHistoryLimit
	}
}

// origins returns the effective allow list.
func (c *Config) origins() []string {
	if len(c.AllowedOrigins) == 0 {
		return defaultOrigins
	}
	return c.AllowedOrigins
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
