package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/audit"
	"github.com/kubilitics/kubilitics-usage/internal/budget"
	"github.com/kubilitics/kubilitics-usage/internal/config"
	"github.com/kubilitics/kubilitics-usage/internal/db"
	"github.com/kubilitics/kubilitics-usage/internal/integration/mcp"
	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
	"github.com/kubilitics/kubilitics-usage/internal/synthetic"
	"github.com/kubilitics/kubilitics-usage/internal/tracing"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	auditLog  audit.Logger
	store     db.Store
	synthetic *synthetic.Backend
	live      *mcp.Client

	closers []func() error
}

// loadConfig loads and validates the configuration at path.
func loadConfig(ctx context.Context, path string) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, mgr.Get(ctx), nil
}

func auditConfig(cfg *config.Config) *audit.Config {
	return &audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     true,
		LogLevel:     cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Stderr:       cfg.Logging.Stderr,
	}
}

// newApp builds logging, tracing, persistence and both data sources. On
// failure everything opened so far is released.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	var err error
	a.logger, err = audit.NewAppLogger(auditConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.closers = append(a.closers, func() error { _ = a.logger.Sync(); return nil })

	a.auditLog, err = audit.NewLogger(auditConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}
	a.closers = append(a.closers, a.auditLog.Close)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(sctx)
	})

	if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	a.store, err = db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	tracker := budget.NewTracker(&budget.Config{
		WarnThreshold:  cfg.Budget.WarnThreshold,
		DefaultBudgets: cfg.Budget.DefaultBudgets,
		DefaultPricing: budget.DefaultConfig().DefaultPricing,
	}, budget.WithStore(a.store), budget.WithLogger(a.logger.Named("budget")))
	if err := tracker.Load(ctx); err != nil {
		a.logger.Warn("failed to load usage history", zap.Error(err))
	}

	a.synthetic, err = synthetic.New(synthetic.Config{
		FailureRate:     cfg.Synthetic.FailureRate,
		Latency:         time.Duration(cfg.Synthetic.LatencyMs) * time.Millisecond,
		Seed:            cfg.Synthetic.Seed,
		CallsPerRefresh: synthetic.DefaultConfig().CallsPerRefresh,
	},
		synthetic.WithTracker(tracker),
		synthetic.WithPreferences(a.store),
		synthetic.WithLogger(a.logger.Named("synthetic")))
	if err != nil {
		return fmt.Errorf("failed to create synthetic backend: %w", err)
	}
	if err := a.synthetic.Restore(ctx); err != nil {
		a.logger.Warn("failed to restore preferences", zap.Error(err))
	}

	if cfg.Live.Enabled && !cfg.Orchestrator.ForceSynthetic {
		a.live, err = mcp.NewClient(mcp.ConfigFromService(cfg),
			mcp.WithLogger(a.logger.Named("mcp")),
			mcp.WithAuditLogger(a.auditLog))
		if err != nil {
			return fmt.Errorf("failed to create gateway client: %w", err)
		}
		a.closers = append(a.closers, func() error { return a.live.Disconnect(context.Background()) })
	}
	return nil
}

// newOrchestrator wires both data sources into an orchestrator.
func (a *app) newOrchestrator() (*orchestrator.Orchestrator, error) {
	var live orchestrator.LiveBackend
	if a.live != nil {
		live = a.live
	}
	cfg := a.cfg
	return orchestrator.New(live, a.synthetic,
		orchestrator.WithMaxRetries(cfg.Orchestrator.MaxRetries),
		orchestrator.WithBaseDelay(time.Duration(cfg.Orchestrator.BaseDelayMs)*time.Millisecond),
		orchestrator.WithCacheTTL(time.Duration(cfg.Orchestrator.CacheTTLSeconds)*time.Second),
		orchestrator.WithConnectTimeout(time.Duration(cfg.Live.ConnectTimeout)*time.Second),
		orchestrator.WithServerName(cfg.Live.ServerName),
		orchestrator.WithSubscribeUpdates(cfg.Live.SubscribeUpdates),
		orchestrator.WithLogger(a.logger.Named("orchestrator")),
		orchestrator.WithAuditLogger(a.auditLog))
}

// close releases components in reverse order of creation.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
