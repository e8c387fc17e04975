package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/config"
	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
	"github.com/kubilitics/kubilitics-usage/internal/server"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, cfg, err := loadConfig(ctx, opts.configPath)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	orch, err := a.newOrchestrator()
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orch.Cleanup()

	recorder := orchestrator.NewHistoryRecorder(a.store,
		time.Duration(cfg.Database.HistoryRetentionDays)*24*time.Hour, logger.Named("history"))
	recorder.Attach(orch)

	srv, err := server.NewServer(server.NewConfig(cfg), orch,
		server.WithLogger(logger.Named("server")),
		server.WithHistoryStore(a.store),
		server.WithPinger(a.store))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	interval := time.Duration(cfg.Orchestrator.RefreshIntervalMs) * time.Millisecond
	status := orch.Initialize(ctx, interval)
	logger.Info("dashboard initialized",
		zap.Bool("live_connected", status.LiveConnected),
		zap.Bool("using_synthetic", status.UsingSynthetic),
		zap.Duration("refresh_interval", interval),
		zap.String("summary", orchestrator.Summarize(status, orch.Snapshot(), time.Now())))

	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if err := srv.Stop(); err != nil {
				logger.Warn("error stopping server", zap.Error(err))
			}
			return nil

		case next := <-updates:
			applyConfig(a, orch, &next, logger)
		}
	}
}

// applyConfig applies the settings that can change without a restart.
func applyConfig(a *app, orch *orchestrator.Orchestrator, next *config.Config, logger *zap.Logger) {
	if errs := next.Validate(); len(errs) > 0 {
		logger.Warn("ignoring invalid configuration change", zap.Errors("errors", errs))
		return
	}
	if next.Synthetic.FailureRate != a.cfg.Synthetic.FailureRate {
		a.synthetic.SetFailureRate(next.Synthetic.FailureRate)
		logger.Info("synthetic failure rate changed", zap.Float64("failure_rate", next.Synthetic.FailureRate))
	}
	if next.Orchestrator.RefreshIntervalMs != a.cfg.Orchestrator.RefreshIntervalMs {
		interval := time.Duration(next.Orchestrator.RefreshIntervalMs) * time.Millisecond
		orch.Initialize(context.Background(), interval)
		logger.Info("refresh interval changed", zap.Duration("refresh_interval", interval))
	}
	if next.Logging.Level != a.cfg.Logging.Level {
		logger.Info("log level changes take effect on restart", zap.String("level", next.Logging.Level))
	}
	a.cfg = next
}
