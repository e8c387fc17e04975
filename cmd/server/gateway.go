package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/integration/mcp"
)

func newGatewayCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve synthetic dashboard data as an MCP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, cfg, err := loadConfig(ctx, opts.configPath)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Live.Address
			}
			cfg.Live.Enabled = false

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			gw := mcp.NewGateway(a.synthetic, cfg.Live.ServerName, a.logger.Named("gateway"))
			a.logger.Info("mcp gateway started",
				zap.String("addr", lis.Addr().String()),
				zap.String("server", cfg.Live.ServerName))
			return mcp.Serve(ctx, lis, gw)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "listen address (defaults to the configured live gateway address)")
	return cmd
}
