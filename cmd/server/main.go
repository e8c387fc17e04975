// Package main is the entry point for the kubilitics-usage service.
//
// Commands:
//   - serve (default): run the dashboard API, event stream and background
//     refresh, backed by the live MCP gateway with synthetic fallback
//   - snapshot: fetch one snapshot, print it as JSON with a summary, and exit
//   - gateway: serve the synthetic backend as a standalone MCP gateway, for
//     local development against the live code path
//
// Ports:
//   - usage API: 8090
//   - MCP gateway (gRPC): 50061
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-usage/internal/config"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCommand(opts)

	cmd := &cobra.Command{
		Use:           "kubilitics-usage",
		Short:         "Token usage dashboard service with live and synthetic data",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigPath, "path to the YAML config file")

	cmd.AddCommand(serve, newSnapshotCommand(opts), newGatewayCommand(opts))
	return cmd
}
