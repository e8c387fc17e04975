package main

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	var forceSynthetic bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch one dashboard snapshot and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			_, cfg, err := loadConfig(ctx, opts.configPath)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			orch, err := a.newOrchestrator()
			if err != nil {
				return fmt.Errorf("failed to create orchestrator: %w", err)
			}
			defer orch.Cleanup()

			status := orch.Initialize(ctx, 0)
			snap := orch.Snapshot()
			if forceSynthetic {
				if snap, err = orch.Refresh(ctx, true); err != nil {
					return err
				}
			}
			if snap == nil {
				return fmt.Errorf("no dashboard data available")
			}

			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(data))
			fmt.Fprintln(cmd.ErrOrStderr(), orchestrator.Summarize(status, snap, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceSynthetic, "synthetic", false, "generate fresh synthetic data instead of reading the cache")
	return cmd
}
