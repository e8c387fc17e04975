package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Live.Enabled = false
	cfg.Synthetic.LatencyMs = 0
	cfg.Synthetic.FailureRate = 0
	cfg.Synthetic.Seed = 5
	cfg.Database.SQLitePath = filepath.Join(dir, "usage.db")
	cfg.Logging.AppLogPath = filepath.Join(dir, "app.log")
	cfg.Logging.AuditLogPath = filepath.Join(dir, "audit.log")
	cfg.Logging.Stderr = false
	return cfg
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["snapshot"])
	assert.True(t, names["gateway"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestNewApp_SyntheticOnly(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.live)
	orch, err := a.newOrchestrator()
	require.NoError(t, err)
	defer orch.Cleanup()

	st := orch.Initialize(ctx, 0)
	assert.False(t, st.LiveConnected)
	assert.True(t, st.UsingSynthetic)
	require.NotNil(t, orch.Snapshot())
	require.NoError(t, a.store.Ping(ctx))
}

func TestNewApp_ErrorPathClosesResources(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.Database.SQLitePath = filepath.Join(blocker, "sub", "usage.db")

	var (
		a   *app
		err error
	)
	require.NotPanics(t, func() { a, err = newApp(ctx, cfg) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create database directory")
	assert.Nil(t, a)

	partial := &app{cfg: cfg}
	require.Error(t, partial.init(ctx))
	assert.NotEmpty(t, partial.closers, "logger, audit log and tracing were opened before the failure")
	assert.Nil(t, partial.store)
	require.NoError(t, partial.close())
	assert.Empty(t, partial.closers)
}

func TestApplyConfig(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.close()
	orch, err := a.newOrchestrator()
	require.NoError(t, err)
	defer orch.Cleanup()

	next := *a.cfg
	next.Synthetic.FailureRate = 1
	applyConfig(a, orch, &next, zap.NewNop())
	assert.Equal(t, 1.0, a.cfg.Synthetic.FailureRate)

	_, err = orch.Refresh(ctx, true)
	assert.Error(t, err, "every synthetic call should fail after the change")

	invalid := *a.cfg
	invalid.Synthetic.FailureRate = 3
	applyConfig(a, orch, &invalid, zap.NewNop())
	assert.Equal(t, 1.0, a.cfg.Synthetic.FailureRate, "invalid configuration must be ignored")
}
