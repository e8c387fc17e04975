package synthetic

import (
	"context"
	"errors"
	"go/parser"
	"go/token"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-usage/internal/budget"
	"github.com/kubilitics/kubilitics-usage/internal/db"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

func newTestBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	b, err := New(Config{Seed: 7, CallsPerRefresh: 2}, opts...)
	require.NoError(t, err)
	return b
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{FailureRate: 1.5})
	assert.Error(t, err)

	_, err = New(Config{Latency: -time.Second})
	assert.Error(t, err)
}

func TestFetchDashboardDataSeedsHistory(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	snap, err := b.FetchDashboardData(ctx)
	require.NoError(t, err)

	assert.Equal(t, types.SourceSynthetic, snap.Source)
	assert.Equal(t, "claude-sonnet-4", snap.Models.Selected)
	assert.Len(t, snap.Models.Available, 4)
	assert.Equal(t, int64(24), snap.Usage.Requests)
	assert.Positive(t, snap.Tokens.Total)
	assert.Positive(t, snap.Costs.Total)
	assert.Equal(t, "USD", snap.Costs.Currency)
	assert.Contains(t, snap.Tokens.Budgets, budget.CategoryInput)
	assert.Contains(t, snap.Metrics, "tokensPerRequest")
	assert.Equal(t, true, snap.Settings["autoCompact"])

	// Seeding happens once.
	again, err := b.FetchDashboardData(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Usage.Requests, again.Usage.Requests)
}

func TestSnapshotIsDecodable(t *testing.T) {
	b := newTestBackend(t)
	snap, err := b.FetchDashboardData(context.Background())
	require.NoError(t, err)

	data, err := types.EncodeSnapshot(snap)
	require.NoError(t, err)
	decoded, err := types.DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap.Tokens.Total, decoded.Tokens.Total)
	assert.Equal(t, snap.Models.Selected, decoded.Models.Selected)
}

func TestRefreshDashboardDataAddsActivity(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	first, err := b.RefreshDashboardData(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Usage.Requests)

	second, err := b.RefreshDashboardData(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), second.Usage.Requests)
	assert.Greater(t, second.Tokens.Total, first.Tokens.Total)
}

func TestUpdateSelectedModel(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	ok, err := b.UpdateSelectedModel(ctx, "claude-opus-4")
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := b.FetchDashboardData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", snap.Models.Selected)

	ok, err = b.UpdateSelectedModel(ctx, "nope")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestUpdateSetting(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	ok, err := b.UpdateSetting(ctx, "theme", "dark")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.UpdateSetting(ctx, "customFlag", 12.5)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.UpdateSetting(ctx, "theme", "purple")
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = b.UpdateSetting(ctx, "autoCompact", "yes")
	assert.ErrorIs(t, err, ErrInvalidValue)

	snap, err := b.FetchDashboardData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dark", snap.Settings["theme"])
	assert.Equal(t, 12.5, snap.Settings["customFlag"])
}

func TestUpdateTokenBudget(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	ok, err := b.UpdateTokenBudget(ctx, "reasoning", 9000)
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := b.FetchDashboardData(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), snap.Tokens.Budgets["reasoning"].Budget)

	_, err = b.UpdateTokenBudget(ctx, budget.CategoryInput, -1)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestSimulatedFailure(t *testing.T) {
	b, err := New(Config{FailureRate: 1, Seed: 1})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.FetchDashboardData(ctx)
	assert.ErrorIs(t, err, ErrSimulatedFailure)
	_, err = b.RefreshDashboardData(ctx)
	assert.ErrorIs(t, err, ErrSimulatedFailure)
	ok, err := b.UpdateSelectedModel(ctx, "gpt-4o")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrSimulatedFailure))

	b.SetFailureRate(0)
	_, err = b.FetchDashboardData(ctx)
	assert.NoError(t, err)
}

func TestLatencyRespectsContext(t *testing.T) {
	b, err := New(Config{Latency: time.Hour, Seed: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.FetchDashboardData(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPreferencesPersistAndRestore(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	b := newTestBackend(t, WithPreferences(store))
	_, err = b.UpdateSelectedModel(ctx, "claude-haiku-3.5")
	require.NoError(t, err)
	_, err = b.UpdateSetting(ctx, "contextMode", "extended")
	require.NoError(t, err)
	_, err = b.UpdateTokenBudget(ctx, budget.CategoryOutput, 1234)
	require.NoError(t, err)

	restarted := newTestBackend(t, WithPreferences(store))
	require.NoError(t, restarted.Restore(ctx))

	snap, err := restarted.FetchDashboardData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-3.5", snap.Models.Selected)
	assert.Equal(t, "extended", snap.Settings["contextMode"])
	assert.Equal(t, int64(1234), snap.Tokens.Budgets[budget.CategoryOutput].Budget)
}

func TestRestoreSkipsUnknownModel(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	require.NoError(t, store.SaveSelectedModel(ctx, "retired-model"))

	b := newTestBackend(t, WithPreferences(store))
	require.NoError(t, b.Restore(ctx))
	snap, err := b.FetchDashboardData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", snap.Models.Selected)
}

func TestLoadCatalogValidation(t *testing.T) {
	_, err := LoadCatalog([]byte("models: []"))
	assert.Error(t, err)

	_, err = LoadCatalog([]byte("models:\n  - id: a\n  - id: a\n"))
	assert.Error(t, err)

	_, err = LoadCatalog([]byte("default_model: b\nmodels:\n  - id: a\n"))
	assert.Error(t, err)

	c, err := LoadCatalog([]byte("models:\n  - id: a\n"))
	require.NoError(t, err)
	assert.Equal(t, "a", c.DefaultModel)
	assert.Equal(t, 1.0, c.Models[0].Weight)
}

func TestPackageDocAttached(t *testing.T) {
	f, err := parser.ParseFile(token.NewFileSet(), "backend.go", nil, parser.PackageClauseOnly|parser.ParseComments)
	require.NoError(t, err)
	require.NotNil(t, f.Doc, "package comment must precede the package clause")
	assert.True(t, strings.HasPrefix(f.Doc.Text(), "Package synthetic "))
}
