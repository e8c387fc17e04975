// Package synthetic is the offline stand-in for the live dashboard backend.
//
// It serves schema-conforming snapshots built from a model catalog and a
// budget tracker fed with generated traffic. Every call waits a configurable
// latency and fails with a configurable probability so the fallback paths of
// callers can be exercised.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/budget"
	"github.com/kubilitics/kubilitics-usage/internal/db"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

var (
	// ErrSimulatedFailure is returned when a call is chosen to fail.
	ErrSimulatedFailure = errors.New("synthetic backend: simulated failure")
	// ErrUnknownModel is returned when selecting a model outside the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrInvalidValue is returned for rejected setting or budget values.
	ErrInvalidValue = errors.New("invalid value")
)

// Config controls the simulation.
type Config struct {
	// FailureRate is the probability in [0,1] that a call fails.
	FailureRate float64
	// Latency is the mean simulated latency per call; actual waits vary ±50%.
	Latency time.Duration
	// Seed makes generated data reproducible. 0 seeds from the clock.
	Seed int64
	// CallsPerRefresh is how many model calls each refresh generates.
	CallsPerRefresh int
}

// DefaultConfig returns the simulation defaults.
func DefaultConfig() Config {
	return Config{
		FailureRate:     0.05,
		Latency:         150 * time.Millisecond,
		CallsPerRefresh: 3,
	}
}

// Option configures a Backend.
type Option func(*Backend)

// WithCatalog replaces the embedded catalog.
func WithCatalog(c *Catalog) Option {
	return func(b *Backend) { b.catalog = c }
}

// WithTracker uses an existing budget tracker instead of a private one.
func WithTracker(t budget.Tracker) Option {
	return func(b *Backend) { b.tracker = t }
}

// WithPreferences persists selections, settings and budgets.
func WithPreferences(p db.PreferenceStore) Option {
	return func(b *Backend) { b.prefs = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Backend is the synthetic dashboard data source. It is safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	selected string
	settings map[string]any
	sessions int64
	seeded   bool

	catalog *Catalog
	tracker budget.Tracker
	prefs   db.PreferenceStore
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a synthetic backend.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("failure rate must be between 0 and 1, got %.2f", cfg.FailureRate)
	}
	if cfg.Latency < 0 {
		return nil, fmt.Errorf("latency cannot be negative")
	}
	if cfg.CallsPerRefresh <= 0 {
		cfg.CallsPerRefresh = DefaultConfig().CallsPerRefresh
	}

	b := &Backend{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.catalog == nil {
		b.catalog = DefaultCatalog()
	}
	if b.tracker == nil {
		b.tracker = budget.NewTracker(nil, budget.WithClock(b.now))
	}
	for _, m := range b.catalog.Models {
		b.tracker.SetPricing(m.ID, m.Pricing)
	}

	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = uint64(b.now().UnixNano())
	}
	b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	b.selected = b.catalog.DefaultModel
	b.settings = b.catalog.DefaultSettings()
	return b, nil
}

// Restore loads persisted preferences. Entries that no longer fit the catalog
// are skipped with a warning.
func (b *Backend) Restore(ctx context.Context) error {
	if b.prefs == nil {
		return nil
	}

	selected, err := b.prefs.LoadSelectedModel(ctx)
	if err != nil {
		return err
	}
	settings, err := b.prefs.LoadSettings(ctx)
	if err != nil {
		return err
	}
	budgets, err := b.prefs.LoadTokenBudgets(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if selected != "" {
		if b.catalog.HasModel(selected) {
			b.selected = selected
		} else {
			b.logger.Warn("persisted model not in catalog, keeping default",
				zap.String("model", selected), zap.String("default", b.selected))
		}
	}
	for k, v := range settings {
		if err := b.catalog.ValidateSetting(k, v); err != nil {
			b.logger.Warn("skipping persisted setting", zap.String("key", k), zap.Error(err))
			continue
		}
		b.settings[k] = v
	}
	for category, value := range budgets {
		if err := b.tracker.SetBudget(ctx, category, value); err != nil {
			b.logger.Warn("skipping persisted budget", zap.String("category", category), zap.Error(err))
		}
	}
	return nil
}

// SetFailureRate changes the simulated failure probability.
func (b *Backend) SetFailureRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.FailureRate = min(max(rate, 0), 1)
}

// Tracker returns the budget tracker backing the generated data.
func (b *Backend) Tracker() budget.Tracker { return b.tracker }

// FetchDashboardData returns a snapshot of the current synthetic state. The
// first successful call seeds a day of history.
func (b *Backend) FetchDashboardData(ctx context.Context) (*types.DashboardSnapshot, error) {
	if err := b.simulate(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	needsSeed := !b.seeded
	b.seeded = true
	b.mu.Unlock()
	if needsSeed {
		b.seedHistory(ctx)
	}
	return b.snapshot(ctx), nil
}

// RefreshDashboardData generates new activity and returns the resulting snapshot.
func (b *Backend) RefreshDashboardData(ctx context.Context) (*types.DashboardSnapshot, error) {
	if err := b.simulate(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.seeded = true
	n := b.cfg.CallsPerRefresh
	if b.rng.Float64() < 0.3 {
		b.sessions++
	}
	b.mu.Unlock()

	now := b.now()
	for i := 0; i < n; i++ {
		b.recordCall(ctx, now)
	}
	return b.snapshot(ctx), nil
}

// UpdateSelectedModel selects a catalog model.
func (b *Backend) UpdateSelectedModel(ctx context.Context, modelID string) (bool, error) {
	if err := b.simulate(ctx); err != nil {
		return false, err
	}
	if !b.catalog.HasModel(modelID) {
		return false, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}

	b.mu.Lock()
	b.selected = modelID
	b.mu.Unlock()

	if b.prefs != nil {
		if err := b.prefs.SaveSelectedModel(ctx, modelID); err != nil {
			b.logger.Warn("failed to persist selected model", zap.String("model", modelID), zap.Error(err))
		}
	}
	return true, nil
}

// UpdateSetting sets one setting.
func (b *Backend) UpdateSetting(ctx context.Context, key string, value any) (bool, error) {
	if err := b.simulate(ctx); err != nil {
		return false, err
	}
	if err := b.catalog.ValidateSetting(key, value); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	b.mu.Lock()
	b.settings[key] = value
	b.mu.Unlock()

	if b.prefs != nil {
		if err := b.prefs.SaveSetting(ctx, key, value); err != nil {
			b.logger.Warn("failed to persist setting", zap.String("key", key), zap.Error(err))
		}
	}
	return true, nil
}

// UpdateTokenBudget sets the budget for a token category.
func (b *Backend) UpdateTokenBudget(ctx context.Context, category string, value int64) (bool, error) {
	if err := b.simulate(ctx); err != nil {
		return false, err
	}
	if err := b.tracker.SetBudget(ctx, category, value); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	if b.prefs != nil {
		if err := b.prefs.SaveTokenBudget(ctx, category, value); err != nil {
			b.logger.Warn("failed to persist budget", zap.String("category", category), zap.Error(err))
		}
	}
	return true, nil
}

// simulate waits the simulated latency and decides whether the call fails.
func (b *Backend) simulate(ctx context.Context) error {
	b.mu.Lock()
	var wait time.Duration
	if b.cfg.Latency > 0 {
		wait = time.Duration(float64(b.cfg.Latency) * (0.5 + b.rng.Float64()))
	}
	fail := b.cfg.FailureRate > 0 && b.rng.Float64() < b.cfg.FailureRate
	b.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	if fail {
		return ErrSimulatedFailure
	}
	return nil
}

// seedHistory records one call per hour for the last day.
func (b *Backend) seedHistory(ctx context.Context) {
	now := b.now()
	for h := 24; h >= 1; h-- {
		b.recordCall(ctx, now.Add(-time.Duration(h)*time.Hour))
	}
	b.mu.Lock()
	b.sessions += 4
	b.mu.Unlock()
}

// recordCall generates one model call and records it with the tracker.
func (b *Backend) recordCall(ctx context.Context, at time.Time) {
	b.mu.Lock()
	model := b.pickModelLocked()
	input := int64(500 + b.rng.IntN(8000))
	output := int64(100 + b.rng.IntN(2000))
	var cache int64
	if b.rng.Float64() < 0.4 {
		cache = b.rng.Int64N(input * 2)
	}
	latency := 200*time.Millisecond + time.Duration(output)*time.Millisecond/2 + time.Duration(b.rng.IntN(300))*time.Millisecond
	b.mu.Unlock()

	_, err := b.tracker.RecordUsage(ctx, budget.UsageEntry{
		Model:        model,
		Source:       types.SourceSynthetic,
		InputTokens:  input,
		OutputTokens: output,
		CacheTokens:  cache,
		Latency:      latency,
		Timestamp:    at,
	})
	if err != nil {
		b.logger.Debug("failed to record synthetic usage", zap.Error(err))
	}
}

// pickModelLocked picks a model by catalog weight; the selected model's
// weight is tripled.
func (b *Backend) pickModelLocked() string {
	var total float64
	for _, m := range b.catalog.Models {
		total += b.weightLocked(m)
	}
	r := b.rng.Float64() * total
	for _, m := range b.catalog.Models {
		r -= b.weightLocked(m)
		if r < 0 {
			return m.ID
		}
	}
	return b.catalog.Models[len(b.catalog.Models)-1].ID
}

func (b *Backend) weightLocked(m CatalogModel) float64 {
	if m.ID == b.selected {
		return m.Weight * 3
	}
	return m.Weight
}

// snapshot builds a normalized snapshot from the current state.
func (b *Backend) snapshot(ctx context.Context) *types.DashboardSnapshot {
	summary := b.tracker.Summary(ctx)

	b.mu.Lock()
	selected := b.selected
	settings := maps.Clone(b.settings)
	sessions := b.sessions
	b.mu.Unlock()

	snap := &types.DashboardSnapshot{
		Source:      types.SourceSynthetic,
		GeneratedAt: b.now().UTC(),
		Settings:    settings,
	}

	snap.Tokens.Total = summary.TotalTokens
	snap.Tokens.ByCategory = maps.Clone(summary.ByCategory)
	snap.Tokens.ByWindow = maps.Clone(summary.ByWindow)
	snap.Tokens.Budgets = make(map[string]types.TokenBudget, len(summary.Categories))
	for c, st := range summary.Categories {
		snap.Tokens.Budgets[c] = types.TokenBudget{Used: st.Used, Budget: st.Budget}
	}

	snap.Models.Selected = selected
	snap.Models.Available = b.catalog.ModelInfos()

	snap.Costs.Total = summary.CostUSD
	snap.Costs.Projected = summary.ProjectedUSD
	snap.Costs.Currency = "USD"
	snap.Costs.ByModel = make(map[string]float64, len(summary.ByModel))
	snap.Usage.ByModel = make(map[string]int64, len(summary.ByModel))
	for model, mu := range summary.ByModel {
		snap.Costs.ByModel[model] = mu.CostUSD
		snap.Usage.ByModel[model] = mu.Requests
	}
	snap.Usage.Requests = summary.Requests
	snap.Usage.Sessions = sessions
	snap.Usage.AvgLatencyMs = summary.AvgLatencyMs

	snap.Metrics = map[string]float64{}
	if summary.Requests > 0 {
		snap.Metrics["tokensPerRequest"] = float64(summary.TotalTokens) / float64(summary.Requests)
		snap.Metrics["costPerRequest"] = summary.CostUSD / float64(summary.Requests)
	}
	if in, cache := summary.ByCategory[budget.CategoryInput], summary.ByCategory[budget.CategoryCache]; in+cache > 0 {
		snap.Metrics["cacheHitRatio"] = float64(cache) / float64(in+cache)
	}
	var maxUtil float64
	for _, st := range summary.Categories {
		maxUtil = max(maxUtil, st.Utilization)
	}
	snap.Metrics["maxBudgetUtilization"] = maxUtil

	snap.Normalize()
	return snap
}
