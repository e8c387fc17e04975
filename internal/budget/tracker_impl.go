package budget

// Concrete Tracker implementation.
//
// Design:
//   - In-memory entries for the month window (persisted via optional Store hook)
//   - Per-model pricing table (USD per million tokens), default for unknown models
//   - Soft limits only: crossing the warn threshold logs and counts a warning

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/db"
	"github.com/kubilitics/kubilitics-usage/internal/metrics"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

// Rolling windows, newest-first semantics relative to now.
var windows = map[string]time.Duration{
	types.WindowHour:  time.Hour,
	types.WindowDay:   24 * time.Hour,
	types.WindowWeek:  7 * 24 * time.Hour,
	types.WindowMonth: 30 * 24 * time.Hour,
}

const monthWindow = 30 * 24 * time.Hour

// Store is the persistence hook. db.Store satisfies it.
type Store interface {
	AppendUsageRecord(ctx context.Context, rec *db.UsageRecord) error
	QueryUsageRecords(ctx context.Context, from, to time.Time) ([]*db.UsageRecord, error)
}

// Config sets budgets and the warning threshold.
type Config struct {
	// WarnThreshold is the fraction of budget that triggers a warning (e.g. 0.8 = 80%).
	WarnThreshold float64
	// DefaultBudgets are the initial per-category token budgets. 0 = unlimited.
	DefaultBudgets map[string]int64
	// DefaultPricing prices models missing from the pricing table.
	DefaultPricing Pricing
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WarnThreshold: 0.80,
		DefaultBudgets: map[string]int64{
			CategoryInput:  5_000_000,
			CategoryOutput: 1_000_000,
			CategoryCache:  10_000_000,
		},
		DefaultPricing: Pricing{InputPerMTok: 3, OutputPerMTok: 15, CachePerMTok: 0.3},
	}
}

// Option configures a tracker.
type Option func(*trackerImpl)

// WithStore persists every recorded entry.
func WithStore(store Store) Option {
	return func(t *trackerImpl) { t.store = store }
}

// WithLogger sets the logger used for threshold warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(t *trackerImpl) { t.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *trackerImpl) { t.now = now }
}

type trackerImpl struct {
	mu      sync.RWMutex
	cfg     *Config
	pricing map[string]Pricing
	budgets map[string]int64
	entries []*UsageEntry
	warned  map[string]bool

	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a budget tracker. A nil cfg uses DefaultConfig.
func NewTracker(cfg *Config, opts ...Option) Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	t := &trackerImpl{
		cfg:     cfg,
		pricing: make(map[string]Pricing),
		budgets: maps.Clone(cfg.DefaultBudgets),
		warned:  make(map[string]bool),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	if t.budgets == nil {
		t.budgets = make(map[string]int64)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordUsage records one model call. The entry is kept in memory even when
// persisting it fails; the store error is returned.
func (t *trackerImpl) RecordUsage(ctx context.Context, entry UsageEntry) (*UsageEntry, error) {
	if entry.InputTokens < 0 || entry.OutputTokens < 0 || entry.CacheTokens < 0 {
		return nil, fmt.Errorf("token counts cannot be negative")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}
	if entry.CostUSD == 0 {
		entry.CostUSD = t.EstimateCost(entry.Model, entry.InputTokens, entry.OutputTokens, entry.CacheTokens)
	}
	recorded := &entry

	t.mu.Lock()
	t.entries = append(t.entries, recorded)
	t.trimLocked()
	crossed := t.updateWarningsLocked()
	t.mu.Unlock()

	metrics.TokensRecorded.WithLabelValues(entry.Model, CategoryInput).Add(float64(entry.InputTokens))
	metrics.TokensRecorded.WithLabelValues(entry.Model, CategoryOutput).Add(float64(entry.OutputTokens))
	metrics.TokensRecorded.WithLabelValues(entry.Model, CategoryCache).Add(float64(entry.CacheTokens))
	metrics.CostUSD.WithLabelValues(entry.Model).Add(entry.CostUSD)

	for _, st := range crossed {
		metrics.BudgetWarnings.WithLabelValues(st.Category).Inc()
		t.logger.Warn("token budget warning threshold crossed",
			zap.String("category", st.Category),
			zap.Int64("used", st.Used),
			zap.Int64("budget", st.Budget),
			zap.Float64("utilization", st.Utilization),
		)
	}

	if t.store != nil {
		rec := &db.UsageRecord{
			Model:        entry.Model,
			Source:       entry.Source,
			InputTokens:  entry.InputTokens,
			OutputTokens: entry.OutputTokens,
			CacheTokens:  entry.CacheTokens,
			CostUSD:      entry.CostUSD,
			LatencyMs:    entry.Latency.Milliseconds(),
			RecordedAt:   entry.Timestamp.UnixMilli(),
		}
		if err := t.store.AppendUsageRecord(ctx, rec); err != nil {
			return recorded, fmt.Errorf("persist usage: %w", err)
		}
	}
	return recorded, nil
}

// SetPricing sets the price table entry for a model.
func (t *trackerImpl) SetPricing(model string, pricing Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = pricing
}

// EstimateCost prices a call without recording it.
func (t *trackerImpl) EstimateCost(model string, inputTokens, outputTokens, cacheTokens int64) float64 {
	t.mu.RLock()
	p, ok := t.pricing[model]
	t.mu.RUnlock()
	if !ok {
		p = t.cfg.DefaultPricing
	}
	return calculateCost(p, inputTokens, outputTokens, cacheTokens)
}

// SetBudget sets the token budget for a category.
func (t *trackerImpl) SetBudget(_ context.Context, category string, budget int64) error {
	if category == "" {
		return fmt.Errorf("budget category is required")
	}
	if budget < 0 {
		return fmt.Errorf("budget for %s cannot be negative: %d", category, budget)
	}
	t.mu.Lock()
	t.budgets[category] = budget
	t.updateWarningsLocked()
	t.mu.Unlock()
	return nil
}

// Budgets returns a copy of the category budgets.
func (t *trackerImpl) Budgets() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.budgets)
}

// Status returns utilisation for one category.
func (t *trackerImpl) Status(category string) CategoryStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statusLocked(category, t.categoryUsedLocked(category))
}

// Summary aggregates everything recorded within the month window.
func (t *trackerImpl) Summary(_ context.Context) *Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	s := &Summary{
		ByCategory:  map[string]int64{CategoryInput: 0, CategoryOutput: 0, CategoryCache: 0},
		ByWindow:    map[string]int64{},
		ByModel:     map[string]ModelUsage{},
		Categories:  map[string]CategoryStatus{},
		PeriodStart: now.Add(-monthWindow),
	}
	for name := range windows {
		s.ByWindow[name] = 0
	}

	var latencyTotal time.Duration
	var dayCost float64
	for _, e := range t.entries {
		age := now.Sub(e.Timestamp)
		if age > monthWindow {
			continue
		}
		total := e.Total()
		s.TotalTokens += total
		s.ByCategory[CategoryInput] += e.InputTokens
		s.ByCategory[CategoryOutput] += e.OutputTokens
		s.ByCategory[CategoryCache] += e.CacheTokens
		for name, d := range windows {
			if age <= d {
				s.ByWindow[name] += total
			}
		}
		mu := s.ByModel[e.Model]
		mu.Requests++
		mu.Tokens += total
		mu.CostUSD += e.CostUSD
		s.ByModel[e.Model] = mu

		s.CostUSD += e.CostUSD
		s.Requests++
		latencyTotal += e.Latency
		if age <= 24*time.Hour {
			dayCost += e.CostUSD
		}
	}
	if s.Requests > 0 {
		s.AvgLatencyMs = float64(latencyTotal.Milliseconds()) / float64(s.Requests)
	}
	// Monthly run rate from the last day, never below what is already spent.
	s.ProjectedUSD = max(s.CostUSD, dayCost*30)

	for _, c := range t.categoriesLocked() {
		s.Categories[c] = t.statusLocked(c, s.ByCategory[c])
	}
	return s
}

// Load hydrates in-memory entries from the store.
func (t *trackerImpl) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	now := t.now()
	records, err := t.store.QueryUsageRecords(ctx, now.Add(-monthWindow), now)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}

	entries := make([]*UsageEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, &UsageEntry{
			Model:        r.Model,
			Source:       r.Source,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CacheTokens:  r.CacheTokens,
			CostUSD:      r.CostUSD,
			Latency:      time.Duration(r.LatencyMs) * time.Millisecond,
			Timestamp:    r.Time(),
		})
	}

	t.mu.Lock()
	t.entries = entries
	t.updateWarningsLocked()
	t.mu.Unlock()
	return nil
}

// Reset clears in-memory usage.
func (t *trackerImpl) Reset(_ context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.warned = make(map[string]bool)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// trimLocked drops entries older than the month window.
func (t *trackerImpl) trimLocked() {
	cutoff := t.now().Add(-monthWindow)
	kept := t.entries[:0]
	for _, e := range t.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	clear(t.entries[len(kept):])
	t.entries = kept
}

// updateWarningsLocked refreshes utilisation gauges and returns the categories
// that newly crossed the warn threshold.
func (t *trackerImpl) updateWarningsLocked() []CategoryStatus {
	var crossed []CategoryStatus
	for _, c := range t.categoriesLocked() {
		st := t.statusLocked(c, t.categoryUsedLocked(c))
		metrics.BudgetUtilization.WithLabelValues(c).Set(st.Utilization)
		if st.Warning && !t.warned[c] {
			crossed = append(crossed, st)
		}
		t.warned[c] = st.Warning
	}
	return crossed
}

func (t *trackerImpl) categoriesLocked() []string {
	cats := append([]string(nil), Categories...)
	for c := range t.budgets {
		if !slices.Contains(cats, c) {
			cats = append(cats, c)
		}
	}
	return cats
}

func (t *trackerImpl) categoryUsedLocked(category string) int64 {
	cutoff := t.now().Add(-monthWindow)
	var used int64
	for _, e := range t.entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		used += categoryTokens(e, category)
	}
	return used
}

func (t *trackerImpl) statusLocked(category string, used int64) CategoryStatus {
	st := CategoryStatus{Category: category, Used: used, Budget: t.budgets[category]}
	if st.Budget > 0 {
		st.Utilization = float64(used) / float64(st.Budget)
		st.Warning = st.Utilization >= t.cfg.WarnThreshold
		st.Exceeded = used >= st.Budget
	}
	return st
}

func categoryTokens(e *UsageEntry, category string) int64 {
	switch category {
	case CategoryInput:
		return e.InputTokens
	case CategoryOutput:
		return e.OutputTokens
	case CategoryCache:
		return e.CacheTokens
	}
	return 0
}

func calculateCost(p Pricing, inputTokens, outputTokens, cacheTokens int64) float64 {
	return float64(inputTokens)/1e6*p.InputPerMTok +
		float64(outputTokens)/1e6*p.OutputPerMTok +
		float64(cacheTokens)/1e6*p.CachePerMTok
}
