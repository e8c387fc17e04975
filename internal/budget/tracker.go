// Package budget tracks token consumption and spend against per-category
// token budgets.
//
// Responsibilities:
//   - Record token usage per model call (input, output, cache tokens)
//   - Price calls from a per-model table (USD per million tokens)
//   - Aggregate usage over rolling windows (hour, day, week, month)
//   - Report per-category utilisation against budgets, with a warn threshold
//   - Persist usage through an optional Store so totals survive restarts
//
// Categories:
//   input  - prompt tokens
//   output - completion tokens
//   cache  - cache read tokens
//
// Cost = input*inputPrice + output*outputPrice + cache*cachePrice, all per MTok.
package budget

import (
	"context"
	"time"
)

// Token categories tracked by the tracker.
const (
	CategoryInput  = "input"
	CategoryOutput = "output"
	CategoryCache  = "cache"
)

// Categories lists the tracked categories in display order.
var Categories = []string{CategoryInput, CategoryOutput, CategoryCache}

// Tracker defines the interface for budget tracking.
type Tracker interface {
	// RecordUsage records one model call and returns the entry with its cost filled in.
	RecordUsage(ctx context.Context, entry UsageEntry) (*UsageEntry, error)

	// SetPricing sets the price table entry for a model.
	SetPricing(model string, pricing Pricing)

	// EstimateCost prices a call without recording it.
	EstimateCost(model string, inputTokens, outputTokens, cacheTokens int64) float64

	// SetBudget sets the token budget for a category. Negative budgets are rejected.
	SetBudget(ctx context.Context, category string, budget int64) error

	// Budgets returns a copy of the category budgets.
	Budgets() map[string]int64

	// Status returns utilisation for a single category over the current month window.
	Status(category string) CategoryStatus

	// Summary aggregates everything recorded within the month window.
	Summary(ctx context.Context) *Summary

	// Load hydrates in-memory entries from the store for the month window.
	Load(ctx context.Context) error

	// Reset clears in-memory usage. Persisted records are kept.
	Reset(ctx context.Context)
}

// Pricing is the USD price per million tokens for one model.
type Pricing struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
	CachePerMTok  float64 `json:"cache_per_mtok" yaml:"cache_per_mtok"`
}

// UsageEntry tracks token consumption for a single model call.
type UsageEntry struct {
	Model        string
	Source       string
	InputTokens  int64
	OutputTokens int64
	CacheTokens  int64
	CostUSD      float64
	Latency      time.Duration
	Timestamp    time.Time
}

// Total returns the token total across categories.
func (e *UsageEntry) Total() int64 {
	return e.InputTokens + e.OutputTokens + e.CacheTokens
}

// CategoryStatus reports utilisation of one category budget.
type CategoryStatus struct {
	Category    string  `json:"category"`
	Used        int64   `json:"used"`
	Budget      int64   `json:"budget"`
	Utilization float64 `json:"utilization"`
	Warning     bool    `json:"warning"`
	Exceeded    bool    `json:"exceeded"`
}

// ModelUsage aggregates usage for one model.
type ModelUsage struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// Summary aggregates usage over the tracked windows.
type Summary struct {
	TotalTokens  int64                     `json:"total_tokens"`
	ByCategory   map[string]int64          `json:"by_category"`
	ByWindow     map[string]int64          `json:"by_window"`
	ByModel      map[string]ModelUsage     `json:"by_model"`
	CostUSD      float64                   `json:"cost_usd"`
	ProjectedUSD float64                   `json:"projected_usd"`
	Requests     int64                     `json:"requests"`
	AvgLatencyMs float64                   `json:"avg_latency_ms"`
	Categories   map[string]CategoryStatus `json:"categories"`
	PeriodStart  time.Time                 `json:"period_start"`
}
