package types

import (
	"maps"
	"time"
)

// Snapshot sources.
const (
	SourceLive      = "live"
	SourceSynthetic = "synthetic"
)

// Time windows used by TokenUsage.ByWindow.
const (
	WindowHour  = "hour"
	WindowDay   = "day"
	WindowWeek  = "week"
	WindowMonth = "month"
)

// DashboardSnapshot is one complete, self-consistent view of dashboard data.
//
// Snapshots handed out by the orchestrator are shared and must be treated as
// read-only; use Clone before modifying one.
type DashboardSnapshot struct {
	Tokens   TokenUsage         `json:"tokens"`
	Models   ModelCatalog       `json:"models"`
	Settings map[string]any     `json:"settings"`
	Costs    CostSummary        `json:"costs"`
	Usage    UsageSummary       `json:"usage"`
	Metrics  map[string]float64 `json:"metrics"`

	IsLoading   bool      `json:"isLoading,omitempty"`
	Source      string    `json:"source,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// TokenUsage holds token counters by category and time window, plus budgets.
type TokenUsage struct {
	Total      int64                  `json:"total"`
	ByCategory map[string]int64       `json:"byCategory"`
	ByWindow   map[string]int64       `json:"byWindow"`
	Budgets    map[string]TokenBudget `json:"budgets"`
}

// TokenBudget is the budget for one token category.
type TokenBudget struct {
	Used   int64 `json:"used"`
	Budget int64 `json:"budget"`
}

// Utilization returns Used/Budget, or 0 when no budget is set.
func (b TokenBudget) Utilization() float64 {
	if b.Budget <= 0 {
		return 0
	}
	return float64(b.Used) / float64(b.Budget)
}

// ModelCatalog is the selected model plus every model the user can pick.
type ModelCatalog struct {
	Selected  string      `json:"selected"`
	Available []ModelInfo `json:"available"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Provider           string   `json:"provider"`
	ContextWindow      int      `json:"contextWindow"`
	Capabilities       []string `json:"capabilities"`
	InputPricePerMTok  float64  `json:"inputPricePerMTok"`
	OutputPricePerMTok float64  `json:"outputPricePerMTok"`
}

// CostSummary aggregates spend.
type CostSummary struct {
	Total     float64            `json:"total"`
	Projected float64            `json:"projected"`
	Currency  string             `json:"currency"`
	ByModel   map[string]float64 `json:"byModel"`
}

// UsageSummary aggregates request activity.
type UsageSummary struct {
	Requests     int64            `json:"requests"`
	Sessions     int64            `json:"sessions"`
	AvgLatencyMs float64          `json:"avgLatencyMs"`
	ByModel      map[string]int64 `json:"byModel"`
}

// NewSnapshot returns an empty, fully-populated snapshot.
func NewSnapshot() *DashboardSnapshot {
	s := &DashboardSnapshot{}
	s.Normalize()
	return s
}

// Normalize replaces every nil section with an empty one so consumers never
// need nil checks.
func (s *DashboardSnapshot) Normalize() {
	if s.Tokens.ByCategory == nil {
		s.Tokens.ByCategory = map[string]int64{}
	}
	if s.Tokens.ByWindow == nil {
		s.Tokens.ByWindow = map[string]int64{}
	}
	if s.Tokens.Budgets == nil {
		s.Tokens.Budgets = map[string]TokenBudget{}
	}
	if s.Models.Available == nil {
		s.Models.Available = []ModelInfo{}
	}
	for i := range s.Models.Available {
		if s.Models.Available[i].Capabilities == nil {
			s.Models.Available[i].Capabilities = []string{}
		}
	}
	if s.Settings == nil {
		s.Settings = map[string]any{}
	}
	if s.Costs.ByModel == nil {
		s.Costs.ByModel = map[string]float64{}
	}
	if s.Costs.Currency == "" {
		s.Costs.Currency = "USD"
	}
	if s.Usage.ByModel == nil {
		s.Usage.ByModel = map[string]int64{}
	}
	if s.Metrics == nil {
		s.Metrics = map[string]float64{}
	}
}

// Clone returns a deep copy. Setting values are copied shallowly.
func (s *DashboardSnapshot) Clone() *DashboardSnapshot {
	if s == nil {
		return nil
	}
	c := *s

	c.Tokens.ByCategory = maps.Clone(s.Tokens.ByCategory)
	c.Tokens.ByWindow = maps.Clone(s.Tokens.ByWindow)
	c.Tokens.Budgets = maps.Clone(s.Tokens.Budgets)

	if s.Models.Available != nil {
		c.Models.Available = make([]ModelInfo, len(s.Models.Available))
		for i, m := range s.Models.Available {
			m.Capabilities = append([]string(nil), m.Capabilities...)
			c.Models.Available[i] = m
		}
	}

	c.Settings = maps.Clone(s.Settings)
	c.Costs.ByModel = maps.Clone(s.Costs.ByModel)
	c.Usage.ByModel = maps.Clone(s.Usage.ByModel)
	c.Metrics = maps.Clone(s.Metrics)
	c.Normalize()
	return &c
}

// HasModel reports whether id is one of the available models.
func (s *DashboardSnapshot) HasModel(id string) bool {
	for _, m := range s.Models.Available {
		if m.ID == id {
			return true
		}
	}
	return false
}
