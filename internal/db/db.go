package db

import (
	"context"
	"time"
)

// Store is the persistence interface for the usage service.
type Store interface {
	PreferenceStore
	UsageStore
	HistoryStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Preferences ──────────────────────────────────────────────────────────────

// PreferenceStore persists the user-editable parts of the dashboard so the
// synthetic backend survives restarts with the same selections.
type PreferenceStore interface {
	// SaveSetting writes (or overwrites) one setting. The value is stored as JSON.
	SaveSetting(ctx context.Context, key string, value any) error

	// LoadSettings returns every persisted setting.
	LoadSettings(ctx context.Context) (map[string]any, error)

	// SaveSelectedModel writes the singleton selected model row.
	SaveSelectedModel(ctx context.Context, modelID string) error

	// LoadSelectedModel returns "" when no model has been saved yet.
	LoadSelectedModel(ctx context.Context) (string, error)

	// SaveTokenBudget writes (or overwrites) the budget for a token category.
	SaveTokenBudget(ctx context.Context, category string, budget int64) error

	// LoadTokenBudgets returns every persisted category budget.
	LoadTokenBudgets(ctx context.Context) (map[string]int64, error)
}

// ─── Usage ────────────────────────────────────────────────────────────────────

// UsageRecord is one recorded model call. RecordedAt is unix milliseconds.
type UsageRecord struct {
	ID           int64   `db:"id" json:"id"`
	Model        string  `db:"model" json:"model"`
	Source       string  `db:"source" json:"source"`
	InputTokens  int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64   `db:"output_tokens" json:"output_tokens"`
	CacheTokens  int64   `db:"cache_tokens" json:"cache_tokens"`
	CostUSD      float64 `db:"cost_usd" json:"cost_usd"`
	LatencyMs    int64   `db:"latency_ms" json:"latency_ms"`
	RecordedAt   int64   `db:"recorded_at" json:"recorded_at"`
}

// Time returns RecordedAt as a time.Time.
func (r *UsageRecord) Time() time.Time { return time.UnixMilli(r.RecordedAt) }

// UsageTotals aggregates usage records over a window.
type UsageTotals struct {
	Requests     int64   `db:"requests" json:"requests"`
	InputTokens  int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64   `db:"output_tokens" json:"output_tokens"`
	CacheTokens  int64   `db:"cache_tokens" json:"cache_tokens"`
	CostUSD      float64 `db:"cost_usd" json:"cost_usd"`
	AvgLatencyMs float64 `db:"avg_latency_ms" json:"avg_latency_ms"`
}

// UsageStore persists token usage for budget tracking across restarts.
type UsageStore interface {
	// AppendUsageRecord writes a single usage record and sets its ID.
	AppendUsageRecord(ctx context.Context, rec *UsageRecord) error

	// QueryUsageRecords retrieves records within [from, to], oldest first.
	QueryUsageRecords(ctx context.Context, from, to time.Time) ([]*UsageRecord, error)

	// UsageTotals sums records within [from, to].
	UsageTotals(ctx context.Context, from, to time.Time) (*UsageTotals, error)

	// UsageByModel sums records within [from, to] grouped by model.
	UsageByModel(ctx context.Context, from, to time.Time) (map[string]*UsageTotals, error)
}

// ─── Snapshot history ─────────────────────────────────────────────────────────

// SnapshotRecord is a persisted dashboard snapshot. Payload is the JSON
// encoding and Fingerprint the hex content hash used for deduplication.
type SnapshotRecord struct {
	ID          int64  `db:"id" json:"id"`
	Source      string `db:"source" json:"source"`
	Fingerprint string `db:"fingerprint" json:"fingerprint"`
	Payload     string `db:"payload" json:"payload"`
	RecordedAt  int64  `db:"recorded_at" json:"recorded_at"`
}

// HistoryStore keeps a bounded history of distinct snapshots.
type HistoryStore interface {
	// AppendSnapshot stores rec unless the most recent entry has the same
	// fingerprint. It reports whether a row was written.
	AppendSnapshot(ctx context.Context, rec *SnapshotRecord) (bool, error)

	// ListSnapshots returns entries newest first.
	ListSnapshots(ctx context.Context, limit, offset int) ([]*SnapshotRecord, error)

	// GetSnapshot returns nil, nil when id does not exist.
	GetSnapshot(ctx context.Context, id int64) (*SnapshotRecord, error)

	// PruneSnapshots deletes entries recorded before the cutoff and returns
	// how many were removed.
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}
