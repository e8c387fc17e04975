// Package types defines the data model and REST API types shared between the
// usage service and the dashboard frontend.
package types

// Request types

// UpdateSelectedModelRequest selects the active model.
type UpdateSelectedModelRequest struct {
	ModelID string `json:"modelId"`
}

// UpdateSettingRequest sets one named setting. Value is a bool, string or number.
type UpdateSettingRequest struct {
	Value any `json:"value"`
}

// UpdateTokenBudgetRequest sets the budget of one token category.
type UpdateTokenBudgetRequest struct {
	Value int64 `json:"value"`
}

// Response types

// MutationResponse is returned by every mutation endpoint.
type MutationResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ConnectionStatusResponse reports where dashboard data currently comes from.
type ConnectionStatusResponse struct {
	LiveConnected  bool           `json:"liveConnected"`
	UsingSynthetic bool           `json:"usingSynthetic"`
	IsLoading      bool           `json:"isLoading"`
	Summary        string         `json:"summary,omitempty"`
	Stats          map[string]any `json:"stats,omitempty"`
}

// HistoryEntry is one persisted snapshot.
type HistoryEntry struct {
	ID          int64              `json:"id"`
	Source      string             `json:"source"`
	Fingerprint string             `json:"fingerprint"`
	RecordedAt  int64              `json:"recordedAt"`
	Snapshot    *DashboardSnapshot `json:"snapshot,omitempty"`
}

// HistoryResponse lists persisted snapshots, newest first.
type HistoryResponse struct {
	Items []HistoryEntry `json:"items"`
	Total int            `json:"total"`
}

// ErrorResponse standard error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
