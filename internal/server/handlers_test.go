package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/kubilitics/kubilitics-usage/internal/db"
	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
	"github.com/kubilitics/kubilitics-usage/internal/synthetic"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	backend, err := synthetic.New(synthetic.Config{Seed: 7, CallsPerRefresh: 2})
	if err != nil {
		t.Fatalf("synthetic.New() error: %v", err)
	}
	orch, err := orchestrator.New(nil, backend)
	if err != nil {
		t.Fatalf("orchestrator.New() error: %v", err)
	}
	srv, err := NewServer(&Config{}, orch, opts...)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Stop()
		orch.Cleanup()
	})
	return srv, orch
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %q", resp["status"])
	}
}

func TestHandleReady(t *testing.T) {
	srv, orch := newTestServer(t)

	if w := do(t, srv, http.MethodGet, "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before any snapshot, got %d", w.Code)
	}

	if _, err := orch.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if w := do(t, srv, http.MethodGet, "/ready", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 once data is loaded, got %d", w.Code)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

func TestHandleReady_DependencyDown(t *testing.T) {
	srv, orch := newTestServer(t, WithPinger(failingPinger{}))
	if _, err := orch.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	w := do(t, srv, http.MethodGet, "/ready", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "database is locked") {
		t.Errorf("Expected ping error in body, got %s", w.Body.String())
	}
}

func TestHandleGetDashboard(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/dashboard", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap types.DashboardSnapshot
	decode(t, w, &snap)

	if snap.Source != types.SourceSynthetic {
		t.Errorf("Expected synthetic source, got %q", snap.Source)
	}
	if snap.Models.Selected != "claude-sonnet-4" {
		t.Errorf("Expected default model, got %q", snap.Models.Selected)
	}
	if len(snap.Models.Available) != 4 {
		t.Errorf("Expected 4 models, got %d", len(snap.Models.Available))
	}
	if snap.Usage.Requests != 24 {
		t.Errorf("Expected 24 seeded requests, got %d", snap.Usage.Requests)
	}
}

func TestHandleGetDashboard_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := do(t, srv, http.MethodDelete, "/api/v1/dashboard", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleRefreshDashboard(t *testing.T) {
	srv, _ := newTestServer(t)

	var first types.DashboardSnapshot
	decode(t, do(t, srv, http.MethodGet, "/api/v1/dashboard", ""), &first)

	w := do(t, srv, http.MethodPost, "/api/v1/dashboard/refresh?synthetic=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var refreshed types.DashboardSnapshot
	decode(t, w, &refreshed)
	if refreshed.Usage.Requests <= first.Usage.Requests {
		t.Errorf("Expected new activity after refresh, got %d then %d", first.Usage.Requests, refreshed.Usage.Requests)
	}

	if w := do(t, srv, http.MethodPost, "/api/v1/dashboard/refresh?synthetic=maybe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad flag, got %d", w.Code)
	}
}

func TestHandleRefreshDashboard_BypassesCache(t *testing.T) {
	srv, orch := newTestServer(t)

	if w := do(t, srv, http.MethodGet, "/api/v1/dashboard", ""); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/v1/dashboard/refresh", ""); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	stats := orch.GetStats()["stats"].(orchestrator.Stats)
	if stats.Refreshes != 2 {
		t.Errorf("Expected 2 fetching refreshes, got %d", stats.Refreshes)
	}
	if stats.CacheHits != 0 {
		t.Errorf("Expected no cache hits, got %d", stats.CacheHits)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, orch := newTestServer(t)
	orch.Initialize(context.Background(), 0)

	w := do(t, srv, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp types.ConnectionStatusResponse
	decode(t, w, &resp)

	if resp.LiveConnected {
		t.Error("Expected liveConnected=false without a live backend")
	}
	if !resp.UsingSynthetic {
		t.Error("Expected usingSynthetic=true")
	}
	if !strings.Contains(resp.Summary, "synthetic data") || !strings.Contains(resp.Summary, "tokens") {
		t.Errorf("Unexpected summary %q", resp.Summary)
	}
	if _, ok := resp.Stats["event_clients"]; !ok {
		t.Error("Expected event_clients in stats")
	}
}

func TestHandleUpdateSelectedModel(t *testing.T) {
	srv, orch := newTestServer(t)
	if _, err := orch.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	w := do(t, srv, http.MethodPut, "/api/v1/models/selected", `{"modelId":"claude-opus-4"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp types.MutationResponse
	decode(t, w, &resp)
	if !resp.Success {
		t.Error("Expected success")
	}
	if got := orch.Snapshot().Models.Selected; got != "claude-opus-4" {
		t.Errorf("Expected cached snapshot to be patched, got %q", got)
	}
}

func TestHandleUpdateSelectedModel_Invalid(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"modelId":`, http.StatusBadRequest},
		{"missing model", `{}`, http.StatusBadRequest},
		{"unknown model", `{"modelId":"gpt-9"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPut, "/api/v1/models/selected", tc.body)
			if w.Code != tc.want {
				t.Errorf("Expected status %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleUpdateSetting(t *testing.T) {
	srv, orch := newTestServer(t)
	if _, err := orch.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"enum", "/api/v1/settings/theme", `{"value":"dark"}`, http.StatusOK},
		{"bool", "/api/v1/settings/telemetry", `{"value":true}`, http.StatusOK},
		{"number", "/api/v1/settings/fontScale", `{"value":1.25}`, http.StatusOK},
		{"bad enum", "/api/v1/settings/theme", `{"value":"purple"}`, http.StatusBadRequest},
		{"object value", "/api/v1/settings/theme", `{"value":{"a":1}}`, http.StatusBadRequest},
		{"null value", "/api/v1/settings/theme", `{"value":null}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPut, tc.path, tc.body)
			if w.Code != tc.want {
				t.Errorf("Expected status %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}

	settings := orch.Snapshot().Settings
	if settings["theme"] != "dark" {
		t.Errorf("Expected theme=dark, got %v", settings["theme"])
	}
	if settings["telemetry"] != true {
		t.Errorf("Expected telemetry=true, got %v", settings["telemetry"])
	}
	if settings["fontScale"] != 1.25 {
		t.Errorf("Expected fontScale=1.25, got %v", settings["fontScale"])
	}
}

func TestHandleUpdateTokenBudget(t *testing.T) {
	srv, orch := newTestServer(t)
	if _, err := orch.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	w := do(t, srv, http.MethodPut, "/api/v1/budgets/reasoning", `{"value":9000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := orch.Snapshot().Tokens.Budgets["reasoning"].Budget; got != 9000 {
		t.Errorf("Expected reasoning budget 9000, got %d", got)
	}

	if w := do(t, srv, http.MethodPut, "/api/v1/budgets/input", `{"value":-1}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for negative budget, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPut, "/api/v1/budgets/input", `{"value":12.5}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for fractional budget, got %d", w.Code)
	}
}

func TestHandleMutation_TotalFailure(t *testing.T) {
	backend, err := synthetic.New(synthetic.Config{Seed: 7, FailureRate: 1})
	if err != nil {
		t.Fatalf("synthetic.New() error: %v", err)
	}
	orch, err := orchestrator.New(nil, backend)
	if err != nil {
		t.Fatalf("orchestrator.New() error: %v", err)
	}
	srv, err := NewServer(&Config{}, orch)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer srv.Stop()

	w := do(t, srv, http.MethodPut, "/api/v1/models/selected", `{"modelId":"claude-opus-4"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}
	var resp types.ErrorResponse
	decode(t, w, &resp)
	if resp.Code != "total_failure" {
		t.Errorf("Expected code total_failure, got %q", resp.Code)
	}

	if w := do(t, srv, http.MethodGet, "/api/v1/dashboard", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 with nothing cached, got %d", w.Code)
	}
}

func TestHandleHistory(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer store.Close()

	srv, orch := newTestServer(t, WithHistoryStore(store))
	recorder := orchestrator.NewHistoryRecorder(store, 0, nil)
	recorder.Attach(orch)

	ctx := context.Background()
	if _, err := orch.Refresh(ctx, false); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if _, err := orch.UpdateSelectedModel(ctx, "gpt-4o"); err != nil {
		t.Fatalf("UpdateSelectedModel() error: %v", err)
	}

	w := do(t, srv, http.MethodGet, "/api/v1/dashboard/history?limit=10&full=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp types.HistoryResponse
	decode(t, w, &resp)
	if resp.Total != 2 {
		t.Fatalf("Expected 2 history entries, got %d", resp.Total)
	}
	newest := resp.Items[0]
	if newest.Snapshot == nil || newest.Snapshot.Models.Selected != "gpt-4o" {
		t.Errorf("Expected newest entry to carry the mutation, got %+v", newest.Snapshot)
	}

	w = do(t, srv, http.MethodGet, "/api/v1/dashboard/history/"+strconv.FormatInt(newest.ID, 10), "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	if w := do(t, srv, http.MethodGet, "/api/v1/dashboard/history/99999", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/dashboard/history?limit=0", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for limit=0, got %d", w.Code)
	}
}

func TestHandleHistory_Disabled(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := do(t, srv, http.MethodGet, "/api/v1/dashboard/history", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestTraceIDHeaderAndCORS(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/dashboard", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Expected preflight to allow dev origin, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/dashboard", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected unknown origin to be refused, got %q", got)
	}
}
