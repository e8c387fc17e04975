package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/kubilitics/kubilitics-usage/internal/config"
)

// dialStatus upgrades /ws/events with the given Origin header and returns the
// handshake status code.
func dialStatus(t *testing.T, ts *httptest.Server, origin string) int {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	var header http.Header
	if origin != "" {
		header = http.Header{"Origin": []string{origin}}
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
	}
	if resp == nil {
		t.Fatalf("Dial(%q) got no response: %v", origin, err)
	}
	return resp.StatusCode
}

func serverFor(t *testing.T, svc *config.Config) *httptest.Server {
	t.Helper()
	srv, err := NewServer(NewConfig(svc), newOrchestrator(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop()
	})
	return ts
}

func TestEventStreamOrigins_FromServiceConfig(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    int
	}{
		{"default dashboard dev server", nil, "http://localhost:5173", http.StatusSwitchingProtocols},
		{"default rejects production host", nil, "https://dash.example.com", http.StatusForbidden},
		{"configured host accepted", []string{"https://dash.example.com"}, "https://dash.example.com", http.StatusSwitchingProtocols},
		{"configured list replaces defaults", []string{"https://dash.example.com"}, "http://localhost:5173", http.StatusForbidden},
		{"configured entry is trimmed and case folded", []string{" https://Dash.Example.com "}, "https://dash.example.com", http.StatusSwitchingProtocols},
		{"wildcard accepts any host", []string{"*"}, "https://elsewhere.example.org", http.StatusSwitchingProtocols},
		{"non-browser client without origin", []string{"https://dash.example.com"}, "", http.StatusSwitchingProtocols},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := config.DefaultConfig()
			if tc.origins != nil {
				svc.Server.AllowedOrigins = tc.origins
			}
			ts := serverFor(t, svc)
			if got := dialStatus(t, ts, tc.origin); got != tc.want {
				t.Errorf("origin=%q allowed=%v: got %d, want %d", tc.origin, tc.origins, got, tc.want)
			}
		})
	}
}

func TestEventStreamOrigins_FromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.yaml")
	content := `
server:
  allowed_origins:
    - "https://ops.example.com"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		t.Fatalf("NewConfigManager() error: %v", err)
	}
	ctx := context.Background()
	if err := mgr.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	ts := serverFor(t, mgr.Get(ctx))
	if got := dialStatus(t, ts, "https://ops.example.com"); got != http.StatusSwitchingProtocols {
		t.Errorf("Expected configured origin to upgrade, got %d", got)
	}
	if got := dialStatus(t, ts, "http://localhost:3000"); got != http.StatusForbidden {
		t.Errorf("Expected default origin to be replaced by the file, got %d", got)
	}

	// CORS preflight follows the same list.
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/dashboard", nil)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight error: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("Expected preflight to allow configured origin, got %q", got)
	}
}
