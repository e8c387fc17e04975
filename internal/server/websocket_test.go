package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
	"github.com/kubilitics/kubilitics-usage/internal/synthetic"
)

func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("Expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStream_InitialState(t *testing.T) {
	srv, orch := newTestServer(t)
	if _, err := orch.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts)

	status := readUntil(t, conn, MessageTypeConnectionStatus)
	if status.Status == nil || status.Status.LiveConnected {
		t.Errorf("Unexpected initial status %+v", status.Status)
	}
	data := readUntil(t, conn, MessageTypeDataUpdate)
	if data.Snapshot == nil || data.Snapshot.Models.Selected != "claude-sonnet-4" {
		t.Errorf("Expected the cached snapshot, got %+v", data.Snapshot)
	}
}

func TestEventStream_BroadcastsMutations(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()
	if _, err := orch.Refresh(ctx, false); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts)
	readUntil(t, conn, MessageTypeDataUpdate)
	waitForClients(t, srv.Hub(), 1)

	if _, err := orch.UpdateSelectedModel(ctx, "gpt-4o"); err != nil {
		t.Fatalf("UpdateSelectedModel() error: %v", err)
	}
	msg := readUntil(t, conn, MessageTypeDataUpdate)
	if msg.Snapshot == nil || msg.Snapshot.Models.Selected != "gpt-4o" {
		t.Errorf("Expected patched snapshot, got %+v", msg.Snapshot)
	}

	if _, err := orch.UpdateSelectedModel(ctx, "no-such-model"); err == nil {
		t.Fatal("Expected UpdateSelectedModel to fail")
	}
	errMsg := readUntil(t, conn, MessageTypeError)
	if errMsg.Error == nil || errMsg.Error.Code != "total_failure" || errMsg.Error.Recovered {
		t.Errorf("Unexpected error event %+v", errMsg.Error)
	}
}

func TestEventStream_Heartbeat(t *testing.T) {
	backend, err := synthetic.New(synthetic.Config{Seed: 7})
	if err != nil {
		t.Fatalf("synthetic.New() error: %v", err)
	}
	orch, err := orchestrator.New(nil, backend)
	if err != nil {
		t.Fatalf("orchestrator.New() error: %v", err)
	}
	srv, err := NewServer(&Config{HeartbeatInterval: 20 * time.Millisecond}, orch)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer srv.Stop()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts)
	readUntil(t, conn, MessageTypeHeartbeat)
}

func TestEventStream_ClientDisconnect(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts)
	waitForClients(t, srv.Hub(), 1)

	conn.Close()
	waitForClients(t, srv.Hub(), 0)
}

func TestEventStream_RejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("Expected dial to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %+v", resp)
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	backend, err := synthetic.New(synthetic.Config{Seed: 7})
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
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts)
	waitForClients(t, srv.Hub(), 1)

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if orch.ListenerCount(orchestrator.ChannelDataUpdate) != 0 {
		t.Error("Expected listeners to be removed on Stop")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if err := srv.Stop(); err == nil {
		t.Error("Expected second Stop to fail")
	}
}
