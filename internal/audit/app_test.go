package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewAppLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	logger, err := NewAppLogger(&Config{AppLogPath: path, LogLevel: "debug", Format: "text"})
	if err != nil {
		t.Fatalf("NewAppLogger failed: %v", err)
	}

	logger.Debug("refresh scheduled", zap.Int("interval_ms", 5000))
	_ = logger.Sync()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read app log: %v", err)
	}
	if !strings.Contains(string(content), "refresh scheduled") {
		t.Errorf("App log missing message: %s", content)
	}
}

func TestNewAppLoggerRejectsFormat(t *testing.T) {
	if _, err := NewAppLogger(&Config{LogLevel: "info", Format: "xml"}); err == nil {
		t.Fatal("Expected error for invalid format")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	if err := logger.Log(context.Background(), NewEvent(EventServerStarted)); err != nil {
		t.Errorf("nop Log returned %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("nop Close returned %v", err)
	}
}
