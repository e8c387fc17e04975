package audit

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewAppLogger builds the structured application logger. Output goes to a
// rotated AppLogPath file, stderr, or both. A config with neither destination
// logs to stderr.
func NewAppLogger(config *Config) (*zap.Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(config.Format) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	case "text", "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	default:
		return nil, fmt.Errorf("invalid log format %s", config.Format)
	}

	var cores []zapcore.Core
	if config.AppLogPath != "" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator(config, config.AppLogPath)), level))
	}
	if config.Stderr || config.AppLogPath == "" {
		cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.Lock(os.Stderr), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards every event.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, *Event) error                                     { return nil }
func (nopLogger) LogRefresh(context.Context, string, time.Duration) error                { return nil }
func (nopLogger) LogRefreshFailed(context.Context, error, bool) error                    { return nil }
func (nopLogger) LogFallback(context.Context, string, error) error                       { return nil }
func (nopLogger) LogPreferenceChanged(context.Context, string, string, interface{}, string) error {
	return nil
}
func (nopLogger) LogPreferenceFailed(context.Context, string, string, error) error { return nil }
func (nopLogger) LogConnection(context.Context, bool, error) error                  { return nil }
func (nopLogger) Sync() error                                                       { return nil }
func (nopLogger) Close() error                                                      { return nil }
