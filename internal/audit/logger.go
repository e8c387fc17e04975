package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const bufferSize = 100

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Dashboard refresh outcomes
	LogRefresh(ctx context.Context, source string, duration time.Duration) error
	LogRefreshFailed(ctx context.Context, err error, recovered bool) error
	LogFallback(ctx context.Context, op string, liveErr error) error

	// Preference mutations
	LogPreferenceChanged(ctx context.Context, op, key string, value interface{}, source string) error
	LogPreferenceFailed(ctx context.Context, op, key string, err error) error

	// LogConnection records the result of connecting to the live gateway
	LogConnection(ctx context.Context, liveConnected bool, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// Format is the application log encoding: json or text
	Format string

	// Stderr mirrors application logs to stderr
	Stderr bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
		Format:       "json",
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func rotator(config *Config, path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger writing to config.AuditLogPath.
// Marshal failures are reported on the application log.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	appLogger, err := NewAppLogger(config)
	if err != nil {
		return nil, err
	}

	// Audit logs are always INFO level, append-only
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(rotator(config, config.AuditLogPath)),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log buffers an audit event. Events without a correlation ID take the one
// carried by ctx.
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogRefresh logs a successful snapshot refresh
func (l *auditLogger) LogRefresh(ctx context.Context, source string, duration time.Duration) error {
	event := NewEvent(EventDashboardRefreshed).
		WithSource(source).
		WithOperation("refresh", "").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Dashboard refreshed from %s", source))

	return l.Log(ctx, event)
}

// LogRefreshFailed logs a refresh that could not produce fresh data. When
// recovered is true a stale snapshot was served instead.
func (l *auditLogger) LogRefreshFailed(ctx context.Context, err error, recovered bool) error {
	eventType := EventDashboardRefreshFailed
	result := ResultFailure
	if recovered {
		eventType = EventDashboardStaleServed
		result = ResultRecovered
	}

	event := NewEvent(eventType).
		WithOperation("refresh", "").
		WithResult(result).
		WithError(err, "refresh_error").
		WithDescription("Dashboard refresh failed")

	return l.Log(ctx, event)
}

// LogFallback logs a live failure that was recovered by the synthetic backend
func (l *auditLogger) LogFallback(ctx context.Context, op string, liveErr error) error {
	event := NewEvent(EventDashboardFallback).
		WithSource("synthetic").
		WithOperation(op, "").
		WithResult(ResultRecovered).
		WithError(liveErr, "live_unavailable").
		WithDescription(fmt.Sprintf("%s fell back to synthetic data", op))

	return l.Log(ctx, event)
}

// LogPreferenceChanged logs an accepted preference mutation
func (l *auditLogger) LogPreferenceChanged(ctx context.Context, op, key string, value interface{}, source string) error {
	eventType := EventSettingUpdated
	switch op {
	case "updateSelectedModel":
		eventType = EventModelSelected
	case "updateTokenBudget":
		eventType = EventTokenBudgetUpdated
	}

	event := NewEvent(eventType).
		WithSource(source).
		WithOperation(op, key).
		WithResult(ResultSuccess).
		WithMetadata("value", value).
		WithDescription(fmt.Sprintf("%s %s applied via %s", op, key, source))

	return l.Log(ctx, event)
}

// LogPreferenceFailed logs a mutation rejected by every backend
func (l *auditLogger) LogPreferenceFailed(ctx context.Context, op, key string, err error) error {
	event := NewEvent(EventPreferenceFailed).
		WithOperation(op, key).
		WithError(err, "update_error").
		WithDescription(fmt.Sprintf("%s %s failed", op, key))

	return l.Log(ctx, event)
}

// LogConnection logs the outcome of the live gateway connect attempt
func (l *auditLogger) LogConnection(ctx context.Context, liveConnected bool, err error) error {
	var event *Event
	if liveConnected {
		event = NewEvent(EventLiveConnected).
			WithSource("live").
			WithResult(ResultSuccess).
			WithDescription("Connected to live gateway")
	} else {
		event = NewEvent(EventLiveUnavailable).
			WithSource("synthetic").
			WithResult(ResultRecovered).
			WithError(err, "connect_error").
			WithDescription("Live gateway unavailable, using synthetic data")
	}

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close stops the flush loop and flushes what is left. It is safe to call
// more than once.
func (l *auditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
		err = l.Sync()
	})
	return err
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
