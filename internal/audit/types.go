package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Dashboard data events
	EventDashboardRefreshed     EventType = "dashboard.refreshed"
	EventDashboardRefreshFailed EventType = "dashboard.refresh_failed"
	EventDashboardFallback      EventType = "dashboard.fallback"
	EventDashboardStaleServed   EventType = "dashboard.stale_served"

	// Preference events
	EventModelSelected        EventType = "preference.model_selected"
	EventSettingUpdated       EventType = "preference.setting_updated"
	EventTokenBudgetUpdated   EventType = "preference.budget_updated"
	EventPreferenceFailed     EventType = "preference.update_failed"
	EventBudgetThresholdCross EventType = "preference.budget_threshold"

	// Connection events
	EventLiveConnected    EventType = "connection.live_connected"
	EventLiveUnavailable  EventType = "connection.live_unavailable"
	EventPushInvalidation EventType = "connection.push_invalidation"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailure   Result = "failure"
	ResultRecovered Result = "recovered"
	ResultPending   Result = "pending"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Where the data came from (live or synthetic)
	Source string `json:"source,omitempty"`

	// Operation details
	Operation   string                 `json:"operation,omitempty"`
	Key         string                 `json:"key,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithSource sets the data source the event refers to
func (e *Event) WithSource(source string) *Event {
	e.Source = source
	return e
}

// WithOperation sets the orchestrator operation and the key it touched
func (e *Event) WithOperation(op, key string) *Event {
	e.Operation = op
	e.Key = key
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information. The result becomes failure unless it was
// already marked recovered.
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		if e.Result != ResultRecovered {
			e.Result = ResultFailure
		}
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
