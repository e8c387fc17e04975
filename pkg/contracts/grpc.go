// Package contracts defines the MCP gateway contract between the usage service
// and the live dashboard backend.
//
// The gateway is a gRPC service whose messages are google.protobuf.Struct /
// google.protobuf.Value, so no generated stubs are needed on either side.
// Field names below are the Struct keys used on the wire.
package contracts

// GatewayService is the fully-qualified gRPC service name.
const GatewayService = "kubilitics.mcp.v1.Gateway"

// Full method names.
const (
	MethodUseTool        = "/" + GatewayService + "/UseTool"
	MethodReadResource   = "/" + GatewayService + "/ReadResource"
	MethodBatchResources = "/" + GatewayService + "/BatchReadResources"
	MethodSubscribe      = "/" + GatewayService + "/Subscribe"
)

// Request field names.
const (
	FieldServer    = "server"
	FieldTool      = "tool"
	FieldArguments = "arguments"
	FieldURI       = "uri"
	FieldURIs      = "uris"
)

// DefaultServer is the MCP server that owns dashboard data.
const DefaultServer = "token-dashboard"

// Dashboard tools exposed by the live backend.
const (
	ToolGetDashboardData     = "get_dashboard_data"
	ToolUpdateSelectedModel  = "update_selected_model"
	ToolUpdateSetting        = "update_setting"
	ToolUpdateTokenBudget    = "update_token_budget"
	ToolRefreshDashboardData = "refresh_dashboard_data"
)

// Tool argument names.
const (
	ArgModelID  = "modelId"
	ArgKey      = "key"
	ArgValue    = "value"
	ArgCategory = "category"
)

// Dashboard resources. Each section resource returns that section only; the
// snapshot resource returns the whole snapshot.
const (
	ResourceSnapshot = "dashboard://snapshot"
	ResourceTokens   = "dashboard://tokens"
	ResourceModels   = "dashboard://models"
	ResourceSettings = "dashboard://settings"
	ResourceCosts    = "dashboard://costs"
	ResourceUsage    = "dashboard://usage"
	ResourceMetrics  = "dashboard://metrics"

	// ResourceUpdates streams a notification whenever dashboard data changes.
	ResourceUpdates = "dashboard://updates"
)

// SectionResources maps snapshot section names to their resource URIs.
var SectionResources = map[string]string{
	"tokens":   ResourceTokens,
	"models":   ResourceModels,
	"settings": ResourceSettings,
	"costs":    ResourceCosts,
	"usage":    ResourceUsage,
	"metrics":  ResourceMetrics,
}

// UpdateNotification is the payload streamed on ResourceUpdates.
type UpdateNotification struct {
	URI       string   `json:"uri"`
	Sections  []string `json:"sections"`
	Timestamp int64    `json:"timestamp"`
}

// ToolResult is the conventional result of a mutation tool.
type ToolResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
