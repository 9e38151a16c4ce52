package api

import (
	"github.com/modelmux/modelmux/pkg/database"
	"github.com/modelmux/modelmux/pkg/models"
)

// ErrorResponse is the JSON envelope for every API error.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// AskResponse acknowledges an accepted request.
type AskResponse struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	Status    string `json:"status"`
}

// ReplyResponse reports a request's current state, carrying the stored
// outcome once the request is terminal.
type ReplyResponse struct {
	RequestID  string  `json:"request_id"`
	Status     string  `json:"status"`
	Response   string  `json:"response,omitempty"`
	Error      string  `json:"error,omitempty"`
	LatencyMS  float64 `json:"latency_ms,omitempty"`
	TokensUsed int     `json:"tokens_used,omitempty"`
}

// CancelResponse acknowledges a cancelled request.
type CancelResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
}

// RequestListResponse wraps a filtered request listing.
type RequestListResponse struct {
	Requests []*models.Request `json:"requests"`
	Count    int               `json:"count"`
}

// GatewayStatus summarizes gateway-wide counters.
type GatewayStatus struct {
	UptimeS         float64 `json:"uptime_s"`
	TotalRequests   int64   `json:"total_requests"`
	ActiveRequests  int     `json:"active_requests"`
	QueueDepth      int     `json:"queue_depth"`
	ProcessingCount int     `json:"processing_count"`
}

// ProviderStatus is one provider's row in the status response.
type ProviderStatus struct {
	Name         string  `json:"name"`
	Enabled      bool    `json:"enabled"`
	Status       string  `json:"status"`
	QueueDepth   int     `json:"queue_depth"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`
}

// StatusResponse is the full gateway status snapshot.
type StatusResponse struct {
	Gateway   GatewayStatus    `json:"gateway"`
	Providers []ProviderStatus `json:"providers"`
}

// ProviderSummary is one configured provider in the providers listing.
type ProviderSummary struct {
	Name        string  `json:"name"`
	BackendKind string  `json:"backend_kind"`
	Enabled     bool    `json:"enabled"`
	Priority    int     `json:"priority"`
	TimeoutS    float64 `json:"timeout_s"`
}

// HealthResponse reports service liveness plus database detail.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Database *database.HealthStatus `json:"database,omitempty"`
}

// DiscussionAccepted acknowledges an asynchronously started discussion.
type DiscussionAccepted struct {
	SessionID string   `json:"session_id"`
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
}

// DiscussionListResponse wraps a session listing.
type DiscussionListResponse struct {
	Sessions []*models.DiscussionSession `json:"sessions"`
	Count    int                         `json:"count"`
}

// DiscussionMessagesResponse wraps one session's messages.
type DiscussionMessagesResponse struct {
	SessionID string                      `json:"session_id"`
	Messages  []*models.DiscussionMessage `json:"messages"`
	Count     int                         `json:"count"`
}

// CancelDiscussionResponse acknowledges a cancelled discussion.
type CancelDiscussionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
}

// TemplateListResponse wraps the discussion template listing.
type TemplateListResponse struct {
	Templates []*models.DiscussionTemplate `json:"templates"`
	Count     int                          `json:"count"`
}

// CostsResponse reports token spend over a trailing window.
type CostsResponse struct {
	Summary    *models.CostSummary    `json:"summary"`
	ByProvider []*models.ProviderCost `json:"by_provider"`
	ByDay      []*models.DayCost      `json:"by_day"`
}
