package models

// ProviderHealth is the monitor's verdict on a provider.
type ProviderHealth string

const (
	ProviderHealthy     ProviderHealth = "healthy"
	ProviderDegraded    ProviderHealth = "degraded"
	ProviderUnavailable ProviderHealth = "unavailable"
	ProviderUnknown     ProviderHealth = "unknown"
)

// ProviderInfo is the per-provider status row owned by the health
// monitor and read by the status endpoints.
type ProviderInfo struct {
	Name         string         `json:"name" db:"name"`
	BackendKind  BackendKind    `json:"backend_kind" db:"backend_kind"`
	Status       ProviderHealth `json:"status" db:"status"`
	QueueDepth   int            `json:"queue_depth" db:"queue_depth"`
	AvgLatencyMS float64        `json:"avg_latency_ms" db:"avg_latency_ms"`
	SuccessRate  float64        `json:"success_rate" db:"success_rate"`
	LastCheck    float64        `json:"last_check" db:"last_check"`
	Enabled      bool           `json:"enabled" db:"enabled"`
	Priority     int            `json:"priority" db:"priority"`
	RateLimitRPM int            `json:"rate_limit_rpm,omitempty" db:"rate_limit_rpm"`
	TimeoutS     float64        `json:"timeout_s" db:"timeout_s"`
}

// Metric event types.
const (
	MetricEventRequest     = "request"
	MetricEventHealthCheck = "health_check"
)

// MetricEvent is one append-only measurement row.
type MetricEvent struct {
	ID        int64   `json:"id" db:"id"`
	Provider  string  `json:"provider" db:"provider"`
	RequestID string  `json:"request_id,omitempty" db:"request_id"`
	EventType string  `json:"event_type" db:"event_type"`
	LatencyMS float64 `json:"latency_ms,omitempty" db:"latency_ms"`
	Success   bool    `json:"success" db:"success"`
	Error     string  `json:"error,omitempty" db:"error"`
	Timestamp float64 `json:"timestamp" db:"timestamp"`
}

// ProviderMetrics aggregates metric events over a time window.
type ProviderMetrics struct {
	Provider     string  `json:"provider"`
	WindowHours  int     `json:"window_hours"`
	Total        int     `json:"total"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	MaxLatencyMS float64 `json:"max_latency_ms"`
	MinLatencyMS float64 `json:"min_latency_ms"`
}
