package models

// Response is the terminal outcome record for a request, keyed 1:1 on
// the request id.
type Response struct {
	RequestID  string         `json:"request_id" db:"request_id"`
	Status     RequestStatus  `json:"status" db:"status"`
	Response   string         `json:"response,omitempty" db:"response"`
	Error      string         `json:"error,omitempty" db:"error"`
	Provider   string         `json:"provider" db:"provider"`
	LatencyMS  float64        `json:"latency_ms" db:"latency_ms"`
	TokensUsed int            `json:"tokens_used,omitempty" db:"tokens_used"`
	Thinking   string         `json:"thinking,omitempty" db:"thinking"`
	RawOutput  string         `json:"raw_output,omitempty" db:"raw_output"`
	CreatedAt  float64        `json:"created_at" db:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`
}
