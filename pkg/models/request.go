package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a gateway request.
type RequestStatus string

const (
	StatusQueued     RequestStatus = "queued"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusTimeout    RequestStatus = "timeout"
	StatusCancelled  RequestStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// BackendKind identifies how a provider is reached.
type BackendKind string

const (
	BackendHTTP           BackendKind = "http"
	BackendCLI            BackendKind = "cli"
	BackendCLIInteractive BackendKind = "cli_interactive"
)

// Valid reports whether k is a known backend kind.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendHTTP, BackendCLI, BackendCLIInteractive:
		return true
	}
	return false
}

// Default request parameters applied by NewRequest.
const (
	DefaultPriority = 50
	DefaultTimeoutS = 300.0
	MaxPriority     = 100
)

// Request is one unit of work submitted to the gateway.
// Timestamps are wall-clock seconds since the epoch.
type Request struct {
	ID          string         `json:"id" db:"id"`
	Provider    string         `json:"provider" db:"provider"`
	Message     string         `json:"message" db:"message"`
	Priority    int            `json:"priority" db:"priority"`
	TimeoutS    float64        `json:"timeout_s" db:"timeout_s"`
	Status      RequestStatus  `json:"status" db:"status"`
	CreatedAt   float64        `json:"created_at" db:"created_at"`
	UpdatedAt   float64        `json:"updated_at" db:"updated_at"`
	RoutedAt    *float64       `json:"routed_at,omitempty" db:"routed_at"`
	StartedAt   *float64       `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *float64       `json:"completed_at,omitempty" db:"completed_at"`
	BackendKind BackendKind    `json:"backend_kind,omitempty" db:"backend_kind"`
	Metadata    map[string]any `json:"metadata,omitempty" db:"-"`
}

// NewRequest builds a queued request with defaults applied.
// Priority is clamped to [0, 100]; zero timeout falls back to DefaultTimeoutS.
func NewRequest(provider, message string, priority int, timeoutS float64) *Request {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	if timeoutS <= 0 {
		timeoutS = DefaultTimeoutS
	}
	now := Now()
	return &Request{
		ID:        NewRequestID(),
		Provider:  provider,
		Message:   message,
		Priority:  priority,
		TimeoutS:  timeoutS,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewRequestID returns a short 12-hex request identifier.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Now returns the current wall clock as epoch seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
