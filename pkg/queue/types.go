package queue

import (
	"context"
	"errors"
	"time"

	"github.com/modelmux/modelmux/pkg/backends"
)

var (
	// ErrQueueFull is returned by Enqueue when admitting another request
	// would push pending plus in-flight work past the configured maximum.
	ErrQueueFull = errors.New("request queue is full")
)

// BackendSource resolves a provider name to its backend. Satisfied by
// *backends.Registry.
type BackendSource interface {
	Get(name string) (backends.Backend, bool)
}

// RequestRegistry tracks cancel functions for in-flight requests so the
// API layer can abort them. Satisfied by *WorkerPool.
type RequestRegistry interface {
	RegisterRequest(requestID string, cancel context.CancelFunc)
	UnregisterRequest(requestID string)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	QueueDepth      int            `json:"queue_depth"`
	ProcessingCount int            `json:"processing_count"`
	ByProvider      map[string]int `json:"by_provider"`
}

// PoolHealth reports worker pool health for the status endpoints.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	TotalWorkers    int            `json:"total_workers"`
	ActiveWorkers   int            `json:"active_workers"`
	MaxConcurrent   int            `json:"max_concurrent"`
	QueueDepth      int            `json:"queue_depth"`
	ProcessingCount int            `json:"processing_count"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth reports per-worker state.
type WorkerHealth struct {
	WorkerID          string    `json:"worker_id"`
	Status            string    `json:"status"`
	CurrentRequestID  string    `json:"current_request_id,omitempty"`
	RequestsProcessed int       `json:"requests_processed"`
	LastActivity      time.Time `json:"last_activity"`
}

// timeoutDuration converts a request's timeout in seconds to a duration.
func timeoutDuration(timeoutS float64) time.Duration {
	return time.Duration(timeoutS * float64(time.Second))
}
