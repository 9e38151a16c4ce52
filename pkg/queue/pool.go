package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/store"
)

// WorkerPool manages the dispatch workers draining the request queue.
type WorkerPool struct {
	queue       *RequestQueue
	store       *store.Store
	backends    BackendSource
	bus         *events.Bus
	workerCount int
	workers     []*Worker
	logger      *slog.Logger

	// Request cancel registry: request_id to cancel function
	activeRequests map[string]context.CancelFunc
	mu             sync.RWMutex
	started        bool
}

// NewWorkerPool creates a worker pool with one worker per concurrency
// slot. bus may be nil (events disabled).
func NewWorkerPool(q *RequestQueue, st *store.Store, source BackendSource, bus *events.Bus, workerCount int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &WorkerPool{
		queue:          q,
		store:          st,
		backends:       source,
		bus:            bus,
		workerCount:    workerCount,
		workers:        make([]*Worker, 0, workerCount),
		logger:         slog.Default(),
		activeRequests: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Safe to call multiple times;
// subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("Worker pool already started")
		return nil
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workerCount; i++ {
		worker := NewWorker(fmt.Sprintf("worker-%d", i), p.queue, p.store, p.backends, p.bus, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.logger.Info("Worker pool started", "worker_count", p.workerCount)
	return nil
}

// Stop shuts the pool down gracefully: workers stop claiming new
// requests and the call blocks until in-flight requests finish. The
// per-request deadlines bound how long that takes.
func (p *WorkerPool) Stop() {
	active := p.ActiveRequestIDs()
	if len(active) > 0 {
		p.logger.Info("Waiting for active requests to finish",
			"count", len(active),
			"request_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.logger.Info("Worker pool stopped")
}

// RegisterRequest records the cancel function for an in-flight request.
func (p *WorkerPool) RegisterRequest(requestID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRequests[requestID] = cancel
}

// UnregisterRequest removes a request from the cancel registry.
func (p *WorkerPool) UnregisterRequest(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRequests, requestID)
}

// CancelRequest aborts an in-flight request's backend call. Returns
// false when the request is not currently executing; queued requests
// are cancelled through the queue instead.
func (p *WorkerPool) CancelRequest(requestID string) bool {
	p.mu.RLock()
	cancel, ok := p.activeRequests[requestID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	cancel()
	p.logger.Info("Cancelled in-flight request", "request_id", requestID)
	return true
}

// ActiveRequestIDs lists the requests currently executing.
func (p *WorkerPool) ActiveRequestIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeRequests))
	for id := range p.activeRequests {
		ids = append(ids, id)
	}
	return ids
}

// Health snapshots pool and queue state.
func (p *WorkerPool) Health() PoolHealth {
	stats := p.queue.Stats()

	workerStats := make([]WorkerHealth, 0, len(p.workers))
	activeWorkers := 0
	for _, worker := range p.workers {
		wh := worker.Health()
		if wh.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
		workerStats = append(workerStats, wh)
	}

	return PoolHealth{
		IsHealthy:       len(p.workers) > 0,
		TotalWorkers:    len(p.workers),
		ActiveWorkers:   activeWorkers,
		MaxConcurrent:   p.queue.maxConcurrent,
		QueueDepth:      stats.QueueDepth,
		ProcessingCount: stats.ProcessingCount,
		WorkerStats:     workerStats,
	}
}
