// Package queue provides request queue management and the worker pool
// that drains it.
//
// The queue is a priority heap held in memory and mirrored in the
// store: Enqueue persists before admitting, Next claims by writing the
// processing transition, and Rebuild re-admits whatever a previous run
// left behind. The store copy is canonical across restarts; the heap is
// canonical while the process lives.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// queueItem is a heap entry. seq breaks exact created_at ties so
// ordering stays deterministic within one clock tick.
type queueItem struct {
	request *models.Request
	seq     uint64
	index   int
}

// requestHeap orders by priority descending, then created_at ascending,
// then admission sequence.
type requestHeap []*queueItem

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.request.Priority != b.request.Priority {
		return a.request.Priority > b.request.Priority
	}
	if a.request.CreatedAt != b.request.CreatedAt {
		return a.request.CreatedAt < b.request.CreatedAt
	}
	return a.seq < b.seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// RequestQueue admits, orders, and hands out requests. All methods are
// safe for concurrent use.
type RequestQueue struct {
	store         *store.Store
	logger        *slog.Logger
	maxSize       int
	maxConcurrent int
	kinds         map[string]models.BackendKind

	mu         sync.Mutex
	heap       requestHeap
	index      map[string]*queueItem
	processing map[string]bool
	admitting  int
	seq        uint64
	wake       chan struct{}
}

// NewRequestQueue builds an empty queue sized from config. Call Rebuild
// before starting workers to re-admit requests from a previous run.
func NewRequestQueue(st *store.Store, cfg *config.Config) *RequestQueue {
	kinds := make(map[string]models.BackendKind, len(cfg.Providers))
	for name, p := range cfg.Providers {
		kinds[name] = p.Backend
	}
	return &RequestQueue{
		store:         st,
		logger:        slog.Default(),
		maxSize:       cfg.MaxQueueSize,
		maxConcurrent: cfg.MaxConcurrentRequests,
		kinds:         kinds,
		index:         make(map[string]*queueItem),
		processing:    make(map[string]bool),
		wake:          make(chan struct{}),
	}
}

// Enqueue persists the request and admits it to the heap. Returns
// ErrQueueFull when pending plus in-flight work has already reached the
// configured maximum; nothing is persisted in that case.
func (q *RequestQueue) Enqueue(ctx context.Context, req *models.Request) error {
	q.mu.Lock()
	if len(q.heap)+len(q.processing)+q.admitting >= q.maxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.admitting++
	q.mu.Unlock()

	req.BackendKind = q.kinds[req.Provider]
	err := q.store.CreateRequest(ctx, req)

	q.mu.Lock()
	q.admitting--
	if err == nil {
		q.pushLocked(req)
		q.signalLocked()
	}
	q.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to enqueue request: %w", err)
	}
	q.logger.Debug("Request enqueued",
		"request_id", req.ID,
		"provider", req.Provider,
		"priority", req.Priority)
	return nil
}

// Next blocks until a request can be claimed or ctx is cancelled. A
// claim pops the highest-priority request, counts it against the
// concurrency cap, and writes the processing transition to the store.
// The caller must release the slot with MarkCompleted when done.
func (q *RequestQueue) Next(ctx context.Context) (*models.Request, error) {
	for {
		q.mu.Lock()
		if len(q.heap) == 0 || len(q.processing) >= q.maxConcurrent {
			wait := q.wake
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wait:
			}
			continue
		}

		item := heap.Pop(&q.heap).(*queueItem)
		delete(q.index, item.request.ID)
		q.processing[item.request.ID] = true
		q.mu.Unlock()

		kind := q.kinds[item.request.Provider]
		err := q.store.UpdateRequestStatus(ctx, item.request.ID, models.StatusProcessing, kind)
		if err == nil {
			item.request.Status = models.StatusProcessing
			item.request.BackendKind = kind
			return item.request, nil
		}

		if errors.Is(err, store.ErrTerminalState) {
			// Cancelled between admission and claim. Skip it.
			q.MarkCompleted(item.request.ID)
			continue
		}

		// Store trouble. Re-admit the request and surface the error so
		// the worker can back off; the row is still queued and will be
		// replayed on restart if we never recover.
		q.mu.Lock()
		delete(q.processing, item.request.ID)
		q.pushLocked(item.request)
		q.signalLocked()
		q.mu.Unlock()
		return nil, fmt.Errorf("failed to claim request %s: %w", item.request.ID, err)
	}
}

// MarkCompleted releases the concurrency slot held by a claimed
// request. Safe to call for ids the queue no longer tracks.
func (q *RequestQueue) MarkCompleted(requestID string) {
	q.mu.Lock()
	delete(q.processing, requestID)
	q.signalLocked()
	q.mu.Unlock()
}

// Cancel marks a request cancelled. The store write decides the winner:
// a request that already reached a terminal state reports false with no
// error. Queued requests are removed from the heap; for in-flight
// requests the caller should also signal the worker pool so the backend
// call is aborted.
func (q *RequestQueue) Cancel(ctx context.Context, requestID string) (bool, error) {
	cancelled, err := q.store.CancelRequest(ctx, requestID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel request: %w", err)
	}
	if !cancelled {
		return false, nil
	}

	q.mu.Lock()
	var provider string
	if item, ok := q.index[requestID]; ok {
		provider = item.request.Provider
		heap.Remove(&q.heap, item.index)
		delete(q.index, requestID)
	}
	q.mu.Unlock()

	if provider == "" {
		if req, err := q.store.GetRequest(ctx, requestID); err == nil {
			provider = req.Provider
		}
	}

	// Terminal statuses always have a response row. The worker writes
	// one too when the request was in flight; SaveResponse upserts, so
	// the duplicate write is harmless.
	resp := &models.Response{
		RequestID: requestID,
		Status:    models.StatusCancelled,
		Error:     "Request cancelled",
		Provider:  provider,
		CreatedAt: models.Now(),
	}
	if err := q.store.SaveResponse(ctx, resp); err != nil {
		q.logger.Warn("Failed to save cancellation response",
			"request_id", requestID,
			"error", err)
	}

	q.logger.Info("Request cancelled", "request_id", requestID)
	return true, nil
}

// Stats snapshots queue occupancy. ByProvider counts queued requests
// only; in-flight work is in ProcessingCount.
func (q *RequestQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byProvider := make(map[string]int)
	for _, item := range q.heap {
		byProvider[item.request.Provider]++
	}
	return Stats{
		QueueDepth:      len(q.heap),
		ProcessingCount: len(q.processing),
		ByProvider:      byProvider,
	}
}

// Rebuild resets requests stranded in processing by a previous run back
// to queued, then loads every queued request into the heap. Returns the
// number of requests admitted.
func (q *RequestQueue) Rebuild(ctx context.Context) (int, error) {
	reset, err := q.store.ResetProcessingRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck requests: %w", err)
	}
	if reset > 0 {
		q.logger.Info("Reset stuck processing requests back to queued", "count", reset)
	}

	pending, err := q.store.PendingRequests(ctx, q.maxSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending requests: %w", err)
	}

	q.mu.Lock()
	admitted := 0
	for _, req := range pending {
		if _, ok := q.index[req.ID]; ok || q.processing[req.ID] {
			continue
		}
		q.pushLocked(req)
		admitted++
	}
	if admitted > 0 {
		q.signalLocked()
	}
	q.mu.Unlock()

	if admitted > 0 {
		q.logger.Info("Rebuilt request queue from store", "count", admitted)
	}
	return admitted, nil
}

// pushLocked admits a request to the heap. Caller holds q.mu.
func (q *RequestQueue) pushLocked(req *models.Request) {
	item := &queueItem{request: req, seq: q.seq}
	q.seq++
	heap.Push(&q.heap, item)
	q.index[req.ID] = item
}

// signalLocked wakes every blocked Next caller. Caller holds q.mu.
func (q *RequestQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
