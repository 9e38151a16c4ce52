package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/backends"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// storeErrorBackoff is how long a worker sleeps after the queue reports
// a store failure before trying to claim again.
const storeErrorBackoff = time.Second

// commandPreviewer is implemented by CLI backends that can describe
// their command line without the prompt argument.
type commandPreviewer interface {
	CommandPreview() string
}

// Worker claims requests from the queue and drives them through a
// backend to a terminal state.
type Worker struct {
	id       string
	queue    *RequestQueue
	store    *store.Store
	backends BackendSource
	bus      *events.Bus
	pool     RequestRegistry
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu                sync.RWMutex
	status            WorkerStatus
	currentRequestID  string
	requestsProcessed int
	lastActivity      time.Time
}

// NewWorker creates a queue worker. bus may be nil (events disabled).
func NewWorker(id string, q *RequestQueue, st *store.Store, source BackendSource, bus *events.Bus, pool RequestRegistry) *Worker {
	return &Worker{
		id:           id,
		queue:        q,
		store:        st,
		backends:     source,
		bus:          bus,
		pool:         pool,
		logger:       slog.Default().With("worker_id", id),
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current request to
// finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// Health returns the worker's current state.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		WorkerID:          w.id,
		Status:            string(w.status),
		CurrentRequestID:  w.currentRequestID,
		RequestsProcessed: w.requestsProcessed,
		LastActivity:      w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("Worker started")

	// claimCtx unblocks queue waits when the worker stops. Request
	// execution derives from ctx instead, so a graceful stop lets
	// in-flight work finish.
	claimCtx, cancelClaim := context.WithCancel(ctx)
	defer cancelClaim()
	go func() {
		select {
		case <-w.stopCh:
			cancelClaim()
		case <-claimCtx.Done():
		}
	}()

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("Worker context cancelled")
			return
		default:
		}

		req, err := w.queue.Next(claimCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.logger.Error("Failed to claim next request", "error", err)
			w.sleep(storeErrorBackoff)
			continue
		}

		w.processRequest(ctx, req)
	}
}

// processRequest executes one claimed request end to end: resolve the
// backend, announce processing, run the call under the request's
// deadline, then persist and publish the terminal outcome. The
// concurrency slot is released on return regardless of outcome.
func (w *Worker) processRequest(ctx context.Context, req *models.Request) {
	logger := w.logger.With("request_id", req.ID, "provider", req.Provider)
	start := time.Now()

	defer w.queue.MarkCompleted(req.ID)
	w.setStatus(WorkerStatusWorking, req.ID)
	defer w.setStatus(WorkerStatusIdle, "")
	defer func() {
		w.mu.Lock()
		w.requestsProcessed++
		w.mu.Unlock()
	}()

	backend, ok := w.backends.Get(req.Provider)
	if !ok {
		logger.Warn("No backend available for request")
		w.finish(req, outcome{
			status: models.StatusFailed,
			errMsg: fmt.Sprintf("No backend available for provider: %s", req.Provider),
		}, logger)
		return
	}

	w.publish(events.EventRequestProcessing, map[string]any{
		"request_id": req.ID,
		"provider":   req.Provider,
	})
	if cp, ok := backend.(commandPreviewer); ok {
		w.publish(events.EventCLIExecuting, map[string]any{
			"request_id": req.ID,
			"provider":   req.Provider,
			"command":    cp.CommandPreview(),
		})
	}

	// The dispatcher owns the hard deadline. Backends watch it through
	// ctx; an expired deadline always classifies as timeout here, no
	// matter what the backend returned.
	reqCtx, cancel := context.WithTimeout(ctx, timeoutDuration(req.TimeoutS))
	defer cancel()
	w.pool.RegisterRequest(req.ID, cancel)
	defer w.pool.UnregisterRequest(req.ID)

	result, execErr := backend.Execute(reqCtx, req)
	latencyMS := float64(time.Since(start).Microseconds()) / 1000.0

	o := classifyOutcome(reqCtx, req, result, execErr, latencyMS)
	w.finish(req, o, logger)

	if o.status == models.StatusCompleted {
		w.recordCosts(req, result, logger)
	}
}

// outcome is the classified terminal result of one request.
type outcome struct {
	status    models.RequestStatus
	response  string
	errMsg    string
	latencyMS float64
	tokens    int
	thinking  string
	metadata  map[string]any
}

func classifyOutcome(reqCtx context.Context, req *models.Request, result *backends.Result, execErr error, latencyMS float64) outcome {
	o := outcome{latencyMS: latencyMS}

	switch {
	case execErr != nil:
		switch {
		case errors.Is(execErr, context.DeadlineExceeded):
			o.status = models.StatusTimeout
			o.errMsg = fmt.Sprintf("Request timed out after %gs", req.TimeoutS)
		case errors.Is(execErr, context.Canceled):
			o.status = models.StatusCancelled
			o.errMsg = "Request cancelled"
		default:
			o.status = models.StatusFailed
			o.errMsg = execErr.Error()
		}

	case reqCtx.Err() == context.DeadlineExceeded:
		o.status = models.StatusTimeout
		o.errMsg = fmt.Sprintf("Request timed out after %gs", req.TimeoutS)
		if result != nil && result.Error != "" {
			o.errMsg = result.Error
		}

	case reqCtx.Err() == context.Canceled:
		o.status = models.StatusCancelled
		o.errMsg = "Request cancelled"

	case result == nil:
		o.status = models.StatusFailed
		o.errMsg = "backend returned no result"

	case result.Success:
		o.status = models.StatusCompleted
		o.response = result.Response
		o.tokens = result.TokensUsed
		o.metadata = result.Metadata
		if t, ok := result.Metadata["thinking"].(string); ok {
			o.thinking = t
		}

	default:
		o.status = models.StatusFailed
		o.errMsg = result.Error
		o.metadata = result.Metadata
	}
	return o
}

// finish persists the terminal status and response, records the request
// metric, and publishes the terminal event. If the status write fails
// for any reason other than the request already being terminal, nothing
// else is written so a restart can replay the request.
func (w *Worker) finish(req *models.Request, o outcome, logger *slog.Logger) {
	// Terminal writes use a background context; the request context is
	// usually already expired or cancelled by now.
	ctx := context.Background()

	if err := w.store.UpdateRequestStatus(ctx, req.ID, o.status, ""); err != nil {
		if errors.Is(err, store.ErrTerminalState) {
			// Another writer finished this request first.
			logger.Info("Request already terminal, discarding outcome", "status", o.status)
			return
		}
		logger.Error("Failed to persist terminal status", "status", o.status, "error", err)
		return
	}

	resp := &models.Response{
		RequestID:  req.ID,
		Status:     o.status,
		Response:   o.response,
		Error:      o.errMsg,
		Provider:   req.Provider,
		LatencyMS:  o.latencyMS,
		TokensUsed: o.tokens,
		Thinking:   o.thinking,
		CreatedAt:  models.Now(),
		Metadata:   o.metadata,
	}
	if err := w.store.SaveResponse(ctx, resp); err != nil {
		logger.Error("Failed to save response", "error", err)
	}

	w.recordMetric(req, o, logger)
	w.emitTerminal(req, o)

	logger.Info("Request finished", "status", o.status, "latency_ms", o.latencyMS)
}

func (w *Worker) recordMetric(req *models.Request, o outcome, logger *slog.Logger) {
	if o.status == models.StatusCancelled {
		// Cancellation is not a provider failure.
		return
	}
	eventType := events.EventRequestFailed
	success := false
	if o.status == models.StatusCompleted {
		eventType = events.EventRequestCompleted
		success = true
	}
	m := &models.MetricEvent{
		Provider:  req.Provider,
		RequestID: req.ID,
		EventType: eventType,
		LatencyMS: o.latencyMS,
		Success:   success,
		Error:     o.errMsg,
	}
	if err := w.store.RecordMetric(context.Background(), m); err != nil {
		logger.Warn("Failed to record request metric", "error", err)
	}
}

// emitTerminal publishes request_completed or request_failed with a
// truncated preview. Cancellations are announced by the cancel endpoint
// instead.
func (w *Worker) emitTerminal(req *models.Request, o outcome) {
	if o.status == models.StatusCancelled {
		return
	}
	data := map[string]any{
		"request_id": req.ID,
		"provider":   req.Provider,
		"status":     string(o.status),
		"success":    o.status == models.StatusCompleted,
		"latency_ms": o.latencyMS,
	}
	eventType := events.EventRequestFailed
	if o.status == models.StatusCompleted {
		eventType = events.EventRequestCompleted
		if o.response != "" {
			data["response"] = models.Preview(o.response, 100)
		}
	} else if o.errMsg != "" {
		data["error"] = models.Preview(o.errMsg, 100)
	}
	w.publish(eventType, data)
}

func (w *Worker) recordCosts(req *models.Request, result *backends.Result, logger *slog.Logger) {
	if result == nil || result.Metadata == nil {
		return
	}
	in := metaInt(result.Metadata, "input_tokens")
	out := metaInt(result.Metadata, "output_tokens")
	if in == 0 && out == 0 {
		return
	}
	model, _ := result.Metadata["model"].(string)
	if err := w.store.RecordTokenCost(context.Background(), req.Provider, req.ID, model, in, out); err != nil {
		logger.Warn("Failed to record token cost", "error", err)
	}
}

func (w *Worker) publish(eventType string, data map[string]any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(models.NewEvent(eventType, data))
}

func (w *Worker) setStatus(status WorkerStatus, requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRequestID = requestID
	w.lastActivity = time.Now()
}

// sleep waits for d or until the worker is stopped.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
