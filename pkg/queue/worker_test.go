package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/backends"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// stubBackend is a scriptable backend for dispatch tests.
type stubBackend struct {
	kind    models.BackendKind
	execute func(ctx context.Context, req *models.Request) (*backends.Result, error)
}

func (s *stubBackend) Execute(ctx context.Context, req *models.Request) (*backends.Result, error) {
	return s.execute(ctx, req)
}

func (s *stubBackend) HealthCheck(ctx context.Context) bool { return true }

func (s *stubBackend) Shutdown(ctx context.Context) error { return nil }

func (s *stubBackend) Kind() models.BackendKind { return s.kind }

// previewStub is a stub CLI backend that reports a command preview.
type previewStub struct {
	stubBackend
	preview string
}

func (p *previewStub) CommandPreview() string { return p.preview }

// stubSource resolves providers from a fixed map.
type stubSource map[string]backends.Backend

func (s stubSource) Get(name string) (backends.Backend, bool) {
	b, ok := s[name]
	return b, ok
}

// okStub answers every request with the given response.
func okStub(response string) *stubBackend {
	return &stubBackend{
		kind: models.BackendHTTP,
		execute: func(ctx context.Context, req *models.Request) (*backends.Result, error) {
			return &backends.Result{Success: true, Response: response, LatencyMS: 1}, nil
		},
	}
}

// blockStub hangs until the request context ends, mirroring how real
// backends react to deadlines and cancellation.
func blockStub() *stubBackend {
	return &stubBackend{
		kind: models.BackendHTTP,
		execute: func(ctx context.Context, req *models.Request) (*backends.Result, error) {
			<-ctx.Done()
			if ctx.Err() == context.Canceled {
				return nil, ctx.Err()
			}
			return &backends.Result{Success: false, Error: "request timed out upstream"}, nil
		},
	}
}

// dispatchHarness wires a queue, pool, and bus over a real store.
type dispatchHarness struct {
	queue  *RequestQueue
	store  *store.Store
	pool   *WorkerPool
	events <-chan models.Event
}

func newDispatchHarness(t *testing.T, source BackendSource, workers int) *dispatchHarness {
	t.Helper()

	st := newQueueStore(t)
	q := NewRequestQueue(st, queueTestConfig(50, workers))
	bus := events.NewBus()
	ch := bus.Subscribe("dispatch-test", 64)
	t.Cleanup(func() { bus.Unsubscribe("dispatch-test") })

	pool := NewWorkerPool(q, st, source, bus, workers)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)

	return &dispatchHarness{queue: q, store: st, pool: pool, events: ch}
}

// waitForStatus polls the store until the request reaches want.
func waitForStatus(t *testing.T, st *store.Store, id string, want models.RequestStatus) *models.Request {
	t.Helper()
	var got *models.Request
	require.Eventually(t, func() bool {
		req, err := st.GetRequest(context.Background(), id)
		if err != nil {
			return false
		}
		got = req
		return req.Status == want
	}, 5*time.Second, 20*time.Millisecond, "request %s never reached %s", id, want)
	return got
}

// waitForResponse polls the store until the request's response row
// lands. Terminal status and response are written back to back, so
// observers can briefly see one without the other.
func waitForResponse(t *testing.T, st *store.Store, id string) *models.Response {
	t.Helper()
	var resp *models.Response
	require.Eventually(t, func() bool {
		r, err := st.GetResponse(context.Background(), id)
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 20*time.Millisecond, "no response recorded for %s", id)
	return resp
}

// nextEvent drains the event channel until an event of the given type
// arrives.
func nextEvent(t *testing.T, ch <-chan models.Event, eventType string) models.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestWorkerPool_CompletesRequest(t *testing.T) {
	backend := okStub("the answer is 42")
	backend.execute = func(ctx context.Context, req *models.Request) (*backends.Result, error) {
		return &backends.Result{
			Success:    true,
			Response:   "the answer is 42",
			TokensUsed: 30,
			Metadata: map[string]any{
				"model":         "deepseek-chat",
				"input_tokens":  10,
				"output_tokens": 20,
			},
		}, nil
	}
	h := newDispatchHarness(t, stubSource{"deepseek": backend}, 1)
	ctx := context.Background()

	req := models.NewRequest("deepseek", "what is the answer?", models.DefaultPriority, 60)
	require.NoError(t, h.queue.Enqueue(ctx, req))

	waitForStatus(t, h.store, req.ID, models.StatusCompleted)

	processing := nextEvent(t, h.events, events.EventRequestProcessing)
	assert.Equal(t, req.ID, processing.Data["request_id"])

	completed := nextEvent(t, h.events, events.EventRequestCompleted)
	assert.Equal(t, req.ID, completed.Data["request_id"])
	assert.Equal(t, true, completed.Data["success"])
	assert.Equal(t, "the answer is 42", completed.Data["response"])

	resp := waitForResponse(t, h.store, req.ID)
	assert.Equal(t, models.StatusCompleted, resp.Status)
	assert.Equal(t, "the answer is 42", resp.Response)
	assert.Equal(t, 30, resp.TokensUsed)
	assert.Greater(t, resp.LatencyMS, 0.0)

	metrics, err := h.store.GetProviderMetrics(ctx, "deepseek", 24)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Total)
	assert.Equal(t, 1, metrics.Successes)

	// Token costs are recorded after the terminal write lands.
	require.Eventually(t, func() bool {
		costs, err := h.store.GetCostByProvider(ctx, 1)
		return err == nil && len(costs) == 1 &&
			costs[0].InputTokens == 10 && costs[0].OutputTokens == 20
	}, 5*time.Second, 20*time.Millisecond, "token cost never recorded")
}

func TestWorkerPool_FailedRequest(t *testing.T) {
	backend := &stubBackend{
		kind: models.BackendHTTP,
		execute: func(ctx context.Context, req *models.Request) (*backends.Result, error) {
			return &backends.Result{Success: false, Error: "HTTP 500: upstream exploded"}, nil
		},
	}
	h := newDispatchHarness(t, stubSource{"deepseek": backend}, 1)
	ctx := context.Background()

	req := models.NewRequest("deepseek", "please fail", models.DefaultPriority, 60)
	require.NoError(t, h.queue.Enqueue(ctx, req))

	waitForStatus(t, h.store, req.ID, models.StatusFailed)

	failed := nextEvent(t, h.events, events.EventRequestFailed)
	assert.Equal(t, false, failed.Data["success"])
	assert.Equal(t, "HTTP 500: upstream exploded", failed.Data["error"])

	resp := waitForResponse(t, h.store, req.ID)
	assert.Equal(t, "HTTP 500: upstream exploded", resp.Error)
	assert.Empty(t, resp.Response)

	metrics, err := h.store.GetProviderMetrics(ctx, "deepseek", 24)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Total)
	assert.Equal(t, 0, metrics.Successes)
}

func TestWorkerPool_MissingBackend(t *testing.T) {
	h := newDispatchHarness(t, stubSource{}, 1)
	ctx := context.Background()

	req := models.NewRequest("gemini", "anyone home?", models.DefaultPriority, 60)
	require.NoError(t, h.queue.Enqueue(ctx, req))

	waitForStatus(t, h.store, req.ID, models.StatusFailed)

	failed := nextEvent(t, h.events, events.EventRequestFailed)
	assert.Equal(t, "No backend available for provider: gemini", failed.Data["error"])

	resp := waitForResponse(t, h.store, req.ID)
	assert.Equal(t, "No backend available for provider: gemini", resp.Error)
}

func TestWorkerPool_TimeoutEnforced(t *testing.T) {
	h := newDispatchHarness(t, stubSource{"deepseek": blockStub()}, 1)
	ctx := context.Background()

	start := time.Now()
	req := models.NewRequest("deepseek", "slow", models.DefaultPriority, 0.2)
	require.NoError(t, h.queue.Enqueue(ctx, req))

	waitForStatus(t, h.store, req.ID, models.StatusTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	// Timeouts count as failures.
	failed := nextEvent(t, h.events, events.EventRequestFailed)
	assert.Equal(t, string(models.StatusTimeout), failed.Data["status"])

	resp := waitForResponse(t, h.store, req.ID)
	assert.Equal(t, models.StatusTimeout, resp.Status)
	assert.Equal(t, "request timed out upstream", resp.Error)

	metrics, err := h.store.GetProviderMetrics(ctx, "deepseek", 24)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Total)
	assert.Equal(t, 0, metrics.Successes)
}

func TestWorkerPool_CancelInFlight(t *testing.T) {
	h := newDispatchHarness(t, stubSource{"deepseek": blockStub()}, 1)
	ctx := context.Background()

	req := models.NewRequest("deepseek", "hang forever", models.DefaultPriority, 60)
	require.NoError(t, h.queue.Enqueue(ctx, req))

	waitForStatus(t, h.store, req.ID, models.StatusProcessing)
	require.Eventually(t, func() bool {
		return h.pool.CancelRequest(req.ID)
	}, 2*time.Second, 10*time.Millisecond)

	// The store write is issued by whichever side observes the
	// cancellation first; either way the request ends up cancelled.
	cancelled, err := h.queue.Cancel(ctx, req.ID)
	require.NoError(t, err)
	_ = cancelled

	waitForStatus(t, h.store, req.ID, models.StatusCancelled)

	resp := waitForResponse(t, h.store, req.ID)
	assert.Equal(t, models.StatusCancelled, resp.Status)
	assert.Equal(t, "Request cancelled", resp.Error)
}

func TestWorkerPool_CLIExecutingEvent(t *testing.T) {
	backend := &previewStub{preview: "/usr/bin/gemini --model pro ..."}
	backend.kind = models.BackendCLI
	backend.execute = func(ctx context.Context, req *models.Request) (*backends.Result, error) {
		return &backends.Result{Success: true, Response: "done"}, nil
	}
	h := newDispatchHarness(t, stubSource{"gemini": backend}, 1)
	ctx := context.Background()

	req := models.NewRequest("gemini", "run it", models.DefaultPriority, 60)
	require.NoError(t, h.queue.Enqueue(ctx, req))

	executing := nextEvent(t, h.events, events.EventCLIExecuting)
	assert.Equal(t, "/usr/bin/gemini --model pro ...", executing.Data["command"])
	assert.Equal(t, req.ID, executing.Data["request_id"])

	waitForStatus(t, h.store, req.ID, models.StatusCompleted)
}

func TestWorkerPool_PriorityOrderWithSingleWorker(t *testing.T) {
	var mu sync.Mutex
	var order []string

	backend := &stubBackend{
		kind: models.BackendHTTP,
		execute: func(ctx context.Context, req *models.Request) (*backends.Result, error) {
			mu.Lock()
			order = append(order, req.Message)
			mu.Unlock()
			return &backends.Result{Success: true, Response: "ok"}, nil
		},
	}

	st := newQueueStore(t)
	q := NewRequestQueue(st, queueTestConfig(50, 1))
	ctx := context.Background()

	low := models.NewRequest("deepseek", "low", 10, 60)
	high := models.NewRequest("deepseek", "high", 90, 60)
	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, high))

	pool := NewWorkerPool(q, st, stubSource{"deepseek": backend}, nil, 1)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

	waitForStatus(t, st, low.ID, models.StatusCompleted)
	waitForStatus(t, st, high.ID, models.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestWorkerPool_GracefulStopFinishesInFlight(t *testing.T) {
	release := make(chan struct{})
	backend := &stubBackend{
		kind: models.BackendHTTP,
		execute: func(ctx context.Context, req *models.Request) (*backends.Result, error) {
			select {
			case <-release:
				return &backends.Result{Success: true, Response: "made it"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	st := newQueueStore(t)
	q := NewRequestQueue(st, queueTestConfig(50, 1))
	ctx := context.Background()

	pool := NewWorkerPool(q, st, stubSource{"deepseek": backend}, nil, 1)
	require.NoError(t, pool.Start(ctx))

	req := models.NewRequest("deepseek", "finish me", models.DefaultPriority, 60)
	require.NoError(t, q.Enqueue(ctx, req))
	waitForStatus(t, st, req.ID, models.StatusProcessing)

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	// Stop must wait for the in-flight request rather than abort it.
	select {
	case <-stopped:
		t.Fatal("pool stopped while a request was still executing")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after the request finished")
	}

	final, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestClassifyOutcome(t *testing.T) {
	liveCtx := context.Background()
	expiredCtx, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	cancelledCtx, cancelNow := context.WithCancel(context.Background())
	cancelNow()

	req := models.NewRequest("deepseek", "hi", models.DefaultPriority, 1.5)

	t.Run("success", func(t *testing.T) {
		o := classifyOutcome(liveCtx, req, &backends.Result{
			Success:  true,
			Response: "hello",
			Metadata: map[string]any{"thinking": "hmm"},
		}, nil, 12)
		assert.Equal(t, models.StatusCompleted, o.status)
		assert.Equal(t, "hello", o.response)
		assert.Equal(t, "hmm", o.thinking)
		assert.Equal(t, 12.0, o.latencyMS)
	})

	t.Run("backend failure", func(t *testing.T) {
		o := classifyOutcome(liveCtx, req, &backends.Result{Success: false, Error: "boom"}, nil, 5)
		assert.Equal(t, models.StatusFailed, o.status)
		assert.Equal(t, "boom", o.errMsg)
	})

	t.Run("deadline fired", func(t *testing.T) {
		o := classifyOutcome(expiredCtx, req, &backends.Result{Success: false, Error: "CLI command timed out after 1.5s"}, nil, 1500)
		assert.Equal(t, models.StatusTimeout, o.status)
		assert.Equal(t, "CLI command timed out after 1.5s", o.errMsg)
	})

	t.Run("deadline fired without backend detail", func(t *testing.T) {
		o := classifyOutcome(expiredCtx, req, &backends.Result{Success: true, Response: "partial"}, nil, 1500)
		assert.Equal(t, models.StatusTimeout, o.status)
		assert.Equal(t, "Request timed out after 1.5s", o.errMsg)
	})

	t.Run("deadline error from backend", func(t *testing.T) {
		o := classifyOutcome(expiredCtx, req, nil, context.DeadlineExceeded, 1500)
		assert.Equal(t, models.StatusTimeout, o.status)
	})

	t.Run("cancelled", func(t *testing.T) {
		o := classifyOutcome(cancelledCtx, req, nil, context.Canceled, 40)
		assert.Equal(t, models.StatusCancelled, o.status)
		assert.Equal(t, "Request cancelled", o.errMsg)
	})

	t.Run("spawn error", func(t *testing.T) {
		o := classifyOutcome(liveCtx, req, nil, assert.AnError, 3)
		assert.Equal(t, models.StatusFailed, o.status)
		assert.Equal(t, assert.AnError.Error(), o.errMsg)
	})

	t.Run("nil result", func(t *testing.T) {
		o := classifyOutcome(liveCtx, req, nil, nil, 3)
		assert.Equal(t, models.StatusFailed, o.status)
		assert.Equal(t, "backend returned no result", o.errMsg)
	})
}
