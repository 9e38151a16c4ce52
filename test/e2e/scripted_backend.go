package e2e

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/backends"
	"github.com/modelmux/modelmux/pkg/models"
)

// Outcome is one scripted backend result. Zero-value fields fall back to
// success with the backend's default response.
type Outcome struct {
	Response string
	ErrMsg   string        // non-empty makes the call fail with this message
	Delay    time.Duration // sleep before answering; aborted by ctx
	Tokens   int
}

// Call records one Execute invocation for later assertions.
type Call struct {
	RequestID string
	Message   string
	At        time.Time
}

// ScriptedBackend is a backends.Backend whose results are driven by the
// test. Outcomes queued via Queue* are consumed one per call; when the
// script runs out, calls succeed with the default response. Gate/Release
// turn the backend into a barrier so tests can hold the worker busy.
type ScriptedBackend struct {
	name            string
	defaultResponse string

	mu      sync.Mutex
	script  []Outcome
	calls   []Call
	gate    chan struct{}
	healthy bool
}

// NewScriptedBackend creates a healthy scripted backend that answers
// every call with defaultResponse until told otherwise.
func NewScriptedBackend(name, defaultResponse string) *ScriptedBackend {
	return &ScriptedBackend{
		name:            name,
		defaultResponse: defaultResponse,
		healthy:         true,
	}
}

// QueueResponse scripts one successful call.
func (b *ScriptedBackend) QueueResponse(text string) *ScriptedBackend {
	return b.QueueOutcome(Outcome{Response: text})
}

// QueueFailure scripts one failed call.
func (b *ScriptedBackend) QueueFailure(errMsg string) *ScriptedBackend {
	return b.QueueOutcome(Outcome{ErrMsg: errMsg})
}

// QueueOutcome appends one scripted outcome.
func (b *ScriptedBackend) QueueOutcome(o Outcome) *ScriptedBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append(b.script, o)
	return b
}

// Gate makes subsequent Execute calls block until Release (or their
// context ends). The call is logged before blocking, so tests can wait
// for the worker to be provably inside the backend.
func (b *ScriptedBackend) Gate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate == nil {
		b.gate = make(chan struct{})
	}
}

// Release unblocks all gated calls, current and future.
func (b *ScriptedBackend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
}

// SetHealthy controls the HealthCheck verdict.
func (b *ScriptedBackend) SetHealthy(healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
}

// Calls returns a snapshot of the execution log in call order.
func (b *ScriptedBackend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallCount returns how many Execute calls the backend has seen.
func (b *ScriptedBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// WaitForCalls blocks until the backend has seen at least n calls.
func (b *ScriptedBackend) WaitForCalls(n int, timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return fmt.Errorf("backend %s saw %d calls, wanted %d within %v",
				b.name, b.CallCount(), n, timeout)
		case <-tick.C:
			if b.CallCount() >= n {
				return nil
			}
		}
	}
}

// Execute logs the call, honors the gate and any scripted delay, then
// returns the next scripted outcome (or the default success).
func (b *ScriptedBackend) Execute(ctx context.Context, req *models.Request) (*backends.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{RequestID: req.ID, Message: req.Message, At: time.Now()})
	var o Outcome
	if len(b.script) > 0 {
		o = b.script[0]
		b.script = b.script[1:]
	}
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if o.Delay > 0 {
		select {
		case <-time.After(o.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if o.ErrMsg != "" {
		return &backends.Result{Error: o.ErrMsg, LatencyMS: 1}, nil
	}
	response := o.Response
	if response == "" {
		response = b.defaultResponse
	}
	tokens := o.Tokens
	if tokens == 0 {
		tokens = 7
	}
	return &backends.Result{
		Success:    true,
		Response:   response,
		LatencyMS:  1,
		TokensUsed: tokens,
	}, nil
}

// HealthCheck reports the scripted health verdict.
func (b *ScriptedBackend) HealthCheck(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// Shutdown is a no-op.
func (b *ScriptedBackend) Shutdown(ctx context.Context) error {
	return nil
}

// Kind reports http; scripted providers pose as API providers.
func (b *ScriptedBackend) Kind() models.BackendKind {
	return models.BackendHTTP
}
