// Package backends implements the provider transport layer: every
// provider the gateway can talk to is reached through a Backend, built
// from its ProviderConfig by the Registry.
//
// Three variants exist. HTTPBackend posts a chat-shaped JSON body to an
// API endpoint. CLIBackend spawns one child process per request and
// captures its output. InteractiveCLIBackend keeps a single long-lived
// child and multiplexes requests over its stdin/stdout.
package backends

import (
	"context"
	"time"

	"github.com/modelmux/modelmux/pkg/models"
)

// Backend executes gateway requests against one provider.
//
// Execute returns a non-nil error only when the request never reached
// the provider, such as the context being cancelled while waiting for
// a session slot. Provider-side failures (timeouts, bad exits, non-2xx
// responses) come back as a Result with Success=false and a
// classification under Metadata["failure"].
type Backend interface {
	// Execute runs one request to completion. The caller bounds the
	// call with the request deadline via ctx.
	Execute(ctx context.Context, req *models.Request) (*Result, error)

	// HealthCheck reports cheap liveness for the provider.
	HealthCheck(ctx context.Context) bool

	// Shutdown releases long-lived resources. Idempotent.
	Shutdown(ctx context.Context) error

	// Kind reports how this backend reaches its provider.
	Kind() models.BackendKind
}

// Result is the outcome of a single backend execution.
type Result struct {
	Success    bool
	Response   string
	Error      string
	LatencyMS  float64
	TokensUsed int
	Metadata   map[string]any
}

// Failure classifications recorded under Metadata["failure"]. They are
// advisory; dispatch decisions key off Success alone.
const (
	FailureTimeout     = "timeout"
	FailureSpawn       = "spawn"
	FailureExit        = "exit"
	FailureUnreachable = "unreachable"
	FailureProtocol    = "protocol"
)

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func okResult(start time.Time, response string) *Result {
	return &Result{
		Success:   true,
		Response:  response,
		LatencyMS: elapsedMS(start),
	}
}

func failResult(start time.Time, kind, msg string) *Result {
	return &Result{
		Error:     msg,
		LatencyMS: elapsedMS(start),
		Metadata:  map[string]any{"failure": kind},
	}
}
