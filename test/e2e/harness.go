// Package e2e provides end-to-end test infrastructure for the gateway.
package e2e

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/api"
	"github.com/modelmux/modelmux/pkg/backends"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/database"
	"github.com/modelmux/modelmux/pkg/discussion"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/queue"
	"github.com/modelmux/modelmux/pkg/store"
)

// TestApp boots a complete gateway instance for e2e testing.
type TestApp struct {
	// Core
	Config   *config.Config
	DBClient *database.Client
	Store    *store.Store

	// Real infrastructure
	Bus         *events.Bus
	ConnManager *events.ConnectionManager
	Queue       *queue.RequestQueue
	WorkerPool  *queue.WorkerPool
	Discussions *discussion.Executor
	Server      *api.Server

	// Mocks / test wiring
	Backends map[string]*ScriptedBackend

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/api/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg          *config.Config
	scripted     map[string]*ScriptedBackend
	workerCount  int
	maxQueueSize int
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithWorkerCount sets the number of dispatch workers.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithMaxQueueSize caps pending plus in-flight requests.
func WithMaxQueueSize(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxQueueSize = n }
}

// WithScriptedProvider registers an enabled provider whose backend is the
// given scripted fake. The provider appears in the config like a normal
// HTTP provider, but every execution goes through the script.
func WithScriptedProvider(name string, b *ScriptedBackend) TestAppOption {
	return func(c *testAppConfig) {
		c.scripted[name] = b
		c.cfg.Providers[name] = &config.ProviderConfig{
			Name:     name,
			Backend:  models.BackendHTTP,
			Enabled:  true,
			Priority: 10,
			TimeoutS: 300,
			HTTP:     &config.HTTPBackendConfig{Endpoint: "http://scripted.invalid/v1/chat"},
		}
	}
}

// WithCLIProvider registers an enabled provider backed by a real one-shot
// CLI command. Used for scenarios that need actual child processes.
func WithCLIProvider(name, command string, args []string, timeoutS float64) TestAppOption {
	return func(c *testAppConfig) {
		c.cfg.Providers[name] = &config.ProviderConfig{
			Name:     name,
			Backend:  models.BackendCLI,
			Enabled:  true,
			Priority: 10,
			TimeoutS: timeoutS,
			CLI:      &config.CLIBackendConfig{Command: command, Args: args},
		}
	}
}

// WithDefaultProvider sets the provider used when an ask omits one.
func WithDefaultProvider(name string) TestAppOption {
	return func(c *testAppConfig) { c.cfg.DefaultProvider = name }
}

// compositeSource resolves provider names to backends, preferring
// scripted fakes over real backends built from the config.
type compositeSource struct {
	backends map[string]backends.Backend
}

func (s *compositeSource) Get(name string) (backends.Backend, bool) {
	b, ok := s.backends[name]
	return b, ok
}

func (s *compositeSource) Names() []string {
	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	return names
}

// NewTestApp creates and starts a full gateway test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		cfg:         defaultTestConfig(),
		scripted:    make(map[string]*ScriptedBackend),
		workerCount: 1,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.maxQueueSize > 0 {
		tc.cfg.MaxQueueSize = tc.maxQueueSize
	}
	tc.cfg.MaxConcurrentRequests = tc.workerCount

	ctx := context.Background()

	// 1. Database — per-test SQLite file, migrated on open.
	tc.cfg.Database = &config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "gateway.db"),
	}
	dbClient, err := database.NewClient(ctx, tc.cfg.Database)
	require.NoError(t, err)
	st := store.New(dbClient)
	require.NoError(t, st.EnsureBuiltinTemplates(ctx))

	// 2. Event bus and WebSocket fan-out.
	bus := events.NewBus()
	connManager := events.NewConnectionManager(bus, 5*time.Second)
	pumpCtx, stopPump := context.WithCancel(ctx)
	go connManager.Run(pumpCtx)

	// 3. Backends — scripted fakes shadow real backends of the same name.
	source := &compositeSource{backends: make(map[string]backends.Backend)}
	for name, p := range tc.cfg.Providers {
		if !p.Enabled {
			continue
		}
		if sb, ok := tc.scripted[name]; ok {
			source.backends[name] = sb
			continue
		}
		b, err := backends.New(p)
		require.NoError(t, err, "build backend for provider %s", name)
		source.backends[name] = b
	}

	// 4. Queue and worker pool.
	q := queue.NewRequestQueue(st, tc.cfg)
	_, err = q.Rebuild(ctx)
	require.NoError(t, err)
	pool := queue.NewWorkerPool(q, st, source, bus, tc.workerCount)
	require.NoError(t, pool.Start(ctx))

	// 5. Discussion orchestrator.
	discussions := discussion.NewExecutor(st, source, bus)

	// 6. HTTP server on a random port.
	server := api.NewServer(tc.cfg, dbClient, st, q, pool, discussions, connManager, bus)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.Serve(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:      tc.cfg,
		DBClient:    dbClient,
		Store:       st,
		Bus:         bus,
		ConnManager: connManager,
		Queue:       q,
		WorkerPool:  pool,
		Discussions: discussions,
		Server:      server,
		Backends:    tc.scripted,
		BaseURL:     fmt.Sprintf("http://%s", addr),
		WSURL:       fmt.Sprintf("ws://%s/api/ws", addr),
		t:           t,
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		pool.Stop()
		stopPump()
		_ = dbClient.Close()
	})

	return app
}

// defaultTestConfig creates a minimal config suitable for tests that don't
// provide their own. Providers come in via WithScriptedProvider or
// WithCLIProvider.
func defaultTestConfig() *config.Config {
	return &config.Config{
		Host:                  "127.0.0.1",
		MaxQueueSize:          100,
		MaxConcurrentRequests: 1,
		Discussion: &config.DiscussionDefaults{
			MinProviders:     2,
			ProviderTimeoutS: 10,
			MaxRounds:        3,
		},
		Providers: make(map[string]*config.ProviderConfig),
	}
}
