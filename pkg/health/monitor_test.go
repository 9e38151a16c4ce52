package health

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/backends"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/database"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// probeBackend answers health probes from a flag.
type probeBackend struct {
	kind  models.BackendKind
	alive atomic.Bool
}

func newProbeBackend(kind models.BackendKind, alive bool) *probeBackend {
	p := &probeBackend{kind: kind}
	p.alive.Store(alive)
	return p
}

func (p *probeBackend) Execute(ctx context.Context, req *models.Request) (*backends.Result, error) {
	return &backends.Result{Success: true, Response: "ok"}, nil
}

func (p *probeBackend) HealthCheck(ctx context.Context) bool { return p.alive.Load() }

func (p *probeBackend) Shutdown(ctx context.Context) error { return nil }

func (p *probeBackend) Kind() models.BackendKind { return p.kind }

// sourceMap resolves providers from a fixed map.
type sourceMap map[string]backends.Backend

func (s sourceMap) Get(name string) (backends.Backend, bool) {
	b, ok := s[name]
	return b, ok
}

func newHealthStore(t *testing.T) *store.Store {
	t.Helper()

	client, err := database.NewClient(context.Background(), &config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "modelmux.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return store.New(client)
}

func healthTestConfig() *config.Config {
	return &config.Config{
		HealthCheckIntervalS: 1,
		Providers: map[string]*config.ProviderConfig{
			"deepseek": {
				Name:     "deepseek",
				Backend:  models.BackendHTTP,
				Enabled:  true,
				Priority: 5,
				TimeoutS: 120,
			},
			"gemini": {
				Name:     "gemini",
				Backend:  models.BackendCLI,
				Enabled:  true,
				Priority: 3,
				TimeoutS: 300,
			},
			"claude": {
				Name:    "claude",
				Backend: models.BackendCLIInteractive,
				Enabled: false,
			},
		},
	}
}

func TestMonitor_CheckAll(t *testing.T) {
	st := newHealthStore(t)
	source := sourceMap{
		"deepseek": newProbeBackend(models.BackendHTTP, true),
		"gemini":   newProbeBackend(models.BackendCLI, false),
	}
	m := NewMonitor(healthTestConfig(), st, source, nil)
	ctx := context.Background()

	m.CheckAll(ctx)

	rows, err := st.ListProviderStatus(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byName := make(map[string]*models.ProviderInfo, len(rows))
	for _, row := range rows {
		byName[row.Name] = row
	}

	assert.Equal(t, models.ProviderHealthy, byName["deepseek"].Status)
	assert.True(t, byName["deepseek"].Enabled)
	assert.Equal(t, 5, byName["deepseek"].Priority)
	assert.Equal(t, 120.0, byName["deepseek"].TimeoutS)

	assert.Equal(t, models.ProviderUnavailable, byName["gemini"].Status)

	// Disabled providers are listed but never probed.
	assert.Equal(t, models.ProviderUnknown, byName["claude"].Status)
	assert.False(t, byName["claude"].Enabled)

	// One provider is down, so the monitor reports unhealthy overall.
	assert.False(t, m.IsHealthy())

	statuses := m.GetStatuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, models.ProviderHealthy, statuses["deepseek"].Status)
}

func TestMonitor_DegradedOnLowSuccessRate(t *testing.T) {
	st := newHealthStore(t)
	ctx := context.Background()

	// Three failures against one success puts deepseek under 50%.
	for _, success := range []bool{true, false, false, false} {
		require.NoError(t, st.RecordMetric(ctx, &models.MetricEvent{
			Provider:  "deepseek",
			EventType: events.EventRequestCompleted,
			Success:   success,
			LatencyMS: 100,
		}))
	}
	// Passing health probes must not dilute the request success rate.
	for i := 0; i < 10; i++ {
		require.NoError(t, st.RecordMetric(ctx, &models.MetricEvent{
			Provider:  "deepseek",
			EventType: models.MetricEventHealthCheck,
			Success:   true,
		}))
	}

	source := sourceMap{
		"deepseek": newProbeBackend(models.BackendHTTP, true),
		"gemini":   newProbeBackend(models.BackendCLI, true),
	}
	m := NewMonitor(healthTestConfig(), st, source, nil)
	m.CheckAll(ctx)

	info, err := st.GetProviderStatus(ctx, "deepseek")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderDegraded, info.Status)
	assert.InDelta(t, 0.25, info.SuccessRate, 0.001)
	assert.InDelta(t, 100, info.AvgLatencyMS, 0.001)

	// The provider with no request history stays healthy.
	other, err := st.GetProviderStatus(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderHealthy, other.Status)
}

func TestMonitor_QueueDepth(t *testing.T) {
	st := newHealthStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.CreateRequest(ctx, models.NewRequest("deepseek", "waiting", 50, 60)))
	}

	source := sourceMap{
		"deepseek": newProbeBackend(models.BackendHTTP, true),
		"gemini":   newProbeBackend(models.BackendCLI, true),
	}
	m := NewMonitor(healthTestConfig(), st, source, nil)
	m.CheckAll(ctx)

	info, err := st.GetProviderStatus(ctx, "deepseek")
	require.NoError(t, err)
	assert.Equal(t, 3, info.QueueDepth)

	other, err := st.GetProviderStatus(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, 0, other.QueueDepth)
}

func TestMonitor_ProbeMetricsRecorded(t *testing.T) {
	st := newHealthStore(t)
	ctx := context.Background()

	source := sourceMap{
		"deepseek": newProbeBackend(models.BackendHTTP, true),
		"gemini":   newProbeBackend(models.BackendCLI, true),
	}
	m := NewMonitor(healthTestConfig(), st, source, nil)
	m.CheckAll(ctx)

	// Probe rows exist but stay out of the request aggregates.
	metrics, err := st.GetProviderMetrics(ctx, "deepseek", 24)
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.Total)
}

func TestMonitor_VerdictChangeEvents(t *testing.T) {
	st := newHealthStore(t)
	bus := events.NewBus()
	ch := bus.Subscribe("health-test", 64)
	t.Cleanup(func() { bus.Unsubscribe("health-test") })

	backend := newProbeBackend(models.BackendHTTP, true)
	cfg := &config.Config{
		HealthCheckIntervalS: 60,
		Providers: map[string]*config.ProviderConfig{
			"deepseek": {Name: "deepseek", Backend: models.BackendHTTP, Enabled: true},
		},
	}
	m := NewMonitor(cfg, st, sourceMap{"deepseek": backend}, bus)
	ctx := context.Background()

	// First sweep announces the initial verdict.
	m.CheckAll(ctx)
	ev := <-ch
	assert.Equal(t, events.EventProviderStatus, ev.Type)
	assert.Equal(t, "healthy", ev.Data["status"])
	_, hadPrevious := ev.Data["previous_status"]
	assert.False(t, hadPrevious)

	// An unchanged verdict stays quiet.
	m.CheckAll(ctx)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for unchanged verdict: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// Flipping the probe produces a change event with the previous
	// verdict attached.
	backend.alive.Store(false)
	m.CheckAll(ctx)
	ev = <-ch
	assert.Equal(t, "unavailable", ev.Data["status"])
	assert.Equal(t, "healthy", ev.Data["previous_status"])
}

func TestMonitor_StartStop(t *testing.T) {
	st := newHealthStore(t)
	source := sourceMap{
		"deepseek": newProbeBackend(models.BackendHTTP, true),
		"gemini":   newProbeBackend(models.BackendCLI, true),
	}
	m := NewMonitor(healthTestConfig(), st, source, nil)

	m.Start(context.Background())
	// Second Start is a no-op while running.
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(m.GetStatuses()) == 3
	}, 5*time.Second, 20*time.Millisecond)

	m.Stop()
	assert.Empty(t, m.GetStatuses())
	assert.False(t, m.IsHealthy())

	// The monitor restarts cleanly after Stop.
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return len(m.GetStatuses()) == 3
	}, 5*time.Second, 20*time.Millisecond)
	m.Stop()
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		name    string
		alive   bool
		metrics *models.ProviderMetrics
		want    models.ProviderHealth
	}{
		{
			name:  "dead probe wins regardless of history",
			alive: false,
			metrics: &models.ProviderMetrics{
				Total: 10, Successes: 10, SuccessRate: 1.0,
			},
			want: models.ProviderUnavailable,
		},
		{
			name:    "alive with no history",
			alive:   true,
			metrics: &models.ProviderMetrics{},
			want:    models.ProviderHealthy,
		},
		{
			name:    "alive with nil metrics",
			alive:   true,
			metrics: nil,
			want:    models.ProviderHealthy,
		},
		{
			name:  "alive but failing requests",
			alive: true,
			metrics: &models.ProviderMetrics{
				Total: 4, Successes: 1, SuccessRate: 0.25,
			},
			want: models.ProviderDegraded,
		},
		{
			name:  "exactly at the threshold stays healthy",
			alive: true,
			metrics: &models.ProviderMetrics{
				Total: 4, Successes: 2, SuccessRate: 0.5,
			},
			want: models.ProviderHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, verdict(tt.alive, tt.metrics))
		})
	}
}
